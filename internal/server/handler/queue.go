package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// QueueInspector exposes queue state and dead letters.
type QueueInspector interface {
	Stats(ctx context.Context) ([]domain.QueueStats, error)
	DeadLetters(ctx context.Context, queue string, limit int) ([]domain.Job, error)
	Replay(ctx context.Context, queue string, limit int) (int, error)
}

// QueueHandler serves the queue endpoints.
type QueueHandler struct {
	inspector QueueInspector
	logger    *slog.Logger
}

// NewQueueHandler creates a QueueHandler.
func NewQueueHandler(inspector QueueInspector, logger *slog.Logger) *QueueHandler {
	return &QueueHandler{inspector: inspector, logger: logger}
}

// ListQueues returns per-queue counts.
// GET /api/queues
func (h *QueueHandler) ListQueues(w http.ResponseWriter, r *http.Request) {
	stats, err := h.inspector.Stats(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "queue stats failed", slog.String("error", err.Error()))
		writeError(w, statusOf(err), "failed to read queue stats")
		return
	}
	if stats == nil {
		stats = []domain.QueueStats{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": stats})
}

// DeadLetters lists the dead jobs of one queue.
// GET /api/queues/{name}/dead-letters?limit=100
func (h *QueueHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	jobs, err := h.inspector.DeadLetters(r.Context(), name, queryInt(r, "limit", 100, 1000))
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "jobs": jobs})
}

// Replay re-publishes dead jobs with their attempt count reset.
// POST /api/queues/{name}/dead-letters/replay?limit=100
func (h *QueueHandler) Replay(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	n, err := h.inspector.Replay(r.Context(), name, queryInt(r, "limit", 100, 10000))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "replay failed", slog.String("queue", name), slog.String("error", err.Error()))
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "replayed": n})
}
