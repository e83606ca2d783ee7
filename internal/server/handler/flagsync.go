package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// FlagSyncHandler hands out tokens whose flag status should be re-fetched.
type FlagSyncHandler struct {
	pending domain.PendingSet
	logger  *slog.Logger
}

// NewFlagSyncHandler creates a FlagSyncHandler.
func NewFlagSyncHandler(pending domain.PendingSet, logger *slog.Logger) *FlagSyncHandler {
	return &FlagSyncHandler{pending: pending, logger: logger}
}

// Pending pops up to count tokens from the pending set. Popped tokens are
// gone; the syncer owns them from here.
// GET /api/flag-sync/pending?count=50
func (h *FlagSyncHandler) Pending(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.pending.Pop(r.Context(), queryInt(r, "count", 50, 1000))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "pop pending flag sync failed", slog.String("error", err.Error()))
		writeError(w, statusOf(err), "failed to read pending tokens")
		return
	}
	remaining, err := h.pending.Size(r.Context())
	if err != nil {
		remaining = -1
	}
	if tokens == nil {
		tokens = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens, "remaining": remaining})
}
