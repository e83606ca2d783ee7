package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"path"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// ExportStarter creates export tasks.
type ExportStarter interface {
	Start(ctx context.Context, source, target string) (int64, error)
}

// ExportHandler starts data exports and lists their files.
type ExportHandler struct {
	starter ExportStarter
	lister  domain.BlobLister
	prefix  string
	logger  *slog.Logger
}

// NewExportHandler creates an ExportHandler. Targets default to
// <prefix>/<source>.
func NewExportHandler(starter ExportStarter, lister domain.BlobLister, prefix string, logger *slog.Logger) *ExportHandler {
	return &ExportHandler{starter: starter, lister: lister, prefix: prefix, logger: logger}
}

type startExportRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Start creates an export task and schedules its first page.
// POST /api/exports
func (h *ExportHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}
	if req.Target == "" {
		req.Target = path.Join(h.prefix, req.Source)
	}

	id, err := h.starter.Start(r.Context(), req.Source, req.Target)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "start export failed", slog.String("source", req.Source), slog.String("error", err.Error()))
		writeError(w, statusOf(err), "failed to start export")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"taskId": id, "target": req.Target})
}

// List returns the files under an export prefix.
// GET /api/exports?prefix=exports/orders
func (h *ExportHandler) List(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		prefix = h.prefix
	}
	files, err := h.lister.List(r.Context(), prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list exports failed", slog.String("prefix", prefix), slog.String("error", err.Error()))
		writeError(w, statusOf(err), "failed to list exports")
		return
	}
	if files == nil {
		files = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"prefix": prefix, "files": files})
}
