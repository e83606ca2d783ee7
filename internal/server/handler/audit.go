package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// AuditHandler lists the operational audit log.
type AuditHandler struct {
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(audit domain.AuditStore, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logger}
}

// List returns the newest entries first.
// GET /api/audit?limit=50&since=2024-01-01T00:00:00Z
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := domain.ListOpts{Limit: queryInt(r, "limit", 50, 500)}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		opts.Since = &since
	}

	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list audit failed", slog.String("error", err.Error()))
		writeError(w, statusOf(err), "failed to list audit entries")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
