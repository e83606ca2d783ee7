package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// Pinger is a dependency the health check probes.
type Pinger func(ctx context.Context) error

// HealthHandler serves liveness and dependency health.
type HealthHandler struct {
	mode      string
	startedAt time.Time
	checks    map[string]Pinger
	logger    *slog.Logger
}

// NewHealthHandler creates a HealthHandler. checks may be empty.
func NewHealthHandler(mode string, checks map[string]Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		mode:      mode,
		startedAt: time.Now().UTC(),
		checks:    checks,
		logger:    logger,
	}
}

type healthResponse struct {
	Status        string            `json:"status"`
	Mode          string            `json:"mode"`
	UptimeSeconds int64             `json:"uptimeSeconds"`
	Checks        map[string]string `json:"checks,omitempty"`
	Timestamp     string            `json:"timestamp"`
}

// HealthCheck probes every dependency with a short deadline. Any failure
// turns the response into a 503.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := healthResponse{
		Status:        "ok",
		Mode:          h.mode,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Checks:        make(map[string]string, len(names)),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.Warn("health check failed", slog.String("dependency", name), slog.String("error", err.Error()))
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}
