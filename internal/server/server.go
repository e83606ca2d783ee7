// Package server is the operator HTTP and websocket API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/orderbookd/internal/domain"
	"github.com/alanyoungcy/orderbookd/internal/server/handler"
	"github.com/alanyoungcy/orderbookd/internal/server/middleware"
	"github.com/alanyoungcy/orderbookd/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication

	RateLimit   int
	RateWindow  time.Duration
	RateLimiter domain.RateLimiter
}

// Handlers aggregates the route handlers. Nil handlers leave their routes
// unregistered.
type Handlers struct {
	Health   *handler.HealthHandler
	Queues   *handler.QueueHandler
	FlagSync *handler.FlagSyncHandler
	Audit    *handler.AuditHandler
	Exports  *handler.ExportHandler
	Orders   *handler.OrderHandler
}

// Server is the operator API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware
// chain. gatherer may be nil, in which case /metrics is not served.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, hub, gatherer, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed and wrapped handler without a listener.
func NewHandler(cfg Config, handlers Handlers, hub *ws.Hub, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	if h := handlers.Health; h != nil {
		mux.HandleFunc("GET /api/health", h.HealthCheck)
	}
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	if h := handlers.Queues; h != nil {
		mux.HandleFunc("GET /api/queues", h.ListQueues)
		mux.HandleFunc("GET /api/queues/{name}/dead-letters", h.DeadLetters)
		mux.HandleFunc("POST /api/queues/{name}/dead-letters/replay", h.Replay)
	}
	if h := handlers.FlagSync; h != nil {
		mux.HandleFunc("GET /api/flag-sync/pending", h.Pending)
	}
	if h := handlers.Audit; h != nil {
		mux.HandleFunc("GET /api/audit", h.List)
	}
	if h := handlers.Exports; h != nil {
		mux.HandleFunc("POST /api/exports", h.Start)
		mux.HandleFunc("GET /api/exports", h.List)
	}
	if h := handlers.Orders; h != nil {
		mux.HandleFunc("GET /api/orders/{id}", h.GetOrder)
		mux.HandleFunc("GET /api/caches/{kind}/tokens/{contract}/{tokenId}", h.GetTokenCache)
		mux.HandleFunc("GET /api/caches/{kind}/collections/{id}", h.GetCollectionCache)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	public := []string{"/api/health", "/metrics"}
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, public...)(h)
	h = middleware.RateLimit(cfg.RateLimiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	h = middleware.Logging(logger, public...)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
