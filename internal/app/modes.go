package app

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/orderbookd/internal/backfill"
	"github.com/alanyoungcy/orderbookd/internal/queue"
	"github.com/alanyoungcy/orderbookd/internal/server"
	"github.com/alanyoungcy/orderbookd/internal/server/handler"
	"github.com/alanyoungcy/orderbookd/internal/server/ws"
)

// LiveMode follows the chain head. Fan-out jobs are left for worker
// processes.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies, eng *Engine) error {
	a.logger.InfoContext(ctx, "starting live mode")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Follower.Run(ctx) })
	a.startHTTPServer(ctx, g, deps, eng)
	return g.Wait()
}

// WorkerMode consumes every queue this process can serve.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies, eng *Engine) error {
	a.logger.InfoContext(ctx, "starting worker mode")
	if err := eng.Expiry.Start(ctx); err != nil {
		return fmt.Errorf("worker mode: schedule expiry sweep: %w", err)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Pool.Run(ctx, workerQueues(deps, eng)...) })
	a.startHTTPServer(ctx, g, deps, eng)
	return g.Wait()
}

// BackfillMode enqueues the configured backfills and then works them off
// alongside the queues they fan out to.
func (a *App) BackfillMode(ctx context.Context, deps *Dependencies, eng *Engine) error {
	a.logger.InfoContext(ctx, "starting backfill mode", slog.Any("jobs", a.cfg.Backfill.Jobs))
	err := backfill.Launch(ctx, eng.Producer, backfill.LaunchOptions{
		Jobs:      a.cfg.Backfill.Jobs,
		FromBlock: a.cfg.Backfill.FromBlock,
		ToBlock:   a.cfg.Backfill.ToBlock,
		KeepGoing: a.cfg.Backfill.KeepGoing,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("backfill mode: %w", err)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Pool.Run(ctx, workerQueues(deps, eng)...) })
	a.startHTTPServer(ctx, g, deps, eng)
	return g.Wait()
}

// ExportMode runs only the export worker.
func (a *App) ExportMode(ctx context.Context, deps *Dependencies, eng *Engine) error {
	a.logger.InfoContext(ctx, "starting export mode")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Pool.Run(ctx, queue.ExportData) })
	a.startHTTPServer(ctx, g, deps, eng)
	return g.Wait()
}

// FullMode runs the follower, every worker and the HTTP server in one
// process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, eng *Engine) error {
	a.logger.InfoContext(ctx, "starting full mode")
	if err := eng.Expiry.Start(ctx); err != nil {
		return fmt.Errorf("full mode: schedule expiry sweep: %w", err)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Follower.Run(ctx) })
	g.Go(func() error { return eng.Pool.Run(ctx, workerQueues(deps, eng)...) })
	a.startHTTPServer(ctx, g, deps, eng)
	return g.Wait()
}

// workerQueues lists the registered queues whose dependencies are wired.
// The export queue needs blob storage.
func workerQueues(deps *Dependencies, eng *Engine) []string {
	names := eng.Registry.Names()
	if deps.BlobWriter == nil {
		names = slices.DeleteFunc(names, func(n string) bool { return n == queue.ExportData })
	}
	return names
}

// startHTTPServer adds the operator API and its websocket hub to g. The
// server shuts down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *Engine) {
	if !a.cfg.Server.Enabled {
		return
	}

	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(a.cfg.Mode, deps.Health, a.logger),
		Queues:   handler.NewQueueHandler(eng.Inspector, a.logger),
		FlagSync: handler.NewFlagSyncHandler(deps.Pending, a.logger),
		Audit:    handler.NewAuditHandler(deps.Audit, a.logger),
		Orders:   handler.NewOrderHandler(deps.Orders, deps.Caches, a.logger),
	}
	if deps.BlobLister != nil {
		handlers.Exports = handler.NewExportHandler(eng.Exporter, deps.BlobLister, a.cfg.Backfill.ExportPrefix, a.logger)
	}

	hub := ws.NewHub(deps.Subscriber, ws.DefaultPatterns, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
		RateLimiter: deps.RateLimiter,
	}, handlers, hub, deps.Gatherer, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
