// Package backfill holds the resumable backfill jobs. Each run handles one
// page or chunk and hands its continuation to OnCompleted, which enqueues
// the next run until the source is exhausted.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/orderbookd/internal/domain"
	"github.com/alanyoungcy/orderbookd/internal/queue"
)

// PageSizeKey is the knob overriding the page size of a backfill queue.
func PageSizeKey(queueName string) string {
	return "backfill:page-size:" + queueName
}

// pager reads the page size once per run so operators can resize a running
// backfill.
type pager struct {
	knobs    domain.Knobs
	fallback int
	logger   *slog.Logger
}

func (p pager) size(ctx context.Context, queueName string) int {
	if p.knobs == nil {
		return p.fallback
	}
	v, ok, err := p.knobs.Int(ctx, PageSizeKey(queueName))
	if err != nil {
		p.logger.Warn("read page size knob failed",
			slog.String("queue", queueName),
			slog.String("error", err.Error()),
		)
		return p.fallback
	}
	if !ok || v < 1 {
		return p.fallback
	}
	return v
}

// Page is the payload of the cursor-scan backfills. With KeepGoing set the
// scan never ends: a short page is polled again after KeepGoingDelay.
type Page struct {
	Cursor    domain.Cursor `json:"cursor"`
	KeepGoing bool          `json:"keepGoing,omitempty"`
}

// KeepGoingDelay spaces out the polls of a keep-going scan that has caught up.
const KeepGoingDelay = 30 * time.Second

// continuation is what a page run hands to OnCompleted.
type continuation struct {
	next      domain.Cursor
	full      bool
	keepGoing bool
}

// nextPage builds the continuation of a page run that returned n rows and
// the scan cursor next.
func nextPage(page Page, next domain.Cursor, n, size int) continuation {
	if n == 0 {
		next = page.Cursor
	}
	return continuation{next: next, full: n == size, keepGoing: page.KeepGoing}
}

func continueScan(ctx context.Context, enq queue.Enqueuer, queueName string, result any) error {
	c, ok := result.(continuation)
	if !ok || (!c.full && !c.keepGoing) {
		return nil
	}
	opts := []queue.EnqueueOption{queue.WithJobID(queueName + "-" + c.next.Encode())}
	if !c.full {
		opts = append(opts, queue.WithDelay(KeepGoingDelay))
	}
	if _, err := enq.Enqueue(ctx, queueName, Page{Cursor: c.next, KeepGoing: c.keepGoing}, opts...); err != nil {
		return fmt.Errorf("backfill: continue %s: %w", queueName, err)
	}
	return nil
}

// Job names accepted by Launch.
const (
	JobOrderRevalidation = "order-revalidation"
	JobFloorBootstrap    = "floor-bootstrap"
	JobEventsSync        = "events-sync"
)

// LaunchOptions selects the backfills to start. KeepGoing applies to the
// cursor scans.
type LaunchOptions struct {
	Jobs      []string
	FromBlock uint64
	ToBlock   uint64
	KeepGoing bool
}

// Launch enqueues the first run of every requested backfill. Starting a
// backfill that is already pending is a no-op.
func Launch(ctx context.Context, enq queue.Enqueuer, opts LaunchOptions, logger *slog.Logger) error {
	for _, job := range opts.Jobs {
		var (
			name    string
			payload any
			id      string
		)
		switch job {
		case JobOrderRevalidation:
			name, payload, id = queue.OrderRevalidationBackfill, Page{KeepGoing: opts.KeepGoing}, queue.OrderRevalidationBackfill+"-start"
		case JobFloorBootstrap:
			name, payload, id = queue.FloorBootstrapBackfill, Page{KeepGoing: opts.KeepGoing}, queue.FloorBootstrapBackfill+"-start"
		case JobEventsSync:
			r := BlockRange{From: opts.FromBlock, To: opts.ToBlock}
			name, payload, id = queue.EventsSyncBackfill, r, r.jobID()
		default:
			return fmt.Errorf("backfill: unknown job %q: %w", job, domain.ErrUnknownQueue)
		}

		enqueued, err := enq.Enqueue(ctx, name, payload, queue.WithJobID(id))
		if err != nil {
			return fmt.Errorf("backfill: launch %s: %w", job, err)
		}
		logger.Info("backfill launched", slog.String("job", job), slog.Bool("enqueued", enqueued))
	}
	return nil
}
