package backfill

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/orderbookd/internal/domain"
	"github.com/alanyoungcy/orderbookd/internal/floor"
	"github.com/alanyoungcy/orderbookd/internal/queue"
)

// FloorBootstrap seeds the token floor caches by scanning every token and
// requesting a recomputation with the bootstrap trigger.
type FloorBootstrap struct {
	tokens domain.TokenStore
	queue  queue.Enqueuer
	pager  pager
	logger *slog.Logger
}

// NewFloorBootstrap creates the floor bootstrap backfill.
func NewFloorBootstrap(tokens domain.TokenStore, enq queue.Enqueuer, knobs domain.Knobs, pageSize int, logger *slog.Logger) *FloorBootstrap {
	logger = logger.With(slog.String("component", "floor-bootstrap"))
	return &FloorBootstrap{
		tokens: tokens,
		queue:  enq,
		pager:  pager{knobs: knobs, fallback: pageSize, logger: logger},
		logger: logger,
	}
}

// Process implements queue.Handler.
func (b *FloorBootstrap) Process(ctx context.Context, job *domain.Job) (any, error) {
	page, err := queue.Decode[Page](job)
	if err != nil {
		return nil, err
	}

	size := b.pager.size(ctx, queue.FloorBootstrapBackfill)
	tokens, next, err := b.tokens.Scan(ctx, page.Cursor, size)
	if err != nil {
		return nil, fmt.Errorf("backfill: scan tokens: %w", err)
	}

	trig := domain.NewTrigger(domain.TriggerBootstrap)
	for _, t := range tokens {
		ref := t.TokenRef
		for _, kind := range []domain.CacheKind{domain.CacheTokenFloor, domain.CacheTokenNormalizedFloor} {
			req := domain.CacheJob{Context: "bootstrap", Kind: kind, Token: &ref, Trigger: trig}
			if _, err := floor.Enqueue(ctx, b.queue, req); err != nil {
				return nil, fmt.Errorf("backfill: enqueue %s for %s: %w", kind, ref, err)
			}
		}
	}

	b.logger.Info("bootstrap page done", slog.Int("tokens", len(tokens)), slog.String("cursor", next.Encode()))
	return nextPage(page, next, len(tokens), size), nil
}

// OnCompleted implements queue.Completer.
func (b *FloorBootstrap) OnCompleted(ctx context.Context, _ *domain.Job, result any) error {
	return continueScan(ctx, b.queue, queue.FloorBootstrapBackfill, result)
}

var (
	_ queue.Handler   = (*FloorBootstrap)(nil)
	_ queue.Completer = (*FloorBootstrap)(nil)
)
