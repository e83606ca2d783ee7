package backfill

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/orderbookd/internal/domain"
	"github.com/alanyoungcy/orderbookd/internal/ingest"
	"github.com/alanyoungcy/orderbookd/internal/queue"
)

// RangeSyncer processes a block range end to end.
type RangeSyncer interface {
	SyncRange(ctx context.Context, from, to uint64, backfill bool) (ingest.Summary, error)
}

// BlockRange is the payload of an events sync run. Both ends are inclusive.
type BlockRange struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

func (r BlockRange) jobID() string {
	return fmt.Sprintf("%s-%d-%d", queue.EventsSyncBackfill, r.From, r.To)
}

// EventsSync replays historical blocks through the normalizer and ingest
// path with backfill semantics, one chunk per run.
type EventsSync struct {
	syncer RangeSyncer
	queue  queue.Enqueuer
	pager  pager
	logger *slog.Logger
}

// NewEventsSync creates the events sync backfill. pageSize is the number of
// blocks per run.
func NewEventsSync(syncer RangeSyncer, enq queue.Enqueuer, knobs domain.Knobs, pageSize int, logger *slog.Logger) *EventsSync {
	logger = logger.With(slog.String("component", "events-sync"))
	return &EventsSync{
		syncer: syncer,
		queue:  enq,
		pager:  pager{knobs: knobs, fallback: pageSize, logger: logger},
		logger: logger,
	}
}

// Process implements queue.Handler. The result is the remaining range, or
// nil once the range is done.
func (e *EventsSync) Process(ctx context.Context, job *domain.Job) (any, error) {
	r, err := queue.Decode[BlockRange](job)
	if err != nil {
		return nil, err
	}
	if r.To < r.From {
		return nil, fmt.Errorf("backfill: block range %d-%d: %w", r.From, r.To, domain.ErrInvalidPayload)
	}

	end := r.From + uint64(e.pager.size(ctx, queue.EventsSyncBackfill)) - 1
	if end > r.To {
		end = r.To
	}

	sum, err := e.syncer.SyncRange(ctx, r.From, end, true)
	if err != nil {
		return nil, fmt.Errorf("backfill: sync blocks %d-%d: %w", r.From, end, err)
	}
	e.logger.Info("events chunk synced",
		slog.Uint64("from", r.From),
		slog.Uint64("to", end),
		slog.Int("fills", sum.NewFills),
		slog.Int("cancels", sum.NewCancels),
		slog.Int("item_errors", sum.ItemErrors),
	)

	if end >= r.To {
		return nil, nil
	}
	return &BlockRange{From: end + 1, To: r.To}, nil
}

// OnCompleted implements queue.Completer.
func (e *EventsSync) OnCompleted(ctx context.Context, _ *domain.Job, result any) error {
	rest, ok := result.(*BlockRange)
	if !ok || rest == nil {
		return nil
	}
	if _, err := e.queue.Enqueue(ctx, queue.EventsSyncBackfill, *rest, queue.WithJobID(rest.jobID())); err != nil {
		return fmt.Errorf("backfill: continue events sync: %w", err)
	}
	return nil
}

var (
	_ queue.Handler   = (*EventsSync)(nil)
	_ queue.Completer = (*EventsSync)(nil)
)
