package backfill

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/orderbookd/internal/domain"
	"github.com/alanyoungcy/orderbookd/internal/metrics"
	"github.com/alanyoungcy/orderbookd/internal/queue"
	"github.com/alanyoungcy/orderbookd/internal/validity"
)

// Revalidation re-runs the validity checker over every live order, paging
// by (created_at, id). created_at never changes, so a page cannot revisit
// rows this scan has just written.
type Revalidation struct {
	orders  domain.OrderStore
	checker *validity.Checker
	queue   queue.Enqueuer
	pager   pager
	opts    validity.Options
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRevalidation creates the order revalidation backfill.
func NewRevalidation(
	orders domain.OrderStore,
	checker *validity.Checker,
	enq queue.Enqueuer,
	knobs domain.Knobs,
	pageSize int,
	opts validity.Options,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Revalidation {
	logger = logger.With(slog.String("component", "order-revalidation"))
	opts.CheckFilledOrCancelled = true
	return &Revalidation{
		orders:  orders,
		checker: checker,
		queue:   enq,
		pager:   pager{knobs: knobs, fallback: pageSize, logger: logger},
		opts:    opts,
		metrics: m,
		logger:  logger,
	}
}

// Process implements queue.Handler.
func (r *Revalidation) Process(ctx context.Context, job *domain.Job) (any, error) {
	page, err := queue.Decode[Page](job)
	if err != nil {
		return nil, err
	}

	size := r.pager.size(ctx, queue.OrderRevalidationBackfill)
	orders, next, err := r.orders.ScanForRevalidation(ctx, page.Cursor, size)
	if err != nil {
		return nil, fmt.Errorf("backfill: scan orders: %w", err)
	}

	trig := domain.NewTrigger(domain.TriggerRevalidation)
	changed := 0
	for _, o := range orders {
		// Pool orders follow pool state, not the maker's balances.
		if o.Kind.IsPool() {
			continue
		}
		status, err := validity.Resolve(o.Status(), r.checker.Check(ctx, o, r.opts))
		if err != nil {
			return nil, fmt.Errorf("backfill: check %s: %w", o.ID, err)
		}
		t, err := r.orders.CompareAndSwapStatus(ctx, o.ID, status, nil, trig)
		if err != nil {
			return nil, fmt.Errorf("backfill: update %s: %w", o.ID, err)
		}
		if t == nil {
			continue
		}
		changed++
		r.metrics.RecordTransition(string(trig.Kind), string(t.Current.EventStatus()))

		info := domain.OrderInfo{Context: "revalidation-" + o.ID, ID: o.ID, Trigger: trig}
		if _, err := r.queue.Enqueue(ctx, queue.OrderUpdatesByID, info, queue.WithJobID(info.Context)); err != nil {
			return nil, fmt.Errorf("backfill: enqueue by-id for %s: %w", o.ID, err)
		}
	}

	r.logger.Info("revalidation page done",
		slog.Int("orders", len(orders)),
		slog.Int("changed", changed),
		slog.String("cursor", next.Encode()),
	)
	return nextPage(page, next, len(orders), size), nil
}

// OnCompleted implements queue.Completer.
func (r *Revalidation) OnCompleted(ctx context.Context, _ *domain.Job, result any) error {
	return continueScan(ctx, r.queue, queue.OrderRevalidationBackfill, result)
}

var (
	_ queue.Handler   = (*Revalidation)(nil)
	_ queue.Completer = (*Revalidation)(nil)
)
