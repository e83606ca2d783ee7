package orderupdates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/orderbookd/internal/domain"
	"github.com/alanyoungcy/orderbookd/internal/metrics"
	"github.com/alanyoungcy/orderbookd/internal/queue"
)

const expirySweepID = "expiry-sweep"

// ExpiryTick is the payload of the self-rescheduling expiry sweep.
type ExpiryTick struct {
	Scheduled time.Time `json:"scheduled"`
}

// Expiry marks orders whose validity window has passed as expired. Each run
// handles one batch and re-enqueues itself: immediately while batches come
// back full, after Interval otherwise.
type Expiry struct {
	orders   domain.OrderStore
	queue    queue.Enqueuer
	metrics  *metrics.Metrics
	logger   *slog.Logger
	batch    int
	interval time.Duration
	now      func() time.Time
}

// NewExpiry creates an Expiry sweeper.
func NewExpiry(orders domain.OrderStore, enq queue.Enqueuer, batch int, interval time.Duration, m *metrics.Metrics, logger *slog.Logger) *Expiry {
	if batch <= 0 {
		batch = 500
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Expiry{
		orders:   orders,
		queue:    enq,
		metrics:  m,
		logger:   logger.With(slog.String("component", "order-expiry")),
		batch:    batch,
		interval: interval,
		now:      time.Now,
	}
}

// Start schedules the first sweep. It is a no-op when one is pending.
func (e *Expiry) Start(ctx context.Context) error {
	_, err := e.queue.Enqueue(ctx, queue.OrderExpiry, ExpiryTick{Scheduled: e.now().UTC()}, queue.WithJobID(expirySweepID))
	return err
}

// Process implements queue.Handler. The result is the batch size seen.
func (e *Expiry) Process(ctx context.Context, _ *domain.Job) (any, error) {
	now := e.now().UTC()
	ids, err := e.orders.ListExpired(ctx, now, e.batch)
	if err != nil {
		return nil, fmt.Errorf("orderupdates: list expired: %w", err)
	}

	for _, id := range ids {
		o, err := e.orders.Get(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("orderupdates: get %s: %w", id, err)
		}

		trig := domain.Trigger{Kind: domain.TriggerExpiry, TxTimestamp: now}
		next := domain.OrderStatus{Fillability: domain.FillabilityExpired, Approval: o.ApprovalStatus}
		t, err := e.orders.CompareAndSwapStatus(ctx, id, next, nil, trig)
		if err != nil {
			return nil, fmt.Errorf("orderupdates: expire %s: %w", id, err)
		}
		if t == nil {
			continue
		}
		e.metrics.RecordTransition(string(domain.TriggerExpiry), string(domain.OrderEventExpired))

		info := domain.OrderInfo{Context: "expiry-" + id, ID: id, Trigger: trig}
		if _, err := e.queue.Enqueue(ctx, queue.OrderUpdatesByID, info, queue.WithJobID(info.Context)); err != nil {
			return nil, fmt.Errorf("orderupdates: enqueue by-id for %s: %w", id, err)
		}
	}

	if len(ids) > 0 {
		e.logger.Info("expired orders", slog.Int("count", len(ids)))
	}
	return len(ids), nil
}

// OnCompleted implements queue.Completer.
func (e *Expiry) OnCompleted(ctx context.Context, _ *domain.Job, result any) error {
	delay := e.interval
	if n, _ := result.(int); n >= e.batch {
		delay = 0
	}
	_, err := e.queue.Enqueue(ctx, queue.OrderExpiry, ExpiryTick{Scheduled: e.now().UTC().Add(delay)},
		queue.WithJobID(expirySweepID), queue.WithDelay(delay))
	return err
}

var (
	_ queue.Handler   = (*Expiry)(nil)
	_ queue.Completer = (*Expiry)(nil)
)
