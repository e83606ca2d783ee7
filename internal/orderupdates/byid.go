// Package orderupdates holds the order-centric job handlers: propagation of
// one order's change, maker-wide revalidation after balance or approval
// changes, expiry, token flags and AMM pool orders.
package orderupdates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/orderbookd/internal/domain"
	"github.com/alanyoungcy/orderbookd/internal/floor"
	"github.com/alanyoungcy/orderbookd/internal/metrics"
	"github.com/alanyoungcy/orderbookd/internal/queue"
)

const (
	EventOrderCreated   = "order.created"
	EventOrderCancelled = "order.cancelled"
)

// ByID propagates a change of one order to the caches and the event bus.
type ByID struct {
	orders  domain.OrderStore
	caches  domain.CacheStore
	queue   queue.Enqueuer
	bus     domain.EventBus
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewByID creates a ByID handler.
func NewByID(orders domain.OrderStore, caches domain.CacheStore, enq queue.Enqueuer, bus domain.EventBus, m *metrics.Metrics, logger *slog.Logger) *ByID {
	return &ByID{
		orders:  orders,
		caches:  caches,
		queue:   enq,
		bus:     bus,
		metrics: m,
		logger:  logger.With(slog.String("component", "order-updates-by-id")),
		now:     time.Now,
	}
}

// Process implements queue.Handler.
func (h *ByID) Process(ctx context.Context, job *domain.Job) (any, error) {
	info, err := queue.Decode[domain.OrderInfo](job)
	if err != nil {
		return nil, err
	}
	return nil, h.Apply(ctx, info)
}

// Apply handles one order info.
func (h *ByID) Apply(ctx context.Context, info domain.OrderInfo) error {
	if info.ID == "" || info.ID == (common.Hash{}).Hex() {
		return nil
	}

	o, err := h.orders.Get(ctx, info.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.logger.Debug("order not found", slog.String("order_id", info.ID))
			return nil
		}
		return fmt.Errorf("orderupdates: get order %s: %w", info.ID, err)
	}

	trig := info.Trigger.Kind
	if trig == domain.TriggerNewOrder || trig == domain.TriggerReprice {
		if _, err := h.orders.AppendStatusEvent(ctx, o.ID, info.Trigger); err != nil {
			return fmt.Errorf("orderupdates: append status event %s: %w", o.ID, err)
		}
	}

	if err := h.fanOut(ctx, info, o); err != nil {
		return err
	}

	switch {
	case trig == domain.TriggerCancel:
		h.publish(ctx, EventOrderCancelled, o)
	case (trig == domain.TriggerNewOrder || trig == domain.TriggerReprice) && o.Active():
		h.publish(ctx, EventOrderCreated, o)
	}

	if trig == domain.TriggerNewOrder && !o.CreatedAt.IsZero() {
		h.metrics.RecordOrderLatency(h.now().Sub(o.CreatedAt).Seconds())
	}
	return nil
}

func (h *ByID) fanOut(ctx context.Context, info domain.OrderInfo, o domain.Order) error {
	if o.Side == domain.SideBuy {
		job := domain.CacheJob{Context: info.Context, Trigger: info.Trigger}
		if rest, ok := strings.CutPrefix(o.TokenSetID, "token:"); ok {
			ref, err := domain.ParseTokenRef(rest)
			if err != nil {
				h.logger.Warn("bad token set id", slog.String("order_id", o.ID), slog.String("token_set_id", o.TokenSetID))
				return nil
			}
			job.Kind = domain.CacheTokenTopBid
			job.Token = &ref
		} else {
			collectionID, err := h.collectionOfSet(ctx, o.TokenSetID)
			if err != nil {
				return err
			}
			if collectionID == "" {
				return nil
			}
			job.Kind = domain.CacheCollectionTopBid
			job.CollectionID = collectionID
		}
		if _, err := floor.Enqueue(ctx, h.queue, job); err != nil {
			return fmt.Errorf("orderupdates: enqueue top bid for %s: %w", o.ID, err)
		}
		return nil
	}

	refs, err := h.orders.TokensOfSet(ctx, o.TokenSetID)
	if err != nil {
		return fmt.Errorf("orderupdates: tokens of set %s: %w", o.TokenSetID, err)
	}
	for _, ref := range refs {
		for _, kind := range []domain.CacheKind{domain.CacheTokenFloor, domain.CacheTokenNormalizedFloor} {
			job := domain.CacheJob{Context: info.Context, Kind: kind, Token: &ref, Trigger: info.Trigger}
			if _, err := floor.Enqueue(ctx, h.queue, job); err != nil {
				return fmt.Errorf("orderupdates: enqueue %s for %s: %w", kind, ref, err)
			}
		}
	}
	return nil
}

// collectionOfSet maps a non-token set onto its collection. Contract-wide
// sets name it directly; other sets resolve through any member token.
func (h *ByID) collectionOfSet(ctx context.Context, setID string) (string, error) {
	if id, ok := strings.CutPrefix(setID, "contract:"); ok {
		return id, nil
	}
	refs, err := h.orders.TokensOfSet(ctx, setID)
	if err != nil {
		return "", fmt.Errorf("orderupdates: tokens of set %s: %w", setID, err)
	}
	if len(refs) == 0 {
		return "", nil
	}
	id, err := h.caches.CollectionOf(ctx, refs[0])
	if err != nil {
		return "", fmt.Errorf("orderupdates: collection of %s: %w", refs[0], err)
	}
	return id, nil
}

type orderSummary struct {
	ID          string                   `json:"id"`
	Kind        domain.OrderKind         `json:"kind"`
	Side        domain.Side              `json:"side"`
	Maker       common.Address           `json:"maker"`
	Contract    common.Address           `json:"contract"`
	TokenSetID  string                   `json:"tokenSetId"`
	Price       string                   `json:"price"`
	Fillability domain.FillabilityStatus `json:"fillabilityStatus"`
	Approval    domain.ApprovalStatus    `json:"approvalStatus"`
	Source      string                   `json:"source,omitempty"`
}

func (h *ByID) publish(ctx context.Context, name string, o domain.Order) {
	price := ""
	if o.Price != nil {
		price = o.Price.String()
	}
	tags := map[string]string{
		"kind":     string(o.Kind),
		"side":     string(o.Side),
		"contract": o.Contract.Hex(),
	}
	data := orderSummary{
		ID:          o.ID,
		Kind:        o.Kind,
		Side:        o.Side,
		Maker:       o.Maker,
		Contract:    o.Contract,
		TokenSetID:  o.TokenSetID,
		Price:       price,
		Fillability: o.FillabilityStatus,
		Approval:    o.ApprovalStatus,
		Source:      o.Source,
	}
	if err := h.bus.Publish(ctx, name, tags, data); err != nil {
		h.metrics.RecordError("order-updates-by-id", "publish")
		h.logger.Error("publish order event failed",
			slog.String("event", name),
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
	}
}

var _ queue.Handler = (*ByID)(nil)
