package orderupdates

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/orderbookd/internal/domain"
	"github.com/alanyoungcy/orderbookd/internal/metrics"
	"github.com/alanyoungcy/orderbookd/internal/queue"
	"github.com/alanyoungcy/orderbookd/internal/validity"
)

var liveStatuses = []domain.FillabilityStatus{domain.FillabilityFillable, domain.FillabilityNoBalance}

// Orders of these kinds are validated by their own protocol and never
// follow the maker's balance.
var balanceExempt = []domain.OrderKind{domain.OrderKindFoundation, domain.OrderKindCryptopunks}

// cancelsOnLoss reports whether the protocol invalidates an order for good
// once its maker loses the balance or approval behind it.
func cancelsOnLoss(kind domain.OrderKind) bool {
	switch kind {
	case domain.OrderKindOpenSea, domain.OrderKindX2Y2, domain.OrderKindBlur:
		return true
	}
	return false
}

// ByMaker re-checks the orders of one maker after a balance or approval
// change.
type ByMaker struct {
	orders  domain.OrderStore
	mirror  domain.Mirror
	checker *validity.Checker
	queue   queue.Enqueuer
	opts    validity.Options
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewByMaker creates a ByMaker handler.
func NewByMaker(
	orders domain.OrderStore,
	mirror domain.Mirror,
	checker *validity.Checker,
	enq queue.Enqueuer,
	opts validity.Options,
	m *metrics.Metrics,
	logger *slog.Logger,
) *ByMaker {
	return &ByMaker{
		orders:  orders,
		mirror:  mirror,
		checker: checker,
		queue:   enq,
		opts:    opts,
		metrics: m,
		logger:  logger.With(slog.String("component", "order-updates-by-maker")),
	}
}

// Process implements queue.Handler.
func (h *ByMaker) Process(ctx context.Context, job *domain.Job) (any, error) {
	info, err := queue.Decode[domain.MakerInfo](job)
	if err != nil {
		return nil, err
	}
	return nil, h.Apply(ctx, info)
}

// Apply handles one maker info.
func (h *ByMaker) Apply(ctx context.Context, info domain.MakerInfo) error {
	if info.Maker == (common.Address{}) {
		return nil
	}

	q := domain.MakerOrderQuery{
		Maker:    info.Maker,
		Contract: &info.Contract,
		Statuses: liveStatuses,
	}
	switch info.Kind {
	case domain.MakerBuyBalance:
		q.Side = domain.SideBuy
	case domain.MakerBuyApproval:
		if info.Operator == nil && info.OrderKind != "" {
			return h.fanOutConduits(ctx, info)
		}
		q.Side = domain.SideBuy
		q.Conduit = info.Operator
	case domain.MakerSellBalance:
		q.Side = domain.SideSell
		q.TokenID = info.TokenID
		q.ExcludeKinds = balanceExempt
	case domain.MakerSellApproval:
		q.Side = domain.SideSell
		q.Conduit = info.Operator
	default:
		return fmt.Errorf("orderupdates: maker info kind %q: %w", info.Kind, domain.ErrInvalidPayload)
	}

	orders, err := h.orders.ListByMaker(ctx, q)
	if err != nil {
		return fmt.Errorf("orderupdates: list orders of %s: %w", info.Maker.Hex(), err)
	}
	for _, o := range orders {
		if err := h.recheck(ctx, info, o); err != nil {
			return err
		}
	}
	return nil
}

// fanOutConduits splits an approval change for an order kind into one job
// per conduit the maker's orders of that kind use.
func (h *ByMaker) fanOutConduits(ctx context.Context, info domain.MakerInfo) error {
	conduits, err := h.orders.ListConduits(ctx, info.Maker, info.OrderKind)
	if err != nil {
		return fmt.Errorf("orderupdates: list conduits of %s: %w", info.Maker.Hex(), err)
	}
	for _, c := range conduits {
		next := info
		next.Context = info.Context + "-" + c.Hex()
		next.Operator = &c
		next.OrderKind = ""
		if _, err := h.queue.Enqueue(ctx, queue.OrderUpdatesByMaker, next, queue.WithJobID(next.Context)); err != nil {
			return fmt.Errorf("orderupdates: enqueue conduit %s: %w", c.Hex(), err)
		}
	}
	return nil
}

func (h *ByMaker) recheck(ctx context.Context, info domain.MakerInfo, o domain.Order) error {
	var remaining *big.Int
	if info.Kind == domain.MakerSellBalance {
		balance, err := h.mirror.NftBalance(ctx, o.Contract, o.TokenID, o.Maker)
		if err != nil {
			return fmt.Errorf("orderupdates: nft balance for %s: %w", o.ID, err)
		}
		remaining = validity.Remaining(o)
		if balance.Cmp(remaining) < 0 {
			remaining = balance
		}
	}

	next, err := validity.Resolve(o.Status(), h.checker.Check(ctx, o, h.opts))
	if err != nil {
		return fmt.Errorf("orderupdates: check %s: %w", o.ID, err)
	}
	if o.Kind.IsPool() && next.Fillability == domain.FillabilityFillable {
		return nil
	}
	if cancelsOnLoss(o.Kind) && (next.Fillability == domain.FillabilityNoBalance || next.Approval == domain.ApprovalNoApproval) {
		next.Fillability = domain.FillabilityCancelled
	}

	t, err := h.orders.CompareAndSwapStatus(ctx, o.ID, next, remaining, info.Trigger)
	if err != nil {
		return fmt.Errorf("orderupdates: update %s: %w", o.ID, err)
	}
	if t == nil {
		return nil
	}
	h.metrics.RecordTransition(string(t.Trigger.Kind), string(t.Current.EventStatus()))

	byID := domain.OrderInfo{Context: info.Context + "-" + o.ID, ID: o.ID, Trigger: info.Trigger}
	if _, err := h.queue.Enqueue(ctx, queue.OrderUpdatesByID, byID, queue.WithJobID(byID.Context)); err != nil {
		return fmt.Errorf("orderupdates: enqueue by-id for %s: %w", o.ID, err)
	}
	return nil
}

var _ queue.Handler = (*ByMaker)(nil)
