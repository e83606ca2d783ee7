package orderupdates

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/alanyoungcy/orderbookd/internal/domain"
	"github.com/alanyoungcy/orderbookd/internal/queue"
)

// PoolOrders rebuilds the synthetic buy order an AMM pool offers from its
// on-chain state.
type PoolOrders struct {
	reader domain.PoolReader
	pools  domain.PoolStore
	orders domain.OrderStore
	queue  queue.Enqueuer
	logger *slog.Logger
}

// NewPoolOrders creates a PoolOrders handler.
func NewPoolOrders(reader domain.PoolReader, pools domain.PoolStore, orders domain.OrderStore, enq queue.Enqueuer, logger *slog.Logger) *PoolOrders {
	return &PoolOrders{
		reader: reader,
		pools:  pools,
		orders: orders,
		queue:  enq,
		logger: logger.With(slog.String("component", "pool-orders")),
	}
}

// Process implements queue.Handler.
func (h *PoolOrders) Process(ctx context.Context, job *domain.Job) (any, error) {
	u, err := queue.Decode[domain.OrderUpsert](job)
	if err != nil {
		return nil, err
	}
	return nil, h.Apply(ctx, u)
}

// Apply upserts the pool's order. The pool can buy balance / spotPrice
// tokens; with nothing to spend the order is kept as no-balance.
func (h *PoolOrders) Apply(ctx context.Context, u domain.OrderUpsert) error {
	if u.Kind == "" {
		u.Kind = domain.OrderKindSudoswapV2
	}

	st, err := h.reader.PoolState(ctx, u.Pool)
	if err != nil {
		return fmt.Errorf("orderupdates: pool state %s: %w", u.Pool.Hex(), err)
	}
	if err := h.pools.Upsert(ctx, domain.Pool{Address: u.Pool, Kind: u.Kind, Contract: st.Contract, Currency: st.Currency}); err != nil {
		return fmt.Errorf("orderupdates: upsert pool %s: %w", u.Pool.Hex(), err)
	}

	quantity := new(big.Int)
	if st.SpotPrice != nil && st.SpotPrice.Sign() > 0 && st.TokenBalance != nil {
		quantity.Quo(st.TokenBalance, st.SpotPrice)
	}
	status := domain.OrderStatus{Fillability: domain.FillabilityFillable, Approval: domain.ApprovalApproved}
	if quantity.Sign() == 0 {
		status.Fillability = domain.FillabilityNoBalance
	}

	id := domain.PoolOrderID(u.Kind, u.Pool)
	order := domain.Order{
		ID:                id,
		Kind:              u.Kind,
		Side:              domain.SideBuy,
		Maker:             u.Pool,
		Contract:          st.Contract,
		TokenKind:         domain.TokenKindERC721,
		TokenSetID:        "contract:" + st.Contract.Hex(),
		Currency:          st.Currency,
		Price:             st.SpotPrice,
		Value:             st.SpotPrice,
		Nonce:             new(big.Int),
		Quantity:          quantity,
		QuantityRemaining: quantity,
		Source:            string(u.Kind),
		FillabilityStatus: status.Fillability,
		ApprovalStatus:    status.Approval,
	}
	created, err := h.orders.Upsert(ctx, order)
	if err != nil {
		return fmt.Errorf("orderupdates: upsert pool order %s: %w", id, err)
	}

	trig := domain.Trigger{Kind: domain.TriggerReprice, TxHash: u.TxHash, TxTimestamp: u.TxTimestamp, LogIndex: u.LogIndex}
	if !created {
		if _, err := h.orders.CompareAndSwapStatus(ctx, id, status, quantity, trig); err != nil {
			return fmt.Errorf("orderupdates: update pool order %s: %w", id, err)
		}
	}

	info := domain.OrderInfo{
		Context: fmt.Sprintf("reprice-%s-%s-%d", id, u.TxHash.Hex(), u.LogIndex),
		ID:      id,
		Trigger: trig,
	}
	if _, err := h.queue.Enqueue(ctx, queue.OrderUpdatesByID, info, queue.WithJobID(info.Context)); err != nil {
		return fmt.Errorf("orderupdates: enqueue by-id for %s: %w", id, err)
	}
	return nil
}

var _ queue.Handler = (*PoolOrders)(nil)
