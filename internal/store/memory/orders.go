package memory

import (
	"context"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// OrderStore implements domain.OrderStore.
type OrderStore struct{ s *Store }

// Get returns the order with the given id.
func (m *OrderStore) Get(_ context.Context, id string) (domain.Order, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	o, ok := m.s.orders[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("memory: get order %s: %w", id, domain.ErrNotFound)
	}
	return cloneOrder(o), nil
}

// Upsert inserts an order or refreshes its pricing fields.
func (m *OrderStore) Upsert(_ context.Context, o domain.Order) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	now := m.s.now()
	if cur, ok := m.s.orders[o.ID]; ok {
		cur.Price = cloneInt(o.Price)
		cur.Value = cloneInt(o.Value)
		cur.NormalizedValue = cloneInt(o.NormalizedValue)
		cur.ValidUntil = o.ValidUntil
		cur.RawData = o.RawData
		cur.UpdatedAt = now
		return false, nil
	}

	if o.Quantity == nil {
		o.Quantity = big.NewInt(1)
	}
	if o.QuantityRemaining == nil {
		o.QuantityRemaining = o.Quantity
	}
	if o.QuantityFilled == nil {
		o.QuantityFilled = new(big.Int)
	}
	if o.FillabilityStatus == "" {
		o.FillabilityStatus = domain.FillabilityFillable
	}
	if o.ApprovalStatus == "" {
		o.ApprovalStatus = domain.ApprovalApproved
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.CreatedAt = o.CreatedAt.UTC().Truncate(time.Microsecond)
	o.UpdatedAt = now

	stored := cloneOrder(&o)
	m.s.orders[o.ID] = &stored

	if o.TokenID != nil && strings.HasPrefix(o.TokenSetID, "token:") {
		m.s.addToSet(o.TokenSetID, domain.TokenRef{Contract: o.Contract, TokenID: o.TokenID})
	}
	return true, nil
}

func (s *Store) addToSet(setID string, ref domain.TokenRef) {
	set, ok := s.tokenSets[setID]
	if !ok {
		set = make(map[string]domain.TokenRef)
		s.tokenSets[setID] = set
	}
	set[ref.String()] = ref
}

// CompareAndSwapStatus writes next only when it differs from the stored
// state. Terminal fillability states are sticky.
func (m *OrderStore) CompareAndSwapStatus(_ context.Context, id string, next domain.OrderStatus, quantityRemaining *big.Int, trig domain.Trigger) (*domain.OrderTransition, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	o, ok := m.s.orders[id]
	if !ok {
		return nil, fmt.Errorf("memory: cas order status %s: %w", id, domain.ErrNotFound)
	}

	prev := o.Status()
	if prev.Fillability.Terminal() && prev.Fillability != next.Fillability {
		return nil, nil
	}
	if quantityRemaining == nil {
		quantityRemaining = orZero(o.QuantityRemaining)
	}
	if prev == next && orZero(o.QuantityRemaining).Cmp(quantityRemaining) == 0 {
		return nil, nil
	}

	now := m.s.now()
	o.FillabilityStatus = next.Fillability
	o.ApprovalStatus = next.Approval
	o.QuantityRemaining = cloneInt(quantityRemaining)
	o.UpdatedAt = now

	m.s.orderEvents = append(m.s.orderEvents, domain.OrderEvent{
		ID:                int64(len(m.s.orderEvents) + 1),
		OrderID:           id,
		Kind:              trig.Kind,
		Status:            next.EventStatus(),
		Fillability:       next.Fillability,
		Approval:          next.Approval,
		TxHash:            trig.TxHash,
		TxTimestamp:       trig.TxTimestamp,
		QuantityRemaining: cloneInt(quantityRemaining),
		CreatedAt:         now,
	})

	return &domain.OrderTransition{
		OrderID:           id,
		Kind:              o.Kind,
		Side:              o.Side,
		Previous:          prev,
		Current:           next,
		QuantityRemaining: cloneInt(quantityRemaining),
		Trigger:           trig,
		At:                now,
	}, nil
}

// AppendStatusEvent logs the stored status as-is.
func (m *OrderStore) AppendStatusEvent(_ context.Context, id string, trig domain.Trigger) (domain.OrderEvent, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	o, ok := m.s.orders[id]
	if !ok {
		return domain.OrderEvent{}, fmt.Errorf("memory: append status event %s: %w", id, domain.ErrNotFound)
	}
	ev := domain.OrderEvent{
		ID:                int64(len(m.s.orderEvents) + 1),
		OrderID:           id,
		Kind:              trig.Kind,
		Status:            o.Status().EventStatus(),
		Fillability:       o.FillabilityStatus,
		Approval:          o.ApprovalStatus,
		TxHash:            trig.TxHash,
		TxTimestamp:       trig.TxTimestamp,
		QuantityRemaining: cloneInt(orZero(o.QuantityRemaining)),
		CreatedAt:         m.s.now(),
	}
	m.s.orderEvents = append(m.s.orderEvents, ev)
	return ev, nil
}

// RefreshQuantityFilled recomputes the filled quantity from stored fills.
func (m *OrderStore) RefreshQuantityFilled(_ context.Context, id string) (domain.Order, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	o, ok := m.s.orders[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("memory: refresh quantity filled %s: %w", id, domain.ErrNotFound)
	}

	total := m.s.filledLocked(id)
	quantity := orZero(o.Quantity)
	if total.Cmp(quantity) > 0 {
		total = new(big.Int).Set(quantity)
	}
	o.QuantityFilled = total
	o.QuantityRemaining = new(big.Int).Sub(quantity, total)
	o.UpdatedAt = m.s.now()
	return cloneOrder(o), nil
}

func (s *Store) filledLocked(orderID string) *big.Int {
	total := new(big.Int)
	for _, f := range s.fills {
		if f.OrderID == orderID && f.Amount != nil {
			total.Add(total, f.Amount)
		}
	}
	return total
}

func (m *OrderStore) sorted(match func(*domain.Order) bool) []*domain.Order {
	var out []*domain.Order
	for _, o := range m.s.orders {
		if match(o) {
			out = append(out, o)
		}
	}
	slices.SortFunc(out, func(a, b *domain.Order) int {
		return domain.Cursor{Timestamp: a.CreatedAt, ID: a.ID}.Compare(domain.Cursor{Timestamp: b.CreatedAt, ID: b.ID})
	})
	return out
}

// ListByMaker returns the maker's orders matching q.
func (m *OrderStore) ListByMaker(_ context.Context, q domain.MakerOrderQuery) ([]domain.Order, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	matches := m.sorted(func(o *domain.Order) bool {
		if o.Maker != q.Maker || o.Side != q.Side {
			return false
		}
		if q.Contract != nil {
			target := o.Contract
			if q.Side == domain.SideBuy {
				target = o.Currency
			}
			if target != *q.Contract {
				return false
			}
		}
		if q.TokenID != nil && (o.TokenID == nil || o.TokenID.Cmp(q.TokenID) != 0) {
			return false
		}
		if q.Conduit != nil && o.Conduit != *q.Conduit {
			return false
		}
		if q.Kind != "" && o.Kind != q.Kind {
			return false
		}
		if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, o.FillabilityStatus) {
			return false
		}
		if len(q.Approvals) > 0 && !slices.Contains(q.Approvals, o.ApprovalStatus) {
			return false
		}
		return !slices.Contains(q.ExcludeKinds, o.Kind)
	})

	out := make([]domain.Order, len(matches))
	for i, o := range matches {
		out[i] = cloneOrder(o)
	}
	return out, nil
}

func ids(orders []*domain.Order) []string {
	out := make([]string, len(orders))
	for i, o := range orders {
		out[i] = o.ID
	}
	return out
}

// ListBelowNonce returns the non-terminal orders invalidated by a bulk cancel:
// for counter kinds every order not signed with the new counter, otherwise
// every order below minNonce.
func (m *OrderStore) ListBelowNonce(_ context.Context, kind domain.OrderKind, maker common.Address, side *domain.Side, minNonce *big.Int) ([]string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	return ids(m.sorted(func(o *domain.Order) bool {
		return o.Kind == kind && o.Maker == maker && (side == nil || o.Side == *side) &&
			o.Nonce != nil && invalidatedBy(kind, o.Nonce, orZero(minNonce)) && !o.FillabilityStatus.Terminal()
	})), nil
}

func invalidatedBy(kind domain.OrderKind, nonce, minNonce *big.Int) bool {
	if kind.CounterNonce() {
		return nonce.Cmp(minNonce) != 0
	}
	return nonce.Cmp(minNonce) < 0
}

// ListByNonce returns the non-terminal orders signed with exactly nonce.
func (m *OrderStore) ListByNonce(_ context.Context, kind domain.OrderKind, maker common.Address, nonce *big.Int) ([]string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	return ids(m.sorted(func(o *domain.Order) bool {
		return o.Kind == kind && o.Maker == maker && o.Nonce != nil &&
			o.Nonce.Cmp(orZero(nonce)) == 0 && !o.FillabilityStatus.Terminal()
	})), nil
}

// ListConduits returns the distinct conduits of the maker's buy orders.
func (m *OrderStore) ListConduits(_ context.Context, maker common.Address, kind domain.OrderKind) ([]common.Address, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	seen := make(map[common.Address]struct{})
	var out []common.Address
	for _, o := range m.sorted(func(o *domain.Order) bool {
		return o.Maker == maker && o.Kind == kind && o.Side == domain.SideBuy &&
			o.Conduit != (common.Address{}) && o.FillabilityStatus == domain.FillabilityFillable
	}) {
		if _, ok := seen[o.Conduit]; !ok {
			seen[o.Conduit] = struct{}{}
			out = append(out, o.Conduit)
		}
	}
	return out, nil
}

// ListExpired returns live orders whose validity window has passed.
func (m *OrderStore) ListExpired(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	matches := m.sorted(func(o *domain.Order) bool {
		live := o.FillabilityStatus == domain.FillabilityFillable || o.FillabilityStatus == domain.FillabilityNoBalance
		return live && !o.ValidUntil.IsZero() && o.ValidUntil.Before(now)
	})
	slices.SortStableFunc(matches, func(a, b *domain.Order) int { return a.ValidUntil.Compare(b.ValidUntil) })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return ids(matches), nil
}

// ScanForRevalidation pages through live orders by (created_at, id).
func (m *OrderStore) ScanForRevalidation(_ context.Context, after domain.Cursor, limit int) ([]domain.Order, domain.Cursor, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	matches := m.sorted(func(o *domain.Order) bool {
		live := o.FillabilityStatus == domain.FillabilityFillable || o.FillabilityStatus == domain.FillabilityNoBalance
		return live && domain.Cursor{Timestamp: o.CreatedAt, ID: o.ID}.After(after)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	next := after
	out := make([]domain.Order, len(matches))
	for i, o := range matches {
		out[i] = cloneOrder(o)
		next = domain.Cursor{Timestamp: o.CreatedAt, ID: o.ID}
	}
	return out, next, nil
}

// TokensOfSet lists the tokens belonging to a token set.
func (m *OrderStore) TokensOfSet(_ context.Context, tokenSetID string) ([]domain.TokenRef, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	set := m.s.tokenSets[tokenSetID]
	out := make([]domain.TokenRef, 0, len(set))
	for _, ref := range set {
		out = append(out, ref)
	}
	slices.SortFunc(out, func(a, b domain.TokenRef) int { return strings.Compare(a.String(), b.String()) })
	return out, nil
}

// OrderEvents returns a copy of the order-event log for one order.
func (m *OrderStore) OrderEvents(orderID string) []domain.OrderEvent {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	var out []domain.OrderEvent
	for _, e := range m.s.orderEvents {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out
}

var _ domain.OrderStore = (*OrderStore)(nil)
