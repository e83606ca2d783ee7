package memory

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// CacheStore implements domain.CacheStore.
type CacheStore struct{ s *Store }

func (m *CacheStore) slot(kind domain.CacheKind, target domain.CacheTarget) (map[domain.CacheKind]domain.BestPrice, string, error) {
	if kind.TokenScoped() {
		if target.Token == nil {
			return nil, "", fmt.Errorf("%s needs a token target", kind)
		}
		row, ok := m.s.tokens[target.Token.String()]
		if !ok {
			return nil, "", domain.ErrNotFound
		}
		return row.caches, target.Token.String(), nil
	}
	if target.CollectionID == "" {
		return nil, "", fmt.Errorf("%s needs a collection target", kind)
	}
	c, ok := m.s.collections[target.CollectionID]
	if !ok {
		return nil, "", domain.ErrNotFound
	}
	return c.caches, target.CollectionID, nil
}

// Get returns the stored slot.
func (m *CacheStore) Get(_ context.Context, kind domain.CacheKind, target domain.CacheTarget) (domain.BestPrice, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	caches, entity, err := m.slot(kind, target)
	if err != nil {
		return domain.BestPrice{}, fmt.Errorf("memory: get %s %s: %w", kind, entity, err)
	}
	return caches[kind], nil
}

// Recompute runs a fresh aggregation and swaps the slot when it differs.
func (m *CacheStore) Recompute(_ context.Context, kind domain.CacheKind, target domain.CacheTarget, trig domain.Trigger) (*domain.CacheChange, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	caches, entity, err := m.slot(kind, target)
	if err != nil {
		return nil, fmt.Errorf("memory: recompute %s %s: %w", kind, entity, err)
	}

	prev := caches[kind]
	next := m.best(kind, target)
	if prev.Same(next) {
		return nil, nil
	}
	caches[kind] = next

	change := domain.CacheChange{
		Cache:         kind,
		EntityID:      entity,
		Token:         target.Token,
		Current:       next,
		PreviousValue: cloneInt(prev.Value),
		Trigger:       trig.Kind,
		TxHash:        trig.TxHash,
		TxTimestamp:   trig.TxTimestamp,
		CreatedAt:     m.s.now(),
	}
	m.s.cacheEvents[kind] = append(m.s.cacheEvents[kind], change)
	return &change, nil
}

// CollectionOf returns the collection owning a token, or "".
func (m *CacheStore) CollectionOf(_ context.Context, ref domain.TokenRef) (string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if row, ok := m.s.tokens[ref.String()]; ok {
		return row.token.CollectionID, nil
	}
	return "", nil
}

// Changes returns the change rows recorded for a cache kind.
func (m *CacheStore) Changes(kind domain.CacheKind) []domain.CacheChange {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return append([]domain.CacheChange(nil), m.s.cacheEvents[kind]...)
}

func (s *Store) inSet(setID string, ref domain.TokenRef) bool {
	if setID == ref.SingleTokenSetID() {
		return true
	}
	_, ok := s.tokenSets[setID][ref.String()]
	return ok
}

type candidate struct {
	price domain.BestPrice
	fee   int
}

// better orders floors by (value, fee, id) ascending and bids by value
// descending then id.
func better(bid bool, a, b candidate) bool {
	c := a.price.Value.Cmp(b.price.Value)
	if bid {
		c = -c
	}
	if c != 0 {
		return c < 0
	}
	if !bid && a.fee != b.fee {
		return a.fee < b.fee
	}
	return strings.Compare(a.price.OrderID, b.price.OrderID) < 0
}

func orderPrice(o *domain.Order, value *big.Int) domain.BestPrice {
	return domain.BestPrice{
		OrderID:    o.ID,
		Maker:      o.Maker,
		Value:      cloneInt(value),
		Source:     o.Source,
		ValidFrom:  o.ValidFrom,
		ValidUntil: o.ValidUntil,
	}
}

func (m *CacheStore) best(kind domain.CacheKind, target domain.CacheTarget) domain.BestPrice {
	var (
		found bool
		top   candidate
	)
	offer := func(c candidate) {
		if c.price.Value == nil {
			return
		}
		if !found || better(kind.Bid(), c, top) {
			top, found = c, true
		}
	}

	switch kind {
	case domain.CacheTokenFloor, domain.CacheTokenNormalizedFloor:
		for _, o := range m.s.orders {
			if o.Side != domain.SideSell || !o.Active() || !o.TakerUnrestricted() || !m.s.inSet(o.TokenSetID, *target.Token) {
				continue
			}
			value := o.Value
			if kind == domain.CacheTokenNormalizedFloor {
				if o.Kind == domain.OrderKindBlur {
					continue
				}
				if o.NormalizedValue != nil {
					value = o.NormalizedValue
				}
			}
			offer(candidate{price: orderPrice(o, value), fee: o.FeeBps})
		}

	case domain.CacheTokenTopBid:
		for _, o := range m.s.orders {
			if o.Side == domain.SideBuy && o.Active() && m.s.inSet(o.TokenSetID, *target.Token) {
				offer(candidate{price: orderPrice(o, o.Value)})
			}
		}

	case domain.CacheCollectionTopBid:
		setID := m.s.collections[target.CollectionID].tokenSetID
		for _, o := range m.s.orders {
			if o.Side == domain.SideBuy && o.Active() && o.TokenSetID == setID {
				offer(candidate{price: orderPrice(o, o.Value)})
			}
		}

	case domain.CacheCollectionFloor, domain.CacheCollectionNonFlaggedFloor, domain.CacheCollectionNormalizedFloor:
		source := domain.CacheTokenFloor
		if kind == domain.CacheCollectionNormalizedFloor {
			source = domain.CacheTokenNormalizedFloor
		}
		for _, row := range m.s.tokens {
			if row.token.CollectionID != target.CollectionID {
				continue
			}
			if kind == domain.CacheCollectionNonFlaggedFloor && row.token.IsFlagged {
				continue
			}
			if p := row.caches[source]; !p.Empty() {
				offer(candidate{price: p})
			}
		}
	}

	if !found {
		return domain.BestPrice{}
	}
	return top.price
}

var _ domain.CacheStore = (*CacheStore)(nil)
