// Package memory implements the domain store interfaces in process memory.
// It honours the same compare-and-swap and idempotency contracts as the
// PostgreSQL stores and backs the engine's tests.
package memory

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

type nftKey struct {
	contract common.Address
	tokenID  string
	owner    common.Address
}

type approvalState struct {
	approved bool
	value    *big.Int
	block    uint64
	logIndex uint
}

type tokenRow struct {
	token     domain.Token
	createdAt time.Time
	caches    map[domain.CacheKind]domain.BestPrice
}

type collectionRow struct {
	tokenSetID string
	caches     map[domain.CacheKind]domain.BestPrice
}

// Store is the shared state behind every memory store. Use the accessor
// methods to obtain the individual domain interfaces.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	orders      map[string]*domain.Order
	orderEvents []domain.OrderEvent

	fills        map[domain.NaturalKey]domain.FillEvent
	cancels      map[domain.NaturalKey]domain.CancelEvent
	bulkCancels  map[domain.NaturalKey]domain.BulkCancelEvent
	nonceCancels map[domain.NaturalKey]domain.NonceCancelEvent
	nftApprovalE map[domain.NaturalKey]struct{}
	ftApprovalE  map[domain.NaturalKey]struct{}
	ftTransfers  map[domain.NaturalKey]struct{}
	nftTransfers map[domain.NaturalKey]struct{}

	contracts    map[common.Address]domain.TokenKind
	ftBalances   map[[2]common.Address]*big.Int
	nftBalances  map[nftKey]*big.Int
	nftApprovals map[[3]common.Address]approvalState
	ftApprovals  map[[3]common.Address]approvalState

	tokens      map[string]*tokenRow
	collections map[string]*collectionRow
	tokenSets   map[string]map[string]domain.TokenRef
	cacheEvents map[domain.CacheKind][]domain.CacheChange

	pools       map[common.Address]domain.Pool
	exportTasks map[int64]*domain.ExportTask
	audit       []domain.AuditEntry
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source. Times are truncated to microseconds
// like PostgreSQL timestamps, so cursors survive encoding.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:          time.Now,
		orders:       make(map[string]*domain.Order),
		fills:        make(map[domain.NaturalKey]domain.FillEvent),
		cancels:      make(map[domain.NaturalKey]domain.CancelEvent),
		bulkCancels:  make(map[domain.NaturalKey]domain.BulkCancelEvent),
		nonceCancels: make(map[domain.NaturalKey]domain.NonceCancelEvent),
		nftApprovalE: make(map[domain.NaturalKey]struct{}),
		ftApprovalE:  make(map[domain.NaturalKey]struct{}),
		ftTransfers:  make(map[domain.NaturalKey]struct{}),
		nftTransfers: make(map[domain.NaturalKey]struct{}),
		contracts:    make(map[common.Address]domain.TokenKind),
		ftBalances:   make(map[[2]common.Address]*big.Int),
		nftBalances:  make(map[nftKey]*big.Int),
		nftApprovals: make(map[[3]common.Address]approvalState),
		ftApprovals:  make(map[[3]common.Address]approvalState),
		tokens:       make(map[string]*tokenRow),
		collections:  make(map[string]*collectionRow),
		tokenSets:    make(map[string]map[string]domain.TokenRef),
		cacheEvents:  make(map[domain.CacheKind][]domain.CacheChange),
		pools:        make(map[common.Address]domain.Pool),
		exportTasks:  make(map[int64]*domain.ExportTask),
	}
	for _, opt := range opts {
		opt(s)
	}
	clock := s.now
	s.now = func() time.Time { return clock().UTC().Truncate(time.Microsecond) }
	return s
}

// Orders returns the domain.OrderStore view.
func (s *Store) Orders() *OrderStore { return &OrderStore{s: s} }

// Events returns the domain.EventStore view.
func (s *Store) Events() *EventStore { return &EventStore{s: s} }

// Mirror returns the domain.Mirror view.
func (s *Store) Mirror() *Mirror { return &Mirror{s: s} }

// Tokens returns the domain.TokenStore view.
func (s *Store) Tokens() *TokenStore { return &TokenStore{s: s} }

// Caches returns the domain.CacheStore view.
func (s *Store) Caches() *CacheStore { return &CacheStore{s: s} }

// Pools returns the domain.PoolStore view.
func (s *Store) Pools() *PoolStore { return &PoolStore{s: s} }

// ExportTasks returns the domain.ExportTaskStore view.
func (s *Store) ExportTasks() *ExportTaskStore { return &ExportTaskStore{s: s} }

// Audit returns the domain.AuditStore view.
func (s *Store) Audit() *AuditStore { return &AuditStore{s: s} }

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cloneOrder(o *domain.Order) domain.Order {
	c := *o
	c.TokenID = cloneInt(o.TokenID)
	c.Price = cloneInt(o.Price)
	c.Value = cloneInt(o.Value)
	c.NormalizedValue = cloneInt(o.NormalizedValue)
	c.Nonce = cloneInt(o.Nonce)
	c.Quantity = cloneInt(o.Quantity)
	c.QuantityFilled = cloneInt(o.QuantityFilled)
	c.QuantityRemaining = cloneInt(o.QuantityRemaining)
	return c
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
