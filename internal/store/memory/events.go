package memory

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// EventStore implements domain.EventStore.
type EventStore struct{ s *Store }

func insertNew[T any](seen map[domain.NaturalKey]T, items []T, key func(T) domain.NaturalKey) []T {
	var fresh []T
	for _, it := range items {
		k := key(it)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = it
		fresh = append(fresh, it)
	}
	return fresh
}

func markNew[T any](seen map[domain.NaturalKey]struct{}, items []T, key func(T) domain.NaturalKey) []T {
	var fresh []T
	for _, it := range items {
		k := key(it)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		fresh = append(fresh, it)
	}
	return fresh
}

// InsertFills persists fill events.
func (m *EventStore) InsertFills(_ context.Context, fills []domain.FillEvent) ([]domain.FillEvent, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return insertNew(m.s.fills, fills, func(f domain.FillEvent) domain.NaturalKey { return f.Key() }), nil
}

// InsertCancels persists single-order cancellations.
func (m *EventStore) InsertCancels(_ context.Context, cancels []domain.CancelEvent) ([]domain.CancelEvent, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return insertNew(m.s.cancels, cancels, func(c domain.CancelEvent) domain.NaturalKey { return c.Key() }), nil
}

// InsertBulkCancels persists min-nonce raises.
func (m *EventStore) InsertBulkCancels(_ context.Context, cancels []domain.BulkCancelEvent) ([]domain.BulkCancelEvent, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return insertNew(m.s.bulkCancels, cancels, func(c domain.BulkCancelEvent) domain.NaturalKey { return c.Key() }), nil
}

// InsertNonceCancels persists per-nonce cancellations.
func (m *EventStore) InsertNonceCancels(_ context.Context, cancels []domain.NonceCancelEvent) ([]domain.NonceCancelEvent, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return insertNew(m.s.nonceCancels, cancels, func(c domain.NonceCancelEvent) domain.NaturalKey { return c.Key() }), nil
}

func newer(cur approvalState, ok bool, block uint64, logIndex uint) bool {
	if !ok {
		return true
	}
	return cur.block < block || (cur.block == block && cur.logIndex < logIndex)
}

// InsertNftApprovals persists approval events and updates the mirror.
func (m *EventStore) InsertNftApprovals(_ context.Context, events []domain.NftApprovalEvent) ([]domain.NftApprovalEvent, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	fresh := markNew(m.s.nftApprovalE, events, func(e domain.NftApprovalEvent) domain.NaturalKey { return e.Key() })
	for _, e := range fresh {
		k := [3]common.Address{e.Address, e.Owner, e.Operator}
		if cur, ok := m.s.nftApprovals[k]; newer(cur, ok, e.Block, e.LogIndex) {
			m.s.nftApprovals[k] = approvalState{approved: e.Approved, block: e.Block, logIndex: e.LogIndex}
		}
	}
	return fresh, nil
}

// InsertFtApprovals persists allowance events and updates the mirror.
func (m *EventStore) InsertFtApprovals(_ context.Context, events []domain.FtApprovalEvent) ([]domain.FtApprovalEvent, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	fresh := markNew(m.s.ftApprovalE, events, func(e domain.FtApprovalEvent) domain.NaturalKey { return e.Key() })
	for _, e := range fresh {
		k := [3]common.Address{e.Address, e.Owner, e.Spender}
		if cur, ok := m.s.ftApprovals[k]; newer(cur, ok, e.Block, e.LogIndex) {
			m.s.ftApprovals[k] = approvalState{value: cloneInt(e.Value), block: e.Block, logIndex: e.LogIndex}
		}
	}
	return fresh, nil
}

func addBalance(balances map[[2]common.Address]*big.Int, k [2]common.Address, delta *big.Int) {
	cur := orZero(balances[k])
	balances[k] = new(big.Int).Add(cur, delta)
}

// InsertFtTransfers persists transfers and applies balance deltas.
func (m *EventStore) InsertFtTransfers(_ context.Context, events []domain.FtTransferEvent) ([]domain.FtTransferEvent, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	fresh := markNew(m.s.ftTransfers, events, func(e domain.FtTransferEvent) domain.NaturalKey { return e.Key() })
	for _, e := range fresh {
		amount := orZero(e.Amount)
		if e.From != (common.Address{}) {
			addBalance(m.s.ftBalances, [2]common.Address{e.Address, e.From}, new(big.Int).Neg(amount))
		}
		if e.To != (common.Address{}) {
			addBalance(m.s.ftBalances, [2]common.Address{e.Address, e.To}, amount)
		}
	}
	return fresh, nil
}

// InsertNftTransfers persists transfers and applies balance deltas.
func (m *EventStore) InsertNftTransfers(_ context.Context, events []domain.NftTransferEvent) ([]domain.NftTransferEvent, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	fresh := markNew(m.s.nftTransfers, events, func(e domain.NftTransferEvent) domain.NaturalKey { return e.Key() })
	for _, e := range fresh {
		if _, ok := m.s.contracts[e.Address]; !ok {
			m.s.contracts[e.Address] = e.Kind
		}
		amount := orZero(e.Amount)
		id := orZero(e.TokenID).String()
		if e.From != (common.Address{}) {
			k := nftKey{contract: e.Address, tokenID: id, owner: e.From}
			m.s.nftBalances[k] = new(big.Int).Sub(orZero(m.s.nftBalances[k]), amount)
		}
		if e.To != (common.Address{}) {
			k := nftKey{contract: e.Address, tokenID: id, owner: e.To}
			m.s.nftBalances[k] = new(big.Int).Add(orZero(m.s.nftBalances[k]), amount)
		}
	}
	return fresh, nil
}

var _ domain.EventStore = (*EventStore)(nil)
