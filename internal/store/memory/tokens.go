package memory

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// TokenStore implements domain.TokenStore.
type TokenStore struct{ s *Store }

func (s *Store) ensureCollection(id string) *collectionRow {
	c, ok := s.collections[id]
	if !ok {
		c = &collectionRow{tokenSetID: "contract:" + id, caches: make(map[domain.CacheKind]domain.BestPrice)}
		s.collections[id] = c
	}
	return c
}

// AddToken registers a token in a collection. An empty collection id uses
// the contract address, as UpsertMinted does.
func (m *TokenStore) AddToken(ref domain.TokenRef, collectionID string, flagged bool) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if collectionID == "" {
		collectionID = ref.Contract.Hex()
	}
	c := m.s.ensureCollection(collectionID)
	now := m.s.now()
	m.s.tokens[ref.String()] = &tokenRow{
		token:     domain.Token{TokenRef: ref, CollectionID: collectionID, IsFlagged: flagged, UpdatedAt: now},
		createdAt: now,
		caches:    make(map[domain.CacheKind]domain.BestPrice),
	}
	m.s.addToSet(ref.SingleTokenSetID(), ref)
	m.s.addToSet(c.tokenSetID, ref)
}

// SetCollectionTokenSet points a collection at a token set, which collection
// bids are matched against.
func (m *TokenStore) SetCollectionTokenSet(collectionID, tokenSetID string) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.ensureCollection(collectionID).tokenSetID = tokenSetID
}

// Get returns a token by reference.
func (m *TokenStore) Get(_ context.Context, ref domain.TokenRef) (domain.Token, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	row, ok := m.s.tokens[ref.String()]
	if !ok {
		return domain.Token{}, fmt.Errorf("memory: get token %s: %w", ref, domain.ErrNotFound)
	}
	return row.token, nil
}

// UpsertMinted records newly minted tokens.
func (m *TokenStore) UpsertMinted(_ context.Context, mints []domain.MintInfo) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	for _, mint := range mints {
		ref := domain.TokenRef{Contract: mint.Contract, TokenID: cloneInt(mint.TokenID)}
		if _, ok := m.s.tokens[ref.String()]; ok {
			continue
		}
		collectionID := mint.Contract.Hex()
		c := m.s.ensureCollection(collectionID)
		now := m.s.now()
		m.s.tokens[ref.String()] = &tokenRow{
			token:     domain.Token{TokenRef: ref, CollectionID: collectionID, UpdatedAt: now},
			createdAt: now,
			caches:    make(map[domain.CacheKind]domain.BestPrice),
		}
		m.s.addToSet(ref.SingleTokenSetID(), ref)
		m.s.addToSet(c.tokenSetID, ref)
	}
	return nil
}

// SetFlagged updates the flag and reports whether it changed.
func (m *TokenStore) SetFlagged(_ context.Context, ref domain.TokenRef, flagged bool) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	row, ok := m.s.tokens[ref.String()]
	if !ok || row.token.IsFlagged == flagged {
		return false, nil
	}
	row.token.IsFlagged = flagged
	row.token.UpdatedAt = m.s.now()
	return true, nil
}

// UpdateLastSale reports whether the token exists; the memory store keeps
// no sale history.
func (m *TokenStore) UpdateLastSale(_ context.Context, info domain.FillInfo) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	row, ok := m.s.tokens[domain.TokenRef{Contract: info.Contract, TokenID: info.TokenID}.String()]
	if !ok {
		return false, nil
	}
	row.token.UpdatedAt = m.s.now()
	return true, nil
}

func compareTokens(a, b *tokenRow) int {
	if c := a.createdAt.Compare(b.createdAt); c != 0 {
		return c
	}
	if c := bytes.Compare(a.token.Contract.Bytes(), b.token.Contract.Bytes()); c != 0 {
		return c
	}
	return a.token.TokenID.Cmp(b.token.TokenID)
}

// Scan pages through tokens by (created_at, contract, token_id).
func (m *TokenStore) Scan(_ context.Context, after domain.Cursor, limit int) ([]domain.Token, domain.Cursor, error) {
	var pivot *tokenRow
	if !after.IsZero() {
		ref, err := domain.ParseTokenRef(after.ID)
		if err != nil {
			return nil, after, fmt.Errorf("memory: scan tokens: %w", domain.ErrInvalidCursor)
		}
		pivot = &tokenRow{token: domain.Token{TokenRef: ref}, createdAt: after.Timestamp}
	}

	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	rows := make([]*tokenRow, 0, len(m.s.tokens))
	for _, row := range m.s.tokens {
		if pivot == nil || compareTokens(row, pivot) > 0 {
			rows = append(rows, row)
		}
	}
	slices.SortFunc(rows, compareTokens)
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	next := after
	out := make([]domain.Token, len(rows))
	for i, row := range rows {
		out[i] = row.token
		next = domain.Cursor{Timestamp: row.createdAt, ID: row.token.TokenRef.String()}
	}
	return out, next, nil
}

var _ domain.TokenStore = (*TokenStore)(nil)
