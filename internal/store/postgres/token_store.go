package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// TokenStore implements domain.TokenStore using PostgreSQL.
type TokenStore struct {
	pool *pgxpool.Pool
}

// NewTokenStore creates a new TokenStore backed by the given connection pool.
func NewTokenStore(pool *pgxpool.Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

// Get returns a token by reference.
func (s *TokenStore) Get(ctx context.Context, ref domain.TokenRef) (domain.Token, error) {
	const query = `
		SELECT collection_id, is_flagged, updated_at FROM tokens
		WHERE contract = $1 AND token_id = $2::numeric`

	var (
		collection *string
		t          = domain.Token{TokenRef: ref}
	)
	err := s.pool.QueryRow(ctx, query, ref.Contract.Bytes(), numericOrZero(ref.TokenID)).
		Scan(&collection, &t.IsFlagged, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Token{}, fmt.Errorf("postgres: get token %s: %w", ref, domain.ErrNotFound)
		}
		return domain.Token{}, fmt.Errorf("postgres: get token %s: %w", ref, err)
	}
	t.CollectionID = derefString(collection)
	return t, nil
}

// UpsertMinted records newly minted tokens. A contract seen for the first
// time gets a contract-wide collection whose id is the contract address.
func (s *TokenStore) UpsertMinted(ctx context.Context, mints []domain.MintInfo) error {
	if len(mints) == 0 {
		return nil
	}

	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, m := range mints {
			collection := m.Contract.Hex()
			ref := domain.TokenRef{Contract: m.Contract, TokenID: m.TokenID}

			batch.Queue(`
				INSERT INTO collections (id, contract, token_set_id) VALUES ($1, $2, $3)
				ON CONFLICT (id) DO NOTHING`,
				collection, m.Contract.Bytes(), "contract:"+collection)
			batch.Queue(`
				INSERT INTO tokens (contract, token_id, collection_id, minted_timestamp)
				VALUES ($1, $2::numeric, $3, $4)
				ON CONFLICT (contract, token_id) DO UPDATE SET
					minted_timestamp = COALESCE(tokens.minted_timestamp, EXCLUDED.minted_timestamp)`,
				m.Contract.Bytes(), numericOrZero(m.TokenID), collection, nullableTime(m.MintedTimestamp))
			batch.Queue(`
				INSERT INTO token_sets_tokens (token_set_id, contract, token_id)
				VALUES ($1, $2, $3::numeric), ($4, $2, $3::numeric)
				ON CONFLICT DO NOTHING`,
				ref.SingleTokenSetID(), m.Contract.Bytes(), numericOrZero(m.TokenID), "contract:"+collection)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("postgres: upsert minted tokens: %w", err)
	}
	return nil
}

// SetFlagged updates the flag and reports whether it changed.
func (s *TokenStore) SetFlagged(ctx context.Context, ref domain.TokenRef, flagged bool) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tokens SET is_flagged = $3, updated_at = NOW()
		WHERE contract = $1 AND token_id = $2::numeric AND is_flagged IS DISTINCT FROM $3`,
		ref.Contract.Bytes(), numericOrZero(ref.TokenID), flagged)
	if err != nil {
		return false, fmt.Errorf("postgres: set flagged %s: %w", ref, err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateLastSale records the sale when it is newer than the stored one.
func (s *TokenStore) UpdateLastSale(ctx context.Context, info domain.FillInfo) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tokens SET last_sale_value = $3::numeric, last_sale_timestamp = $4, updated_at = NOW()
		WHERE contract = $1 AND token_id = $2::numeric
		  AND (last_sale_timestamp IS NULL OR last_sale_timestamp < $4)`,
		info.Contract.Bytes(), numericOrZero(info.TokenID), numericOrZero(info.Price), info.Timestamp)
	if err != nil {
		return false, fmt.Errorf("postgres: update last sale: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Scan pages through tokens by (created_at, contract, token_id). The cursor
// id is the token's "contract:tokenId" form.
func (s *TokenStore) Scan(ctx context.Context, after domain.Cursor, limit int) ([]domain.Token, domain.Cursor, error) {
	var (
		contract []byte
		tokenID  = "-1"
	)
	if after.ID != "" {
		ref, err := domain.ParseTokenRef(after.ID)
		if err != nil {
			return nil, after, fmt.Errorf("postgres: scan tokens: %w", domain.ErrInvalidCursor)
		}
		contract = ref.Contract.Bytes()
		tokenID = ref.TokenID.String()
	}
	if contract == nil {
		contract = []byte{}
	}

	const query = `
		SELECT contract, token_id::text, collection_id, is_flagged, created_at, updated_at
		FROM tokens
		WHERE (created_at, contract, token_id) > ($1, $2, $3::numeric)
		ORDER BY created_at, contract, token_id
		LIMIT $4`
	rows, err := s.pool.Query(ctx, query, after.Timestamp, contract, tokenID, limit)
	if err != nil {
		return nil, after, fmt.Errorf("postgres: scan tokens: %w", err)
	}
	defer rows.Close()

	next := after
	var tokens []domain.Token
	for rows.Next() {
		var (
			c          []byte
			id         string
			collection *string
			createdAt  time.Time
			t          domain.Token
		)
		if err := rows.Scan(&c, &id, &collection, &t.IsFlagged, &createdAt, &t.UpdatedAt); err != nil {
			return nil, after, fmt.Errorf("postgres: scan token row: %w", err)
		}
		t.Contract = toAddr(c)
		t.TokenID = mustNumeric(&id)
		t.CollectionID = derefString(collection)
		tokens = append(tokens, t)
		next = domain.Cursor{Timestamp: createdAt, ID: t.TokenRef.String()}
	}
	if err := rows.Err(); err != nil {
		return nil, after, fmt.Errorf("postgres: scan tokens rows: %w", err)
	}
	return tokens, next, nil
}

var _ domain.TokenStore = (*TokenStore)(nil)
