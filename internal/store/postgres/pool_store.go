package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// PoolStore implements domain.PoolStore using PostgreSQL.
type PoolStore struct {
	pool *pgxpool.Pool
}

// NewPoolStore creates a new PoolStore backed by the given connection pool.
func NewPoolStore(pool *pgxpool.Pool) *PoolStore {
	return &PoolStore{pool: pool}
}

// Get returns a known AMM pool.
func (s *PoolStore) Get(ctx context.Context, address common.Address) (domain.Pool, error) {
	var (
		kind               string
		contract, currency []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT kind, contract, currency FROM sudoswap_v2_pools WHERE address = $1`, address.Bytes(),
	).Scan(&kind, &contract, &currency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Pool{}, fmt.Errorf("postgres: get pool %s: %w", address.Hex(), domain.ErrNotFound)
		}
		return domain.Pool{}, fmt.Errorf("postgres: get pool %s: %w", address.Hex(), err)
	}
	return domain.Pool{
		Address:  address,
		Kind:     domain.OrderKind(kind),
		Contract: toAddr(contract),
		Currency: toAddr(currency),
	}, nil
}

// Upsert records a pool.
func (s *PoolStore) Upsert(ctx context.Context, p domain.Pool) error {
	const query = `
		INSERT INTO sudoswap_v2_pools (address, kind, contract, currency)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address) DO UPDATE SET
			kind     = EXCLUDED.kind,
			contract = EXCLUDED.contract,
			currency = EXCLUDED.currency`
	if _, err := s.pool.Exec(ctx, query,
		p.Address.Bytes(), string(p.Kind), p.Contract.Bytes(), p.Currency.Bytes(),
	); err != nil {
		return fmt.Errorf("postgres: upsert pool %s: %w", p.Address.Hex(), err)
	}
	return nil
}

var _ domain.PoolStore = (*PoolStore)(nil)
