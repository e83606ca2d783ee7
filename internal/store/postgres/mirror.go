package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// Mirror implements domain.Mirror over the balance and approval tables kept
// current by EventStore. Missing rows read as zero / not approved.
type Mirror struct {
	pool *pgxpool.Pool
}

// NewMirror creates a new Mirror backed by the given connection pool.
func NewMirror(pool *pgxpool.Pool) *Mirror {
	return &Mirror{pool: pool}
}

// ContractKind returns the token standard recorded for a contract.
func (m *Mirror) ContractKind(ctx context.Context, contract common.Address) (domain.TokenKind, error) {
	var kind string
	err := m.pool.QueryRow(ctx, `SELECT kind FROM contracts WHERE address = $1`, contract.Bytes()).Scan(&kind)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("postgres: contract kind %s: %w", contract.Hex(), domain.ErrNotFound)
		}
		return "", fmt.Errorf("postgres: contract kind %s: %w", contract.Hex(), err)
	}
	return domain.TokenKind(kind), nil
}

func (m *Mirror) amount(ctx context.Context, op, query string, args ...any) (*big.Int, error) {
	var v *string
	err := m.pool.QueryRow(ctx, query, args...).Scan(&v)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	return mustNumeric(v), nil
}

// FtBalance returns an ERC20 balance.
func (m *Mirror) FtBalance(ctx context.Context, currency, owner common.Address) (*big.Int, error) {
	return m.amount(ctx, "ft balance",
		`SELECT amount::text FROM ft_balances WHERE contract = $1 AND owner = $2`,
		currency.Bytes(), owner.Bytes())
}

// FtAllowance returns the ERC20 allowance granted to spender.
func (m *Mirror) FtAllowance(ctx context.Context, currency, owner, spender common.Address) (*big.Int, error) {
	return m.amount(ctx, "ft allowance",
		`SELECT value::text FROM ft_approvals WHERE token = $1 AND owner = $2 AND spender = $3`,
		currency.Bytes(), owner.Bytes(), spender.Bytes())
}

// NftBalance returns how many units of a token owner holds.
func (m *Mirror) NftBalance(ctx context.Context, contract common.Address, tokenID *big.Int, owner common.Address) (*big.Int, error) {
	return m.amount(ctx, "nft balance",
		`SELECT amount::text FROM nft_balances WHERE contract = $1 AND token_id = $2::numeric AND owner = $3`,
		contract.Bytes(), numericOrZero(tokenID), owner.Bytes())
}

// NftApproval reports whether operator may move owner's tokens of contract.
func (m *Mirror) NftApproval(ctx context.Context, contract, owner, operator common.Address) (bool, error) {
	var approved bool
	err := m.pool.QueryRow(ctx,
		`SELECT approved FROM nft_approvals WHERE contract = $1 AND owner = $2 AND operator = $3`,
		contract.Bytes(), owner.Bytes(), operator.Bytes(),
	).Scan(&approved)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("postgres: nft approval: %w", err)
	}
	return approved, nil
}

// MinNonce returns the highest min-nonce observed for the maker. Events
// without a side apply to both sides.
func (m *Mirror) MinNonce(ctx context.Context, kind domain.OrderKind, maker common.Address, side domain.Side) (*big.Int, error) {
	return m.amount(ctx, "min nonce", `
		SELECT MAX(min_nonce)::text FROM bulk_cancel_events
		WHERE maker = $2 AND (order_kind = $1 OR across_all) AND (side IS NULL OR side = $3)`,
		string(kind), maker.Bytes(), string(side))
}

// IsOrderCancelled reports whether a cancel event exists for the order.
func (m *Mirror) IsOrderCancelled(ctx context.Context, orderID string, kind domain.OrderKind) (bool, error) {
	var exists bool
	err := m.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM cancel_events WHERE order_id = $1 AND order_kind = $2)`,
		orderID, string(kind),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: is order cancelled %s: %w", orderID, err)
	}
	return exists, nil
}

// QuantityFilled sums the order's persisted fills.
func (m *Mirror) QuantityFilled(ctx context.Context, orderID string) (*big.Int, error) {
	return m.amount(ctx, "quantity filled",
		`SELECT COALESCE(SUM(amount), 0)::text FROM fill_events WHERE order_id = $1`, orderID)
}

var _ domain.Mirror = (*Mirror)(nil)
