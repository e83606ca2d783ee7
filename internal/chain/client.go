// Package chain talks to an Ethereum JSON-RPC endpoint: it reads logs for
// the follower, answers the validity checker's on-chain rechecks and reads
// AMM pool state.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// Backend is the subset of *ethclient.Client the package uses.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

var _ Backend = (*ethclient.Client)(nil)

// RateLimit bounds upstream RPC usage. A zero Limit disables limiting.
type RateLimit struct {
	Limit  int
	Window time.Duration
}

const rateLimitKey = "rpc"

// Client wraps a Backend with a shared sliding-window rate limiter.
type Client struct {
	backend Backend
	limiter domain.RateLimiter
	limit   RateLimit
	logger  *slog.Logger
}

// Dial connects to rpcURL.
func Dial(ctx context.Context, rpcURL string, limiter domain.RateLimiter, limit RateLimit, logger *slog.Logger) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	return NewClient(ec, limiter, limit, logger), nil
}

// NewClient wraps an existing backend.
func NewClient(backend Backend, limiter domain.RateLimiter, limit RateLimit, logger *slog.Logger) *Client {
	return &Client{
		backend: backend,
		limiter: limiter,
		limit:   limit,
		logger:  logger.With(slog.String("component", "chain")),
	}
}

// allow consumes one slot of the RPC budget. Denial is reported as a
// *domain.ThrottledError so queue jobs are re-queued without losing an
// attempt.
func (c *Client) allow(ctx context.Context, op string) error {
	if c.limiter == nil || c.limit.Limit <= 0 {
		return nil
	}
	ok, err := c.limiter.Allow(ctx, rateLimitKey, c.limit.Limit, c.limit.Window)
	if err != nil {
		return fmt.Errorf("chain: %s: rate limiter: %w", op, err)
	}
	if !ok {
		return &domain.ThrottledError{RetryAfter: c.limit.Window, Cause: fmt.Errorf("chain: %s: %w", op, domain.ErrRateLimited)}
	}
	return nil
}

// Head returns the latest block number.
func (c *Client) Head(ctx context.Context) (uint64, error) {
	if err := c.allow(ctx, "block number"); err != nil {
		return 0, err
	}
	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w", err)
	}
	return n, nil
}

// BlockTime returns the timestamp of block n.
func (c *Client) BlockTime(ctx context.Context, n uint64) (time.Time, error) {
	if err := c.allow(ctx, "header"); err != nil {
		return time.Time{}, err
	}
	h, err := c.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
	if err != nil {
		return time.Time{}, fmt.Errorf("chain: header %d: %w", n, err)
	}
	return time.Unix(int64(h.Time), 0).UTC(), nil
}

func (c *Client) call(ctx context.Context, op string, to common.Address, data []byte) ([]byte, error) {
	if err := c.allow(ctx, op); err != nil {
		return nil, err
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: %s on %s: %w", op, to.Hex(), err)
	}
	return out, nil
}
