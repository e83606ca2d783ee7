package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

const readerABIJSON = `[
 {"type":"function","name":"isApprovedForAll","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"allowance","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"spotPrice","stateMutability":"view",
  "inputs":[],"outputs":[{"name":"","type":"uint128"}]},
 {"type":"function","name":"nft","stateMutability":"view",
  "inputs":[],"outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"token","stateMutability":"view",
  "inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

var readerABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(readerABIJSON))
	if err != nil {
		panic(fmt.Sprintf("chain: bad abi: %v", err))
	}
	return parsed
}()

func (c *Client) view(ctx context.Context, to common.Address, method string, args ...any) ([]any, error) {
	data, err := readerABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	out, err := c.call(ctx, method, to, data)
	if err != nil {
		return nil, err
	}
	values, err := readerABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s from %s: %w", method, to.Hex(), err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("chain: %s from %s returned %d values", method, to.Hex(), len(values))
	}
	return values, nil
}

// IsApprovedForAll implements domain.ChainReader.
func (c *Client) IsApprovedForAll(ctx context.Context, contract, owner, operator common.Address) (bool, error) {
	values, err := c.view(ctx, contract, "isApprovedForAll", owner, operator)
	if err != nil {
		return false, err
	}
	approved, _ := values[0].(bool)
	return approved, nil
}

// Allowance implements domain.ChainReader.
func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	values, err := c.view(ctx, token, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return bigValue(values[0]), nil
}

// TransactionTo implements domain.TxLookup.
func (c *Client) TransactionTo(ctx context.Context, hash common.Hash) (common.Address, error) {
	if err := c.allow(ctx, "transaction"); err != nil {
		return common.Address{}, err
	}
	tx, _, err := c.backend.TransactionByHash(ctx, hash)
	if err != nil {
		return common.Address{}, fmt.Errorf("chain: transaction %s: %w", hash.Hex(), err)
	}
	if tx.To() == nil {
		return common.Address{}, nil
	}
	return *tx.To(), nil
}

// PoolState implements domain.PoolReader for sudoswap v2 pairs. Pairs
// without a token() method trade native ETH, whose balance is read directly.
func (c *Client) PoolState(ctx context.Context, pool common.Address) (domain.PoolState, error) {
	var st domain.PoolState

	values, err := c.view(ctx, pool, "spotPrice")
	if err != nil {
		return st, err
	}
	st.SpotPrice = bigValue(values[0])

	values, err = c.view(ctx, pool, "nft")
	if err != nil {
		return st, err
	}
	st.Contract, _ = values[0].(common.Address)

	values, err = c.view(ctx, pool, "token")
	switch {
	case err == nil:
		st.Currency, _ = values[0].(common.Address)
	case isThrottled(err):
		return st, err
	default:
		c.logger.Debug("pool has no token, assuming native currency",
			slog.String("pool", pool.Hex()),
			slog.String("error", err.Error()),
		)
	}

	if st.Currency == (common.Address{}) {
		if err := c.allow(ctx, "balance"); err != nil {
			return st, err
		}
		bal, err := c.backend.BalanceAt(ctx, pool, nil)
		if err != nil {
			return st, fmt.Errorf("chain: balance of %s: %w", pool.Hex(), err)
		}
		st.TokenBalance = bal
		return st, nil
	}

	values, err = c.view(ctx, st.Currency, "balanceOf", pool)
	if err != nil {
		return st, err
	}
	st.TokenBalance = bigValue(values[0])
	return st, nil
}

func bigValue(v any) *big.Int {
	if b, ok := v.(*big.Int); ok && b != nil {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func isThrottled(err error) bool {
	_, ok := domain.AsThrottled(err)
	return ok
}

var (
	_ domain.ChainReader = (*Client)(nil)
	_ domain.TxLookup    = (*Client)(nil)
	_ domain.PoolReader  = (*Client)(nil)
)
