package domain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ChainReader answers approval questions directly from chain state.
type ChainReader interface {
	IsApprovedForAll(ctx context.Context, contract, owner, operator common.Address) (bool, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
}

// TxLookup resolves transaction context for attribution.
type TxLookup interface {
	TransactionTo(ctx context.Context, hash common.Hash) (common.Address, error)
}

// PoolState is the on-chain state of an AMM pool.
type PoolState struct {
	Contract     common.Address
	Currency     common.Address
	SpotPrice    *big.Int
	TokenBalance *big.Int
}

// PoolReader reads AMM pool state from chain.
type PoolReader interface {
	PoolState(ctx context.Context, pool common.Address) (PoolState, error)
}
