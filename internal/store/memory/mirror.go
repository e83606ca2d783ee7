package memory

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// Mirror implements domain.Mirror over the memory store. The Set* helpers
// seed state directly for tests that do not replay transfer events.
type Mirror struct{ s *Store }

// ContractKind returns the token standard recorded for a contract.
func (m *Mirror) ContractKind(_ context.Context, contract common.Address) (domain.TokenKind, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	kind, ok := m.s.contracts[contract]
	if !ok {
		return "", fmt.Errorf("memory: contract kind %s: %w", contract.Hex(), domain.ErrNotFound)
	}
	return kind, nil
}

// FtBalance returns an ERC20 balance.
func (m *Mirror) FtBalance(_ context.Context, currency, owner common.Address) (*big.Int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return cloneInt(orZero(m.s.ftBalances[[2]common.Address{currency, owner}])), nil
}

// FtAllowance returns the allowance granted to spender.
func (m *Mirror) FtAllowance(_ context.Context, currency, owner, spender common.Address) (*big.Int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return cloneInt(orZero(m.s.ftApprovals[[3]common.Address{currency, owner, spender}].value)), nil
}

// NftBalance returns how many units of a token owner holds.
func (m *Mirror) NftBalance(_ context.Context, contract common.Address, tokenID *big.Int, owner common.Address) (*big.Int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	k := nftKey{contract: contract, tokenID: orZero(tokenID).String(), owner: owner}
	return cloneInt(orZero(m.s.nftBalances[k])), nil
}

// NftApproval reports whether operator may move owner's tokens.
func (m *Mirror) NftApproval(_ context.Context, contract, owner, operator common.Address) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.s.nftApprovals[[3]common.Address{contract, owner, operator}].approved, nil
}

// MinNonce returns the highest min-nonce observed for the maker.
func (m *Mirror) MinNonce(_ context.Context, kind domain.OrderKind, maker common.Address, side domain.Side) (*big.Int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	best := new(big.Int)
	for _, e := range m.s.bulkCancels {
		if e.Maker != maker || (e.OrderKind != kind && !e.AcrossAll) {
			continue
		}
		if e.Side != nil && *e.Side != side {
			continue
		}
		if e.MinNonce != nil && e.MinNonce.Cmp(best) > 0 {
			best = new(big.Int).Set(e.MinNonce)
		}
	}
	return best, nil
}

// IsOrderCancelled reports whether a cancel event exists for the order.
func (m *Mirror) IsOrderCancelled(_ context.Context, orderID string, kind domain.OrderKind) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	for _, c := range m.s.cancels {
		if c.OrderID == orderID && c.OrderKind == kind {
			return true, nil
		}
	}
	return false, nil
}

// QuantityFilled sums the order's stored fills.
func (m *Mirror) QuantityFilled(_ context.Context, orderID string) (*big.Int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.s.filledLocked(orderID), nil
}

// SetContractKind records a contract's token standard.
func (m *Mirror) SetContractKind(contract common.Address, kind domain.TokenKind) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.contracts[contract] = kind
}

// SetNftBalance overwrites a token balance.
func (m *Mirror) SetNftBalance(contract common.Address, tokenID *big.Int, owner common.Address, amount int64) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.nftBalances[nftKey{contract: contract, tokenID: orZero(tokenID).String(), owner: owner}] = big.NewInt(amount)
}

// SetNftApproval overwrites an operator approval.
func (m *Mirror) SetNftApproval(contract, owner, operator common.Address, approved bool) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.nftApprovals[[3]common.Address{contract, owner, operator}] = approvalState{approved: approved}
}

// SetFtBalance overwrites an ERC20 balance.
func (m *Mirror) SetFtBalance(currency, owner common.Address, amount *big.Int) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.ftBalances[[2]common.Address{currency, owner}] = cloneInt(amount)
}

// SetFtAllowance overwrites an ERC20 allowance.
func (m *Mirror) SetFtAllowance(currency, owner, spender common.Address, amount *big.Int) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.ftApprovals[[3]common.Address{currency, owner, spender}] = approvalState{value: cloneInt(amount)}
}

var _ domain.Mirror = (*Mirror)(nil)
