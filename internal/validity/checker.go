// Package validity decides whether an order is currently fillable from the
// mirrored chain state. It performs no writes.
package validity

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// Options selects the optional checks.
type Options struct {
	// CheckFilledOrCancelled consults the cancel and fill records.
	CheckFilledOrCancelled bool
	// OnChainApprovalRecheck re-reads approvals from chain when the mirror
	// reports none. Some collections pre-approve exchanges, which the mirror
	// never sees.
	OnChainApprovalRecheck bool
}

// Checker validates orders against a domain.Mirror.
type Checker struct {
	mirror domain.Mirror
	chain  domain.ChainReader
}

// NewChecker creates a Checker. chain may be nil, which disables on-chain
// rechecks.
func NewChecker(mirror domain.Mirror, chain domain.ChainReader) *Checker {
	return &Checker{mirror: mirror, chain: chain}
}

// Check returns nil when the order is fillable, a *domain.ValidityError
// when it is not, and any other error on infrastructure failure.
func (c *Checker) Check(ctx context.Context, o domain.Order, opts Options) error {
	// 1. target
	kind, err := c.mirror.ContractKind(ctx, o.Contract)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewValidityError(domain.ReasonInvalidTarget)
	}
	if err != nil {
		return fmt.Errorf("validity: contract kind: %w", err)
	}
	if o.TokenKind != "" && kind != o.TokenKind {
		return domain.NewValidityError(domain.ReasonInvalidTarget)
	}

	// 2. cancelled / filled
	if opts.CheckFilledOrCancelled {
		cancelled, err := c.mirror.IsOrderCancelled(ctx, o.ID, o.Kind)
		if err != nil {
			return fmt.Errorf("validity: cancelled: %w", err)
		}
		if cancelled {
			return domain.NewValidityError(domain.ReasonCancelled)
		}
		filled, err := c.mirror.QuantityFilled(ctx, o.ID)
		if err != nil {
			return fmt.Errorf("validity: quantity filled: %w", err)
		}
		if filled.Cmp(amount(o)) >= 0 {
			return domain.NewValidityError(domain.ReasonFilled)
		}
	}

	// 3. nonce
	if o.Nonce != nil {
		minNonce, err := c.mirror.MinNonce(ctx, o.Kind, o.Maker, o.Side)
		if err != nil {
			return fmt.Errorf("validity: min nonce: %w", err)
		}
		if !nonceValid(o.Kind, o.Nonce, minNonce) {
			return domain.NewValidityError(domain.ReasonCancelled)
		}
	}

	// 4-5. balance and approval
	var hasBalance, hasApproval bool
	if o.Side == domain.SideBuy {
		hasBalance, hasApproval, err = c.checkBuy(ctx, o, opts)
	} else {
		hasBalance, hasApproval, err = c.checkSell(ctx, o, kind, opts)
	}
	if err != nil {
		return err
	}

	// 6. resolve
	switch {
	case !hasBalance && !hasApproval:
		return domain.NewValidityError(domain.ReasonNoBalanceNoApproval)
	case !hasBalance:
		return domain.NewValidityError(domain.ReasonNoBalance)
	case !hasApproval:
		return domain.NewValidityError(domain.ReasonNoApproval)
	}
	return nil
}

func (c *Checker) checkBuy(ctx context.Context, o domain.Order, opts Options) (bool, bool, error) {
	price := orZero(o.Price)

	balance, err := c.mirror.FtBalance(ctx, o.Currency, o.Maker)
	if err != nil {
		return false, false, fmt.Errorf("validity: ft balance: %w", err)
	}
	hasBalance := balance.Cmp(price) >= 0

	allowance, err := c.mirror.FtAllowance(ctx, o.Currency, o.Maker, o.Conduit)
	if err != nil {
		return false, false, fmt.Errorf("validity: ft allowance: %w", err)
	}
	hasApproval := allowance.Cmp(price) >= 0

	if !hasApproval && opts.OnChainApprovalRecheck && c.chain != nil {
		onChain, err := c.chain.Allowance(ctx, o.Currency, o.Maker, o.Conduit)
		if err != nil {
			return false, false, fmt.Errorf("validity: on-chain allowance: %w", err)
		}
		hasApproval = onChain.Cmp(price) >= 0
	}
	return hasBalance, hasApproval, nil
}

func (c *Checker) checkSell(ctx context.Context, o domain.Order, kind domain.TokenKind, opts Options) (bool, bool, error) {
	hasBalance := true
	if o.TokenID != nil {
		balance, err := c.mirror.NftBalance(ctx, o.Contract, o.TokenID, o.Maker)
		if err != nil {
			return false, false, fmt.Errorf("validity: nft balance: %w", err)
		}
		// Partially filled orders stay fillable for whatever the maker
		// still holds of the unfilled remainder.
		hasBalance = balance.Sign() > 0 && Remaining(o).Sign() > 0
	}

	hasApproval, err := c.mirror.NftApproval(ctx, o.Contract, o.Maker, o.Conduit)
	if err != nil {
		return false, false, fmt.Errorf("validity: nft approval: %w", err)
	}
	if !hasApproval && opts.OnChainApprovalRecheck && c.chain != nil {
		hasApproval, err = c.chain.IsApprovedForAll(ctx, o.Contract, o.Maker, o.Conduit)
		if err != nil {
			return false, false, fmt.Errorf("validity: on-chain approval (%s): %w", kind, err)
		}
	}
	return hasBalance, hasApproval, nil
}

// nonceValid compares an order's nonce with the maker's minimum. Counters
// must match exactly; the other protocols cancel everything below the
// minimum.
func nonceValid(kind domain.OrderKind, nonce, minNonce *big.Int) bool {
	if kind.CounterNonce() {
		return nonce.Cmp(minNonce) == 0
	}
	return nonce.Cmp(minNonce) >= 0
}

func amount(o domain.Order) *big.Int {
	if o.Quantity == nil || o.Quantity.Sign() == 0 {
		return big.NewInt(1)
	}
	return o.Quantity
}

// Remaining returns the unfilled quantity of o, never below zero. It ignores
// QuantityRemaining, which is capped by the maker's balance at the time of
// the last recheck.
func Remaining(o domain.Order) *big.Int {
	out := new(big.Int).Set(amount(o))
	if o.QuantityFilled != nil {
		out.Sub(out, o.QuantityFilled)
	}
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// Resolve maps a Check result onto the status pair to store. Infrastructure
// errors are returned unchanged.
func Resolve(current domain.OrderStatus, err error) (domain.OrderStatus, error) {
	if err == nil {
		return domain.OrderStatus{Fillability: domain.FillabilityFillable, Approval: domain.ApprovalApproved}, nil
	}
	ve, ok := domain.AsValidityError(err)
	if !ok {
		return current, err
	}
	switch ve.Reason {
	case domain.ReasonInvalidTarget:
		return domain.OrderStatus{Fillability: current.Fillability, Approval: domain.ApprovalDisabled}, nil
	case domain.ReasonCancelled:
		return domain.OrderStatus{Fillability: domain.FillabilityCancelled, Approval: current.Approval}, nil
	case domain.ReasonFilled:
		return domain.OrderStatus{Fillability: domain.FillabilityFilled, Approval: current.Approval}, nil
	case domain.ReasonNoBalance:
		return domain.OrderStatus{Fillability: domain.FillabilityNoBalance, Approval: domain.ApprovalApproved}, nil
	case domain.ReasonNoApproval:
		return domain.OrderStatus{Fillability: domain.FillabilityFillable, Approval: domain.ApprovalNoApproval}, nil
	case domain.ReasonNoBalanceNoApproval:
		return domain.OrderStatus{Fillability: domain.FillabilityNoBalance, Approval: domain.ApprovalNoApproval}, nil
	}
	return current, fmt.Errorf("validity: unknown reason %q", ve.Reason)
}
