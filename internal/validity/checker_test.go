package validity

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/orderbookd/internal/domain"
	"github.com/alanyoungcy/orderbookd/internal/store/memory"
)

var (
	nft      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	weth     = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	maker    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	conduit  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	oneEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

type chainMock struct{ mock.Mock }

func (m *chainMock) IsApprovedForAll(ctx context.Context, contract, owner, operator common.Address) (bool, error) {
	args := m.Called(ctx, contract, owner, operator)
	return args.Bool(0), args.Error(1)
}

func (m *chainMock) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	args := m.Called(ctx, token, owner, spender)
	return args.Get(0).(*big.Int), args.Error(1)
}

func sellOrder() domain.Order {
	return domain.Order{
		ID:        "0xsell",
		Kind:      domain.OrderKindLooksRareV2,
		Side:      domain.SideSell,
		Maker:     maker,
		Contract:  nft,
		TokenKind: domain.TokenKindERC721,
		TokenID:   big.NewInt(7),
		Conduit:   conduit,
		Price:     oneEther,
		Nonce:     big.NewInt(3),
		Quantity:  big.NewInt(1),
	}
}

func buyOrder() domain.Order {
	o := sellOrder()
	o.ID = "0xbuy"
	o.Side = domain.SideBuy
	o.TokenID = nil
	o.Currency = weth
	return o
}

func reason(t *testing.T, err error) domain.ValidityReason {
	t.Helper()
	if err == nil {
		return ""
	}
	ve, ok := domain.AsValidityError(err)
	require.True(t, ok, "unexpected error %v", err)
	return ve.Reason
}

func TestCheckSell(t *testing.T) {
	tests := []struct {
		name     string
		balance  int64
		approved bool
		kind     domain.TokenKind
		want     domain.ValidityReason
	}{
		{"fillable", 1, true, domain.TokenKindERC721, ""},
		{"no balance", 0, true, domain.TokenKindERC721, domain.ReasonNoBalance},
		{"no approval", 1, false, domain.TokenKindERC721, domain.ReasonNoApproval},
		{"neither", 0, false, domain.TokenKindERC721, domain.ReasonNoBalanceNoApproval},
		{"kind mismatch", 1, true, domain.TokenKindERC1155, domain.ReasonInvalidTarget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := memory.New()
			mirror := st.Mirror()
			mirror.SetContractKind(nft, tt.kind)
			mirror.SetNftBalance(nft, big.NewInt(7), maker, tt.balance)
			mirror.SetNftApproval(nft, maker, conduit, tt.approved)

			err := NewChecker(mirror, nil).Check(context.Background(), sellOrder(), Options{})
			assert.Equal(t, tt.want, reason(t, err))
		})
	}
}

func TestCheckSellPartiallyFilledERC1155(t *testing.T) {
	tests := []struct {
		name    string
		balance int64
		filled  int64
		want    domain.ValidityReason
	}{
		{"holds the remainder", 5, 5, ""},
		{"holds less than the remainder", 2, 5, ""},
		{"holds nothing", 0, 5, domain.ReasonNoBalance},
		{"unfilled with full balance", 10, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mirror := memory.New().Mirror()
			mirror.SetContractKind(nft, domain.TokenKindERC1155)
			mirror.SetNftBalance(nft, big.NewInt(7), maker, tt.balance)
			mirror.SetNftApproval(nft, maker, conduit, true)

			o := sellOrder()
			o.TokenKind = domain.TokenKindERC1155
			o.Quantity = big.NewInt(10)
			o.QuantityFilled = big.NewInt(tt.filled)

			err := NewChecker(mirror, nil).Check(context.Background(), o, Options{})
			assert.Equal(t, tt.want, reason(t, err))
		})
	}
}

func TestRemaining(t *testing.T) {
	o := sellOrder()
	o.Quantity = big.NewInt(10)
	o.QuantityFilled = big.NewInt(4)
	o.QuantityRemaining = big.NewInt(0)
	assert.Equal(t, int64(6), Remaining(o).Int64())

	o.QuantityFilled = big.NewInt(12)
	assert.Zero(t, Remaining(o).Sign())

	assert.Equal(t, int64(1), Remaining(domain.Order{}).Int64())
}

func TestCheckUnknownContractIsInvalidTarget(t *testing.T) {
	err := NewChecker(memory.New().Mirror(), nil).Check(context.Background(), sellOrder(), Options{})
	assert.Equal(t, domain.ReasonInvalidTarget, reason(t, err))
}

func TestCheckBuy(t *testing.T) {
	half := new(big.Int).Div(oneEther, big.NewInt(2))
	tests := []struct {
		name      string
		balance   *big.Int
		allowance *big.Int
		want      domain.ValidityReason
	}{
		{"fillable", oneEther, oneEther, ""},
		{"short balance", half, oneEther, domain.ReasonNoBalance},
		{"short allowance", oneEther, half, domain.ReasonNoApproval},
		{"neither", half, half, domain.ReasonNoBalanceNoApproval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := memory.New()
			mirror := st.Mirror()
			mirror.SetContractKind(nft, domain.TokenKindERC721)
			mirror.SetFtBalance(weth, maker, tt.balance)
			mirror.SetFtAllowance(weth, maker, conduit, tt.allowance)

			err := NewChecker(mirror, nil).Check(context.Background(), buyOrder(), Options{})
			assert.Equal(t, tt.want, reason(t, err))
		})
	}
}

func TestCheckNonce(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	mirror := st.Mirror()
	mirror.SetContractKind(nft, domain.TokenKindERC721)
	mirror.SetNftBalance(nft, big.NewInt(7), maker, 1)
	mirror.SetNftApproval(nft, maker, conduit, true)

	_, err := st.Events().InsertBulkCancels(ctx, []domain.BulkCancelEvent{{
		EventBase: domain.EventBase{TxHash: common.HexToHash("0x01")},
		OrderKind: domain.OrderKindLooksRareV2,
		Maker:     maker,
		MinNonce:  big.NewInt(5),
	}})
	require.NoError(t, err)

	c := NewChecker(mirror, nil)
	err = c.Check(ctx, sellOrder(), Options{})
	assert.Equal(t, domain.ReasonCancelled, reason(t, err))

	o := sellOrder()
	o.Nonce = big.NewInt(5)
	assert.NoError(t, c.Check(ctx, o, Options{}))
}

func TestNonceValid(t *testing.T) {
	assert.True(t, nonceValid(domain.OrderKindSeaport, big.NewInt(2), big.NewInt(2)))
	assert.False(t, nonceValid(domain.OrderKindSeaport, big.NewInt(3), big.NewInt(2)))
	assert.True(t, nonceValid(domain.OrderKindLooksRareV2, big.NewInt(3), big.NewInt(2)))
	assert.False(t, nonceValid(domain.OrderKindLooksRareV2, big.NewInt(1), big.NewInt(2)))
}

func TestCheckFilledOrCancelled(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	mirror := st.Mirror()
	mirror.SetContractKind(nft, domain.TokenKindERC721)
	mirror.SetNftBalance(nft, big.NewInt(7), maker, 1)
	mirror.SetNftApproval(nft, maker, conduit, true)

	_, err := st.Events().InsertFills(ctx, []domain.FillEvent{{
		EventBase: domain.EventBase{TxHash: common.HexToHash("0x02")},
		OrderID:   "0xsell",
		Amount:    big.NewInt(1),
	}})
	require.NoError(t, err)

	c := NewChecker(mirror, nil)
	assert.NoError(t, c.Check(ctx, sellOrder(), Options{}), "fill records are ignored unless requested")
	err = c.Check(ctx, sellOrder(), Options{CheckFilledOrCancelled: true})
	assert.Equal(t, domain.ReasonFilled, reason(t, err))
}

func TestOnChainApprovalRecheck(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	mirror := st.Mirror()
	mirror.SetContractKind(nft, domain.TokenKindERC721)
	mirror.SetNftBalance(nft, big.NewInt(7), maker, 1)

	chain := new(chainMock)
	chain.On("IsApprovedForAll", mock.Anything, nft, maker, conduit).Return(true, nil).Once()

	c := NewChecker(mirror, chain)
	err := c.Check(ctx, sellOrder(), Options{})
	assert.Equal(t, domain.ReasonNoApproval, reason(t, err), "recheck is opt-in")

	assert.NoError(t, c.Check(ctx, sellOrder(), Options{OnChainApprovalRecheck: true}))
	chain.AssertExpectations(t)
}

func TestOnChainRecheckFailureIsInfrastructure(t *testing.T) {
	st := memory.New()
	mirror := st.Mirror()
	mirror.SetContractKind(nft, domain.TokenKindERC721)
	mirror.SetNftBalance(nft, big.NewInt(7), maker, 1)

	chain := new(chainMock)
	chain.On("IsApprovedForAll", mock.Anything, nft, maker, conduit).Return(false, errors.New("rpc down"))

	err := NewChecker(mirror, chain).Check(context.Background(), sellOrder(), Options{OnChainApprovalRecheck: true})
	require.Error(t, err)
	_, isValidity := domain.AsValidityError(err)
	assert.False(t, isValidity)
}

func TestResolve(t *testing.T) {
	cur := domain.OrderStatus{Fillability: domain.FillabilityFillable, Approval: domain.ApprovalApproved}
	tests := []struct {
		reason domain.ValidityReason
		want   domain.OrderStatus
	}{
		{domain.ReasonCancelled, domain.OrderStatus{Fillability: domain.FillabilityCancelled, Approval: domain.ApprovalApproved}},
		{domain.ReasonFilled, domain.OrderStatus{Fillability: domain.FillabilityFilled, Approval: domain.ApprovalApproved}},
		{domain.ReasonNoBalance, domain.OrderStatus{Fillability: domain.FillabilityNoBalance, Approval: domain.ApprovalApproved}},
		{domain.ReasonNoApproval, domain.OrderStatus{Fillability: domain.FillabilityFillable, Approval: domain.ApprovalNoApproval}},
		{domain.ReasonNoBalanceNoApproval, domain.OrderStatus{Fillability: domain.FillabilityNoBalance, Approval: domain.ApprovalNoApproval}},
		{domain.ReasonInvalidTarget, domain.OrderStatus{Fillability: domain.FillabilityFillable, Approval: domain.ApprovalDisabled}},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			got, err := Resolve(cur, domain.NewValidityError(tt.reason))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	got, err := Resolve(cur, nil)
	require.NoError(t, err)
	assert.Equal(t, cur, got)

	boom := errors.New("boom")
	_, err = Resolve(cur, boom)
	assert.ErrorIs(t, err, boom)
}
