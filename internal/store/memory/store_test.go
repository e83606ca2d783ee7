package memory

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

var (
	contract = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	maker    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	taker    = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	token7   = domain.TokenRef{Contract: contract, TokenID: big.NewInt(7)}
)

func eth(milli int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(milli), big.NewInt(1e15))
}

func sellOrder(id string, value *big.Int) domain.Order {
	return domain.Order{
		ID:         id,
		Kind:       domain.OrderKindSeaport,
		Side:       domain.SideSell,
		Maker:      maker,
		Contract:   contract,
		TokenKind:  domain.TokenKindERC721,
		TokenID:    token7.TokenID,
		TokenSetID: token7.SingleTokenSetID(),
		Price:      value,
		Value:      value,
		Nonce:      big.NewInt(0),
	}
}

func TestCompareAndSwapIsIdempotent(t *testing.T) {
	ctx := context.Background()
	orders := New().Orders()

	_, err := orders.Upsert(ctx, sellOrder("a", eth(1000)))
	require.NoError(t, err)

	next := domain.OrderStatus{Fillability: domain.FillabilityCancelled, Approval: domain.ApprovalApproved}
	trig := domain.NewTrigger(domain.TriggerCancel)

	tr, err := orders.CompareAndSwapStatus(ctx, "a", next, nil, trig)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, domain.FillabilityFillable, tr.Previous.Fillability)

	tr, err = orders.CompareAndSwapStatus(ctx, "a", next, nil, trig)
	require.NoError(t, err)
	assert.Nil(t, tr)

	revive := domain.OrderStatus{Fillability: domain.FillabilityFillable, Approval: domain.ApprovalApproved}
	tr, err = orders.CompareAndSwapStatus(ctx, "a", revive, nil, domain.NewTrigger(domain.TriggerRevalidation))
	require.NoError(t, err)
	assert.Nil(t, tr, "terminal status must stay")

	events := orders.OrderEvents("a")
	require.Len(t, events, 1)
	assert.Equal(t, domain.OrderEventCancelled, events[0].Status)
}

func TestCompareAndSwapUnknownOrder(t *testing.T) {
	_, err := New().Orders().CompareAndSwapStatus(context.Background(), "missing",
		domain.OrderStatus{Fillability: domain.FillabilityFilled}, nil, domain.NewTrigger(domain.TriggerSale))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDuplicateFillCountsOnce(t *testing.T) {
	ctx := context.Background()
	s := New()

	o := sellOrder("a", eth(1000))
	o.Quantity = big.NewInt(3)
	_, err := s.Orders().Upsert(ctx, o)
	require.NoError(t, err)

	fill := domain.FillEvent{
		EventBase: domain.EventBase{TxHash: common.HexToHash("0x01"), LogIndex: 4},
		OrderID:   "a",
		Maker:     maker,
		Taker:     taker,
		Amount:    big.NewInt(1),
	}

	fresh, err := s.Events().InsertFills(ctx, []domain.FillEvent{fill, fill})
	require.NoError(t, err)
	assert.Len(t, fresh, 1)

	fresh, err = s.Events().InsertFills(ctx, []domain.FillEvent{fill})
	require.NoError(t, err)
	assert.Empty(t, fresh)

	got, err := s.Orders().RefreshQuantityFilled(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.QuantityFilled.Int64())
	assert.Equal(t, int64(2), got.QuantityRemaining.Int64())
}

func TestQuantityFilledIsCappedAtQuantity(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.Orders().Upsert(ctx, sellOrder("a", eth(1000)))
	require.NoError(t, err)

	var fills []domain.FillEvent
	for i := uint(0); i < 3; i++ {
		fills = append(fills, domain.FillEvent{
			EventBase: domain.EventBase{TxHash: common.HexToHash("0x02"), LogIndex: i},
			OrderID:   "a",
			Amount:    big.NewInt(1),
		})
	}
	_, err = s.Events().InsertFills(ctx, fills)
	require.NoError(t, err)

	got, err := s.Orders().RefreshQuantityFilled(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.QuantityFilled.Int64())
	assert.Equal(t, int64(0), got.QuantityRemaining.Int64())
}

func TestTokenFloorTracksCheapestActiveSell(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Tokens().AddToken(token7, "", false)
	caches := s.Caches()
	target := domain.CacheTarget{Token: &token7}
	trig := domain.NewTrigger(domain.TriggerNewOrder)

	change, err := caches.Recompute(ctx, domain.CacheTokenFloor, target, trig)
	require.NoError(t, err)
	assert.Nil(t, change, "no orders keeps the floor empty")

	_, err = s.Orders().Upsert(ctx, sellOrder("a", eth(1000)))
	require.NoError(t, err)
	change, err = caches.Recompute(ctx, domain.CacheTokenFloor, target, trig)
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Nil(t, change.PreviousValue)
	assert.Equal(t, "a", change.Current.OrderID)

	_, err = s.Orders().Upsert(ctx, sellOrder("b", eth(500)))
	require.NoError(t, err)
	change, err = caches.Recompute(ctx, domain.CacheTokenFloor, target, trig)
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, 0, change.PreviousValue.Cmp(eth(1000)))
	assert.Equal(t, "b", change.Current.OrderID)

	change, err = caches.Recompute(ctx, domain.CacheTokenFloor, target, trig)
	require.NoError(t, err)
	assert.Nil(t, change, "unchanged floor writes nothing")
	assert.Len(t, caches.Changes(domain.CacheTokenFloor), 2)
}

func TestScanForRevalidationVisitsEachOrderOnce(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return t0 }))

	for _, id := range []string{"e", "a", "c", "b", "d"} {
		_, err := s.Orders().Upsert(ctx, sellOrder(id, eth(1)))
		require.NoError(t, err)
	}

	var (
		seen   []string
		cursor domain.Cursor
	)
	for {
		page, next, err := s.Orders().ScanForRevalidation(ctx, cursor, 2)
		require.NoError(t, err)
		for _, o := range page {
			seen = append(seen, o.ID)
		}
		if len(page) < 2 {
			break
		}
		decoded, err := domain.DecodeCursor(next.Encode())
		require.NoError(t, err)
		cursor = decoded
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, seen)
}

func TestMinNonceKeepsMaximum(t *testing.T) {
	ctx := context.Background()
	s := New()
	sell := domain.SideSell

	_, err := s.Events().InsertBulkCancels(ctx, []domain.BulkCancelEvent{
		{EventBase: domain.EventBase{TxHash: common.HexToHash("0x1")}, OrderKind: domain.OrderKindLooksRareV2, Maker: maker, MinNonce: big.NewInt(5)},
		{EventBase: domain.EventBase{TxHash: common.HexToHash("0x2")}, OrderKind: domain.OrderKindLooksRareV2, Maker: maker, MinNonce: big.NewInt(3)},
		{EventBase: domain.EventBase{TxHash: common.HexToHash("0x3")}, OrderKind: domain.OrderKindLooksRareV2, Maker: maker, MinNonce: big.NewInt(9), Side: &sell},
	})
	require.NoError(t, err)

	buy, err := s.Mirror().MinNonce(ctx, domain.OrderKindLooksRareV2, maker, domain.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, int64(5), buy.Int64())

	sellNonce, err := s.Mirror().MinNonce(ctx, domain.OrderKindLooksRareV2, maker, domain.SideSell)
	require.NoError(t, err)
	assert.Equal(t, int64(9), sellNonce.Int64())
}

func TestNftTransfersMoveBalanceOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	transfer := domain.NftTransferEvent{
		EventBase: domain.EventBase{Address: contract, TxHash: common.HexToHash("0x9")},
		Kind:      domain.TokenKindERC721,
		From:      maker,
		To:        taker,
		TokenID:   token7.TokenID,
		Amount:    big.NewInt(1),
	}
	s.Mirror().SetNftBalance(contract, token7.TokenID, maker, 1)

	for i := 0; i < 2; i++ {
		_, err := s.Events().InsertNftTransfers(ctx, []domain.NftTransferEvent{transfer})
		require.NoError(t, err)
	}

	from, err := s.Mirror().NftBalance(ctx, contract, token7.TokenID, maker)
	require.NoError(t, err)
	to, err := s.Mirror().NftBalance(ctx, contract, token7.TokenID, taker)
	require.NoError(t, err)
	assert.Equal(t, int64(0), from.Int64())
	assert.Equal(t, int64(1), to.Int64())

	kind, err := s.Mirror().ContractKind(ctx, contract)
	require.NoError(t, err)
	assert.Equal(t, domain.TokenKindERC721, kind)
}
