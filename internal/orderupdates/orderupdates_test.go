package orderupdates

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachemem "github.com/alanyoungcy/orderbookd/internal/cache/memory"
	"github.com/alanyoungcy/orderbookd/internal/domain"
	"github.com/alanyoungcy/orderbookd/internal/queue"
	"github.com/alanyoungcy/orderbookd/internal/store/memory"
	"github.com/alanyoungcy/orderbookd/internal/validity"
)

var (
	nft      = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	weth     = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	maker    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	conduit  = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	conduit2 = common.HexToAddress("0x00000000000000000000000000000000000000d2")
	pool     = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	token1   = domain.TokenRef{Contract: nft, TokenID: big.NewInt(1)}
)

type enqueued struct {
	queue   string
	id      string
	delay   time.Duration
	payload any
}

type recorder struct {
	mu   sync.Mutex
	jobs []enqueued
}

func (r *recorder) Enqueue(_ context.Context, name string, payload any, opts ...queue.EnqueueOption) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, enqueued{queue: name, id: queue.JobIDOf(opts...), delay: queue.DelayOf(opts...), payload: payload})
	return true, nil
}

func (r *recorder) on(name string) []enqueued {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []enqueued
	for _, j := range r.jobs {
		if j.queue == name {
			out = append(out, j)
		}
	}
	return out
}

type harness struct {
	store *memory.Store
	bus   *cachemem.Bus
	rec   *recorder
	log   *slog.Logger
}

func newHarness() *harness {
	s := memory.New()
	s.Mirror().SetContractKind(nft, domain.TokenKindERC721)
	s.Tokens().AddToken(token1, "", false)
	return &harness{
		store: s,
		bus:   cachemem.NewBus(),
		rec:   &recorder{},
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (h *harness) byID() *ByID {
	return NewByID(h.store.Orders(), h.store.Caches(), h.rec, h.bus, nil, h.log)
}

func (h *harness) byMaker() *ByMaker {
	checker := validity.NewChecker(h.store.Mirror(), nil)
	return NewByMaker(h.store.Orders(), h.store.Mirror(), checker, h.rec, validity.Options{}, nil, h.log)
}

func (h *harness) sell(t *testing.T, id string, kind domain.OrderKind) {
	t.Helper()
	_, err := h.store.Orders().Upsert(context.Background(), domain.Order{
		ID:         id,
		Kind:       kind,
		Side:       domain.SideSell,
		Maker:      maker,
		Contract:   nft,
		TokenKind:  domain.TokenKindERC721,
		TokenID:    token1.TokenID,
		TokenSetID: token1.SingleTokenSetID(),
		Conduit:    conduit,
		Price:      big.NewInt(1000),
		Value:      big.NewInt(1000),
		Nonce:      big.NewInt(0),
	})
	require.NoError(t, err)
}

func (h *harness) status(t *testing.T, id string) domain.OrderStatus {
	t.Helper()
	o, err := h.store.Orders().Get(context.Background(), id)
	require.NoError(t, err)
	return o.Status()
}

func TestByIDSellOrderFansOutToTokenFloors(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.sell(t, "a", domain.OrderKindSeaport)

	err := h.byID().Apply(ctx, domain.OrderInfo{Context: "new-a", ID: "a", Trigger: domain.NewTrigger(domain.TriggerNewOrder)})
	require.NoError(t, err)

	events := h.store.Orders().OrderEvents("a")
	require.Len(t, events, 1)
	assert.Equal(t, domain.OrderEventActive, events[0].Status)

	floors := h.rec.on(queue.TokenFloor)
	require.Len(t, floors, 1)
	job := floors[0].payload.(domain.CacheJob)
	assert.Equal(t, token1.String(), job.Token.String())
	assert.Equal(t, domain.TriggerNewOrder, job.Trigger.Kind)
	assert.Len(t, h.rec.on(queue.TokenNormalizedFloor), 1)

	created := h.bus.Published(EventOrderCreated)
	require.Len(t, created, 1)
	var body map[string]any
	require.NoError(t, json.Unmarshal(created[0].Data, &body))
	assert.Equal(t, "a", body["id"])
}

func TestByIDBuyOrders(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	for id, set := range map[string]string{"token-bid": token1.SingleTokenSetID(), "collection-bid": "contract:" + nft.Hex()} {
		_, err := h.store.Orders().Upsert(ctx, domain.Order{
			ID: id, Kind: domain.OrderKindSeaport, Side: domain.SideBuy, Maker: maker,
			Contract: nft, TokenSetID: set, Currency: weth, Price: big.NewInt(5), Value: big.NewInt(5),
		})
		require.NoError(t, err)
		require.NoError(t, h.byID().Apply(ctx, domain.OrderInfo{Context: id, ID: id, Trigger: domain.NewTrigger(domain.TriggerCancel)}))
	}

	require.Len(t, h.rec.on(queue.TokenTopBid), 1)
	collection := h.rec.on(queue.CollectionTopBid)
	require.Len(t, collection, 1)
	assert.Equal(t, nft.Hex(), collection[0].payload.(domain.CacheJob).CollectionID)
	assert.Len(t, h.bus.Published(EventOrderCancelled), 2)
	assert.Empty(t, h.store.Orders().OrderEvents("token-bid"), "cancel rows come from the swap, not from propagation")
}

func TestByIDIgnoresZeroAndUnknownIDs(t *testing.T) {
	h := newHarness()
	for _, id := range []string{"", (common.Hash{}).Hex(), "missing"} {
		require.NoError(t, h.byID().Apply(context.Background(), domain.OrderInfo{ID: id, Trigger: domain.NewTrigger(domain.TriggerSale)}))
	}
	assert.Empty(t, h.rec.jobs)
}

func TestByMakerSellBalanceLossAndRecovery(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.sell(t, "a", domain.OrderKindSeaport)
	h.sell(t, "b", domain.OrderKindSeaport)
	h.store.Mirror().SetNftApproval(nft, maker, conduit, true)

	info := domain.MakerInfo{
		Context:  "transfer-1",
		Maker:    maker,
		Kind:     domain.MakerSellBalance,
		Contract: nft,
		TokenID:  token1.TokenID,
		Trigger:  domain.NewTrigger(domain.TriggerBalanceChange),
	}
	require.NoError(t, h.byMaker().Apply(ctx, info))

	for _, id := range []string{"a", "b"} {
		assert.Equal(t, domain.FillabilityNoBalance, h.status(t, id).Fillability)
		o, err := h.store.Orders().Get(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, o.QuantityRemaining.Sign())
	}
	byID := h.rec.on(queue.OrderUpdatesByID)
	require.Len(t, byID, 2)
	assert.Equal(t, "transfer-1-a", byID[0].id)

	h.store.Mirror().SetNftBalance(nft, token1.TokenID, maker, 1)
	info.Context = "transfer-2"
	require.NoError(t, h.byMaker().Apply(ctx, info))
	assert.Equal(t, domain.FillabilityFillable, h.status(t, "a").Fillability)
	assert.Len(t, h.store.Orders().OrderEvents("a"), 2)
}

func TestByMakerSellBalanceKeepsPartiallyFilledERC1155(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.store.Mirror().SetContractKind(nft, domain.TokenKindERC1155)
	h.store.Mirror().SetNftApproval(nft, maker, conduit, true)
	h.store.Mirror().SetNftBalance(nft, token1.TokenID, maker, 5)
	_, err := h.store.Orders().Upsert(ctx, domain.Order{
		ID:             "multi",
		Kind:           domain.OrderKindSeaport,
		Side:           domain.SideSell,
		Maker:          maker,
		Contract:       nft,
		TokenKind:      domain.TokenKindERC1155,
		TokenID:        token1.TokenID,
		TokenSetID:     token1.SingleTokenSetID(),
		Conduit:        conduit,
		Price:          big.NewInt(1000),
		Value:          big.NewInt(1000),
		Nonce:          big.NewInt(0),
		Quantity:       big.NewInt(10),
		QuantityFilled: big.NewInt(5),
	})
	require.NoError(t, err)

	info := domain.MakerInfo{
		Context:  "transfer-1155",
		Maker:    maker,
		Kind:     domain.MakerSellBalance,
		Contract: nft,
		TokenID:  token1.TokenID,
		Trigger:  domain.NewTrigger(domain.TriggerBalanceChange),
	}
	require.NoError(t, h.byMaker().Apply(ctx, info))

	o, err := h.store.Orders().Get(ctx, "multi")
	require.NoError(t, err)
	assert.Equal(t, domain.FillabilityFillable, o.FillabilityStatus)
	assert.Equal(t, int64(5), o.QuantityRemaining.Int64())

	h.store.Mirror().SetNftBalance(nft, token1.TokenID, maker, 3)
	info.Context = "transfer-1155-2"
	require.NoError(t, h.byMaker().Apply(ctx, info))
	o, err = h.store.Orders().Get(ctx, "multi")
	require.NoError(t, err)
	assert.Equal(t, domain.FillabilityFillable, o.FillabilityStatus)
	assert.Equal(t, int64(3), o.QuantityRemaining.Int64())
}

func TestByMakerCancelsOnLossForSomeKinds(t *testing.T) {
	h := newHarness()
	h.sell(t, "blur", domain.OrderKindBlur)
	h.store.Mirror().SetNftBalance(nft, token1.TokenID, maker, 1)

	info := domain.MakerInfo{
		Context:  "approval-1",
		Maker:    maker,
		Kind:     domain.MakerSellApproval,
		Contract: nft,
		Operator: &conduit,
		Trigger:  domain.NewTrigger(domain.TriggerApprovalChange),
	}
	require.NoError(t, h.byMaker().Apply(context.Background(), info))
	assert.Equal(t, domain.FillabilityCancelled, h.status(t, "blur").Fillability)
}

func TestByMakerPoolOrdersNeverRevive(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.sell(t, "pool", domain.OrderKindSudoswapV2)
	h.store.Mirror().SetNftApproval(nft, maker, conduit, true)

	info := domain.MakerInfo{Context: "t1", Maker: maker, Kind: domain.MakerSellBalance, Contract: nft, TokenID: token1.TokenID,
		Trigger: domain.NewTrigger(domain.TriggerBalanceChange)}
	require.NoError(t, h.byMaker().Apply(ctx, info))
	assert.Equal(t, domain.FillabilityNoBalance, h.status(t, "pool").Fillability)

	h.store.Mirror().SetNftBalance(nft, token1.TokenID, maker, 1)
	info.Context = "t2"
	require.NoError(t, h.byMaker().Apply(ctx, info))
	assert.Equal(t, domain.FillabilityNoBalance, h.status(t, "pool").Fillability)
}

func TestByMakerSkipsExemptKinds(t *testing.T) {
	h := newHarness()
	h.sell(t, "punk", domain.OrderKindCryptopunks)

	info := domain.MakerInfo{Context: "t", Maker: maker, Kind: domain.MakerSellBalance, Contract: nft, TokenID: token1.TokenID,
		Trigger: domain.NewTrigger(domain.TriggerBalanceChange)}
	require.NoError(t, h.byMaker().Apply(context.Background(), info))
	assert.Equal(t, domain.FillabilityFillable, h.status(t, "punk").Fillability)
}

func TestByMakerBuyApprovalFansOutPerConduit(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	for i, c := range []common.Address{conduit, conduit2, conduit} {
		_, err := h.store.Orders().Upsert(ctx, domain.Order{
			ID: string(rune('x' + i)), Kind: domain.OrderKindSeaport, Side: domain.SideBuy, Maker: maker,
			Contract: nft, TokenSetID: "contract:" + nft.Hex(), Currency: weth, Conduit: c,
			Price: big.NewInt(5), Value: big.NewInt(5),
		})
		require.NoError(t, err)
	}

	info := domain.MakerInfo{Context: "ft-approval", Maker: maker, Kind: domain.MakerBuyApproval, Contract: weth,
		OrderKind: domain.OrderKindSeaport, Trigger: domain.NewTrigger(domain.TriggerApprovalChange)}
	require.NoError(t, h.byMaker().Apply(ctx, info))

	jobs := h.rec.on(queue.OrderUpdatesByMaker)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		next := j.payload.(domain.MakerInfo)
		require.NotNil(t, next.Operator)
		assert.Empty(t, next.OrderKind)
	}
}

func TestByMakerRejectsUnknownKind(t *testing.T) {
	h := newHarness()
	err := h.byMaker().Apply(context.Background(), domain.MakerInfo{Maker: maker, Kind: "bogus"})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestExpirySweep(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.sell(t, "old", domain.OrderKindSeaport)
	_, err := h.store.Orders().Upsert(ctx, domain.Order{
		ID: "old", Price: big.NewInt(1000), Value: big.NewInt(1000), ValidUntil: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	e := NewExpiry(h.store.Orders(), h.rec, 1, time.Minute, nil, h.log)
	result, err := e.Process(ctx, &domain.Job{})
	require.NoError(t, err)
	assert.Equal(t, 1, result)
	assert.Equal(t, domain.FillabilityExpired, h.status(t, "old").Fillability)
	require.Len(t, h.rec.on(queue.OrderUpdatesByID), 1)

	require.NoError(t, e.OnCompleted(ctx, &domain.Job{}, result))
	result, err = e.Process(ctx, &domain.Job{})
	require.NoError(t, err)
	require.NoError(t, e.OnCompleted(ctx, &domain.Job{}, result))

	ticks := h.rec.on(queue.OrderExpiry)
	require.Len(t, ticks, 2)
	assert.Zero(t, ticks[0].delay, "full batch continues at once")
	assert.Equal(t, time.Minute, ticks[1].delay)
	assert.Equal(t, expirySweepID, ticks[1].id)
}

func TestFlagChangeRecomputesNonFlaggedFloor(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	flags := NewFlags(h.store.Tokens(), h.store.Caches(), h.rec, h.log)

	upd := domain.TokenFlagUpdate{Context: "flag-1", Token: token1, IsFlagged: true}
	require.NoError(t, flags.Apply(ctx, upd))
	require.NoError(t, flags.Apply(ctx, upd))

	jobs := h.rec.on(queue.CollectionNonFlaggedFloor)
	require.Len(t, jobs, 1)
	job := jobs[0].payload.(domain.CacheJob)
	assert.Equal(t, domain.TriggerRevalidation, job.Trigger.Kind)
	assert.Equal(t, nft.Hex(), job.CollectionID)
}

type poolReader struct{ state domain.PoolState }

func (p *poolReader) PoolState(context.Context, common.Address) (domain.PoolState, error) {
	return p.state, nil
}

func TestPoolOrderUpsert(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	reader := &poolReader{state: domain.PoolState{
		Contract:     nft,
		SpotPrice:    big.NewInt(100),
		TokenBalance: big.NewInt(350),
	}}
	handler := NewPoolOrders(reader, h.store.Pools(), h.store.Orders(), h.rec, h.log)

	u := domain.OrderUpsert{Kind: domain.OrderKindSudoswapV2, Pool: pool, TxHash: common.HexToHash("0x01")}
	require.NoError(t, handler.Apply(ctx, u))

	id := domain.PoolOrderID(domain.OrderKindSudoswapV2, pool)
	o, err := h.store.Orders().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.SideBuy, o.Side)
	assert.Equal(t, int64(3), o.QuantityRemaining.Int64())
	assert.Equal(t, domain.FillabilityFillable, o.FillabilityStatus)

	stored, err := h.store.Pools().Get(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, nft, stored.Contract)

	reader.state.TokenBalance = big.NewInt(50)
	u.TxHash = common.HexToHash("0x02")
	require.NoError(t, handler.Apply(ctx, u))
	assert.Equal(t, domain.FillabilityNoBalance, h.status(t, id).Fillability)

	byID := h.rec.on(queue.OrderUpdatesByID)
	require.Len(t, byID, 2)
	assert.Equal(t, domain.TriggerReprice, byID[1].payload.(domain.OrderInfo).Trigger.Kind)
}
