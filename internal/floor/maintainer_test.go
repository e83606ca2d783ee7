package floor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachemem "github.com/alanyoungcy/orderbookd/internal/cache/memory"
	"github.com/alanyoungcy/orderbookd/internal/domain"
	"github.com/alanyoungcy/orderbookd/internal/queue"
	"github.com/alanyoungcy/orderbookd/internal/store/memory"
	"github.com/alanyoungcy/orderbookd/internal/validity"
)

const collection = "0x00000000000000000000000000000000000000C1"

var (
	nft    = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	maker  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	token1 = domain.TokenRef{Contract: nft, TokenID: big.NewInt(1)}
	token2 = domain.TokenRef{Contract: nft, TokenID: big.NewInt(2)}
)

func eth(milli int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(milli), big.NewInt(1e15))
}

type recorder struct {
	mu   sync.Mutex
	seen map[string]bool
	jobs []domain.CacheJob
}

func (r *recorder) Enqueue(_ context.Context, name string, payload any, opts ...queue.EnqueueOption) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := name + "/" + queue.JobIDOf(opts...)
	if r.seen == nil {
		r.seen = make(map[string]bool)
	}
	if r.seen[key] {
		return false, nil
	}
	r.seen[key] = true
	r.jobs = append(r.jobs, payload.(domain.CacheJob))
	return true, nil
}

func (r *recorder) of(kind domain.CacheKind, trig domain.TriggerKind) []domain.CacheJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.CacheJob
	for _, j := range r.jobs {
		if j.Kind == kind && j.Trigger.Kind == trig {
			out = append(out, j)
		}
	}
	return out
}

type harness struct {
	store   *memory.Store
	lease   *cachemem.Lease
	pending *cachemem.PendingSet
	bus     *cachemem.Bus
	rec     *recorder
	m       *Maintainer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   memory.New(),
		lease:   cachemem.NewLease(),
		pending: cachemem.NewPendingSet(),
		bus:     cachemem.NewBus(),
		rec:     &recorder{},
	}
	h.m = NewMaintainer(Deps{
		Caches:  h.store.Caches(),
		Lease:   h.lease,
		Pending: h.pending,
		Bus:     h.bus,
		Queue:   h.rec,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, Config{})

	h.store.Tokens().AddToken(token1, collection, false)
	h.store.Tokens().AddToken(token2, collection, false)
	return h
}

func (h *harness) sell(t *testing.T, id string, ref domain.TokenRef, value *big.Int) {
	t.Helper()
	_, err := h.store.Orders().Upsert(context.Background(), domain.Order{
		ID:         id,
		Kind:       domain.OrderKindSeaport,
		Side:       domain.SideSell,
		Maker:      maker,
		Contract:   ref.Contract,
		TokenKind:  domain.TokenKindERC721,
		TokenID:    ref.TokenID,
		TokenSetID: ref.SingleTokenSetID(),
		Price:      value,
		Value:      value,
	})
	require.NoError(t, err)
}

func (h *harness) setStatus(t *testing.T, id string, fill domain.FillabilityStatus) {
	t.Helper()
	_, err := h.store.Orders().CompareAndSwapStatus(context.Background(), id,
		domain.OrderStatus{Fillability: fill, Approval: domain.ApprovalApproved}, nil,
		domain.NewTrigger(domain.TriggerBalanceChange))
	require.NoError(t, err)
}

func tokenJob(kind domain.CacheKind, ref domain.TokenRef, trig domain.TriggerKind) domain.CacheJob {
	return domain.CacheJob{Context: string(trig), Kind: kind, Token: &ref, Trigger: domain.NewTrigger(trig)}
}

func collectionJob(kind domain.CacheKind, trig domain.TriggerKind) domain.CacheJob {
	return domain.CacheJob{Context: "test", Kind: kind, CollectionID: collection, Trigger: domain.NewTrigger(trig)}
}

func TestTokenFloorLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := tokenJob(domain.CacheTokenFloor, token1, domain.TriggerNewOrder)

	change, err := h.m.Recompute(ctx, job)
	require.NoError(t, err)
	assert.Nil(t, change, "no orders, floor stays null")

	h.sell(t, "a", token1, eth(1000))
	change, err = h.m.Recompute(ctx, job)
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Nil(t, change.PreviousValue)
	assert.Equal(t, eth(1000), change.Current.Value)

	h.sell(t, "b", token1, eth(500))
	change, err = h.m.Recompute(ctx, job)
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, eth(1000), change.PreviousValue)
	assert.Equal(t, "b", change.Current.OrderID)

	h.setStatus(t, "a", domain.FillabilityNoBalance)
	h.setStatus(t, "b", domain.FillabilityNoBalance)
	change, err = h.m.Recompute(ctx, tokenJob(domain.CacheTokenFloor, token1, domain.TriggerBalanceChange))
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, eth(500), change.PreviousValue)
	assert.True(t, change.Current.Empty())

	assert.Len(t, h.store.Caches().Changes(domain.CacheTokenFloor), 3)
	assert.NotEmpty(t, h.rec.of(domain.CacheCollectionFloor, domain.TriggerNewOrder))
	assert.NotEmpty(t, h.rec.of(domain.CacheCollectionNonFlaggedFloor, domain.TriggerBalanceChange))
	assert.Len(t, h.bus.Published("token-floor.*"), 3)
}

func TestInvalidTargetOrderLeavesTokenFloor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.sell(t, "cheap", token1, eth(100))
	h.sell(t, "dear", token1, eth(400))
	job := tokenJob(domain.CacheTokenFloor, token1, domain.TriggerNewOrder)
	change, err := h.m.Recompute(ctx, job)
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, "cheap", change.Current.OrderID)

	// The mirror no longer knows the contract, so the cheap order's target
	// is invalid. Its fillability is kept but approval becomes disabled.
	cheap, err := h.store.Orders().Get(ctx, "cheap")
	require.NoError(t, err)
	next, err := validity.Resolve(cheap.Status(), validity.NewChecker(h.store.Mirror(), nil).Check(ctx, cheap, validity.Options{}))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatus{Fillability: domain.FillabilityFillable, Approval: domain.ApprovalDisabled}, next)
	_, err = h.store.Orders().CompareAndSwapStatus(ctx, "cheap", next, nil, domain.NewTrigger(domain.TriggerRevalidation))
	require.NoError(t, err)

	change, err = h.m.Recompute(ctx, tokenJob(domain.CacheTokenFloor, token1, domain.TriggerRevalidation))
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, eth(100), change.PreviousValue)
	assert.Equal(t, "dear", change.Current.OrderID)
	assert.Equal(t, eth(400), change.Current.Value)
}

func TestUnknownTokenIsNoop(t *testing.T) {
	h := newHarness(t)
	unknown := domain.TokenRef{Contract: nft, TokenID: big.NewInt(99)}

	change, err := h.m.Recompute(context.Background(), tokenJob(domain.CacheTokenFloor, unknown, domain.TriggerNewOrder))
	require.NoError(t, err)
	assert.Nil(t, change)
}

func TestCollectionFloorFromTokenFloors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.sell(t, "a", token1, eth(300))
	h.sell(t, "b", token2, eth(200))
	for _, ref := range []domain.TokenRef{token1, token2} {
		_, err := h.m.Recompute(ctx, tokenJob(domain.CacheTokenFloor, ref, domain.TriggerNewOrder))
		require.NoError(t, err)
	}

	change, err := h.m.Recompute(ctx, tokenJob(domain.CacheCollectionFloor, token2, domain.TriggerNewOrder))
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, collection, change.EntityID)
	assert.Equal(t, eth(200), change.Current.Value)

	held, err := h.lease.Exists(ctx, lockKey(domain.CacheCollectionFloor, collection))
	require.NoError(t, err)
	assert.False(t, held, "lease released after the run")
}

func TestFlaggingCheapestTokenMovesOnlyNonFlaggedFloor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.sell(t, "a", token1, eth(300))
	h.sell(t, "b", token2, eth(200))
	for _, ref := range []domain.TokenRef{token1, token2} {
		_, err := h.m.Recompute(ctx, tokenJob(domain.CacheTokenFloor, ref, domain.TriggerNewOrder))
		require.NoError(t, err)
	}
	for _, kind := range []domain.CacheKind{domain.CacheCollectionFloor, domain.CacheCollectionNonFlaggedFloor} {
		_, err := h.m.Recompute(ctx, tokenJob(kind, token2, domain.TriggerNewOrder))
		require.NoError(t, err)
	}

	changed, err := h.store.Tokens().SetFlagged(ctx, token2, true)
	require.NoError(t, err)
	require.True(t, changed)

	change, err := h.m.Recompute(ctx, tokenJob(domain.CacheCollectionFloor, token2, domain.TriggerRevalidation))
	require.NoError(t, err)
	assert.Nil(t, change)

	change, err = h.m.Recompute(ctx, tokenJob(domain.CacheCollectionNonFlaggedFloor, token2, domain.TriggerRevalidation))
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, eth(300), change.Current.Value)

	pending, err := h.pending.Pop(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{token2.String()}, pending)
}

func TestDroppedTriggersCoalesceIntoOneFollowUp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	lock := lockKey(domain.CacheCollectionFloor, collection)

	ok, err := h.lease.Acquire(ctx, lock, defaultLockTTL)
	require.NoError(t, err)
	require.True(t, ok)

	for range 3 {
		change, err := h.m.Recompute(ctx, collectionJob(domain.CacheCollectionFloor, domain.TriggerSale))
		require.NoError(t, err)
		assert.Nil(t, change)
	}
	flagged, err := h.lease.Exists(ctx, pendingKey(domain.CacheCollectionFloor, collection))
	require.NoError(t, err)
	assert.True(t, flagged)
	assert.Empty(t, h.rec.of(domain.CacheCollectionFloor, domain.TriggerRevalidation))

	require.NoError(t, h.m.release(ctx, domain.CacheCollectionFloor, collection))

	follow := h.rec.of(domain.CacheCollectionFloor, domain.TriggerRevalidation)
	require.Len(t, follow, 1)
	assert.Equal(t, collection, follow[0].CollectionID)

	flagged, err = h.lease.Exists(ctx, pendingKey(domain.CacheCollectionFloor, collection))
	require.NoError(t, err)
	assert.False(t, flagged)
}

// worker returns a Maintainer for another process sharing h's stores and
// lease table but holding its own locks.
func (h *harness) worker() (*Maintainer, *cachemem.Lease) {
	lease := h.lease.Session()
	m := NewMaintainer(Deps{
		Caches:  h.store.Caches(),
		Lease:   lease,
		Pending: h.pending,
		Bus:     h.bus,
		Queue:   h.rec,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, Config{})
	return m, lease
}

func TestFollowUpSurvivesFlagSetByAnotherWorker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	lock := lockKey(domain.CacheCollectionFloor, collection)
	p1, p1Lease := h.worker()
	p2, p2Lease := h.worker()
	p3, _ := h.worker()

	// p2 holds the lock; p1's trigger is dropped and flags a follow-up.
	ok, err := p2Lease.Acquire(ctx, lock, defaultLockTTL)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = p1.Recompute(ctx, collectionJob(domain.CacheCollectionFloor, domain.TriggerSale))
	require.NoError(t, err)

	// p2 consumes the flag set by p1.
	require.NoError(t, p2.release(ctx, domain.CacheCollectionFloor, collection))
	require.Len(t, h.rec.of(domain.CacheCollectionFloor, domain.TriggerRevalidation), 1)

	// p1 now holds the lock and p3's trigger sets the flag again.
	ok, err = p1Lease.Acquire(ctx, lock, defaultLockTTL)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = p3.Recompute(ctx, collectionJob(domain.CacheCollectionFloor, domain.TriggerSale))
	require.NoError(t, err)

	require.NoError(t, p1.release(ctx, domain.CacheCollectionFloor, collection))
	assert.Len(t, h.rec.of(domain.CacheCollectionFloor, domain.TriggerRevalidation), 2, "p3's dropped trigger gets its pass")

	flagged, err := h.lease.Exists(ctx, pendingKey(domain.CacheCollectionFloor, collection))
	require.NoError(t, err)
	assert.False(t, flagged)
}

func TestDropAfterHolderReleasedSchedulesItself(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.m.deferToHolder(ctx, domain.CacheCollectionFloor, collection))
	assert.Len(t, h.rec.of(domain.CacheCollectionFloor, domain.TriggerRevalidation), 1)
}

func TestRevalidationBypassesLease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.sell(t, "a", token1, eth(100))
	_, err := h.m.Recompute(ctx, tokenJob(domain.CacheTokenFloor, token1, domain.TriggerNewOrder))
	require.NoError(t, err)

	ok, err := h.lease.Acquire(ctx, lockKey(domain.CacheCollectionFloor, collection), defaultLockTTL)
	require.NoError(t, err)
	require.True(t, ok)

	change, err := h.m.Recompute(ctx, collectionJob(domain.CacheCollectionFloor, domain.TriggerRevalidation))
	require.NoError(t, err)
	require.NotNil(t, change)

	held, err := h.lease.Exists(ctx, lockKey(domain.CacheCollectionFloor, collection))
	require.NoError(t, err)
	assert.True(t, held, "revalidation leaves the holder's lease alone")
}

type failingCaches struct{ domain.CacheStore }

func (failingCaches) Recompute(context.Context, domain.CacheKind, domain.CacheTarget, domain.Trigger) (*domain.CacheChange, error) {
	return nil, errors.New("connection reset")
}

func TestLeaseReleasedOnFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.m.caches = failingCaches{h.store.Caches()}

	_, err := h.m.Recompute(ctx, collectionJob(domain.CacheCollectionFloor, domain.TriggerSale))
	require.Error(t, err)

	held, err := h.lease.Exists(ctx, lockKey(domain.CacheCollectionFloor, collection))
	require.NoError(t, err)
	assert.False(t, held)
}

func TestTopBid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for id, v := range map[string]int64{"bid-1": 100, "bid-2": 250} {
		_, err := h.store.Orders().Upsert(ctx, domain.Order{
			ID:         id,
			Kind:       domain.OrderKindSeaport,
			Side:       domain.SideBuy,
			Maker:      maker,
			Contract:   nft,
			TokenSetID: "contract:" + collection,
			Price:      eth(v),
			Value:      eth(v),
		})
		require.NoError(t, err)
	}

	change, err := h.m.Recompute(ctx, collectionJob(domain.CacheCollectionTopBid, domain.TriggerNewOrder))
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, "bid-2", change.Current.OrderID)
}
