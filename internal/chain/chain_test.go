package chain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	cachemem "github.com/alanyoungcy/orderbookd/internal/cache/memory"
	"github.com/alanyoungcy/orderbookd/internal/domain"
	"github.com/alanyoungcy/orderbookd/internal/ingest"
	"github.com/alanyoungcy/orderbookd/internal/normalizer"
)

var (
	nft      = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	weth     = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	operator = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	pool     = common.HexToAddress("0x00000000000000000000000000000000000000f1")
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// backendMock answers contract calls by method name.
type backendMock struct {
	mock.Mock
	head    uint64
	logs    []types.Log
	headers int
}

func (b *backendMock) BlockNumber(context.Context) (uint64, error) { return b.head, nil }

func (b *backendMock) HeaderByNumber(_ context.Context, n *big.Int) (*types.Header, error) {
	b.headers++
	return &types.Header{Number: n, Time: 1_700_000_000 + n.Uint64()*12}, nil
}

func (b *backendMock) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var out []types.Log
	for _, l := range b.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

func (b *backendMock) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := readerABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args := b.MethodCalled("Call", *msg.To, method.Name)
	if err := args.Error(1); err != nil {
		return nil, err
	}
	return method.Outputs.Pack(args.Get(0))
}

func (b *backendMock) TransactionByHash(context.Context, common.Hash) (*types.Transaction, bool, error) {
	tx := types.NewTx(&types.LegacyTx{To: &operator, Value: big.NewInt(0)})
	return tx, false, nil
}

func (b *backendMock) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	args := b.MethodCalled("Call", account, "eth_getBalance")
	return args.Get(0).(*big.Int), args.Error(1)
}

func TestIsApprovedForAll(t *testing.T) {
	be := &backendMock{}
	be.On("Call", nft, "isApprovedForAll").Return(true, nil)
	c := NewClient(be, nil, RateLimit{}, discard())

	ok, err := c.IsApprovedForAll(context.Background(), nft, owner, operator)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowance(t *testing.T) {
	be := &backendMock{}
	be.On("Call", weth, "allowance").Return(big.NewInt(42), nil)
	c := NewClient(be, nil, RateLimit{}, discard())

	v, err := c.Allowance(context.Background(), weth, owner, operator)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v.Int64())
}

func TestRateLimitSurfacesThrottle(t *testing.T) {
	be := &backendMock{head: 10}
	c := NewClient(be, cachemem.NewRateLimiter(), RateLimit{Limit: 1, Window: time.Minute}, discard())

	_, err := c.Head(context.Background())
	require.NoError(t, err)

	_, err = c.Head(context.Background())
	te, ok := domain.AsThrottled(err)
	require.True(t, ok)
	assert.Equal(t, time.Minute, te.RetryAfter)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestPoolStateNativeCurrency(t *testing.T) {
	be := &backendMock{}
	be.On("Call", pool, "spotPrice").Return(big.NewInt(5e17), nil)
	be.On("Call", pool, "nft").Return(nft, nil)
	be.On("Call", pool, "token").Return(nil, errors.New("execution reverted"))
	be.On("Call", pool, "eth_getBalance").Return(big.NewInt(2e18), nil)
	c := NewClient(be, nil, RateLimit{}, discard())

	st, err := c.PoolState(context.Background(), pool)
	require.NoError(t, err)
	assert.Equal(t, nft, st.Contract)
	assert.Equal(t, common.Address{}, st.Currency)
	assert.Equal(t, "500000000000000000", st.SpotPrice.String())
	assert.Equal(t, "2000000000000000000", st.TokenBalance.String())
	be.AssertExpectations(t)
}

func TestPoolStateERC20Currency(t *testing.T) {
	be := &backendMock{}
	be.On("Call", pool, "spotPrice").Return(big.NewInt(7), nil)
	be.On("Call", pool, "nft").Return(nft, nil)
	be.On("Call", pool, "token").Return(weth, nil)
	be.On("Call", weth, "balanceOf").Return(big.NewInt(99), nil)
	c := NewClient(be, nil, RateLimit{}, discard())

	st, err := c.PoolState(context.Background(), pool)
	require.NoError(t, err)
	assert.Equal(t, weth, st.Currency)
	assert.Equal(t, int64(99), st.TokenBalance.Int64())
}

func TestTransactionTo(t *testing.T) {
	c := NewClient(&backendMock{}, nil, RateLimit{}, discard())
	to, err := c.TransactionTo(context.Background(), common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.Equal(t, operator, to)
}

func TestLogsStampsBlockTime(t *testing.T) {
	topic := normalizer.Topics()[0]
	be := &backendMock{logs: []types.Log{
		{BlockNumber: 5, Index: 2, Topics: []common.Hash{topic}},
		{BlockNumber: 5, Index: 1, Topics: []common.Hash{topic}},
		{BlockNumber: 6, Index: 0, Topics: []common.Hash{topic}, Removed: true},
		{BlockNumber: 7, Index: 0, Topics: []common.Hash{topic}},
	}}
	c := NewClient(be, nil, RateLimit{}, discard())

	logs, err := c.Logs(context.Background(), 5, 7)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, uint(1), logs[0].Index)
	assert.Equal(t, time.Unix(1_700_000_060, 0).UTC(), logs[0].Timestamp)
	assert.Equal(t, uint64(7), logs[2].BlockNumber)
	assert.Equal(t, 2, be.headers, "one header per block")
}

type fakeSource struct {
	head   uint64
	ranges [][2]uint64
}

func (f *fakeSource) Head(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeSource) Logs(_ context.Context, from, to uint64) ([]normalizer.Log, error) {
	f.ranges = append(f.ranges, [2]uint64{from, to})
	return nil, nil
}

type passthrough struct{ backfill []bool }

func (p *passthrough) Normalize(_ context.Context, _ []normalizer.Log, opts normalizer.Options) (*domain.OnChainData, error) {
	p.backfill = append(p.backfill, opts.Backfill)
	return &domain.OnChainData{}, nil
}

func (p *passthrough) Process(context.Context, *domain.OnChainData, ingest.Options) (ingest.Summary, error) {
	return ingest.Summary{}, nil
}

func TestFollowerStepsConfirmedRanges(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{head: 110}
	pass := &passthrough{}
	checkpoint := &cachemem.Checkpoint{}

	f := NewFollower(NewSyncer(src, pass, pass, nil), checkpoint, FollowerConfig{
		BlockBatch:    50,
		Confirmations: 5,
		StartBlock:    10,
	}, nil, discard())

	for _, want := range []bool{true, true, false} {
		moved, err := f.Step(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, moved)
	}

	assert.Equal(t, [][2]uint64{{10, 59}, {60, 105}}, src.ranges)
	last, ok, err := checkpoint.LastBlock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(105), last)
	assert.Equal(t, []bool{false, false}, pass.backfill)
}

func TestSyncRangeBackfill(t *testing.T) {
	pass := &passthrough{}
	s := NewSyncer(&fakeSource{}, pass, pass, nil)

	_, err := s.SyncRange(context.Background(), 1, 2, true)
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, pass.backfill)
}
