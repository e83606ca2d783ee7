package normalizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

var (
	collection = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	weth       = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	alice      = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	bob        = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	router     = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	seaport    = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	ts         = time.Unix(1_700_000_000, 0).UTC()
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func addrTopic(a common.Address) common.Hash { return common.BytesToHash(a.Bytes()) }

func intTopic(v int64) common.Hash { return common.BigToHash(big.NewInt(v)) }

func mkLog(addr common.Address, block uint64, index uint, topics []common.Hash, data []byte) Log {
	return Log{
		Log: types.Log{
			Address:     addr,
			Topics:      topics,
			Data:        data,
			BlockNumber: block,
			TxHash:      common.BigToHash(big.NewInt(int64(block*1000) + int64(index))),
			Index:       index,
		},
		Timestamp: ts,
	}
}

func pack(t *testing.T, event abi.Event, args ...any) []byte {
	t.Helper()
	data, err := event.Inputs.NonIndexed().Pack(args...)
	require.NoError(t, err)
	return data
}

func newNormalizer(threshold int) *Normalizer {
	return New(Config{ConsecutiveTransferThreshold: threshold}, nil, nil, discardLogger())
}

func TestEveryKindHasAnAdapter(t *testing.T) {
	n := newNormalizer(10)
	for _, kind := range AllKinds {
		t.Run(kind.String(), func(t *testing.T) {
			a, err := n.adapter(kind)
			require.NoError(t, err)
			assert.NotNil(t, a)
			assert.False(t, strings.HasPrefix(kind.String(), "event-kind("))
		})
	}
	_, err := n.adapter(EventKind(99))
	assert.Error(t, err)
}

func TestClassifyTransferByTopicCount(t *testing.T) {
	id := erc20ABI.Events["Transfer"].ID
	kind, ok := Classify(types.Log{Topics: []common.Hash{id, addrTopic(alice), addrTopic(bob)}})
	require.True(t, ok)
	assert.Equal(t, KindERC20, kind)

	kind, ok = Classify(types.Log{Topics: []common.Hash{id, addrTopic(alice), addrTopic(bob), intTopic(1)}})
	require.True(t, ok)
	assert.Equal(t, KindERC721, kind)

	_, ok = Classify(types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}})
	assert.False(t, ok)

	kind, ok = Classify(types.Log{Topics: []common.Hash{seaportABI.Events["OrderCancelled"].ID}})
	require.True(t, ok)
	assert.Equal(t, KindSeaport, kind)
}

func TestERC721Mint(t *testing.T) {
	id := erc20ABI.Events["Transfer"].ID
	l := mkLog(collection, 10, 0, []common.Hash{id, addrTopic(common.Address{}), addrTopic(alice), intTopic(7)}, nil)

	out, err := newNormalizer(10).Normalize(context.Background(), []Log{l}, Options{})
	require.NoError(t, err)

	require.Len(t, out.NftTransferEvents, 1)
	assert.Equal(t, domain.TokenKindERC721, out.NftTransferEvents[0].Kind)
	assert.Equal(t, int64(7), out.NftTransferEvents[0].TokenID.Int64())
	require.Len(t, out.MintInfos, 1)
	assert.Equal(t, collection, out.MintInfos[0].Contract)
	require.Len(t, out.MakerInfos, 1, "no balance check for the zero address")
	assert.Equal(t, alice, out.MakerInfos[0].Maker)
	assert.Equal(t, domain.MakerSellBalance, out.MakerInfos[0].Kind)
	assert.Equal(t, domain.TriggerBalanceChange, out.MakerInfos[0].Trigger.Kind)
}

func TestConsecutiveTransferDeferral(t *testing.T) {
	event := erc721ABI.Events["ConsecutiveTransfer"]
	mk := func(from, to int64) Log {
		return mkLog(collection, 10, 0,
			[]common.Hash{event.ID, intTopic(from), addrTopic(common.Address{}), addrTopic(alice)},
			pack(t, event, big.NewInt(to)))
	}

	out, err := newNormalizer(5).Normalize(context.Background(), []Log{mk(1, 5)}, Options{})
	require.NoError(t, err)
	assert.Len(t, out.NftTransferEvents, 5)
	assert.Empty(t, out.DeferredRanges)
	for i, ev := range out.NftTransferEvents {
		assert.Equal(t, uint(i), ev.BatchIndex)
	}

	out, err = newNormalizer(5).Normalize(context.Background(), []Log{mk(1, 6)}, Options{})
	require.NoError(t, err)
	assert.Empty(t, out.NftTransferEvents)
	require.Len(t, out.DeferredRanges, 1)
	r := out.DeferredRanges[0]
	assert.Equal(t, int64(6), r.ToTokenID.Int64())

	chunk := newNormalizer(5).ExpandRange(r, big.NewInt(4), big.NewInt(6))
	require.Len(t, chunk.NftTransferEvents, 3)
	assert.Equal(t, uint(3), chunk.NftTransferEvents[0].BatchIndex)
	assert.Equal(t, r.TxHash, chunk.NftTransferEvents[0].TxHash)
}

func TestERC1155Batch(t *testing.T) {
	event := erc1155ABI.Events["TransferBatch"]
	data := pack(t, event, []*big.Int{big.NewInt(1), big.NewInt(2)}, []*big.Int{big.NewInt(3), big.NewInt(4)})
	l := mkLog(collection, 10, 2, []common.Hash{event.ID, addrTopic(alice), addrTopic(alice), addrTopic(bob)}, data)

	out, err := newNormalizer(10).Normalize(context.Background(), []Log{l}, Options{})
	require.NoError(t, err)
	require.Len(t, out.NftTransferEvents, 2)
	assert.Equal(t, uint(1), out.NftTransferEvents[1].BatchIndex)
	assert.Equal(t, int64(4), out.NftTransferEvents[1].Amount.Int64())
	assert.Len(t, out.MakerInfos, 4)
}

func TestERC20Approval(t *testing.T) {
	event := erc20ABI.Events["Approval"]
	l := mkLog(weth, 10, 0, []common.Hash{event.ID, addrTopic(alice), addrTopic(seaport)}, pack(t, event, big.NewInt(100)))

	out, err := newNormalizer(10).Normalize(context.Background(), []Log{l}, Options{})
	require.NoError(t, err)
	require.Len(t, out.FtApprovalEvents, 1)
	require.Len(t, out.MakerInfos, 1)
	info := out.MakerInfos[0]
	assert.Equal(t, domain.MakerBuyApproval, info.Kind)
	assert.Equal(t, weth, info.Contract)
	require.NotNil(t, info.Operator)
	assert.Equal(t, seaport, *info.Operator)
}

func TestSeaportSale(t *testing.T) {
	event := seaportABI.Events["OrderFulfilled"]
	hash := common.HexToHash("0xabc")
	oneEth := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	fee := new(big.Int).Div(oneEth, big.NewInt(40))
	data := pack(t, event,
		[32]byte(hash),
		bob,
		[]spentItem{{ItemType: itemERC721, Token: collection, Identifier: big.NewInt(7), Amount: big.NewInt(1)}},
		[]receivedItem{
			{ItemType: itemNative, Identifier: big.NewInt(0), Amount: new(big.Int).Sub(oneEth, fee), Recipient: alice},
			{ItemType: itemNative, Identifier: big.NewInt(0), Amount: fee, Recipient: router},
		},
	)
	l := mkLog(seaport, 10, 0, []common.Hash{event.ID, addrTopic(alice), addrTopic(common.Address{})}, data)

	out, err := newNormalizer(10).Normalize(context.Background(), []Log{l}, Options{})
	require.NoError(t, err)
	require.Len(t, out.FillEventsPartial, 1)
	fill := out.FillEventsPartial[0]
	assert.Equal(t, domain.SideSell, fill.OrderSide)
	assert.Equal(t, hash.Hex(), fill.OrderID)
	assert.Equal(t, alice, fill.Maker)
	assert.Equal(t, bob, fill.Taker)
	assert.Equal(t, 0, fill.Price.Cmp(oneEth))
	require.Len(t, out.OrderInfos, 1)
	assert.Equal(t, domain.TriggerSale, out.OrderInfos[0].Trigger.Kind)
	require.Len(t, out.FillInfos, 1)
}

func TestSeaportCounterIncremented(t *testing.T) {
	event := seaportABI.Events["CounterIncremented"]
	l := mkLog(seaport, 10, 0, []common.Hash{event.ID, addrTopic(alice)}, pack(t, event, big.NewInt(4)))

	out, err := newNormalizer(10).Normalize(context.Background(), []Log{l}, Options{})
	require.NoError(t, err)
	require.Len(t, out.BulkCancelEvents, 1)
	assert.Equal(t, alice, out.BulkCancelEvents[0].Maker)
	assert.Equal(t, int64(4), out.BulkCancelEvents[0].MinNonce.Int64())
}

func TestLooksRareNewNonces(t *testing.T) {
	event := looksRareV2ABI.Events["NewBidAskNonces"]
	l := mkLog(seaport, 10, 0, []common.Hash{event.ID}, pack(t, event, alice, big.NewInt(2), big.NewInt(3)))

	out, err := newNormalizer(10).Normalize(context.Background(), []Log{l}, Options{})
	require.NoError(t, err)
	require.Len(t, out.BulkCancelEvents, 2)
	assert.Equal(t, domain.SideBuy, *out.BulkCancelEvents[0].Side)
	assert.Equal(t, domain.SideSell, *out.BulkCancelEvents[1].Side)
	assert.NotEqual(t, out.BulkCancelEvents[0].Key(), out.BulkCancelEvents[1].Key())
}

type txMock struct{ mock.Mock }

func (m *txMock) TransactionTo(ctx context.Context, hash common.Hash) (common.Address, error) {
	args := m.Called(ctx, hash)
	return args.Get(0).(common.Address), args.Error(1)
}

func TestEnricher(t *testing.T) {
	tx1, tx2 := common.HexToHash("0x01"), common.HexToHash("0x02")
	txs := new(txMock)
	txs.On("TransactionTo", mock.Anything, tx1).Return(router, nil).Once()
	txs.On("TransactionTo", mock.Anything, tx2).Return(common.Address{}, errors.New("rpc down")).Once()

	e := NewEnricher(txs, map[common.Address]string{router: "gem"}, discardLogger())
	out := &domain.OnChainData{
		FillEvents: []domain.FillEvent{
			{EventBase: domain.EventBase{TxHash: tx1}, Maker: alice, Taker: bob},
			{EventBase: domain.EventBase{TxHash: tx1, BatchIndex: 1}, Maker: alice, Taker: alice},
		},
		FillEventsOnChain: []domain.FillEvent{{EventBase: domain.EventBase{TxHash: tx2}, Maker: alice, Taker: bob}},
	}
	e.Enrich(context.Background(), out, false)

	assert.Equal(t, "gem", out.FillEvents[0].AggregatorSource)
	assert.Equal(t, "gem", out.FillEvents[1].FillSource)
	assert.Zero(t, out.FillEvents[0].WashTradingScore)
	assert.Equal(t, 1.0, out.FillEvents[1].WashTradingScore)
	assert.Empty(t, out.FillEventsOnChain[0].AggregatorSource)
	txs.AssertExpectations(t)
}

func TestEnricherLogsAsComponent(t *testing.T) {
	tx := common.HexToHash("0x03")
	txs := new(txMock)
	txs.On("TransactionTo", mock.Anything, tx).Return(common.Address{}, errors.New("rpc down")).Once()

	var buf bytes.Buffer
	e := NewEnricher(txs, map[common.Address]string{router: "gem"}, slog.New(slog.NewJSONHandler(&buf, nil)))
	e.Enrich(context.Background(), &domain.OnChainData{FillEvents: []domain.FillEvent{{EventBase: domain.EventBase{TxHash: tx}}}}, false)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "enricher", entry["component"])
	assert.Equal(t, "attribution lookup failed", entry["msg"])
	assert.Equal(t, tx.Hex(), entry["tx_hash"])
}

func TestEnricherSkipsAttributionOnBackfill(t *testing.T) {
	txs := new(txMock)
	e := NewEnricher(txs, map[common.Address]string{router: "gem"}, discardLogger())
	out := &domain.OnChainData{FillEvents: []domain.FillEvent{{Maker: alice, Taker: alice}}}
	e.Enrich(context.Background(), out, true)

	assert.Equal(t, 1.0, out.FillEvents[0].WashTradingScore)
	txs.AssertNotCalled(t, "TransactionTo", mock.Anything, mock.Anything)
}

func TestSortLogs(t *testing.T) {
	logs := []Log{
		mkLog(collection, 11, 0, nil, nil),
		mkLog(collection, 10, 3, nil, nil),
		mkLog(collection, 10, 1, nil, nil),
	}
	SortLogs(logs)
	assert.Equal(t, uint64(10), logs[0].BlockNumber)
	assert.Equal(t, uint(1), logs[0].Index)
	assert.Equal(t, uint64(11), logs[2].BlockNumber)
}
