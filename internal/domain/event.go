package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventBase carries the position of a decoded log on chain. Events inside a
// block are ordered by (Block, TxIndex, LogIndex, BatchIndex).
type EventBase struct {
	Address     common.Address `json:"address"`
	Block       uint64         `json:"block"`
	BlockHash   common.Hash    `json:"blockHash"`
	TxHash      common.Hash    `json:"txHash"`
	TxIndex     uint           `json:"txIndex"`
	LogIndex    uint           `json:"logIndex"`
	BatchIndex  uint           `json:"batchIndex"`
	Timestamp   time.Time      `json:"timestamp"`
	FromAddress common.Address `json:"from,omitempty"`
	ToAddress   common.Address `json:"to,omitempty"`
}

// NaturalKey identifies a single on-chain occurrence. Re-delivery of the same
// log yields the same key.
type NaturalKey struct {
	TxHash     common.Hash
	LogIndex   uint
	BatchIndex uint
}

// Key returns the idempotency key of the event.
func (b EventBase) Key() NaturalKey {
	return NaturalKey{TxHash: b.TxHash, LogIndex: b.LogIndex, BatchIndex: b.BatchIndex}
}

// Less orders two events by their position in the chain.
func (b EventBase) Less(o EventBase) bool {
	if b.Block != o.Block {
		return b.Block < o.Block
	}
	if b.TxIndex != o.TxIndex {
		return b.TxIndex < o.TxIndex
	}
	if b.LogIndex != o.LogIndex {
		return b.LogIndex < o.LogIndex
	}
	return b.BatchIndex < o.BatchIndex
}

// FillEvent is an immutable trade record.
type FillEvent struct {
	EventBase
	OrderKind        OrderKind      `json:"orderKind"`
	OrderID          string         `json:"orderId,omitempty"`
	OrderSide        Side           `json:"orderSide"`
	Maker            common.Address `json:"maker"`
	Taker            common.Address `json:"taker"`
	Contract         common.Address `json:"contract"`
	TokenID          *big.Int       `json:"tokenId"`
	Amount           *big.Int       `json:"amount"`
	Price            *big.Int       `json:"price"`
	Currency         common.Address `json:"currency"`
	CurrencyPrice    *big.Int       `json:"currencyPrice,omitempty"`
	OrderSource      string         `json:"orderSource,omitempty"`
	AggregatorSource string         `json:"aggregatorSource,omitempty"`
	FillSource       string         `json:"fillSource,omitempty"`
	WashTradingScore float64        `json:"washTradingScore"`
}

// CancelEvent cancels one order.
type CancelEvent struct {
	EventBase
	OrderKind OrderKind `json:"orderKind"`
	OrderID   string    `json:"orderId"`
}

// BulkCancelEvent raises a maker's minimum nonce. Side nil applies to both
// sides.
type BulkCancelEvent struct {
	EventBase
	OrderKind OrderKind      `json:"orderKind"`
	Maker     common.Address `json:"maker"`
	MinNonce  *big.Int       `json:"minNonce"`
	Side      *Side          `json:"side,omitempty"`
	AcrossAll bool           `json:"acrossAll,omitempty"`
}

// NonceCancelEvent cancels every order of a maker signed with one nonce.
type NonceCancelEvent struct {
	EventBase
	OrderKind OrderKind      `json:"orderKind"`
	Maker     common.Address `json:"maker"`
	Nonce     *big.Int       `json:"nonce"`
}

// NftApprovalEvent records an operator approval change.
type NftApprovalEvent struct {
	EventBase
	Owner    common.Address `json:"owner"`
	Operator common.Address `json:"operator"`
	Approved bool           `json:"approved"`
}

// FtApprovalEvent records an ERC20 allowance change.
type FtApprovalEvent struct {
	EventBase
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Value   *big.Int       `json:"value"`
}

// FtTransferEvent records an ERC20 transfer.
type FtTransferEvent struct {
	EventBase
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount *big.Int       `json:"amount"`
}

// NftTransferEvent records an ERC721/ERC1155 transfer of one token id.
type NftTransferEvent struct {
	EventBase
	Kind    TokenKind      `json:"kind"`
	From    common.Address `json:"from"`
	To      common.Address `json:"to"`
	TokenID *big.Int       `json:"tokenId"`
	Amount  *big.Int       `json:"amount"`
}

// MintInfo notifies that a token came into existence.
type MintInfo struct {
	Contract        common.Address `json:"contract"`
	TokenID         *big.Int       `json:"tokenId"`
	MintedTimestamp time.Time      `json:"mintedTimestamp"`
}

// FillInfo asks for post-fill bookkeeping on the traded token.
type FillInfo struct {
	Context   string         `json:"context"`
	OrderID   string         `json:"orderId,omitempty"`
	OrderSide Side           `json:"orderSide"`
	Contract  common.Address `json:"contract"`
	TokenID   *big.Int       `json:"tokenId"`
	Price     *big.Int       `json:"price"`
	Timestamp time.Time      `json:"timestamp"`
}

// OrderInfo asks for a by-id order update.
type OrderInfo struct {
	Context string  `json:"context"`
	ID      string  `json:"id"`
	Trigger Trigger `json:"trigger"`
}

// MakerInfoKind selects which slice of a maker's orders must be re-checked.
type MakerInfoKind string

const (
	MakerBuyBalance   MakerInfoKind = "buy-balance"
	MakerBuyApproval  MakerInfoKind = "buy-approval"
	MakerSellBalance  MakerInfoKind = "sell-balance"
	MakerSellApproval MakerInfoKind = "sell-approval"
)

// MakerInfo asks for a by-maker order update.
type MakerInfo struct {
	Context string         `json:"context"`
	Maker   common.Address `json:"maker"`
	Kind    MakerInfoKind  `json:"kind"`
	Trigger Trigger        `json:"trigger"`

	// buy-balance, buy-approval
	Contract  common.Address  `json:"contract"`
	Operator  *common.Address `json:"operator,omitempty"`
	OrderKind OrderKind       `json:"orderKind,omitempty"`

	// sell-balance
	TokenID *big.Int `json:"tokenId,omitempty"`
}

// OrderUpsert asks for a synthetic order to be rebuilt from pool state.
type OrderUpsert struct {
	Kind        OrderKind      `json:"kind"`
	Pool        common.Address `json:"pool"`
	TxHash      common.Hash    `json:"txHash"`
	TxTimestamp time.Time      `json:"txTimestamp"`
	LogIndex    uint           `json:"logIndex"`
}

// ConsecutiveRange is a ranged transfer too large to expand in memory.
type ConsecutiveRange struct {
	EventBase
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	FromTokenID *big.Int       `json:"fromTokenId"`
	ToTokenID   *big.Int       `json:"toTokenId"`
}

// ConsecutiveChunk is the payload of a deferred range job. Next is the first
// token id not yet materialized. Backfill chunks skip fan-out like the batch
// that deferred them.
type ConsecutiveChunk struct {
	Range    ConsecutiveRange `json:"range"`
	Next     *big.Int         `json:"next"`
	Backfill bool             `json:"backfill,omitempty"`
}

// OnChainData is the canonical output of normalization for a batch of logs.
type OnChainData struct {
	FillEvents        []FillEvent
	FillEventsPartial []FillEvent
	FillEventsOnChain []FillEvent

	CancelEvents        []CancelEvent
	CancelEventsOnChain []CancelEvent
	BulkCancelEvents    []BulkCancelEvent
	NonceCancelEvents   []NonceCancelEvent

	NftApprovalEvents []NftApprovalEvent
	FtApprovalEvents  []FtApprovalEvent
	FtTransferEvents  []FtTransferEvent
	NftTransferEvents []NftTransferEvent

	FillInfos  []FillInfo
	MintInfos  []MintInfo
	OrderInfos []OrderInfo
	MakerInfos []MakerInfo
	Orders     []OrderUpsert

	DeferredRanges []ConsecutiveRange
}

// AllFills returns every fill list concatenated.
func (d *OnChainData) AllFills() []FillEvent {
	out := make([]FillEvent, 0, len(d.FillEvents)+len(d.FillEventsPartial)+len(d.FillEventsOnChain))
	out = append(out, d.FillEvents...)
	out = append(out, d.FillEventsPartial...)
	out = append(out, d.FillEventsOnChain...)
	return out
}

// Empty reports whether the batch produced nothing.
func (d *OnChainData) Empty() bool {
	return len(d.FillEvents) == 0 && len(d.FillEventsPartial) == 0 && len(d.FillEventsOnChain) == 0 &&
		len(d.CancelEvents) == 0 && len(d.CancelEventsOnChain) == 0 && len(d.BulkCancelEvents) == 0 &&
		len(d.NonceCancelEvents) == 0 && len(d.NftApprovalEvents) == 0 && len(d.FtApprovalEvents) == 0 &&
		len(d.FtTransferEvents) == 0 && len(d.NftTransferEvents) == 0 && len(d.FillInfos) == 0 &&
		len(d.MintInfos) == 0 && len(d.OrderInfos) == 0 && len(d.MakerInfos) == 0 &&
		len(d.Orders) == 0 && len(d.DeferredRanges) == 0
}
