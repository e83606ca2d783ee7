package domain

import (
	"encoding/json"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Side indicates whether an order sells or buys tokens.
type Side string

const (
	SideSell Side = "sell"
	SideBuy  Side = "buy"
)

// FillabilityStatus classifies whether an order can currently be executed.
type FillabilityStatus string

const (
	FillabilityFillable  FillabilityStatus = "fillable"
	FillabilityNoBalance FillabilityStatus = "no-balance"
	FillabilityCancelled FillabilityStatus = "cancelled"
	FillabilityFilled    FillabilityStatus = "filled"
	FillabilityExpired   FillabilityStatus = "expired"
)

// Terminal reports whether no further fillability transition can happen.
func (s FillabilityStatus) Terminal() bool {
	return s == FillabilityCancelled || s == FillabilityFilled || s == FillabilityExpired
}

// ApprovalStatus tracks whether the maker granted the order's operator access.
type ApprovalStatus string

const (
	ApprovalApproved   ApprovalStatus = "approved"
	ApprovalNoApproval ApprovalStatus = "no-approval"
	ApprovalDisabled   ApprovalStatus = "disabled"
)

// OrderEventStatus is the coarse status carried by order-event rows and
// downstream notifications.
type OrderEventStatus string

const (
	OrderEventActive    OrderEventStatus = "active"
	OrderEventInactive  OrderEventStatus = "inactive"
	OrderEventFilled    OrderEventStatus = "filled"
	OrderEventCancelled OrderEventStatus = "cancelled"
	OrderEventExpired   OrderEventStatus = "expired"
)

// OrderKind is the protocol tag of an order.
type OrderKind string

const (
	OrderKindSeaport     OrderKind = "seaport"
	OrderKindSeaportV15  OrderKind = "seaport-v1.5"
	OrderKindLooksRareV2 OrderKind = "looks-rare-v2"
	OrderKindSudoswap    OrderKind = "sudoswap"
	OrderKindSudoswapV2  OrderKind = "sudoswap-v2"
	OrderKindNftx        OrderKind = "nftx"
	OrderKindBlur        OrderKind = "blur"
	OrderKindOpenSea     OrderKind = "opensea"
	OrderKindX2Y2        OrderKind = "x2y2"
	OrderKindFoundation  OrderKind = "foundation"
	OrderKindCryptopunks OrderKind = "cryptopunks"
)

// IsPool reports whether orders of this kind are synthesized from AMM pool
// state rather than signed by a maker.
func (k OrderKind) IsPool() bool {
	return k == OrderKindSudoswap || k == OrderKindSudoswapV2 || k == OrderKindNftx
}

// CounterNonce reports whether the kind's nonce is a counter: an order is
// only valid while its nonce equals the maker's current counter. Other kinds
// invalidate everything below a minimum.
func (k OrderKind) CounterNonce() bool {
	return k == OrderKindSeaport || k == OrderKindSeaportV15
}

// TokenKind is the token standard of a contract.
type TokenKind string

const (
	TokenKindERC721  TokenKind = "erc721"
	TokenKindERC1155 TokenKind = "erc1155"
)

// Order is a marketplace order as tracked by the state engine.
type Order struct {
	ID                string
	Kind              OrderKind
	Side              Side
	Maker             common.Address
	Taker             common.Address
	Contract          common.Address
	TokenKind         TokenKind
	TokenID           *big.Int // nil unless the order targets a single token
	TokenSetID        string
	Currency          common.Address
	Conduit           common.Address
	Price             *big.Int
	Value             *big.Int
	NormalizedValue   *big.Int
	FeeBps            int
	Nonce             *big.Int
	Quantity          *big.Int
	QuantityFilled    *big.Int
	QuantityRemaining *big.Int
	ValidFrom         time.Time
	ValidUntil        time.Time
	Source            string
	FillabilityStatus FillabilityStatus
	ApprovalStatus    ApprovalStatus
	RawData           json.RawMessage
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Status returns the order's current (fillability, approval) pair.
func (o Order) Status() OrderStatus {
	return OrderStatus{Fillability: o.FillabilityStatus, Approval: o.ApprovalStatus}
}

// Active reports whether the order can be picked as a floor or top bid.
func (o Order) Active() bool {
	return o.FillabilityStatus == FillabilityFillable && o.ApprovalStatus == ApprovalApproved
}

// TakerUnrestricted reports whether anyone may fill the order.
func (o Order) TakerUnrestricted() bool {
	return o.Taker == (common.Address{})
}

// OrderStatus is the pair of columns the validity checker owns.
type OrderStatus struct {
	Fillability FillabilityStatus
	Approval    ApprovalStatus
}

// EventStatus maps the pair to the coarse status used in order events.
func (s OrderStatus) EventStatus() OrderEventStatus {
	switch s.Fillability {
	case FillabilityFilled:
		return OrderEventFilled
	case FillabilityCancelled:
		return OrderEventCancelled
	case FillabilityExpired:
		return OrderEventExpired
	case FillabilityNoBalance:
		return OrderEventInactive
	}
	if s.Approval == ApprovalNoApproval || s.Approval == ApprovalDisabled {
		return OrderEventInactive
	}
	return OrderEventActive
}

// OrderTransition is an accepted compare-and-swap on an order's status.
type OrderTransition struct {
	OrderID           string
	Kind              OrderKind
	Side              Side
	Previous          OrderStatus
	Current           OrderStatus
	QuantityRemaining *big.Int
	Trigger           Trigger
	At                time.Time
}

// OrderEvent is an immutable row of the order-event log.
type OrderEvent struct {
	ID                int64
	OrderID           string
	Kind              TriggerKind
	Status            OrderEventStatus
	Fillability       FillabilityStatus
	Approval          ApprovalStatus
	TxHash            common.Hash
	TxTimestamp       time.Time
	QuantityRemaining *big.Int
	CreatedAt         time.Time
}

// PoolOrderID is the id of the synthetic buy order backed by an AMM pool.
func PoolOrderID(kind OrderKind, pool common.Address) string {
	return crypto.Keccak256Hash([]byte(string(kind) + ":" + strings.ToLower(pool.Hex()))).Hex()
}
