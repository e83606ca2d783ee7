package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TriggerKind is the reason a recomputation or transition happened.
type TriggerKind string

const (
	TriggerNewOrder       TriggerKind = "new-order"
	TriggerSale           TriggerKind = "sale"
	TriggerCancel         TriggerKind = "cancel"
	TriggerBalanceChange  TriggerKind = "balance-change"
	TriggerApprovalChange TriggerKind = "approval-change"
	TriggerBootstrap      TriggerKind = "bootstrap"
	TriggerRevalidation   TriggerKind = "revalidation"
	TriggerReprice        TriggerKind = "reprice"
	TriggerExpiry         TriggerKind = "expiry"
)

var triggerKinds = map[TriggerKind]struct{}{
	TriggerNewOrder:       {},
	TriggerSale:           {},
	TriggerCancel:         {},
	TriggerBalanceChange:  {},
	TriggerApprovalChange: {},
	TriggerBootstrap:      {},
	TriggerRevalidation:   {},
	TriggerReprice:        {},
	TriggerExpiry:         {},
}

// Valid reports whether k is one of the known trigger kinds.
func (k TriggerKind) Valid() bool {
	_, ok := triggerKinds[k]
	return ok
}

// Trigger is the context attached to a transition or a cache change.
type Trigger struct {
	Kind        TriggerKind `json:"kind"`
	TxHash      common.Hash `json:"txHash,omitempty"`
	TxTimestamp time.Time   `json:"txTimestamp,omitempty"`
	LogIndex    uint        `json:"logIndex,omitempty"`
	BatchIndex  uint        `json:"batchIndex,omitempty"`
	BlockHash   common.Hash `json:"blockHash,omitempty"`
}

// NewTrigger builds a trigger with no transaction context.
func NewTrigger(kind TriggerKind) Trigger {
	return Trigger{Kind: kind}
}
