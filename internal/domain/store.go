package domain

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Mirror is the point-in-time view of on-chain ownership and approvals. The
// validity checker only reads from it.
type Mirror interface {
	ContractKind(ctx context.Context, contract common.Address) (TokenKind, error)
	FtBalance(ctx context.Context, currency, owner common.Address) (*big.Int, error)
	FtAllowance(ctx context.Context, currency, owner, spender common.Address) (*big.Int, error)
	NftBalance(ctx context.Context, contract common.Address, tokenID *big.Int, owner common.Address) (*big.Int, error)
	NftApproval(ctx context.Context, contract, owner, operator common.Address) (bool, error)
	MinNonce(ctx context.Context, kind OrderKind, maker common.Address, side Side) (*big.Int, error)
	IsOrderCancelled(ctx context.Context, orderID string, kind OrderKind) (bool, error)
	QuantityFilled(ctx context.Context, orderID string) (*big.Int, error)
}

// MakerOrderQuery selects the orders of one maker affected by a balance or
// approval change.
type MakerOrderQuery struct {
	Maker        common.Address
	Side         Side
	Contract     *common.Address // currency for buy orders, token contract for sell orders
	TokenID      *big.Int
	Conduit      *common.Address
	Kind         OrderKind
	Statuses     []FillabilityStatus
	Approvals    []ApprovalStatus
	ExcludeKinds []OrderKind
}

// OrderStore persists orders and their transition log.
type OrderStore interface {
	Get(ctx context.Context, id string) (Order, error)
	Upsert(ctx context.Context, order Order) (created bool, err error)

	// CompareAndSwapStatus writes next only when it differs from the stored
	// pair (or quantityRemaining differs), appending exactly one order-event
	// row. It returns nil when nothing changed.
	CompareAndSwapStatus(ctx context.Context, id string, next OrderStatus, quantityRemaining *big.Int, trig Trigger) (*OrderTransition, error)

	// RefreshQuantityFilled recomputes the filled quantity from persisted
	// fill rows, capped at the order quantity.
	RefreshQuantityFilled(ctx context.Context, id string) (Order, error)

	// AppendStatusEvent records the order's current status without changing
	// it, for new and repriced orders that never went through a swap.
	AppendStatusEvent(ctx context.Context, id string, trig Trigger) (OrderEvent, error)

	ListByMaker(ctx context.Context, q MakerOrderQuery) ([]Order, error)
	ListBelowNonce(ctx context.Context, kind OrderKind, maker common.Address, side *Side, minNonce *big.Int) ([]string, error)
	ListByNonce(ctx context.Context, kind OrderKind, maker common.Address, nonce *big.Int) ([]string, error)
	ListConduits(ctx context.Context, maker common.Address, kind OrderKind) ([]common.Address, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	ScanForRevalidation(ctx context.Context, after Cursor, limit int) ([]Order, Cursor, error)
	TokensOfSet(ctx context.Context, tokenSetID string) ([]TokenRef, error)
}

// EventStore persists normalized on-chain events. Every Insert method is
// idempotent by natural key and returns only the rows that were new.
type EventStore interface {
	InsertFills(ctx context.Context, fills []FillEvent) ([]FillEvent, error)
	InsertCancels(ctx context.Context, cancels []CancelEvent) ([]CancelEvent, error)
	InsertBulkCancels(ctx context.Context, cancels []BulkCancelEvent) ([]BulkCancelEvent, error)
	InsertNonceCancels(ctx context.Context, cancels []NonceCancelEvent) ([]NonceCancelEvent, error)
	InsertNftApprovals(ctx context.Context, events []NftApprovalEvent) ([]NftApprovalEvent, error)
	InsertFtApprovals(ctx context.Context, events []FtApprovalEvent) ([]FtApprovalEvent, error)
	InsertFtTransfers(ctx context.Context, events []FtTransferEvent) ([]FtTransferEvent, error)
	InsertNftTransfers(ctx context.Context, events []NftTransferEvent) ([]NftTransferEvent, error)
}

// TokenStore persists token state the caches depend on.
type TokenStore interface {
	Get(ctx context.Context, ref TokenRef) (Token, error)
	UpsertMinted(ctx context.Context, mints []MintInfo) error
	SetFlagged(ctx context.Context, ref TokenRef, flagged bool) (bool, error)
	UpdateLastSale(ctx context.Context, info FillInfo) (bool, error)
	Scan(ctx context.Context, after Cursor, limit int) ([]Token, Cursor, error)
}

// CacheTarget addresses one cache slot.
type CacheTarget struct {
	Token        *TokenRef
	CollectionID string
}

// CacheStore recomputes best-price caches from live order data.
type CacheStore interface {
	// Recompute runs a fresh aggregation and swaps the stored slot only when
	// it differs, appending a change row. It returns nil when unchanged.
	Recompute(ctx context.Context, kind CacheKind, target CacheTarget, trig Trigger) (*CacheChange, error)
	Get(ctx context.Context, kind CacheKind, target CacheTarget) (BestPrice, error)
	CollectionOf(ctx context.Context, ref TokenRef) (string, error)
}

// Pool is an AMM pool that synthesizes orders.
type Pool struct {
	Address  common.Address
	Kind     OrderKind
	Contract common.Address
	Currency common.Address
}

// PoolStore persists known AMM pools.
type PoolStore interface {
	Get(ctx context.Context, address common.Address) (Pool, error)
	Upsert(ctx context.Context, pool Pool) error
}

// ExportTask tracks one incremental export of a source table.
type ExportTask struct {
	ID             int64
	Source         string
	Cursor         Cursor
	SequenceNumber int64
	Target         string
	UpdatedAt      time.Time
}

// ExportTaskStore persists export progress.
type ExportTaskStore interface {
	Create(ctx context.Context, task ExportTask) (int64, error)
	Get(ctx context.Context, id int64) (ExportTask, error)
	Advance(ctx context.Context, id int64, cursor Cursor, sequence int64) error
}

// ExportSource pages through a table in (updated_at, id) order.
type ExportSource interface {
	ExportPage(ctx context.Context, source string, after Cursor, limit int) ([]json.RawMessage, Cursor, error)
}

// ListOpts bounds a listing query.
type ListOpts struct {
	Limit int
	Since *time.Time
	Until *time.Time
}

// AuditEntry is one row of the operational audit log.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// AuditStore records operational events such as exports and dead-letter
// replays.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
