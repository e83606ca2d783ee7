package queue

// Queue names. Each is bound to exactly one handler in the registry built at
// startup.
const (
	OrderUpdatesByID    = "order-updates-by-id"
	OrderUpdatesByMaker = "order-updates-by-maker"
	OrderExpiry         = "order-expiry-queue"
	PoolOrderUpsert     = "pool-order-upsert-queue"

	TokenFloor                = "token-updates-floor-ask-queue"
	TokenNormalizedFloor      = "token-updates-normalized-floor-ask-queue"
	TokenTopBid               = "token-top-bid-queue"
	TokenFlagStatus           = "token-flag-status-queue"
	CollectionFloor           = "collection-updates-floor-ask-queue"
	CollectionNonFlaggedFloor = "collection-updates-non-flagged-floor-ask-queue"
	CollectionNormalizedFloor = "collection-updates-normalized-floor-ask-queue"
	CollectionTopBid          = "collection-top-bid-queue"
	ConsecutiveTransferChunks = "consecutive-transfer-chunks"
	OrderRevalidationBackfill = "order-revalidation-backfill"
	FloorBootstrapBackfill    = "floor-bootstrap-backfill"
	EventsSyncBackfill        = "events-sync-backfill"
	ExportData                = "export-data-queue"
)

// All lists every queue name.
var All = []string{
	OrderUpdatesByID, OrderUpdatesByMaker, OrderExpiry, PoolOrderUpsert,
	TokenFloor, TokenNormalizedFloor, TokenTopBid, TokenFlagStatus,
	CollectionFloor, CollectionNonFlaggedFloor, CollectionNormalizedFloor, CollectionTopBid,
	ConsecutiveTransferChunks, OrderRevalidationBackfill, FloorBootstrapBackfill, EventsSyncBackfill,
	ExportData,
}
