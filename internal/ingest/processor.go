// Package ingest persists normalized on-chain data and applies its direct
// consequences to orders: fills, cancels and nonce invalidations. Anything
// that needs a validity check is fanned out to the order update queues.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/orderbookd/internal/domain"
	"github.com/alanyoungcy/orderbookd/internal/metrics"
	"github.com/alanyoungcy/orderbookd/internal/queue"
)

// Options controls one Process call.
type Options struct {
	// Backfill skips fan-out to the order update queues.
	Backfill bool
}

// Summary reports what a batch changed.
type Summary struct {
	NewFills    int
	NewCancels  int
	Transitions []domain.OrderTransition
	Enqueued    int
	ItemErrors  int
}

// Processor applies OnChainData batches.
type Processor struct {
	events  domain.EventStore
	orders  domain.OrderStore
	tokens  domain.TokenStore
	queue   queue.Enqueuer
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(
	events domain.EventStore,
	orders domain.OrderStore,
	tokens domain.TokenStore,
	enq queue.Enqueuer,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		events:  events,
		orders:  orders,
		tokens:  tokens,
		queue:   enq,
		metrics: m,
		logger:  logger.With(slog.String("component", "ingest")),
	}
}

// Process persists data and applies it. Store-level failures abort the batch
// and are returned; failures on a single order are logged and counted so the
// rest of the batch still lands. Every step is idempotent, so a retried
// batch converges to the same state.
func (p *Processor) Process(ctx context.Context, data *domain.OnChainData, opts Options) (Summary, error) {
	var sum Summary
	if data == nil || data.Empty() {
		return sum, nil
	}

	if err := p.persistMirror(ctx, data); err != nil {
		return sum, err
	}

	fills := data.AllFills()
	newFills, err := p.events.InsertFills(ctx, fills)
	if err != nil {
		return sum, fmt.Errorf("ingest: insert fills: %w", err)
	}
	sum.NewFills = len(newFills)
	p.metrics.RecordEvents("fill", len(newFills))

	cancels := append(append([]domain.CancelEvent(nil), data.CancelEvents...), data.CancelEventsOnChain...)
	newCancels, err := p.events.InsertCancels(ctx, cancels)
	if err != nil {
		return sum, fmt.Errorf("ingest: insert cancels: %w", err)
	}
	sum.NewCancels = len(newCancels)
	p.metrics.RecordEvents("cancel", len(newCancels))

	newBulk, err := p.events.InsertBulkCancels(ctx, data.BulkCancelEvents)
	if err != nil {
		return sum, fmt.Errorf("ingest: insert bulk cancels: %w", err)
	}
	p.metrics.RecordEvents("bulk-cancel", len(newBulk))

	newNonce, err := p.events.InsertNonceCancels(ctx, data.NonceCancelEvents)
	if err != nil {
		return sum, fmt.Errorf("ingest: insert nonce cancels: %w", err)
	}
	p.metrics.RecordEvents("nonce-cancel", len(newNonce))

	// Fills go first: a nonce invalidation emitted by the same transaction
	// must not make a just-filled order stick as cancelled.
	for _, f := range fills {
		if f.OrderID == "" {
			continue
		}
		t, err := p.applyFill(ctx, f)
		p.collect(&sum, f.OrderID, f.EventBase, t, err)
	}
	for _, c := range cancels {
		t, err := p.cancelByID(ctx, c.OrderID, trigger(domain.TriggerCancel, c.EventBase))
		p.collect(&sum, c.OrderID, c.EventBase, t, err)
	}
	for _, c := range data.BulkCancelEvents {
		ids, err := p.orders.ListBelowNonce(ctx, c.OrderKind, c.Maker, c.Side, c.MinNonce)
		if err != nil {
			p.itemFailed(&sum, "bulk-cancel", c.EventBase, c.Maker.Hex(), err)
			continue
		}
		for _, id := range ids {
			t, err := p.cancelByID(ctx, id, trigger(domain.TriggerCancel, c.EventBase))
			p.collect(&sum, id, c.EventBase, t, err)
		}
	}
	for _, c := range data.NonceCancelEvents {
		ids, err := p.orders.ListByNonce(ctx, c.OrderKind, c.Maker, c.Nonce)
		if err != nil {
			p.itemFailed(&sum, "nonce-cancel", c.EventBase, c.Maker.Hex(), err)
			continue
		}
		for _, id := range ids {
			t, err := p.cancelByID(ctx, id, trigger(domain.TriggerCancel, c.EventBase))
			p.collect(&sum, id, c.EventBase, t, err)
		}
	}

	for _, info := range data.FillInfos {
		if _, err := p.tokens.UpdateLastSale(ctx, info); err != nil {
			sum.ItemErrors++
			p.metrics.RecordError("ingest", "last-sale")
			p.logger.Error("last sale update failed",
				slog.String("context", info.Context),
				slog.String("contract", info.Contract.Hex()),
				slog.String("token_id", bigString(info.TokenID)),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := p.enqueueDeferred(ctx, data.DeferredRanges, opts.Backfill, &sum); err != nil {
		return sum, err
	}
	if opts.Backfill {
		return sum, nil
	}
	if err := p.fanOut(ctx, data, &sum); err != nil {
		return sum, err
	}
	return sum, nil
}

func (p *Processor) persistMirror(ctx context.Context, data *domain.OnChainData) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := p.events.InsertNftApprovals(gctx, data.NftApprovalEvents)
		if err != nil {
			return fmt.Errorf("ingest: insert nft approvals: %w", err)
		}
		p.metrics.RecordEvents("nft-approval", len(rows))
		return nil
	})
	g.Go(func() error {
		rows, err := p.events.InsertFtApprovals(gctx, data.FtApprovalEvents)
		if err != nil {
			return fmt.Errorf("ingest: insert ft approvals: %w", err)
		}
		p.metrics.RecordEvents("ft-approval", len(rows))
		return nil
	})
	g.Go(func() error {
		rows, err := p.events.InsertFtTransfers(gctx, data.FtTransferEvents)
		if err != nil {
			return fmt.Errorf("ingest: insert ft transfers: %w", err)
		}
		p.metrics.RecordEvents("ft-transfer", len(rows))
		return nil
	})
	g.Go(func() error {
		rows, err := p.events.InsertNftTransfers(gctx, data.NftTransferEvents)
		if err != nil {
			return fmt.Errorf("ingest: insert nft transfers: %w", err)
		}
		p.metrics.RecordEvents("nft-transfer", len(rows))
		return nil
	})
	g.Go(func() error {
		if len(data.MintInfos) == 0 {
			return nil
		}
		if err := p.tokens.UpsertMinted(gctx, data.MintInfos); err != nil {
			return fmt.Errorf("ingest: upsert minted: %w", err)
		}
		p.metrics.RecordEvents("mint", len(data.MintInfos))
		return nil
	})
	return g.Wait()
}

// applyFill recomputes the order's filled quantity from every stored fill
// row and marks it filled once nothing remains.
func (p *Processor) applyFill(ctx context.Context, f domain.FillEvent) (*domain.OrderTransition, error) {
	o, err := p.orders.RefreshQuantityFilled(ctx, f.OrderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	next := o.Status()
	if o.QuantityRemaining != nil && o.QuantityRemaining.Sign() == 0 {
		next.Fillability = domain.FillabilityFilled
	}
	return p.orders.CompareAndSwapStatus(ctx, o.ID, next, o.QuantityRemaining, trigger(domain.TriggerSale, f.EventBase))
}

func (p *Processor) cancelByID(ctx context.Context, id string, trig domain.Trigger) (*domain.OrderTransition, error) {
	o, err := p.orders.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	next := domain.OrderStatus{Fillability: domain.FillabilityCancelled, Approval: o.ApprovalStatus}
	return p.orders.CompareAndSwapStatus(ctx, id, next, nil, trig)
}

func (p *Processor) collect(sum *Summary, orderID string, ev domain.EventBase, t *domain.OrderTransition, err error) {
	if err != nil {
		p.itemFailed(sum, "order", ev, orderID, err)
		return
	}
	if t == nil {
		return
	}
	sum.Transitions = append(sum.Transitions, *t)
	p.metrics.RecordTransition(string(t.Trigger.Kind), string(t.Current.EventStatus()))
}

func (p *Processor) itemFailed(sum *Summary, item string, ev domain.EventBase, id string, err error) {
	sum.ItemErrors++
	p.metrics.RecordError("ingest", item)
	p.logger.Error("apply failed",
		slog.String("item", item),
		slog.String("id", id),
		slog.String("tx_hash", ev.TxHash.Hex()),
		slog.Uint64("log_index", uint64(ev.LogIndex)),
		slog.Uint64("batch_index", uint64(ev.BatchIndex)),
		slog.String("error", err.Error()),
	)
}

func (p *Processor) enqueueDeferred(ctx context.Context, ranges []domain.ConsecutiveRange, backfill bool, sum *Summary) error {
	for _, r := range ranges {
		chunk := domain.ConsecutiveChunk{Range: r, Next: new(big.Int).Set(r.FromTokenID), Backfill: backfill}
		id := fmt.Sprintf("%s-%d-%d", r.TxHash.Hex(), r.LogIndex, r.BatchIndex)
		ok, err := p.queue.Enqueue(ctx, queue.ConsecutiveTransferChunks, chunk, queue.WithJobID(id))
		if err != nil {
			return fmt.Errorf("ingest: enqueue consecutive range %s: %w", id, err)
		}
		if ok {
			sum.Enqueued++
		}
	}
	return nil
}

func (p *Processor) fanOut(ctx context.Context, data *domain.OnChainData, sum *Summary) error {
	for _, t := range sum.Transitions {
		info := domain.OrderInfo{
			Context: fmt.Sprintf("%s-%s-%d-%d-%s", t.Trigger.Kind, t.Trigger.TxHash.Hex(), t.Trigger.LogIndex, t.Trigger.BatchIndex, t.OrderID),
			ID:      t.OrderID,
			Trigger: t.Trigger,
		}
		if err := p.enqueue(ctx, queue.OrderUpdatesByID, info.Context, info, sum); err != nil {
			return err
		}
	}
	for _, info := range data.OrderInfos {
		if err := p.enqueue(ctx, queue.OrderUpdatesByID, info.Context, info, sum); err != nil {
			return err
		}
	}
	for _, info := range data.MakerInfos {
		if err := p.enqueue(ctx, queue.OrderUpdatesByMaker, info.Context, info, sum); err != nil {
			return err
		}
	}
	for _, u := range data.Orders {
		id := fmt.Sprintf("%s-%s-%s-%d", u.Kind, u.Pool.Hex(), u.TxHash.Hex(), u.LogIndex)
		if err := p.enqueue(ctx, queue.PoolOrderUpsert, id, u, sum); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) enqueue(ctx context.Context, name, id string, payload any, sum *Summary) error {
	ok, err := p.queue.Enqueue(ctx, name, payload, queue.WithJobID(id))
	if err != nil {
		return fmt.Errorf("ingest: enqueue %s %s: %w", name, id, err)
	}
	if ok {
		sum.Enqueued++
	}
	return nil
}

func trigger(kind domain.TriggerKind, ev domain.EventBase) domain.Trigger {
	return domain.Trigger{
		Kind:        kind,
		TxHash:      ev.TxHash,
		TxTimestamp: ev.Timestamp,
		LogIndex:    ev.LogIndex,
		BatchIndex:  ev.BatchIndex,
		BlockHash:   ev.BlockHash,
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
