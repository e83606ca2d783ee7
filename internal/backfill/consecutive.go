package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/alanyoungcy/orderbookd/internal/domain"
	"github.com/alanyoungcy/orderbookd/internal/ingest"
	"github.com/alanyoungcy/orderbookd/internal/queue"
)

// RangeExpander materializes part of a deferred consecutive transfer.
type RangeExpander interface {
	ExpandRange(r domain.ConsecutiveRange, from, to *big.Int) *domain.OnChainData
}

// BatchIngester applies normalized data.
type BatchIngester interface {
	Process(ctx context.Context, data *domain.OnChainData, opts ingest.Options) (ingest.Summary, error)
}

// ConsecutiveChunks expands deferred ranged transfers, threshold token ids
// per run.
type ConsecutiveChunks struct {
	expander  RangeExpander
	ingester  BatchIngester
	queue     queue.Enqueuer
	threshold int64
	logger    *slog.Logger
}

// NewConsecutiveChunks creates the chunk handler.
func NewConsecutiveChunks(expander RangeExpander, ingester BatchIngester, enq queue.Enqueuer, threshold int, logger *slog.Logger) *ConsecutiveChunks {
	if threshold < 1 {
		threshold = 1000
	}
	return &ConsecutiveChunks{
		expander:  expander,
		ingester:  ingester,
		queue:     enq,
		threshold: int64(threshold),
		logger:    logger.With(slog.String("component", "consecutive-chunks")),
	}
}

// Process implements queue.Handler. The result is the next chunk, or nil
// when the range is exhausted.
func (c *ConsecutiveChunks) Process(ctx context.Context, job *domain.Job) (any, error) {
	chunk, err := queue.Decode[domain.ConsecutiveChunk](job)
	if err != nil {
		return nil, err
	}
	r := chunk.Range
	if chunk.Next == nil || r.FromTokenID == nil || r.ToTokenID == nil {
		return nil, fmt.Errorf("backfill: consecutive chunk without bounds: %w", domain.ErrInvalidPayload)
	}
	if chunk.Next.Cmp(r.ToTokenID) > 0 {
		return nil, nil
	}

	end := new(big.Int).Add(chunk.Next, big.NewInt(c.threshold-1))
	if end.Cmp(r.ToTokenID) > 0 {
		end.Set(r.ToTokenID)
	}

	data := c.expander.ExpandRange(r, chunk.Next, end)
	if _, err := c.ingester.Process(ctx, data, ingest.Options{Backfill: chunk.Backfill}); err != nil {
		return nil, fmt.Errorf("backfill: ingest tokens %s-%s of %s: %w", chunk.Next, end, r.TxHash.Hex(), err)
	}
	c.logger.Debug("consecutive chunk done",
		slog.String("tx_hash", r.TxHash.Hex()),
		slog.Uint64("log_index", uint64(r.LogIndex)),
		slog.String("from", chunk.Next.String()),
		slog.String("to", end.String()),
	)

	if end.Cmp(r.ToTokenID) >= 0 {
		return nil, nil
	}
	return &domain.ConsecutiveChunk{Range: r, Next: end.Add(end, big.NewInt(1)), Backfill: chunk.Backfill}, nil
}

// OnCompleted implements queue.Completer.
func (c *ConsecutiveChunks) OnCompleted(ctx context.Context, _ *domain.Job, result any) error {
	next, ok := result.(*domain.ConsecutiveChunk)
	if !ok || next == nil {
		return nil
	}
	r := next.Range
	id := fmt.Sprintf("%s-%d-%d-%s", r.TxHash.Hex(), r.LogIndex, r.BatchIndex, next.Next)
	if _, err := c.queue.Enqueue(ctx, queue.ConsecutiveTransferChunks, *next, queue.WithJobID(id)); err != nil {
		return fmt.Errorf("backfill: continue range %s: %w", r.TxHash.Hex(), err)
	}
	return nil
}

var (
	_ queue.Handler   = (*ConsecutiveChunks)(nil)
	_ queue.Completer = (*ConsecutiveChunks)(nil)
)
