package chain

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/orderbookd/internal/domain"
	"github.com/alanyoungcy/orderbookd/internal/ingest"
	"github.com/alanyoungcy/orderbookd/internal/metrics"
	"github.com/alanyoungcy/orderbookd/internal/normalizer"
)

// LogSource yields ordered logs for a block range.
type LogSource interface {
	Head(ctx context.Context) (uint64, error)
	Logs(ctx context.Context, from, to uint64) ([]normalizer.Log, error)
}

// Normalizer turns logs into OnChainData.
type Normalizer interface {
	Normalize(ctx context.Context, logs []normalizer.Log, opts normalizer.Options) (*domain.OnChainData, error)
}

// Ingester applies OnChainData.
type Ingester interface {
	Process(ctx context.Context, data *domain.OnChainData, opts ingest.Options) (ingest.Summary, error)
}

// Syncer runs the log → normalizer → ingest path for one block range. The
// live follower and the events-sync backfill share it.
type Syncer struct {
	source     LogSource
	normalizer Normalizer
	ingester   Ingester
	metrics    *metrics.Metrics
}

// NewSyncer creates a Syncer.
func NewSyncer(source LogSource, n Normalizer, ing Ingester, m *metrics.Metrics) *Syncer {
	return &Syncer{source: source, normalizer: n, ingester: ing, metrics: m}
}

// SyncRange processes [from, to]. Backfill skips attribution and fan-out.
func (s *Syncer) SyncRange(ctx context.Context, from, to uint64, backfill bool) (ingest.Summary, error) {
	logs, err := s.source.Logs(ctx, from, to)
	if err != nil {
		return ingest.Summary{}, err
	}
	data, err := s.normalizer.Normalize(ctx, logs, normalizer.Options{Backfill: backfill})
	if err != nil {
		return ingest.Summary{}, fmt.Errorf("chain: normalize %d-%d: %w", from, to, err)
	}
	sum, err := s.ingester.Process(ctx, data, ingest.Options{Backfill: backfill})
	if err != nil {
		return sum, fmt.Errorf("chain: ingest %d-%d: %w", from, to, err)
	}
	return sum, nil
}

// Head returns the source's latest block.
func (s *Syncer) Head(ctx context.Context) (uint64, error) {
	return s.source.Head(ctx)
}

// FollowerConfig tunes the live follower.
type FollowerConfig struct {
	PollInterval  time.Duration
	BlockBatch    uint64
	Confirmations uint64
	StartBlock    uint64
}

// Follower polls the chain head and syncs confirmed ranges in order. Its
// progress is the last fully processed block in the checkpoint.
type Follower struct {
	syncer     *Syncer
	checkpoint domain.Checkpoint
	cfg        FollowerConfig
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewFollower creates a Follower.
func NewFollower(syncer *Syncer, checkpoint domain.Checkpoint, cfg FollowerConfig, m *metrics.Metrics, logger *slog.Logger) *Follower {
	if cfg.BlockBatch == 0 {
		cfg.BlockBatch = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 12 * time.Second
	}
	return &Follower{
		syncer:     syncer,
		checkpoint: checkpoint,
		cfg:        cfg,
		metrics:    m,
		logger:     logger.With(slog.String("component", "follower")),
	}
}

// Step syncs at most one batch. It reports whether the checkpoint moved.
func (f *Follower) Step(ctx context.Context) (bool, error) {
	head, err := f.syncer.Head(ctx)
	if err != nil {
		return false, err
	}
	if head < f.cfg.Confirmations {
		return false, nil
	}
	safe := head - f.cfg.Confirmations

	from := f.cfg.StartBlock
	last, ok, err := f.checkpoint.LastBlock(ctx)
	if err != nil {
		return false, fmt.Errorf("chain: read checkpoint: %w", err)
	}
	if ok {
		from = last + 1
	}
	if from > safe {
		return false, nil
	}
	to := min(from+f.cfg.BlockBatch-1, safe)

	sum, err := f.syncer.SyncRange(ctx, from, to, false)
	if err != nil {
		return false, err
	}
	if err := f.checkpoint.SetLastBlock(ctx, to); err != nil {
		return false, fmt.Errorf("chain: write checkpoint: %w", err)
	}
	f.metrics.RecordSyncedBlock(to)

	f.logger.Debug("synced range",
		slog.Uint64("from", from),
		slog.Uint64("to", to),
		slog.Int("new_fills", sum.NewFills),
		slog.Int("transitions", len(sum.Transitions)),
		slog.Int("enqueued", sum.Enqueued),
	)
	return true, nil
}

// Run follows the chain until ctx is cancelled. It keeps stepping without
// waiting while it is behind the head.
func (f *Follower) Run(ctx context.Context) error {
	f.logger.Info("follower started",
		slog.Uint64("start_block", f.cfg.StartBlock),
		slog.Uint64("confirmations", f.cfg.Confirmations),
	)

	for {
		wait := f.cfg.PollInterval
		advanced, err := f.Step(ctx)
		switch {
		case err == nil && advanced:
			wait = 0
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if te, ok := domain.AsThrottled(err); ok {
				wait = te.RetryAfter
				f.logger.Warn("rpc throttled", slog.Duration("retry_after", wait))
			} else {
				f.metrics.RecordError("follower", "step")
				f.logger.Error("sync step failed", slog.String("error", err.Error()))
			}
		}

		if wait == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			f.logger.Info("follower stopped")
			return ctx.Err()
		case <-timer.C:
		}
	}
}
