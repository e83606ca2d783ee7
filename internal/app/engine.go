package app

import (
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/orderbookd/internal/blob/s3"
	"github.com/alanyoungcy/orderbookd/internal/backfill"
	"github.com/alanyoungcy/orderbookd/internal/chain"
	"github.com/alanyoungcy/orderbookd/internal/config"
	"github.com/alanyoungcy/orderbookd/internal/domain"
	"github.com/alanyoungcy/orderbookd/internal/floor"
	"github.com/alanyoungcy/orderbookd/internal/ingest"
	"github.com/alanyoungcy/orderbookd/internal/normalizer"
	"github.com/alanyoungcy/orderbookd/internal/orderupdates"
	"github.com/alanyoungcy/orderbookd/internal/queue"
	"github.com/alanyoungcy/orderbookd/internal/validity"
)

// Engine is the assembled job graph: every queue definition bound to its
// handler, plus the producers and long-running loops the modes start.
type Engine struct {
	Registry  *queue.Registry
	Producer  *queue.Producer
	Pool      *queue.Pool
	Inspector *queue.Inspector

	Syncer   *chain.Syncer
	Follower *chain.Follower
	Expiry   *orderupdates.Expiry
	Exporter *s3blob.Exporter
}

// NewEngine builds every component and registers each queue exactly once.
// Per-queue overrides from cfg.Queues are applied last.
func NewEngine(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*Engine, error) {
	m := deps.Metrics
	registry := queue.NewRegistry()
	producer := queue.NewProducer(registry, deps.Broker, deps.Lease, m, logger)

	opts := validity.Options{OnChainApprovalRecheck: cfg.Validity.OnChainApprovalRecheck}
	checker := validity.NewChecker(deps.Mirror, deps.Reads)

	norm := normalizer.New(normalizer.Config{
		ConsecutiveTransferThreshold: cfg.Chain.ConsecutiveTransferThreshold,
		Routers:                      cfg.Chain.RouterAddresses(),
	}, deps.Txs, deps.Pools, logger)
	processor := ingest.NewProcessor(deps.Events, deps.Orders, deps.Tokens, producer, m, logger)
	syncer := chain.NewSyncer(deps.Logs, norm, processor, m)

	maintainer := floor.NewMaintainer(floor.Deps{
		Caches:  deps.Caches,
		Lease:   deps.Lease,
		Pending: deps.Pending,
		Bus:     deps.Bus,
		Queue:   producer,
		Metrics: m,
		Logger:  logger,
	}, floor.Config{
		LockTTL:             cfg.Floor.LockTTL.Duration,
		RevalidationLockTTL: cfg.Floor.RevalidationLockTTL.Duration,
	})

	byID := orderupdates.NewByID(deps.Orders, deps.Caches, producer, deps.Bus, m, logger)
	byMaker := orderupdates.NewByMaker(deps.Orders, deps.Mirror, checker, producer, opts, m, logger)
	expiry := orderupdates.NewExpiry(deps.Orders, producer, 0, 0, m, logger)
	flags := orderupdates.NewFlags(deps.Tokens, deps.Caches, producer, logger)
	poolOrders := orderupdates.NewPoolOrders(deps.PoolState, deps.Pools, deps.Orders, producer, logger)

	pageSize := cfg.Backfill.PageSize
	revalidation := backfill.NewRevalidation(deps.Orders, checker, producer, deps.Knobs, pageSize, opts, m, logger)
	bootstrap := backfill.NewFloorBootstrap(deps.Tokens, producer, deps.Knobs, pageSize, logger)
	eventsSync := backfill.NewEventsSync(syncer, producer, deps.Knobs, pageSize, logger)
	chunks := backfill.NewConsecutiveChunks(norm, processor, producer, cfg.Chain.ConsecutiveTransferThreshold, logger)

	exporter := s3blob.NewExporter(s3blob.ExporterDeps{
		Tasks:    deps.ExportTasks,
		Source:   deps.ExportSource,
		Writer:   deps.BlobWriter,
		Lease:    deps.Lease,
		Queue:    producer,
		Audit:    deps.Audit,
		PageSize: cfg.Backfill.ExportPageSize,
		Metrics:  m,
		Logger:   logger,
	})

	defs := []queue.Definition{
		{
			Name:        queue.OrderUpdatesByID,
			Concurrency: 80,
			LazyMode:    true,
			MaxRetries:  10,
			Timeout:     60 * time.Second,
			Backoff:     queue.Fixed(10 * time.Second),
			Handler:     byID,
		},
		{
			Name:        queue.OrderUpdatesByMaker,
			Concurrency: 30,
			MaxRetries:  10,
			Backoff:     queue.Fixed(10 * time.Second),
			Handler:     byMaker,
		},
		{
			Name:                 queue.OrderExpiry,
			SingleActiveConsumer: true,
			MaxRetries:           5,
			Backoff:              queue.Exponential(5 * time.Second),
			Handler:              expiry,
		},
		{
			Name:        queue.PoolOrderUpsert,
			Concurrency: 10,
			MaxRetries:  5,
			Backoff:     queue.Exponential(time.Second),
			Handler:     poolOrders,
		},
		{
			Name:        queue.TokenFlagStatus,
			Concurrency: 10,
			MaxRetries:  5,
			Backoff:     queue.Fixed(5 * time.Second),
			Handler:     flags,
		},
		{
			Name:        queue.ConsecutiveTransferChunks,
			Concurrency: 5,
			MaxRetries:  10,
			Persistent:  true,
			Backoff:     queue.Exponential(5 * time.Second),
			Handler:     chunks,
		},
		{
			Name:                 queue.OrderRevalidationBackfill,
			SingleActiveConsumer: true,
			MaxRetries:           10,
			Persistent:           true,
			Backoff:              queue.Exponential(10 * time.Second),
			Handler:              revalidation,
		},
		{
			Name:                 queue.FloorBootstrapBackfill,
			SingleActiveConsumer: true,
			MaxRetries:           10,
			Persistent:           true,
			Backoff:              queue.Exponential(10 * time.Second),
			Handler:              bootstrap,
		},
		{
			Name:                 queue.EventsSyncBackfill,
			SingleActiveConsumer: true,
			MaxRetries:           10,
			Persistent:           true,
			Timeout:              10 * time.Minute,
			Backoff:              queue.Exponential(10 * time.Second),
			Handler:              eventsSync,
		},
		{
			Name:        queue.ExportData,
			Concurrency: 1,
			MaxRetries:  10,
			Persistent:  true,
			Timeout:     120 * time.Second,
			Backoff:     queue.Exponential(30 * time.Second),
			Handler:     exporter,
		},
	}
	for _, kind := range domain.CacheKinds {
		def := queue.Definition{
			Name:        floor.QueueFor(kind),
			Concurrency: 20,
			LazyMode:    true,
			MaxRetries:  10,
			Backoff:     queue.Exponential(5 * time.Second),
			Handler:     maintainer.Handler(kind),
		}
		if !kind.TokenScoped() {
			def.Concurrency = 10
		}
		defs = append(defs, def)
	}
	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
	}
	if err := applyOverrides(registry, cfg.Queues); err != nil {
		return nil, err
	}

	return &Engine{
		Registry:  registry,
		Producer:  producer,
		Pool:      queue.NewPool(registry, deps.Broker, deps.Lease, m, logger),
		Inspector: queue.NewInspector(registry, deps.Broker, deps.Audit, logger),
		Syncer:    syncer,
		Follower: chain.NewFollower(syncer, deps.Checkpoint, chain.FollowerConfig{
			PollInterval:  cfg.Chain.PollInterval.Duration,
			BlockBatch:    cfg.Chain.BlockBatch,
			Confirmations: cfg.Chain.Confirmations,
			StartBlock:    cfg.Chain.StartBlock,
		}, m, logger),
		Expiry:   expiry,
		Exporter: exporter,
	}, nil
}

// applyOverrides tunes registered queues from configuration. Zero values
// leave the registered default in place.
func applyOverrides(registry *queue.Registry, overrides map[string]config.QueueOverride) error {
	for name, o := range overrides {
		err := registry.Tune(name, func(d *queue.Definition) {
			if o.Concurrency > 0 {
				d.Concurrency = o.Concurrency
			}
			if o.MaxRetries > 0 {
				d.MaxRetries = o.MaxRetries
			}
			if o.TimeoutDuration() > 0 {
				d.Timeout = o.TimeoutDuration()
			}
			d.Disabled = o.Disabled
		})
		if err != nil {
			return fmt.Errorf("app: queue override: %w", err)
		}
	}
	return nil
}
