package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/alanyoungcy/orderbookd/internal/blob/s3"
	"github.com/alanyoungcy/orderbookd/internal/cache/redis"
	"github.com/alanyoungcy/orderbookd/internal/chain"
	"github.com/alanyoungcy/orderbookd/internal/config"
	"github.com/alanyoungcy/orderbookd/internal/domain"
	"github.com/alanyoungcy/orderbookd/internal/metrics"
	"github.com/alanyoungcy/orderbookd/internal/queue"
	"github.com/alanyoungcy/orderbookd/internal/server/handler"
	"github.com/alanyoungcy/orderbookd/internal/sink"
	"github.com/alanyoungcy/orderbookd/internal/store/postgres"
)

const (
	pendingFlagSyncKey = "flag-sync:pending"
	brokerClaimIdle    = 10 * time.Minute
)

// Dependencies bundles the concrete stores, caches and clients the engine
// runs on. Wire builds the production set; tests fill it with the
// in-memory implementations.
type Dependencies struct {
	// Stores
	Orders       domain.OrderStore
	Events       domain.EventStore
	Mirror       domain.Mirror
	Tokens       domain.TokenStore
	Caches       domain.CacheStore
	Pools        domain.PoolStore
	ExportTasks  domain.ExportTaskStore
	ExportSource domain.ExportSource
	Audit        domain.AuditStore

	// Coordination
	Broker      domain.Broker
	Lease       domain.Lease
	Bus         domain.EventBus
	Subscriber  domain.EventSubscriber
	Pending     domain.PendingSet
	Knobs       domain.Knobs
	Checkpoint  domain.Checkpoint
	RateLimiter domain.RateLimiter

	// Chain access; nil in modes that never touch the chain.
	Logs      chain.LogSource
	Txs       domain.TxLookup
	Reads     domain.ChainReader
	PoolState domain.PoolReader

	// Blob storage; nil unless the mode exports.
	BlobWriter domain.BlobWriter
	BlobLister domain.BlobLister

	Health   map[string]handler.Pinger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

// Wire connects to every backing service the configured mode needs and
// returns the dependencies with a cleanup that releases them in reverse
// order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	deps := &Dependencies{
		Health:   make(map[string]handler.Pinger),
		Metrics:  metrics.New(reg),
		Gatherer: reg,
	}

	// --- PostgreSQL ---
	pg, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: postgres: %w", err))
	}
	closers = append(closers, pg.Close)
	if cfg.Postgres.RunMigrations {
		if err := pg.RunMigrations(ctx); err != nil {
			return fail(fmt.Errorf("wire: postgres migrations: %w", err))
		}
	}
	pool := pg.Pool()
	deps.Orders = postgres.NewOrderStore(pool)
	deps.Events = postgres.NewEventStore(pool)
	deps.Mirror = postgres.NewMirror(pool)
	deps.Tokens = postgres.NewTokenStore(pool)
	deps.Caches = postgres.NewCacheStore(pool)
	deps.Pools = postgres.NewPoolStore(pool)
	deps.ExportTasks = postgres.NewExportTaskStore(pool)
	deps.ExportSource = postgres.NewExportSource(pool)
	deps.Audit = postgres.NewAuditStore(pool)
	deps.Health["postgres"] = pg.Ping

	// --- Redis ---
	rc, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		Consumers:  len(queue.All),
	})
	if err != nil {
		return fail(fmt.Errorf("wire: redis: %w", err))
	}
	closers = append(closers, func() { _ = rc.Close() })
	bus := redis.NewBus(rc)
	deps.Broker = redis.NewBroker(rc, brokerClaimIdle)
	deps.Lease = redis.NewLease(rc)
	deps.Bus = bus
	deps.Subscriber = bus
	deps.Pending = redis.NewPendingSet(rc, pendingFlagSyncKey)
	deps.Knobs = redis.NewKnobs(rc)
	deps.Checkpoint = redis.NewCheckpoint(rc)
	deps.RateLimiter = redis.NewRateLimiter(rc)
	deps.Health["redis"] = rc.Ping

	// --- Kafka sink ---
	if cfg.Kafka.Enabled {
		k := sink.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		closers = append(closers, func() { _ = k.Close() })
		deps.Bus = sink.Multi{bus, k}
	}

	// --- Chain RPC ---
	if cfg.NeedsChain() {
		client, err := chain.Dial(ctx, cfg.Chain.RPCURL, deps.RateLimiter, chain.RateLimit{
			Limit:  cfg.Chain.RPCRateLimit,
			Window: cfg.Chain.RPCRateWindow.Duration,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		deps.Logs = client
		deps.Txs = client
		deps.Reads = client
		deps.PoolState = client
	}

	// --- S3 ---
	if cfg.NeedsS3() {
		s3c, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.BlobWriter = s3blob.NewWriter(s3c)
		deps.BlobLister = s3blob.NewLister(s3c)
		deps.Health["s3"] = s3c.Health
	}

	return deps, cleanup, nil
}
