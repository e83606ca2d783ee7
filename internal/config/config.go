// Package config defines the top-level configuration for orderbookd and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ORDERBOOKD_* environment variables.
type Config struct {
	Postgres PostgresConfig           `toml:"postgres"`
	Redis    RedisConfig              `toml:"redis"`
	S3       S3Config                 `toml:"s3"`
	Chain    ChainConfig              `toml:"chain"`
	Queues   map[string]QueueOverride `toml:"queues"`
	Floor    FloorConfig              `toml:"floor"`
	Backfill BackfillConfig           `toml:"backfill"`
	Validity ValidityConfig           `toml:"validity"`
	Kafka    KafkaConfig              `toml:"kafka"`
	Server   ServerConfig             `toml:"server"`
	Mode     string                   `toml:"mode"`
	LogLevel string                   `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters used by data
// exports.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ChainConfig holds the RPC endpoint and log-following parameters.
type ChainConfig struct {
	RPCURL        string   `toml:"rpc_url"`
	ChainID       int64    `toml:"chain_id"`
	PollInterval  duration `toml:"poll_interval"`
	BlockBatch    uint64   `toml:"block_batch"`
	Confirmations uint64   `toml:"confirmations"`
	StartBlock    uint64   `toml:"start_block"`

	// ConsecutiveTransferThreshold caps how many token ids a ranged transfer
	// may expand into before it is deferred to a chunked job.
	ConsecutiveTransferThreshold int `toml:"consecutive_transfer_threshold"`

	RPCRateLimit  int      `toml:"rpc_rate_limit"`
	RPCRateWindow duration `toml:"rpc_rate_window"`

	// Routers maps aggregator router addresses to a source name used for
	// fill attribution.
	Routers map[string]string `toml:"routers"`
}

// RouterAddresses returns Routers keyed by parsed address.
func (c ChainConfig) RouterAddresses() map[common.Address]string {
	out := make(map[common.Address]string, len(c.Routers))
	for addr, source := range c.Routers {
		out[common.HexToAddress(addr)] = source
	}
	return out
}

// QueueOverride tunes a single queue without redeploying code.
type QueueOverride struct {
	Concurrency int      `toml:"concurrency"`
	MaxRetries  int      `toml:"max_retries"`
	Timeout     duration `toml:"timeout"`
	Disabled    bool     `toml:"disabled"`
}

// TimeoutDuration exposes the override timeout (zero when unset).
func (q QueueOverride) TimeoutDuration() time.Duration {
	return q.Timeout.Duration
}

// FloorConfig holds the collection lease parameters.
type FloorConfig struct {
	LockTTL             duration `toml:"lock_ttl"`
	RevalidationLockTTL duration `toml:"revalidation_lock_ttl"`
}

// BackfillConfig holds cursor backfill parameters.
type BackfillConfig struct {
	PageSize       int    `toml:"page_size"`
	ExportPageSize int    `toml:"export_page_size"`
	ExportPrefix   string `toml:"export_prefix"`

	// Jobs lists the backfills enqueued when running in backfill mode.
	Jobs      []string `toml:"jobs"`
	FromBlock uint64   `toml:"from_block"`
	ToBlock   uint64   `toml:"to_block"`
	// KeepGoing keeps the cursor scans polling after they catch up.
	KeepGoing bool `toml:"keep_going"`
}

// ValidityConfig controls optional on-chain rechecks.
type ValidityConfig struct {
	// OnChainApprovalRecheck re-reads NFT approvals and ERC-20 allowances
	// from chain when the mirror reports none.
	OnChainApprovalRecheck bool `toml:"on_chain_approval_recheck"`
}

// KafkaConfig holds the downstream sink parameters.
type KafkaConfig struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`

	// RateLimit is the per-client request budget per RateWindow. Zero
	// disables limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "orderbookd",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  20,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   50,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "orderbookd-exports",
			ForcePathStyle: true,
		},
		Chain: ChainConfig{
			ChainID:                      1,
			PollInterval:                 duration{2 * time.Second},
			BlockBatch:                   20,
			ConsecutiveTransferThreshold: 1000,
			RPCRateLimit:                 50,
			RPCRateWindow:                duration{time.Second},
		},
		Queues: map[string]QueueOverride{},
		Floor: FloorConfig{
			LockTTL:             duration{300 * time.Second},
			RevalidationLockTTL: duration{300 * time.Second},
		},
		Backfill: BackfillConfig{
			PageSize:       1000,
			ExportPageSize: 5000,
			ExportPrefix:   "exports",
		},
		Kafka: KafkaConfig{
			Topic: "orderbookd.events",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8080,
			CORSOrigins: []string{"*"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"live":     true,
	"worker":   true,
	"backfill": true,
	"export":   true,
	"full":     true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validBackfills = map[string]bool{
	"order-revalidation": true,
	"floor-bootstrap":    true,
	"events-sync":        true,
}

// NeedsChain reports whether the mode talks to an RPC endpoint.
func (c *Config) NeedsChain() bool {
	m := strings.ToLower(c.Mode)
	return m == "live" || m == "worker" || m == "backfill" || m == "full"
}

// NeedsS3 reports whether the mode runs data exports.
func (c *Config) NeedsS3() bool {
	m := strings.ToLower(c.Mode)
	return m == "export" || m == "full"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, worker, backfill, export, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.NeedsS3() {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Chain
	if c.NeedsChain() {
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url must not be empty for mode "+c.Mode)
		}
		if c.Chain.ChainID <= 0 {
			errs = append(errs, "chain: chain_id must be positive")
		}
	}
	if c.Chain.BlockBatch < 1 {
		errs = append(errs, "chain: block_batch must be >= 1")
	}
	if c.Chain.ConsecutiveTransferThreshold < 1 {
		errs = append(errs, "chain: consecutive_transfer_threshold must be >= 1")
	}
	if c.Chain.RPCRateLimit < 0 {
		errs = append(errs, "chain: rpc_rate_limit must be >= 0")
	}
	for addr := range c.Chain.Routers {
		if !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Sprintf("chain: router %q is not a hex address", addr))
		}
	}

	// Queues
	for name, q := range c.Queues {
		if q.Concurrency < 0 {
			errs = append(errs, fmt.Sprintf("queues.%s: concurrency must be >= 0", name))
		}
		if q.MaxRetries < 0 {
			errs = append(errs, fmt.Sprintf("queues.%s: max_retries must be >= 0", name))
		}
	}

	// Floor
	if c.Floor.LockTTL.Duration <= 0 {
		errs = append(errs, "floor: lock_ttl must be > 0")
	}
	if c.Floor.RevalidationLockTTL.Duration <= 0 {
		errs = append(errs, "floor: revalidation_lock_ttl must be > 0")
	}

	// Backfill
	if c.Backfill.PageSize < 1 {
		errs = append(errs, "backfill: page_size must be >= 1")
	}
	if c.Backfill.ExportPageSize < 1 {
		errs = append(errs, "backfill: export_page_size must be >= 1")
	}
	for _, job := range c.Backfill.Jobs {
		if !validBackfills[job] {
			errs = append(errs, fmt.Sprintf("backfill: unknown job %q (valid: order-revalidation, floor-bootstrap, events-sync)", job))
		}
	}
	if c.Backfill.ToBlock != 0 && c.Backfill.ToBlock < c.Backfill.FromBlock {
		errs = append(errs, "backfill: to_block must not be below from_block")
	}

	// Kafka
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, "kafka: brokers must not be empty when enabled")
		}
		if c.Kafka.Topic == "" {
			errs = append(errs, "kafka: topic must not be empty when enabled")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be positive when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
