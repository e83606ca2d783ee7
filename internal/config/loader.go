package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ORDERBOOKD_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load. An empty path skips the
// file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ORDERBOOKD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ORDERBOOKD_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "ORDERBOOKD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ORDERBOOKD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ORDERBOOKD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ORDERBOOKD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ORDERBOOKD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ORDERBOOKD_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ORDERBOOKD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ORDERBOOKD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ORDERBOOKD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ORDERBOOKD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ORDERBOOKD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ORDERBOOKD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ORDERBOOKD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ORDERBOOKD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ORDERBOOKD_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ORDERBOOKD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ORDERBOOKD_S3_REGION")
	setStr(&cfg.S3.Bucket, "ORDERBOOKD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ORDERBOOKD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ORDERBOOKD_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "ORDERBOOKD_S3_FORCE_PATH_STYLE")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "ORDERBOOKD_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "ORDERBOOKD_CHAIN_ID")
	setDuration(&cfg.Chain.PollInterval, "ORDERBOOKD_CHAIN_POLL_INTERVAL")
	setUint64(&cfg.Chain.BlockBatch, "ORDERBOOKD_CHAIN_BLOCK_BATCH")
	setUint64(&cfg.Chain.Confirmations, "ORDERBOOKD_CHAIN_CONFIRMATIONS")
	setUint64(&cfg.Chain.StartBlock, "ORDERBOOKD_CHAIN_START_BLOCK")
	setInt(&cfg.Chain.ConsecutiveTransferThreshold, "ORDERBOOKD_CHAIN_CONSECUTIVE_TRANSFER_THRESHOLD")
	setInt(&cfg.Chain.RPCRateLimit, "ORDERBOOKD_CHAIN_RPC_RATE_LIMIT")
	setDuration(&cfg.Chain.RPCRateWindow, "ORDERBOOKD_CHAIN_RPC_RATE_WINDOW")

	// ── Floor ──
	setDuration(&cfg.Floor.LockTTL, "ORDERBOOKD_FLOOR_LOCK_TTL")
	setDuration(&cfg.Floor.RevalidationLockTTL, "ORDERBOOKD_FLOOR_REVALIDATION_LOCK_TTL")

	// ── Backfill ──
	setInt(&cfg.Backfill.PageSize, "ORDERBOOKD_BACKFILL_PAGE_SIZE")
	setInt(&cfg.Backfill.ExportPageSize, "ORDERBOOKD_BACKFILL_EXPORT_PAGE_SIZE")
	setStr(&cfg.Backfill.ExportPrefix, "ORDERBOOKD_BACKFILL_EXPORT_PREFIX")
	setStringSlice(&cfg.Backfill.Jobs, "ORDERBOOKD_BACKFILL_JOBS")
	setUint64(&cfg.Backfill.FromBlock, "ORDERBOOKD_BACKFILL_FROM_BLOCK")
	setUint64(&cfg.Backfill.ToBlock, "ORDERBOOKD_BACKFILL_TO_BLOCK")
	setBool(&cfg.Backfill.KeepGoing, "ORDERBOOKD_BACKFILL_KEEP_GOING")

	// ── Validity ──
	setBool(&cfg.Validity.OnChainApprovalRecheck, "ORDERBOOKD_VALIDITY_ON_CHAIN_APPROVAL_RECHECK")

	// ── Kafka ──
	setBool(&cfg.Kafka.Enabled, "ORDERBOOKD_KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, "ORDERBOOKD_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "ORDERBOOKD_KAFKA_TOPIC")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ORDERBOOKD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ORDERBOOKD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ORDERBOOKD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ORDERBOOKD_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "ORDERBOOKD_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "ORDERBOOKD_SERVER_RATE_WINDOW")

	// ── Top-level ──
	setStr(&cfg.Mode, "ORDERBOOKD_MODE")
	setStr(&cfg.LogLevel, "ORDERBOOKD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
