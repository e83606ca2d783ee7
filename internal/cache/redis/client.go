// Package redis holds the coordination side of orderbookd: leases and
// markers, the stream broker, the event bus, knobs and rate limits.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// clientName tags orderbookd connections in CLIENT LIST.
const clientName = "orderbookd"

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool

	// Consumers is the number of queue consumers that park a connection in
	// XREADGROUP BLOCK. They are added on top of PoolSize so leases and
	// enqueues never wait behind idle consumers.
	Consumers int
}

// Client owns the go-redis connection pool shared by every store in this
// package.
type Client struct {
	rdb *redis.Client
}

func options(cfg ClientConfig) *redis.Options {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		ClientName: clientName,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize + max(cfg.Consumers, 0)
		opts.MinIdleConns = max(cfg.Consumers, 0)
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// New dials Redis and fails fast when it does not answer PING.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	rdb := redis.NewClient(options(cfg))
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// Ping is the health probe.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close closes the pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying returns the go-redis client for the stores in this package.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
