package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Lease is an advisory, TTL-bound lock. A crashed holder's lease expires on
// its own.
//
// Acquire and Release bracket a lock held by one caller: Release only removes
// the lease this caller acquired. Mark and Clear manage shared markers that
// one worker sets and any other worker consumes; Clear removes the marker
// whoever set it.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Clear(ctx context.Context, key string) (bool, error)
}

// Broker transports jobs between producers and worker pools.
type Broker interface {
	Declare(ctx context.Context, spec QueueSpec) error
	Publish(ctx context.Context, job Job) error
	Consume(ctx context.Context, queue string, opts ConsumeOptions) ([]Job, error)
	Ack(ctx context.Context, job Job) error
	DeadLetter(ctx context.Context, job Job) error
	DeadLetters(ctx context.Context, queue string, limit int) ([]Job, error)
	ReplayDeadLetters(ctx context.Context, queue string, limit int) (int, error)
	Stats(ctx context.Context, queue string) (QueueStats, error)
}

// BusMessage is one downstream notification.
type BusMessage struct {
	Name        string            `json:"name"`
	Tags        map[string]string `json:"tags,omitempty"`
	Data        json.RawMessage   `json:"data"`
	PublishedAt time.Time         `json:"publishedAt"`
}

// EventBus delivers notifications at least once. Consumers must be
// idempotent.
type EventBus interface {
	Publish(ctx context.Context, name string, tags map[string]string, data any) error
}

// EventSubscriber streams bus messages whose name matches pattern.
type EventSubscriber interface {
	Subscribe(ctx context.Context, pattern string) (<-chan BusMessage, error)
}

// PendingSet is a set of members waiting for an external consumer.
type PendingSet interface {
	Add(ctx context.Context, members ...string) error
	Pop(ctx context.Context, n int) ([]string, error)
	Size(ctx context.Context) (int64, error)
}

// Knobs exposes runtime-tunable integers.
type Knobs interface {
	Int(ctx context.Context, key string) (int, bool, error)
	SetInt(ctx context.Context, key string, v int) error
}

// Checkpoint stores the last fully processed block.
type Checkpoint interface {
	LastBlock(ctx context.Context) (uint64, bool, error)
	SetLastBlock(ctx context.Context, block uint64) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
