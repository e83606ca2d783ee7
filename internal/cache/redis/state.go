package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// PendingSet implements domain.PendingSet on a Redis set.
type PendingSet struct {
	rdb *redis.Client
	key string
}

// NewPendingSet creates a PendingSet stored under key.
func NewPendingSet(c *Client, key string) *PendingSet {
	return &PendingSet{rdb: c.Underlying(), key: key}
}

// Add inserts members.
func (p *PendingSet) Add(ctx context.Context, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	if err := p.rdb.SAdd(ctx, p.key, vals...).Err(); err != nil {
		return fmt.Errorf("redis: add pending %s: %w", p.key, err)
	}
	return nil
}

// Pop removes and returns up to n members.
func (p *PendingSet) Pop(ctx context.Context, n int) ([]string, error) {
	members, err := p.rdb.SPopN(ctx, p.key, int64(n)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: pop pending %s: %w", p.key, err)
	}
	return members, nil
}

// Size returns the number of members.
func (p *PendingSet) Size(ctx context.Context) (int64, error) {
	n, err := p.rdb.SCard(ctx, p.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: size pending %s: %w", p.key, err)
	}
	return n, nil
}

// Knobs implements domain.Knobs on plain string keys.
type Knobs struct {
	rdb *redis.Client
}

// NewKnobs creates a Knobs backed by the given Client.
func NewKnobs(c *Client) *Knobs {
	return &Knobs{rdb: c.Underlying()}
}

// Int reads an integer knob; ok is false when it is unset.
func (k *Knobs) Int(ctx context.Context, key string) (int, bool, error) {
	v, err := k.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis: get knob %s: %w", key, err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("redis: knob %s is not an integer: %q", key, v)
	}
	return n, true, nil
}

// SetInt writes an integer knob.
func (k *Knobs) SetInt(ctx context.Context, key string, v int) error {
	if err := k.rdb.Set(ctx, key, v, 0).Err(); err != nil {
		return fmt.Errorf("redis: set knob %s: %w", key, err)
	}
	return nil
}

const lastBlockKey = "sync:last-block"

// Checkpoint implements domain.Checkpoint.
type Checkpoint struct {
	rdb *redis.Client
}

// NewCheckpoint creates a Checkpoint backed by the given Client.
func NewCheckpoint(c *Client) *Checkpoint {
	return &Checkpoint{rdb: c.Underlying()}
}

// LastBlock returns the last fully processed block.
func (c *Checkpoint) LastBlock(ctx context.Context) (uint64, bool, error) {
	v, err := c.rdb.Get(ctx, lastBlockKey).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis: get last block: %w", err)
	}
	return v, true, nil
}

// SetLastBlock records progress.
func (c *Checkpoint) SetLastBlock(ctx context.Context, block uint64) error {
	if err := c.rdb.Set(ctx, lastBlockKey, block, 0).Err(); err != nil {
		return fmt.Errorf("redis: set last block: %w", err)
	}
	return nil
}

// Compile-time interface checks.
var (
	_ domain.PendingSet = (*PendingSet)(nil)
	_ domain.Knobs      = (*Knobs)(nil)
	_ domain.Checkpoint = (*Checkpoint)(nil)
)
