package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// PendingSet is an in-process domain.PendingSet.
type PendingSet struct {
	mu      sync.Mutex
	members map[string]struct{}
}

// NewPendingSet returns an empty set.
func NewPendingSet() *PendingSet {
	return &PendingSet{members: make(map[string]struct{})}
}

// Add inserts members.
func (p *PendingSet) Add(_ context.Context, members ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range members {
		p.members[m] = struct{}{}
	}
	return nil
}

// Pop removes and returns up to n members in lexical order.
func (p *PendingSet) Pop(_ context.Context, n int) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	all := make([]string, 0, len(p.members))
	for m := range p.members {
		all = append(all, m)
	}
	sort.Strings(all)
	if n < len(all) {
		all = all[:n]
	}
	for _, m := range all {
		delete(p.members, m)
	}
	return all, nil
}

// Size returns the number of members.
func (p *PendingSet) Size(_ context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(len(p.members)), nil
}

// Knobs is an in-process domain.Knobs.
type Knobs struct {
	mu   sync.Mutex
	vals map[string]int
}

// NewKnobs returns an empty knob table.
func NewKnobs() *Knobs {
	return &Knobs{vals: make(map[string]int)}
}

// Int reads a knob.
func (k *Knobs) Int(_ context.Context, key string) (int, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.vals[key]
	return v, ok, nil
}

// SetInt writes a knob.
func (k *Knobs) SetInt(_ context.Context, key string, v int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.vals[key] = v
	return nil
}

// Checkpoint is an in-process domain.Checkpoint.
type Checkpoint struct {
	mu    sync.Mutex
	block uint64
	set   bool
}

// LastBlock returns the stored block.
func (c *Checkpoint) LastBlock(_ context.Context) (uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block, c.set, nil
}

// SetLastBlock stores block.
func (c *Checkpoint) SetLastBlock(_ context.Context, block uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.block, c.set = block, true
	return nil
}

// RateLimiter is a sliding-window limiter keyed by string.
type RateLimiter struct {
	mu   sync.Mutex
	now  func() time.Time
	hits map[string][]time.Time
}

// NewRateLimiter returns an empty limiter using the wall clock.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{now: time.Now, hits: make(map[string][]time.Time)}
}

// Allow records a hit when fewer than limit hits fall inside window.
func (r *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	cutoff := now.Add(-window)
	kept := r.hits[key][:0]
	for _, t := range r.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		r.hits[key] = kept
		return false, nil
	}
	r.hits[key] = append(kept, now)
	return true, nil
}

var (
	_ domain.PendingSet  = (*PendingSet)(nil)
	_ domain.Knobs       = (*Knobs)(nil)
	_ domain.Checkpoint  = (*Checkpoint)(nil)
	_ domain.RateLimiter = (*RateLimiter)(nil)
)
