// Package memory provides in-process implementations of the coordination
// primitives backed by Redis in production. They share the same contracts
// and are used by tests and single-node runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// Lease is a TTL-bound lock table. Like the Redis lease, Release only
// removes a lock this Lease acquired; Session returns another holder over
// the same table, standing in for a second process.
type Lease struct {
	t    *leaseTable
	held map[string]uint64
}

type leaseTable struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]leaseEntry
	seq     uint64
}

type leaseEntry struct {
	expiry time.Time
	token  uint64
}

// NewLease returns an empty Lease using the wall clock.
func NewLease() *Lease {
	t := &leaseTable{now: time.Now, entries: make(map[string]leaseEntry)}
	return &Lease{t: t, held: make(map[string]uint64)}
}

// Session returns a Lease sharing l's table but holding its own locks.
func (l *Lease) Session() *Lease {
	return &Lease{t: l.t, held: make(map[string]uint64)}
}

// SetClock replaces the clock used for TTL expiry.
func (l *Lease) SetClock(now func() time.Time) {
	l.t.mu.Lock()
	defer l.t.mu.Unlock()
	l.t.now = now
}

func (t *leaseTable) live(key string) (leaseEntry, bool) {
	e, ok := t.entries[key]
	if !ok {
		return e, false
	}
	if !t.now().Before(e.expiry) {
		delete(t.entries, key)
		return e, false
	}
	return e, true
}

func (t *leaseTable) setNX(key string, ttl time.Duration) (uint64, bool) {
	if _, ok := t.live(key); ok {
		return 0, false
	}
	t.seq++
	t.entries[key] = leaseEntry{expiry: t.now().Add(ttl), token: t.seq}
	return t.seq, true
}

// Acquire takes key for ttl if nobody holds it.
func (l *Lease) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.t.mu.Lock()
	defer l.t.mu.Unlock()
	token, ok := l.t.setNX(key, ttl)
	if ok {
		l.held[key] = token
	}
	return ok, nil
}

// Release drops key if this Lease still holds it.
func (l *Lease) Release(_ context.Context, key string) (bool, error) {
	l.t.mu.Lock()
	defer l.t.mu.Unlock()
	token, owned := l.held[key]
	delete(l.held, key)
	if !owned {
		return false, nil
	}
	e, ok := l.t.live(key)
	if !ok || e.token != token {
		return false, nil
	}
	delete(l.t.entries, key)
	return true, nil
}

// Exists reports whether key is currently held.
func (l *Lease) Exists(_ context.Context, key string) (bool, error) {
	l.t.mu.Lock()
	defer l.t.mu.Unlock()
	_, ok := l.t.live(key)
	return ok, nil
}

// Mark sets the marker key for ttl if it is not already set.
func (l *Lease) Mark(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.t.mu.Lock()
	defer l.t.mu.Unlock()
	_, ok := l.t.setNX(key, ttl)
	return ok, nil
}

// Clear removes key whoever set it.
func (l *Lease) Clear(_ context.Context, key string) (bool, error) {
	l.t.mu.Lock()
	defer l.t.mu.Unlock()
	_, ok := l.t.live(key)
	delete(l.t.entries, key)
	return ok, nil
}

var _ domain.Lease = (*Lease)(nil)
