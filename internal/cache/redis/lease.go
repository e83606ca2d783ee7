package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// unlockLua deletes a lease key only if its value matches the caller's
// token, so a holder whose lease expired cannot release a successor's.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Lease implements domain.Lease using SET NX with a TTL. Locks taken with
// Acquire remember their token so Release never removes a successor's lock.
// Markers taken with Mark carry no token and are removed with a plain DEL.
type Lease struct {
	rdb      *redis.Client
	unlockSc *redis.Script

	mu     sync.Mutex
	tokens map[string]string
}

// NewLease creates a Lease backed by the given Client.
func NewLease(c *Client) *Lease {
	return &Lease{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
		tokens:   make(map[string]string),
	}
}

func leaseKey(key string) string {
	return "lock:" + key
}

// releaseTimeout bounds the cleanup calls, which run detached from the
// caller's context: a stuck lease starves the entity until its TTL.
const releaseTimeout = 5 * time.Second

// Acquire takes the lock when nobody holds it.
func (l *Lease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.New().String()

	ok, err := l.rdb.SetNX(ctx, leaseKey(key), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: acquire lease %s: %w", key, err)
	}
	if ok {
		l.mu.Lock()
		l.tokens[key] = token
		l.mu.Unlock()
	}
	return ok, nil
}

// Release drops a lock taken through this instance and reports whether it
// was still ours. Keys this instance does not hold are left alone.
func (l *Lease) Release(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	token, owned := l.tokens[key]
	delete(l.tokens, key)
	l.mu.Unlock()
	if !owned {
		return false, nil
	}

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	n, err := l.unlockSc.Run(releaseCtx, l.rdb, []string{leaseKey(key)}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: release lease %s: %w", key, err)
	}
	return n > 0, nil
}

// Mark sets a shared marker when it is not already set.
func (l *Lease) Mark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, leaseKey(key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: mark %s: %w", key, err)
	}
	return ok, nil
}

// Clear removes a marker whoever set it and reports whether one was set.
func (l *Lease) Clear(ctx context.Context, key string) (bool, error) {
	clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	n, err := l.rdb.Del(clearCtx, leaseKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: clear %s: %w", key, err)
	}
	return n > 0, nil
}

// Exists reports whether anyone holds the lease.
func (l *Lease) Exists(ctx context.Context, key string) (bool, error) {
	n, err := l.rdb.Exists(ctx, leaseKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: lease exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Compile-time interface check.
var _ domain.Lease = (*Lease)(nil)
