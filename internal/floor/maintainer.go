// Package floor maintains the floor-ask and top-bid caches. Token slots are
// recomputed directly; collection slots are serialized per collection by a
// short lease, and triggers dropped while the lease is held are coalesced
// into one follow-up revalidation pass.
package floor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alanyoungcy/orderbookd/internal/domain"
	"github.com/alanyoungcy/orderbookd/internal/metrics"
	"github.com/alanyoungcy/orderbookd/internal/queue"
)

const defaultLockTTL = 300 * time.Second

// Config holds the collection lease parameters.
type Config struct {
	LockTTL             time.Duration
	RevalidationLockTTL time.Duration
}

// Deps groups the Maintainer's collaborators.
type Deps struct {
	Caches  domain.CacheStore
	Lease   domain.Lease
	Pending domain.PendingSet
	Bus     domain.EventBus
	Queue   queue.Enqueuer
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Maintainer recomputes cache slots.
type Maintainer struct {
	caches  domain.CacheStore
	lease   domain.Lease
	pending domain.PendingSet
	bus     domain.EventBus
	queue   queue.Enqueuer
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config
}

// NewMaintainer creates a Maintainer.
func NewMaintainer(d Deps, cfg Config) *Maintainer {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.RevalidationLockTTL <= 0 {
		cfg.RevalidationLockTTL = cfg.LockTTL
	}
	return &Maintainer{
		caches:  d.Caches,
		lease:   d.Lease,
		pending: d.Pending,
		bus:     d.Bus,
		queue:   d.Queue,
		metrics: d.Metrics,
		logger:  d.Logger.With(slog.String("component", "floor")),
		cfg:     cfg,
	}
}

// QueueFor returns the queue that recomputes kind.
func QueueFor(kind domain.CacheKind) string {
	switch kind {
	case domain.CacheTokenFloor:
		return queue.TokenFloor
	case domain.CacheTokenNormalizedFloor:
		return queue.TokenNormalizedFloor
	case domain.CacheCollectionFloor:
		return queue.CollectionFloor
	case domain.CacheCollectionNonFlaggedFloor:
		return queue.CollectionNonFlaggedFloor
	case domain.CacheCollectionNormalizedFloor:
		return queue.CollectionNormalizedFloor
	case domain.CacheTokenTopBid:
		return queue.TokenTopBid
	case domain.CacheCollectionTopBid:
		return queue.CollectionTopBid
	}
	panic(fmt.Sprintf("floor: no queue for %s", kind))
}

// Enqueue publishes a recomputation request to the queue owning its kind.
// Requests sharing context and target collapse onto one pending job.
func Enqueue(ctx context.Context, enq queue.Enqueuer, job domain.CacheJob) (bool, error) {
	target := job.CollectionID
	if job.Token != nil {
		target = job.Token.String()
	}
	id := fmt.Sprintf("%s-%s-%s", job.Context, job.Kind, target)
	return enq.Enqueue(ctx, QueueFor(job.Kind), job, queue.WithJobID(id))
}

// Handler returns the queue handler recomputing kind.
func (m *Maintainer) Handler(kind domain.CacheKind) queue.Handler {
	return queue.HandlerFunc(func(ctx context.Context, job *domain.Job) (any, error) {
		req, err := queue.Decode[domain.CacheJob](job)
		if err != nil {
			return nil, err
		}
		req.Kind = kind
		return m.Recompute(ctx, req)
	})
}

// Recompute runs one request and returns the detected change, if any.
func (m *Maintainer) Recompute(ctx context.Context, job domain.CacheJob) (*domain.CacheChange, error) {
	if job.Kind.TokenScoped() {
		return m.recomputeToken(ctx, job)
	}
	return m.recomputeCollection(ctx, job)
}

func (m *Maintainer) recomputeToken(ctx context.Context, job domain.CacheJob) (*domain.CacheChange, error) {
	if job.Token == nil {
		return nil, fmt.Errorf("floor: %s job without token: %w", job.Kind, domain.ErrInvalidPayload)
	}

	prev, err := m.caches.Get(ctx, job.Kind, domain.CacheTarget{Token: job.Token})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("floor: read %s %s: %w", job.Kind, job.Token, err)
	}

	change, err := m.caches.Recompute(ctx, job.Kind, domain.CacheTarget{Token: job.Token}, job.Trigger)
	if err != nil {
		return nil, fmt.Errorf("floor: recompute %s %s: %w", job.Kind, job.Token, err)
	}
	if change == nil {
		return nil, nil
	}

	if job.Trigger.Kind == domain.TriggerRevalidation {
		m.logger.Warn("stale-cache",
			slog.String("cache", job.Kind.String()),
			slog.String("token", job.Token.String()),
			slog.String("old_order", prev.OrderID),
			slog.String("old_value", bigString(prev.Value)),
			slog.String("new_order", change.Current.OrderID),
			slog.String("new_value", bigString(change.Current.Value)),
		)
	}
	m.changed(ctx, change)

	var follow []domain.CacheKind
	switch job.Kind {
	case domain.CacheTokenFloor:
		follow = []domain.CacheKind{domain.CacheCollectionFloor, domain.CacheCollectionNonFlaggedFloor}
	case domain.CacheTokenNormalizedFloor:
		follow = []domain.CacheKind{domain.CacheCollectionNormalizedFloor}
	}
	for _, kind := range follow {
		next := domain.CacheJob{Context: job.Context, Kind: kind, Token: job.Token, Trigger: job.Trigger}
		if _, err := Enqueue(ctx, m.queue, next); err != nil {
			return change, fmt.Errorf("floor: enqueue %s for %s: %w", kind, job.Token, err)
		}
	}
	return change, nil
}

func lockKey(kind domain.CacheKind, collectionID string) string {
	return QueueFor(kind) + "-lock:" + collectionID
}

func pendingKey(kind domain.CacheKind, collectionID string) string {
	return QueueFor(kind) + "-revalidation-lock:" + collectionID
}

func (m *Maintainer) recomputeCollection(ctx context.Context, job domain.CacheJob) (change *domain.CacheChange, err error) {
	collectionID := job.CollectionID
	if collectionID == "" && job.Token != nil {
		collectionID, err = m.caches.CollectionOf(ctx, *job.Token)
		if err != nil {
			return nil, fmt.Errorf("floor: resolve collection of %s: %w", job.Token, err)
		}
	}
	if collectionID == "" {
		return nil, nil
	}

	// Revalidation passes are already serialized by the coalescing flag
	// and must always make progress, so they skip the lease.
	if job.Trigger.Kind != domain.TriggerRevalidation {
		held, err := m.lease.Acquire(ctx, lockKey(job.Kind, collectionID), m.cfg.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("floor: acquire lock for %s: %w", collectionID, err)
		}
		if !held {
			return nil, m.deferToHolder(ctx, job.Kind, collectionID)
		}
		defer func() {
			if relErr := m.release(context.WithoutCancel(ctx), job.Kind, collectionID); relErr != nil && err == nil {
				err = relErr
			}
		}()
	}

	change, err = m.caches.Recompute(ctx, job.Kind, domain.CacheTarget{CollectionID: collectionID}, job.Trigger)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("floor: recompute %s %s: %w", job.Kind, collectionID, err)
	}
	if change == nil {
		return nil, nil
	}

	m.changed(ctx, change)
	if job.Kind == domain.CacheCollectionNonFlaggedFloor && job.Token != nil {
		if err := m.pending.Add(ctx, job.Token.String()); err != nil {
			return change, fmt.Errorf("floor: mark %s for flag sync: %w", job.Token, err)
		}
	}
	return change, nil
}

// deferToHolder records that a trigger was dropped. Several drops during
// one lease collapse onto the same flag.
func (m *Maintainer) deferToHolder(ctx context.Context, kind domain.CacheKind, collectionID string) error {
	m.metrics.RecordLockContention(QueueFor(kind))

	set, err := m.lease.Mark(ctx, pendingKey(kind, collectionID), m.cfg.RevalidationLockTTL)
	if err != nil {
		return fmt.Errorf("floor: flag revalidation for %s: %w", collectionID, err)
	}
	if !set {
		m.metrics.RecordCoalesced(QueueFor(kind))
		return nil
	}

	// The holder may have released between our failed acquire and the flag
	// write; in that case nobody else will see the flag.
	stillHeld, err := m.lease.Exists(ctx, lockKey(kind, collectionID))
	if err != nil {
		return fmt.Errorf("floor: check lock for %s: %w", collectionID, err)
	}
	if stillHeld {
		return nil
	}
	return m.followUp(ctx, kind, collectionID)
}

// release drops the lease and then consumes the revalidation flag,
// scheduling at most one follow-up pass.
func (m *Maintainer) release(ctx context.Context, kind domain.CacheKind, collectionID string) error {
	if _, err := m.lease.Release(ctx, lockKey(kind, collectionID)); err != nil {
		return fmt.Errorf("floor: release lock for %s: %w", collectionID, err)
	}
	return m.followUp(ctx, kind, collectionID)
}

func (m *Maintainer) followUp(ctx context.Context, kind domain.CacheKind, collectionID string) error {
	flagged, err := m.lease.Clear(ctx, pendingKey(kind, collectionID))
	if err != nil {
		return fmt.Errorf("floor: clear revalidation flag for %s: %w", collectionID, err)
	}
	if !flagged {
		return nil
	}

	job := domain.CacheJob{
		Context:      "revalidation",
		Kind:         kind,
		CollectionID: collectionID,
		Trigger:      domain.NewTrigger(domain.TriggerRevalidation),
	}
	if _, err := Enqueue(ctx, m.queue, job); err != nil {
		return fmt.Errorf("floor: enqueue revalidation for %s: %w", collectionID, err)
	}
	m.logger.Debug("revalidation scheduled",
		slog.String("cache", kind.String()),
		slog.String("collection", collectionID),
	)
	return nil
}

// changed records and publishes a detected change. Publishing is best
// effort: the change row is already committed and a retry would not see it
// again.
func (m *Maintainer) changed(ctx context.Context, change *domain.CacheChange) {
	m.metrics.RecordCacheChange(change.Cache.String(), string(change.Trigger))

	tags := map[string]string{
		"entity":  change.EntityID,
		"trigger": string(change.Trigger),
	}
	if err := m.bus.Publish(ctx, change.Cache.String()+".changed", tags, change); err != nil {
		m.metrics.RecordError("floor", "publish")
		m.logger.Error("publish cache change failed",
			slog.String("cache", change.Cache.String()),
			slog.String("entity", change.EntityID),
			slog.String("error", err.Error()),
		)
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
