package queue

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/alanyoungcy/orderbookd/internal/domain"
	"github.com/alanyoungcy/orderbookd/internal/metrics"
)

// dedupTTL bounds how long a job id stays reserved when the job is never
// consumed.
const dedupTTL = 300 * time.Second

const maxDedupIDLen = 128

// Enqueuer is the producer surface used by job handlers.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload any, opts ...EnqueueOption) (bool, error)
}

type enqueueOptions struct {
	jobID string
	delay time.Duration
}

// EnqueueOption customises a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

// WithJobID collapses enqueues sharing id onto one pending job.
func WithJobID(id string) EnqueueOption {
	return func(o *enqueueOptions) { o.jobID = id }
}

// WithDelay postpones delivery.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// JobIDOf returns the job id opts would set, or "".
func JobIDOf(opts ...EnqueueOption) string {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.jobID
}

// DelayOf returns the delivery delay opts would set.
func DelayOf(opts ...EnqueueOption) time.Duration {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.delay
}

// Producer publishes jobs to registered queues.
type Producer struct {
	registry *Registry
	broker   domain.Broker
	lease    domain.Lease
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewProducer creates a Producer. Job ids are reserved through lease.
func NewProducer(registry *Registry, broker domain.Broker, lease domain.Lease, m *metrics.Metrics, logger *slog.Logger) *Producer {
	return &Producer{
		registry: registry,
		broker:   broker,
		lease:    lease,
		metrics:  m,
		logger:   logger.With(slog.String("component", "producer")),
		now:      time.Now,
	}
}

// DedupKey returns the lease key reserving jobID on queue.
func DedupKey(queue, jobID string) string {
	if len(jobID) > maxDedupIDLen {
		sum := blake2b.Sum256([]byte(jobID))
		jobID = hex.EncodeToString(sum[:])
	}
	return "dedup:" + queue + ":" + jobID
}

// Enqueue publishes payload to queue. It reports false when a job with the
// same id is still pending.
func (p *Producer) Enqueue(ctx context.Context, queue string, payload any, opts ...EnqueueOption) (bool, error) {
	if _, err := p.registry.Get(queue); err != nil {
		return false, err
	}
	var o enqueueOptions
	for _, fn := range opts {
		fn(&o)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("queue: marshal payload for %s: %w", queue, err)
	}

	job := domain.Job{
		ID:         ulid.Make().String(),
		Queue:      queue,
		Payload:    raw,
		Delay:      o.delay,
		EnqueuedAt: p.now().UTC(),
	}

	if o.jobID != "" {
		job.DedupKey = DedupKey(queue, o.jobID)
		ok, err := p.lease.Mark(ctx, job.DedupKey, o.delay+dedupTTL)
		if err != nil {
			return false, fmt.Errorf("queue: reserve job id on %s: %w", queue, err)
		}
		if !ok {
			p.metrics.RecordDedup(queue)
			return false, nil
		}
	}

	if err := p.broker.Publish(ctx, job); err != nil {
		if job.DedupKey != "" {
			if _, relErr := p.lease.Clear(context.WithoutCancel(ctx), job.DedupKey); relErr != nil {
				p.logger.Warn("release job id after failed publish",
					slog.String("queue", queue),
					slog.String("error", relErr.Error()),
				)
			}
		}
		return false, fmt.Errorf("queue: publish to %s: %w", queue, err)
	}
	return true, nil
}

// Decode unmarshals a job payload, mapping failures to
// domain.ErrInvalidPayload.
func Decode[T any](job *domain.Job) (T, error) {
	var v T
	if err := json.Unmarshal(job.Payload, &v); err != nil {
		return v, fmt.Errorf("%w: %s: %v", domain.ErrInvalidPayload, job.Queue, err)
	}
	return v, nil
}

var _ Enqueuer = (*Producer)(nil)
