package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/alanyoungcy/orderbookd/internal/domain"
	"github.com/alanyoungcy/orderbookd/internal/metrics"
)

const (
	defaultBlock = 2 * time.Second
	sacLeaseTTL  = 30 * time.Second
)

// Pool runs bounded-concurrency workers for registered queues.
type Pool struct {
	registry *Registry
	broker   domain.Broker
	lease    domain.Lease
	metrics  *metrics.Metrics
	logger   *slog.Logger
	block    time.Duration
}

// NewPool creates a Pool.
func NewPool(registry *Registry, broker domain.Broker, lease domain.Lease, m *metrics.Metrics, logger *slog.Logger) *Pool {
	return &Pool{
		registry: registry,
		broker:   broker,
		lease:    lease,
		metrics:  m,
		logger:   logger.With(slog.String("component", "worker-pool")),
		block:    defaultBlock,
	}
}

// SetBlock changes how long an idle consumer waits per fetch.
func (p *Pool) SetBlock(d time.Duration) { p.block = d }

// Run consumes the named queues (all registered queues when none are given)
// until ctx is cancelled. In-flight jobs are allowed to finish.
func (p *Pool) Run(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		names = p.registry.Names()
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		def, err := p.registry.Get(name)
		if err != nil {
			return err
		}
		if def.Disabled {
			p.logger.Info("queue disabled", slog.String("queue", name))
			continue
		}
		if err := p.broker.Declare(ctx, def.Spec()); err != nil {
			return fmt.Errorf("queue: declare %s: %w", name, err)
		}
		g.Go(func() error {
			var err error
			if def.SingleActiveConsumer {
				err = p.runSingle(ctx, def)
			} else {
				err = p.runConcurrent(ctx, def)
			}
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return err
		})
	}
	return g.Wait()
}

func (p *Pool) runConcurrent(ctx context.Context, def Definition) error {
	p.logger.Info("worker started",
		slog.String("queue", def.Name),
		slog.Int("concurrency", def.Concurrency),
		slog.Bool("lazy", def.LazyMode),
	)

	prefetch := def.Concurrency
	if def.LazyMode {
		prefetch = 1
	}
	sem := semaphore.NewWeighted(int64(def.Concurrency))
	// Wait for in-flight jobs on the way out.
	defer func() { _ = sem.Acquire(context.Background(), int64(def.Concurrency)) }()

	for ctx.Err() == nil {
		// Only fetch once a slot is free so prefetched jobs are not held idle.
		if err := sem.Acquire(ctx, 1); err != nil {
			return ctx.Err()
		}
		sem.Release(1)

		jobs, err := p.broker.Consume(ctx, def.Name, domain.ConsumeOptions{Prefetch: prefetch, Block: p.block})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("consume failed", slog.String("queue", def.Name), slog.String("error", err.Error()))
			sleep(ctx, time.Second)
			continue
		}
		for _, job := range jobs {
			if err := sem.Acquire(ctx, 1); err != nil {
				// Unacked jobs are redelivered by the broker.
				return ctx.Err()
			}
			go func(job domain.Job) {
				defer sem.Release(1)
				p.handle(ctx, def, job)
			}(job)
		}
	}
	return ctx.Err()
}

// runSingle consumes only while holding the queue's active-consumer lease.
// The lease is refreshed between jobs, so a crashed holder hands over after
// sacLeaseTTL.
func (p *Pool) runSingle(ctx context.Context, def Definition) error {
	key := def.Name + ":active-consumer"
	held := false
	var heldAt time.Time
	defer func() {
		if held {
			_, _ = p.lease.Release(context.WithoutCancel(ctx), key)
		}
	}()

	for ctx.Err() == nil {
		if held && time.Since(heldAt) > sacLeaseTTL/2 {
			_, _ = p.lease.Release(ctx, key)
			held = false
		}
		if !held {
			ok, err := p.lease.Acquire(ctx, key, sacLeaseTTL)
			if err != nil {
				p.logger.Error("acquire active consumer lease", slog.String("queue", def.Name), slog.String("error", err.Error()))
			}
			if !ok {
				sleep(ctx, p.block)
				continue
			}
			held, heldAt = true, time.Now()
		}

		jobs, err := p.broker.Consume(ctx, def.Name, domain.ConsumeOptions{Prefetch: 1, Block: p.block})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("consume failed", slog.String("queue", def.Name), slog.String("error", err.Error()))
			sleep(ctx, time.Second)
			continue
		}
		for _, job := range jobs {
			p.handle(ctx, def, job)
		}
	}
	return ctx.Err()
}

// handle runs one job and settles it with the broker.
func (p *Pool) handle(ctx context.Context, def Definition, job domain.Job) {
	// Jobs run to completion across shutdown, bounded by their timeout.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), def.Timeout)
	defer cancel()

	// A new enqueue with the same id must be accepted once this run starts,
	// since it may carry state this run has not seen.
	if job.DedupKey != "" {
		if _, err := p.lease.Clear(jobCtx, job.DedupKey); err != nil {
			p.logger.Warn("release job id", slog.String("queue", def.Name), slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
	}

	start := time.Now()
	result, err := def.Handler.Process(jobCtx, &job)
	if err == nil {
		if c, ok := def.Handler.(Completer); ok {
			if cerr := c.OnCompleted(jobCtx, &job, result); cerr != nil {
				err = fmt.Errorf("on completed: %w", cerr)
			}
		}
	}
	if err != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("job timed out after %s: %w", def.Timeout, err)
	}
	elapsed := time.Since(start).Seconds()

	switch {
	case err == nil:
		p.metrics.RecordJob(def.Name, "completed", elapsed)
		p.ack(jobCtx, job)

	case isThrottled(err):
		te, _ := domain.AsThrottled(err)
		p.metrics.RecordJob(def.Name, "throttled", elapsed)
		p.metrics.RecordThrottle(def.Name)
		p.logger.Warn("job throttled",
			slog.String("queue", def.Name),
			slog.String("job_id", job.ID),
			slog.Int("attempt", job.Attempt),
			slog.Duration("retry_after", te.RetryAfter),
		)
		p.requeue(jobCtx, job, te.RetryAfter, err)

	case errors.Is(err, domain.ErrInvalidPayload):
		p.metrics.RecordJob(def.Name, "invalid", elapsed)
		p.deadLetter(jobCtx, def, job, err)

	default:
		p.metrics.RecordJob(def.Name, "failed", elapsed)
		job.Attempt++
		if job.Attempt > def.MaxRetries {
			p.deadLetter(jobCtx, def, job, err)
			return
		}
		delay := def.Backoff.Next(job.Attempt)
		p.logger.Warn("job failed, retrying",
			slog.String("queue", def.Name),
			slog.String("job_id", job.ID),
			slog.Int("attempt", job.Attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		p.metrics.RecordRetry(def.Name)
		p.requeue(jobCtx, job, delay, err)
	}
}

func isThrottled(err error) bool {
	_, ok := domain.AsThrottled(err)
	return ok
}

// requeue publishes the retry before acknowledging the original so a crash
// in between redelivers rather than loses the job.
func (p *Pool) requeue(ctx context.Context, job domain.Job, delay time.Duration, cause error) {
	retry := job
	retry.Receipt = ""
	retry.Delay = delay
	retry.LastError = cause.Error()
	if err := p.broker.Publish(ctx, retry); err != nil {
		p.logger.Error("requeue failed, leaving job for redelivery",
			slog.String("queue", job.Queue),
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	p.ack(ctx, job)
}

func (p *Pool) deadLetter(ctx context.Context, def Definition, job domain.Job, cause error) {
	job.LastError = cause.Error()
	p.logger.Error("job failed permanently",
		slog.String("queue", def.Name),
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempt),
		slog.String("payload", string(job.Payload)),
		slog.String("error", cause.Error()),
	)
	p.metrics.RecordDeadLetter(def.Name)
	if err := p.broker.DeadLetter(ctx, job); err != nil {
		p.logger.Error("dead letter failed",
			slog.String("queue", def.Name),
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) ack(ctx context.Context, job domain.Job) {
	if err := p.broker.Ack(ctx, job); err != nil {
		p.logger.Error("ack failed",
			slog.String("queue", job.Queue),
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
