package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

type queueState struct {
	spec     domain.QueueSpec
	ready    []domain.Job
	delayed  []delayedJob
	inFlight map[string]domain.Job
	dead     []domain.Job
}

type delayedJob struct {
	due time.Time
	job domain.Job
}

// Broker is an in-process domain.Broker. Published jobs are visible to
// Consume immediately unless delayed.
type Broker struct {
	mu     sync.Mutex
	now    func() time.Time
	queues map[string]*queueState
	notify chan struct{}
}

// NewBroker returns an empty Broker.
func NewBroker() *Broker {
	return &Broker{
		now:    time.Now,
		queues: make(map[string]*queueState),
		notify: make(chan struct{}),
	}
}

// SetClock replaces the clock used for delayed delivery.
func (b *Broker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *Broker) queueLocked(name string) (*queueState, error) {
	q, ok := b.queues[name]
	if !ok {
		return nil, domain.ErrUnknownQueue
	}
	return q, nil
}

// wakeLocked unblocks every waiting consumer.
func (b *Broker) wakeLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// Declare creates the queue if needed.
func (b *Broker) Declare(_ context.Context, spec domain.QueueSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[spec.Name]; ok {
		q.spec = spec
		return nil
	}
	b.queues[spec.Name] = &queueState{spec: spec, inFlight: make(map[string]domain.Job)}
	return nil
}

// Publish enqueues job, honouring job.Delay.
func (b *Broker) Publish(_ context.Context, job domain.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.queueLocked(job.Queue)
	if err != nil {
		return err
	}
	if job.Delay > 0 {
		q.delayed = append(q.delayed, delayedJob{due: b.now().Add(job.Delay), job: job})
	} else {
		q.ready = append(q.ready, job)
		if !q.spec.Persistent && q.spec.MaxLen > 0 && int64(len(q.ready)) > q.spec.MaxLen {
			q.ready = q.ready[int64(len(q.ready))-q.spec.MaxLen:]
		}
	}
	b.wakeLocked()
	return nil
}

func (b *Broker) promoteLocked(q *queueState) {
	now := b.now()
	kept := q.delayed[:0]
	for _, d := range q.delayed {
		if !d.due.After(now) {
			d.job.Delay = 0
			q.ready = append(q.ready, d.job)
		} else {
			kept = append(kept, d)
		}
	}
	q.delayed = kept
}

// Consume hands out up to opts.Prefetch ready jobs, waiting at most
// opts.Block when none are ready.
func (b *Broker) Consume(ctx context.Context, queue string, opts domain.ConsumeOptions) ([]domain.Job, error) {
	prefetch := opts.Prefetch
	if prefetch < 1 {
		prefetch = 1
	}
	var deadline <-chan time.Time
	if opts.Block > 0 {
		timer := time.NewTimer(opts.Block)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		b.mu.Lock()
		q, err := b.queueLocked(queue)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		b.promoteLocked(q)
		if len(q.ready) > 0 {
			n := min(prefetch, len(q.ready))
			out := make([]domain.Job, n)
			copy(out, q.ready[:n])
			q.ready = q.ready[n:]
			for i := range out {
				out[i].Receipt = out[i].ID
				q.inFlight[out[i].ID] = out[i]
			}
			b.mu.Unlock()
			return out, nil
		}
		wait := b.notify
		b.mu.Unlock()

		if deadline == nil {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wait:
		case <-time.After(10 * time.Millisecond):
			// delayed jobs become due without a publish
		}
	}
}

// Ack removes the job from the in-flight set.
func (b *Broker) Ack(_ context.Context, job domain.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.queueLocked(job.Queue)
	if err != nil {
		return err
	}
	delete(q.inFlight, job.Receipt)
	return nil
}

// DeadLetter parks the job for inspection.
func (b *Broker) DeadLetter(_ context.Context, job domain.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.queueLocked(job.Queue)
	if err != nil {
		return err
	}
	delete(q.inFlight, job.Receipt)
	job.Receipt = ""
	q.dead = append(q.dead, job)
	return nil
}

// DeadLetters lists up to limit parked jobs, oldest first.
func (b *Broker) DeadLetters(_ context.Context, queue string, limit int) ([]domain.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.queueLocked(queue)
	if err != nil {
		return nil, err
	}
	n := min(limit, len(q.dead))
	out := make([]domain.Job, n)
	copy(out, q.dead[:n])
	return out, nil
}

// ReplayDeadLetters re-publishes up to limit parked jobs with a fresh
// attempt budget.
func (b *Broker) ReplayDeadLetters(_ context.Context, queue string, limit int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.queueLocked(queue)
	if err != nil {
		return 0, err
	}
	n := min(limit, len(q.dead))
	for _, job := range q.dead[:n] {
		job.Attempt = 0
		job.Delay = 0
		job.LastError = ""
		q.ready = append(q.ready, job)
	}
	q.dead = q.dead[n:]
	if n > 0 {
		b.wakeLocked()
	}
	return n, nil
}

// Stats reports queue depths.
func (b *Broker) Stats(_ context.Context, queue string) (domain.QueueStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.queueLocked(queue)
	if err != nil {
		return domain.QueueStats{}, err
	}
	return domain.QueueStats{
		Queue:       queue,
		Ready:       int64(len(q.ready)),
		Delayed:     int64(len(q.delayed)),
		InFlight:    int64(len(q.inFlight)),
		DeadLetters: int64(len(q.dead)),
	}, nil
}

var _ domain.Broker = (*Broker)(nil)
