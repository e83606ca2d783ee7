package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/orderbookd/internal/cache/memory"
	"github.com/alanyoungcy/orderbookd/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBackoffNext(t *testing.T) {
	tests := []struct {
		name    string
		backoff Backoff
		attempt int
		want    time.Duration
	}{
		{"fixed first", Fixed(10 * time.Second), 1, 10 * time.Second},
		{"fixed later", Fixed(10 * time.Second), 5, 10 * time.Second},
		{"exp first", Exponential(time.Second), 1, time.Second},
		{"exp third", Exponential(time.Second), 3, 4 * time.Second},
		{"exp capped", Exponential(time.Minute), 20, maxBackoff},
		{"zero attempt", Exponential(time.Second), 0, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.backoff.Next(tt.attempt))
		})
	}
}

func noop() Handler {
	return HandlerFunc(func(context.Context, *domain.Job) (any, error) { return nil, nil })
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{Name: "a", Handler: noop()}))
	err := r.Register(Definition{Name: "a", Handler: noop()})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = r.Get("b")
	assert.ErrorIs(t, err, domain.ErrUnknownQueue)
}

func TestRegistryNormalizes(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{Name: "sac", Concurrency: 10, SingleActiveConsumer: true, Handler: noop()}))
	def, err := r.Get("sac")
	require.NoError(t, err)
	assert.Equal(t, 1, def.Concurrency)
	assert.Equal(t, defaultTimeout, def.Timeout)
	assert.Equal(t, int64(defaultMaxLen), def.MaxLen)

	require.NoError(t, r.Tune("sac", func(d *Definition) { d.Timeout = time.Second }))
	def, _ = r.Get("sac")
	assert.Equal(t, time.Second, def.Timeout)
}

func TestDedupKeyHashesLongIDs(t *testing.T) {
	short := DedupKey("q", "abc")
	assert.Equal(t, "dedup:q:abc", short)

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	key := DedupKey("q", string(long))
	assert.Len(t, key, len("dedup:q:")+64)
}

type harness struct {
	registry *Registry
	broker   *memory.Broker
	lease    *memory.Lease
	producer *Producer
	pool     *Pool
}

func newHarness(t *testing.T, defs ...Definition) *harness {
	t.Helper()
	h := &harness{registry: NewRegistry(), broker: memory.NewBroker(), lease: memory.NewLease()}
	for _, d := range defs {
		require.NoError(t, h.registry.Register(d))
	}
	require.NoError(t, h.registry.Declare(context.Background(), h.broker))
	h.producer = NewProducer(h.registry, h.broker, h.lease, nil, discardLogger())
	h.pool = NewPool(h.registry, h.broker, h.lease, nil, discardLogger())
	h.pool.SetBlock(20 * time.Millisecond)
	return h
}

func (h *harness) run(t *testing.T, until func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pool.Run(ctx) }()
	require.Eventually(t, until, 3*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestEnqueueDeduplicatesPendingJobs(t *testing.T) {
	h := newHarness(t, Definition{Name: "q", Handler: noop()})
	ctx := context.Background()

	ok, err := h.producer.Enqueue(ctx, "q", map[string]string{"a": "1"}, WithJobID("same"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.producer.Enqueue(ctx, "q", map[string]string{"a": "2"}, WithJobID("same"))
	require.NoError(t, err)
	assert.False(t, ok)

	stats, _ := h.broker.Stats(ctx, "q")
	assert.Equal(t, int64(1), stats.Ready)

	_, err = h.producer.Enqueue(ctx, "missing", nil)
	assert.ErrorIs(t, err, domain.ErrUnknownQueue)
}

func TestPoolReleasesJobIDOnStart(t *testing.T) {
	var runs atomic.Int32
	h := newHarness(t, Definition{Name: "q", Handler: HandlerFunc(func(context.Context, *domain.Job) (any, error) {
		runs.Add(1)
		return nil, nil
	})})
	ctx := context.Background()

	_, err := h.producer.Enqueue(ctx, "q", 1, WithJobID("id"))
	require.NoError(t, err)
	h.run(t, func() bool { return runs.Load() == 1 })

	ok, err := h.producer.Enqueue(ctx, "q", 1, WithJobID("id"))
	require.NoError(t, err)
	assert.True(t, ok, "job id must be free once the earlier job ran")
}

func TestJobIDFreedByWorkerInAnotherProcess(t *testing.T) {
	var runs atomic.Int32
	h := newHarness(t, Definition{Name: "q", Handler: HandlerFunc(func(context.Context, *domain.Job) (any, error) {
		runs.Add(1)
		return nil, nil
	})})
	// The pool runs in a separate process from the producer.
	h.pool = NewPool(h.registry, h.broker, h.lease.Session(), nil, discardLogger())
	h.pool.SetBlock(20 * time.Millisecond)
	ctx := context.Background()

	for i := int32(1); i <= 3; i++ {
		ok, err := h.producer.Enqueue(ctx, "q", i, WithJobID("id"))
		require.NoError(t, err)
		require.True(t, ok, "enqueue %d must not be swallowed", i)
		h.run(t, func() bool { return runs.Load() == i })
	}
}

func TestPoolRetriesThenDeadLetters(t *testing.T) {
	var runs atomic.Int32
	h := newHarness(t, Definition{
		Name:       "q",
		MaxRetries: 2,
		Backoff:    Fixed(time.Millisecond),
		Handler: HandlerFunc(func(context.Context, *domain.Job) (any, error) {
			runs.Add(1)
			return nil, errors.New("boom")
		}),
	})
	ctx := context.Background()
	_, err := h.producer.Enqueue(ctx, "q", 1)
	require.NoError(t, err)

	h.run(t, func() bool {
		st, _ := h.broker.Stats(ctx, "q")
		return st.DeadLetters == 1
	})
	assert.Equal(t, int32(3), runs.Load())

	dead, err := h.broker.DeadLetters(ctx, "q", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Attempt)
	assert.Equal(t, "boom", dead[0].LastError)
}

func TestPoolThrottleDoesNotSpendAttempts(t *testing.T) {
	var runs atomic.Int32
	h := newHarness(t, Definition{
		Name:       "q",
		MaxRetries: 0,
		Handler: HandlerFunc(func(_ context.Context, job *domain.Job) (any, error) {
			if runs.Add(1) < 3 {
				return nil, &domain.ThrottledError{RetryAfter: time.Millisecond}
			}
			assert.Equal(t, 0, job.Attempt)
			return nil, nil
		}),
	})
	ctx := context.Background()
	_, err := h.producer.Enqueue(ctx, "q", 1)
	require.NoError(t, err)

	h.run(t, func() bool { return runs.Load() == 3 })
	st, _ := h.broker.Stats(ctx, "q")
	assert.Zero(t, st.DeadLetters)
}

func TestPoolInvalidPayloadIsDeadLetteredImmediately(t *testing.T) {
	h := newHarness(t, Definition{
		Name:       "q",
		MaxRetries: 5,
		Handler: HandlerFunc(func(_ context.Context, job *domain.Job) (any, error) {
			_, err := Decode[struct{ N int }](job)
			return nil, err
		}),
	})
	ctx := context.Background()
	_, err := h.producer.Enqueue(ctx, "q", "not an object")
	require.NoError(t, err)

	h.run(t, func() bool {
		st, _ := h.broker.Stats(ctx, "q")
		return st.DeadLetters == 1
	})
}

func TestPoolTimeoutIsTransient(t *testing.T) {
	var runs atomic.Int32
	h := newHarness(t, Definition{
		Name:       "q",
		MaxRetries: 1,
		Timeout:    10 * time.Millisecond,
		Backoff:    Fixed(time.Millisecond),
		Handler: HandlerFunc(func(ctx context.Context, _ *domain.Job) (any, error) {
			if runs.Add(1) == 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return nil, nil
		}),
	})
	ctx := context.Background()
	_, err := h.producer.Enqueue(ctx, "q", 1)
	require.NoError(t, err)

	h.run(t, func() bool { return runs.Load() == 2 })
	st, _ := h.broker.Stats(ctx, "q")
	assert.Zero(t, st.DeadLetters)
}

type chainHandler struct {
	mu    sync.Mutex
	seen  []int
	enq   Enqueuer
	limit int
}

func (c *chainHandler) Process(_ context.Context, job *domain.Job) (any, error) {
	n, err := Decode[int](job)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.seen = append(c.seen, n)
	c.mu.Unlock()
	return n, nil
}

func (c *chainHandler) OnCompleted(ctx context.Context, _ *domain.Job, result any) error {
	n := result.(int)
	if n >= c.limit {
		return nil
	}
	_, err := c.enq.Enqueue(ctx, "chain", n+1)
	return err
}

func (c *chainHandler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func TestPoolRunsCompletionHook(t *testing.T) {
	ch := &chainHandler{limit: 4}
	h := newHarness(t, Definition{Name: "chain", SingleActiveConsumer: true, Handler: ch})
	ch.enq = h.producer

	_, err := h.producer.Enqueue(context.Background(), "chain", 1)
	require.NoError(t, err)
	h.run(t, func() bool { return ch.count() == 4 })

	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.Equal(t, []int{1, 2, 3, 4}, ch.seen)
}

func TestInspectorReplay(t *testing.T) {
	h := newHarness(t, Definition{Name: "q", Handler: noop()})
	ctx := context.Background()
	require.NoError(t, h.broker.Publish(ctx, domain.Job{ID: "x", Queue: "q"}))
	jobs, _ := h.broker.Consume(ctx, "q", domain.ConsumeOptions{Prefetch: 1})
	require.NoError(t, h.broker.DeadLetter(ctx, jobs[0]))

	in := NewInspector(h.registry, h.broker, nil, discardLogger())
	stats, err := in.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].DeadLetters)

	n, err := in.Replay(ctx, "q", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = in.DeadLetters(ctx, "nope", 1)
	assert.ErrorIs(t, err, domain.ErrUnknownQueue)
}
