// Package queue implements the job layer: an explicit registry of queue
// definitions, a deduplicating producer, and bounded worker pools that
// retry with backoff and dead-letter exhausted jobs.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// BackoffKind selects how retry delays grow.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

const maxBackoff = time.Hour

// Backoff is a retry delay policy.
type Backoff struct {
	Kind  BackoffKind
	Delay time.Duration
}

// Fixed returns a constant backoff.
func Fixed(d time.Duration) Backoff { return Backoff{Kind: BackoffFixed, Delay: d} }

// Exponential returns a backoff doubling from base.
func Exponential(base time.Duration) Backoff { return Backoff{Kind: BackoffExponential, Delay: base} }

// Next returns the delay before the given retry attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch b.Kind {
	case BackoffExponential:
		d := b.Delay
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= maxBackoff {
				return maxBackoff
			}
		}
		return d
	default:
		return b.Delay
	}
}

// Handler processes one job. A returned *domain.ThrottledError re-queues the
// job after its delay without spending an attempt. An error wrapping
// domain.ErrInvalidPayload is dead-lettered at once.
type Handler interface {
	Process(ctx context.Context, job *domain.Job) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *domain.Job) (any, error)

// Process calls f.
func (f HandlerFunc) Process(ctx context.Context, job *domain.Job) (any, error) {
	return f(ctx, job)
}

// Completer is implemented by handlers that chain work after a successful
// run, such as cursor continuations.
type Completer interface {
	OnCompleted(ctx context.Context, job *domain.Job, result any) error
}

// Definition describes one queue and its worker.
type Definition struct {
	Name        string
	MaxRetries  int
	Concurrency int
	Backoff     Backoff
	Timeout     time.Duration

	// SingleActiveConsumer serializes the queue through one worker across
	// every process.
	SingleActiveConsumer bool
	// Persistent queues keep every message; the rest are capped at MaxLen.
	Persistent bool
	MaxLen     int64
	// LazyMode fetches one message at a time regardless of concurrency.
	LazyMode bool
	Disabled bool

	Handler Handler
}

const (
	defaultTimeout = 5 * time.Minute
	defaultMaxLen  = 100_000
)

func (d *Definition) normalize() {
	if d.Concurrency < 1 || d.SingleActiveConsumer {
		d.Concurrency = 1
	}
	if d.Timeout <= 0 {
		d.Timeout = defaultTimeout
	}
	if d.Backoff.Kind == "" {
		d.Backoff = Fixed(time.Second)
	}
	if !d.Persistent && d.MaxLen <= 0 {
		d.MaxLen = defaultMaxLen
	}
}

// Spec returns the broker declaration for the queue.
func (d Definition) Spec() domain.QueueSpec {
	return domain.QueueSpec{Name: d.Name, Persistent: d.Persistent, MaxLen: d.MaxLen}
}

// Registry holds every queue definition. It is filled once at startup.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition. Names must be unique.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return errors.New("queue: definition without a name")
	}
	if def.Handler == nil {
		return fmt.Errorf("queue: %s has no handler", def.Name)
	}
	def.normalize()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Name]; ok {
		return fmt.Errorf("queue: register %s: %w", def.Name, domain.ErrAlreadyExists)
	}
	r.defs[def.Name] = def
	return nil
}

// MustRegister is Register that panics, for startup wiring.
func (r *Registry) MustRegister(defs ...Definition) {
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

// Tune adjusts a registered definition in place.
func (r *Registry) Tune(name string, fn func(*Definition)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.defs[name]
	if !ok {
		return fmt.Errorf("queue: tune %s: %w", name, domain.ErrUnknownQueue)
	}
	fn(&def)
	def.normalize()
	r.defs[name] = def
	return nil
}

// Get returns the definition for name.
func (r *Registry) Get(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("queue: %s: %w", name, domain.ErrUnknownQueue)
	}
	return def, nil
}

// Names returns every registered queue name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Declare creates every registered queue on the broker.
func (r *Registry) Declare(ctx context.Context, broker domain.Broker) error {
	for _, name := range r.Names() {
		def, _ := r.Get(name)
		if err := broker.Declare(ctx, def.Spec()); err != nil {
			return fmt.Errorf("queue: declare %s: %w", name, err)
		}
	}
	return nil
}
