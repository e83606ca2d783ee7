package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// Inspector exposes queue state to operators.
type Inspector struct {
	registry *Registry
	broker   domain.Broker
	audit    domain.AuditStore
	logger   *slog.Logger
}

// NewInspector creates an Inspector. audit may be nil.
func NewInspector(registry *Registry, broker domain.Broker, audit domain.AuditStore, logger *slog.Logger) *Inspector {
	return &Inspector{
		registry: registry,
		broker:   broker,
		audit:    audit,
		logger:   logger.With(slog.String("component", "queue-inspector")),
	}
}

// Stats returns the state of every registered queue.
func (i *Inspector) Stats(ctx context.Context) ([]domain.QueueStats, error) {
	names := i.registry.Names()
	out := make([]domain.QueueStats, 0, len(names))
	for _, name := range names {
		st, err := i.broker.Stats(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("queue: stats %s: %w", name, err)
		}
		out = append(out, st)
	}
	return out, nil
}

// DeadLetters lists parked jobs of one queue.
func (i *Inspector) DeadLetters(ctx context.Context, queue string, limit int) ([]domain.Job, error) {
	if _, err := i.registry.Get(queue); err != nil {
		return nil, err
	}
	return i.broker.DeadLetters(ctx, queue, limit)
}

// Replay re-publishes up to limit parked jobs and records the action.
func (i *Inspector) Replay(ctx context.Context, queue string, limit int) (int, error) {
	if _, err := i.registry.Get(queue); err != nil {
		return 0, err
	}
	n, err := i.broker.ReplayDeadLetters(ctx, queue, limit)
	if err != nil {
		return 0, fmt.Errorf("queue: replay %s: %w", queue, err)
	}
	i.logger.Info("dead letters replayed", slog.String("queue", queue), slog.Int("count", n))
	if i.audit != nil && n > 0 {
		if err := i.audit.Log(ctx, "dead_letters_replayed", map[string]any{"queue": queue, "count": n}); err != nil {
			i.logger.Warn("audit log failed", slog.String("error", err.Error()))
		}
	}
	return n, nil
}
