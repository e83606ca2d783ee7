package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// PoolStore implements domain.PoolStore.
type PoolStore struct{ s *Store }

// Get returns a known AMM pool.
func (m *PoolStore) Get(_ context.Context, address common.Address) (domain.Pool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	p, ok := m.s.pools[address]
	if !ok {
		return domain.Pool{}, fmt.Errorf("memory: get pool %s: %w", address.Hex(), domain.ErrNotFound)
	}
	return p, nil
}

// Upsert records a pool.
func (m *PoolStore) Upsert(_ context.Context, p domain.Pool) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.pools[p.Address] = p
	return nil
}

var _ domain.PoolStore = (*PoolStore)(nil)

// ExportTaskStore implements domain.ExportTaskStore.
type ExportTaskStore struct{ s *Store }

// Create registers a new export task.
func (m *ExportTaskStore) Create(_ context.Context, task domain.ExportTask) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	task.ID = int64(len(m.s.exportTasks) + 1)
	if task.SequenceNumber == 0 {
		task.SequenceNumber = 1
	}
	task.UpdatedAt = m.s.now()
	m.s.exportTasks[task.ID] = &task
	return task.ID, nil
}

// Get returns an export task.
func (m *ExportTaskStore) Get(_ context.Context, id int64) (domain.ExportTask, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	t, ok := m.s.exportTasks[id]
	if !ok {
		return domain.ExportTask{}, fmt.Errorf("memory: get export task %d: %w", id, domain.ErrNotFound)
	}
	return *t, nil
}

// Advance stores the task's new position.
func (m *ExportTaskStore) Advance(_ context.Context, id int64, cursor domain.Cursor, sequence int64) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	t, ok := m.s.exportTasks[id]
	if !ok {
		return fmt.Errorf("memory: advance export task %d: %w", id, domain.ErrNotFound)
	}
	t.Cursor = cursor
	t.SequenceNumber = sequence
	t.UpdatedAt = m.s.now()
	return nil
}

var _ domain.ExportTaskStore = (*ExportTaskStore)(nil)

// ExportSource implements domain.ExportSource over the "orders" source.
type ExportSource struct{ s *Store }

// ExportSource returns the domain.ExportSource view.
func (s *Store) ExportSource() *ExportSource { return &ExportSource{s: s} }

// ExportPage returns orders after the cursor ordered by (updated_at, id).
func (m *ExportSource) ExportPage(_ context.Context, source string, after domain.Cursor, limit int) ([]json.RawMessage, domain.Cursor, error) {
	if source != "orders" {
		return nil, after, fmt.Errorf("memory: export page: unknown source %q", source)
	}

	m.s.mu.Lock()
	var rows []domain.Order
	for _, o := range m.s.orders {
		if (domain.Cursor{Timestamp: o.UpdatedAt, ID: o.ID}).After(after) {
			rows = append(rows, cloneOrder(o))
		}
	}
	m.s.mu.Unlock()

	slices.SortFunc(rows, func(a, b domain.Order) int {
		return domain.Cursor{Timestamp: a.UpdatedAt, ID: a.ID}.Compare(domain.Cursor{Timestamp: b.UpdatedAt, ID: b.ID})
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	next := after
	out := make([]json.RawMessage, 0, len(rows))
	for _, o := range rows {
		b, err := json.Marshal(o)
		if err != nil {
			return nil, after, fmt.Errorf("memory: export page: %w", err)
		}
		out = append(out, b)
		next = domain.Cursor{Timestamp: o.UpdatedAt, ID: o.ID}
	}
	return out, next, nil
}

var _ domain.ExportSource = (*ExportSource)(nil)

// AuditStore implements domain.AuditStore.
type AuditStore struct{ s *Store }

// Log appends an audit entry.
func (m *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	m.s.audit = append(m.s.audit, domain.AuditEntry{
		ID:        int64(len(m.s.audit) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: m.s.now(),
	})
	return nil
}

// List returns the newest audit entries first.
func (m *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	var out []domain.AuditEntry
	for i := len(m.s.audit) - 1; i >= 0; i-- {
		e := m.s.audit[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
