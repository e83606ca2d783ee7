package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// ExportTaskStore implements domain.ExportTaskStore using PostgreSQL.
type ExportTaskStore struct {
	pool *pgxpool.Pool
}

// NewExportTaskStore creates a new ExportTaskStore backed by the given
// connection pool.
func NewExportTaskStore(pool *pgxpool.Pool) *ExportTaskStore {
	return &ExportTaskStore{pool: pool}
}

// Create registers a new export task and returns its id.
func (s *ExportTaskStore) Create(ctx context.Context, task domain.ExportTask) (int64, error) {
	if _, ok := exportSources[task.Source]; !ok {
		return 0, fmt.Errorf("postgres: create export task: unknown source %q", task.Source)
	}
	if task.SequenceNumber == 0 {
		task.SequenceNumber = 1
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO export_tasks (source, cursor, sequence_number, target_table_name)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		task.Source, task.Cursor.Encode(), task.SequenceNumber, task.Target,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: create export task: %w", err)
	}
	return id, nil
}

// Get returns an export task.
func (s *ExportTaskStore) Get(ctx context.Context, id int64) (domain.ExportTask, error) {
	var (
		t      = domain.ExportTask{ID: id}
		cursor string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT source, cursor, sequence_number, target_table_name, updated_at
		FROM export_tasks WHERE id = $1`, id,
	).Scan(&t.Source, &cursor, &t.SequenceNumber, &t.Target, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ExportTask{}, fmt.Errorf("postgres: get export task %d: %w", id, domain.ErrNotFound)
		}
		return domain.ExportTask{}, fmt.Errorf("postgres: get export task %d: %w", id, err)
	}
	if t.Cursor, err = domain.DecodeCursor(cursor); err != nil {
		return domain.ExportTask{}, fmt.Errorf("postgres: get export task %d: %w", id, err)
	}
	return t, nil
}

// Advance stores the task's new position.
func (s *ExportTaskStore) Advance(ctx context.Context, id int64, cursor domain.Cursor, sequence int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE export_tasks SET cursor = $2, sequence_number = $3, updated_at = NOW()
		WHERE id = $1`, id, cursor.Encode(), sequence)
	if err != nil {
		return fmt.Errorf("postgres: advance export task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: advance export task %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

var _ domain.ExportTaskStore = (*ExportTaskStore)(nil)

// exportSource names the ordering columns of an exportable table.
type exportSource struct {
	table string
	ts    string
	id    string
}

var exportSources = map[string]exportSource{
	"orders":                    {table: "orders", ts: "updated_at", id: "id"},
	"order_events":              {table: "order_events", ts: "created_at", id: "id::text"},
	"token_floor_sell_events":   {table: "token_floor_sell_events", ts: "created_at", id: "id::text"},
	"collection_floor_events":   {table: "collection_floor_sell_events", ts: "created_at", id: "id::text"},
	"collection_top_bid_events": {table: "collection_top_bid_events", ts: "created_at", id: "id::text"},
}

// ExportSource implements domain.ExportSource over a fixed set of tables.
type ExportSource struct {
	pool *pgxpool.Pool
}

// NewExportSource creates a new ExportSource backed by the given connection
// pool.
func NewExportSource(pool *pgxpool.Pool) *ExportSource {
	return &ExportSource{pool: pool}
}

// ExportPage returns up to limit rows after the cursor as JSON objects.
func (s *ExportSource) ExportPage(ctx context.Context, source string, after domain.Cursor, limit int) ([]json.RawMessage, domain.Cursor, error) {
	src, ok := exportSources[source]
	if !ok {
		return nil, after, fmt.Errorf("postgres: export page: unknown source %q", source)
	}

	query := fmt.Sprintf(`
		SELECT to_jsonb(t)::text, t.%[2]s, t.%[3]s
		FROM %[1]s t
		WHERE (t.%[2]s, t.%[3]s) > ($1, $2)
		ORDER BY t.%[2]s, t.%[3]s
		LIMIT $3`, src.table, src.ts, src.id)

	rows, err := s.pool.Query(ctx, query, after.Timestamp, after.ID, limit)
	if err != nil {
		return nil, after, fmt.Errorf("postgres: export page %s: %w", source, err)
	}
	defer rows.Close()

	next := after
	var out []json.RawMessage
	for rows.Next() {
		var (
			doc string
			ts  time.Time
			id  string
		)
		if err := rows.Scan(&doc, &ts, &id); err != nil {
			return nil, after, fmt.Errorf("postgres: export page %s scan: %w", source, err)
		}
		out = append(out, json.RawMessage(doc))
		next = domain.Cursor{Timestamp: ts, ID: id}
	}
	if err := rows.Err(); err != nil {
		return nil, after, fmt.Errorf("postgres: export page %s rows: %w", source, err)
	}
	return out, next, nil
}

var _ domain.ExportSource = (*ExportSource)(nil)
