package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/orderbookd/internal/domain"
	"github.com/alanyoungcy/orderbookd/internal/metrics"
	"github.com/alanyoungcy/orderbookd/internal/queue"
)

const (
	defaultExportPage = 5000
	exportLockTTL     = 300 * time.Second
	// Pages past this size go through the multipart uploader.
	multipartThreshold = 4 * minPartSize
)

// ExportJob is the payload of export-data-queue.
type ExportJob struct {
	TaskID int64 `json:"taskId"`
}

// ExportPath is the object key of one export file.
func ExportPath(target string, sequence int64) string {
	return fmt.Sprintf("%s/orderbookd_%015d.json", strings.TrimSuffix(target, "/"), sequence)
}

// Exporter uploads a table incrementally. Each run writes one page as a
// JSONL file and advances the task's cursor; full pages chain another run.
type Exporter struct {
	tasks    domain.ExportTaskStore
	source   domain.ExportSource
	writer   domain.BlobWriter
	lease    domain.Lease
	queue    queue.Enqueuer
	audit    domain.AuditStore
	pageSize int
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// ExporterDeps groups the Exporter's collaborators.
type ExporterDeps struct {
	Tasks    domain.ExportTaskStore
	Source   domain.ExportSource
	Writer   domain.BlobWriter
	Lease    domain.Lease
	Queue    queue.Enqueuer
	Audit    domain.AuditStore
	PageSize int
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// NewExporter creates an Exporter.
func NewExporter(d ExporterDeps) *Exporter {
	if d.PageSize < 1 {
		d.PageSize = defaultExportPage
	}
	return &Exporter{
		tasks:    d.Tasks,
		source:   d.Source,
		writer:   d.Writer,
		lease:    d.Lease,
		queue:    d.Queue,
		audit:    d.Audit,
		pageSize: d.PageSize,
		metrics:  d.Metrics,
		logger:   d.Logger.With(slog.String("component", "exporter")),
	}
}

// Start creates an export task for source and schedules its first run.
func (e *Exporter) Start(ctx context.Context, source, target string) (int64, error) {
	id, err := e.tasks.Create(ctx, domain.ExportTask{Source: source, Target: target})
	if err != nil {
		return 0, fmt.Errorf("s3blob: create export task: %w", err)
	}
	if err := e.schedule(ctx, id, 0); err != nil {
		return id, err
	}
	return id, nil
}

func (e *Exporter) schedule(ctx context.Context, taskID, sequence int64) error {
	jobID := fmt.Sprintf("export-%d-%d", taskID, sequence)
	if _, err := e.queue.Enqueue(ctx, queue.ExportData, ExportJob{TaskID: taskID}, queue.WithJobID(jobID)); err != nil {
		return fmt.Errorf("s3blob: schedule export %d: %w", taskID, err)
	}
	return nil
}

func lockKey(taskID int64) string {
	return fmt.Sprintf("%s:%d-lock", queue.ExportData, taskID)
}

type exportResult struct {
	taskID   int64
	sequence int64
	full     bool
}

// Process implements queue.Handler.
func (e *Exporter) Process(ctx context.Context, job *domain.Job) (any, error) {
	req, err := queue.Decode[ExportJob](job)
	if err != nil {
		return nil, err
	}

	ok, err := e.lease.Acquire(ctx, lockKey(req.TaskID), exportLockTTL)
	if err != nil {
		return nil, fmt.Errorf("s3blob: acquire export lock %d: %w", req.TaskID, err)
	}
	if !ok {
		// The holder reschedules itself.
		e.logger.Debug("export already running", slog.Int64("task_id", req.TaskID))
		return nil, nil
	}
	defer func() {
		if _, err := e.lease.Release(context.WithoutCancel(ctx), lockKey(req.TaskID)); err != nil {
			e.logger.Warn("release export lock failed", slog.Int64("task_id", req.TaskID), slog.String("error", err.Error()))
		}
	}()

	task, err := e.tasks.Get(ctx, req.TaskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("s3blob: export task %d: %w", req.TaskID, domain.ErrInvalidPayload)
		}
		return nil, fmt.Errorf("s3blob: get export task %d: %w", req.TaskID, err)
	}

	rows, next, err := e.source.ExportPage(ctx, task.Source, task.Cursor, e.pageSize)
	if err != nil {
		return nil, fmt.Errorf("s3blob: read %s page: %w", task.Source, err)
	}
	if len(rows) == 0 {
		return exportResult{taskID: task.ID, sequence: task.SequenceNumber}, nil
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return nil, fmt.Errorf("s3blob: encode %s page: %w", task.Source, err)
	}
	path := ExportPath(task.Target, task.SequenceNumber)
	if int64(len(buf)) > multipartThreshold {
		err = e.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = e.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return nil, err
	}

	sequence := task.SequenceNumber + 1
	if err := e.tasks.Advance(ctx, task.ID, next, sequence); err != nil {
		return nil, fmt.Errorf("s3blob: advance export task %d: %w", task.ID, err)
	}
	e.metrics.RecordExport(task.Source, len(rows))

	if err := e.audit.Log(ctx, "export.page", map[string]any{
		"task_id": task.ID,
		"source":  task.Source,
		"path":    path,
		"rows":    len(rows),
	}); err != nil {
		e.logger.Warn("audit export failed", slog.Int64("task_id", task.ID), slog.String("error", err.Error()))
	}
	e.logger.Info("export page uploaded",
		slog.Int64("task_id", task.ID),
		slog.String("path", path),
		slog.Int("rows", len(rows)),
	)
	return exportResult{taskID: task.ID, sequence: sequence, full: len(rows) == e.pageSize}, nil
}

// OnCompleted implements queue.Completer.
func (e *Exporter) OnCompleted(ctx context.Context, _ *domain.Job, result any) error {
	r, ok := result.(exportResult)
	if !ok || !r.full {
		return nil
	}
	return e.schedule(ctx, r.taskID, r.sequence)
}

// marshalJSONL writes one compact JSON document per line.
func marshalJSONL(rows []json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	for i, row := range rows {
		if err := json.Compact(&buf, row); err != nil {
			return nil, fmt.Errorf("jsonl row %d: %w", i, err)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

var (
	_ queue.Handler   = (*Exporter)(nil)
	_ queue.Completer = (*Exporter)(nil)
)
