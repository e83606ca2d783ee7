// Package metrics holds the Prometheus instruments exported by orderbookd.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	JobsProcessed  *prometheus.CounterVec
	JobDuration    *prometheus.HistogramVec
	JobsRetried    *prometheus.CounterVec
	JobsThrottled  *prometheus.CounterVec
	JobsDead       *prometheus.CounterVec
	JobsDeduped    *prometheus.CounterVec
	OrderTransits  *prometheus.CounterVec
	OrderLatency   prometheus.Histogram
	CacheChanges   *prometheus.CounterVec
	LockContention *prometheus.CounterVec
	Coalesced      *prometheus.CounterVec
	EventsIngested *prometheus.CounterVec
	SyncedBlock    prometheus.Gauge
	ExportedRows   *prometheus.CounterVec
	ErrorsTotal    *prometheus.CounterVec
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orderbookd_jobs_processed_total",
			Help: "Jobs finished by queue and outcome",
		}, []string{"queue", "outcome"}),

		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orderbookd_job_duration_seconds",
			Help:    "Handler run time per queue",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),

		JobsRetried: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orderbookd_jobs_retried_total",
			Help: "Jobs re-published after a transient failure",
		}, []string{"queue"}),

		JobsThrottled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orderbookd_jobs_throttled_total",
			Help: "Jobs re-published after upstream rate limiting",
		}, []string{"queue"}),

		JobsDead: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orderbookd_jobs_dead_lettered_total",
			Help: "Jobs that exhausted their retries",
		}, []string{"queue"}),

		JobsDeduped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orderbookd_jobs_deduplicated_total",
			Help: "Enqueues collapsed onto an already pending job id",
		}, []string{"queue"}),

		OrderTransits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orderbookd_order_transitions_total",
			Help: "Accepted order status transitions",
		}, []string{"trigger", "status"}),

		// Order latency: time from order creation to the first by-id update.
		OrderLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "orderbookd_order_latency_seconds",
			Help:    "Seconds between order creation and its first update",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}),

		CacheChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orderbookd_cache_changes_total",
			Help: "Detected best-price cache changes",
		}, []string{"cache", "trigger"}),

		LockContention: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orderbookd_collection_lock_contention_total",
			Help: "Triggers dropped because the collection lease was held",
		}, []string{"queue"}),

		Coalesced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orderbookd_revalidations_coalesced_total",
			Help: "Follow-up revalidations enqueued after lease release",
		}, []string{"queue"}),

		EventsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orderbookd_events_ingested_total",
			Help: "New on-chain events persisted by type",
		}, []string{"type"}),

		SyncedBlock: f.NewGauge(prometheus.GaugeOpts{
			Name: "orderbookd_synced_block",
			Help: "Last block fully processed by the live follower",
		}),

		ExportedRows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orderbookd_exported_rows_total",
			Help: "Rows uploaded by data exports",
		}, []string{"source"}),

		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orderbookd_errors_total",
			Help: "Total number of errors by component and type",
		}, []string{"component", "error_type"}),
	}
}

// RecordJob records one handler run.
func (m *Metrics) RecordJob(queue, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(queue, outcome).Inc()
	m.JobDuration.WithLabelValues(queue).Observe(seconds)
}

// RecordRetry increments the retry counter.
func (m *Metrics) RecordRetry(queue string) {
	if m == nil {
		return
	}
	m.JobsRetried.WithLabelValues(queue).Inc()
}

// RecordThrottle increments the throttle counter.
func (m *Metrics) RecordThrottle(queue string) {
	if m == nil {
		return
	}
	m.JobsThrottled.WithLabelValues(queue).Inc()
}

// RecordDeadLetter increments the dead-letter counter.
func (m *Metrics) RecordDeadLetter(queue string) {
	if m == nil {
		return
	}
	m.JobsDead.WithLabelValues(queue).Inc()
}

// RecordDedup increments the dedup counter.
func (m *Metrics) RecordDedup(queue string) {
	if m == nil {
		return
	}
	m.JobsDeduped.WithLabelValues(queue).Inc()
}

// RecordTransition counts an accepted order transition.
func (m *Metrics) RecordTransition(trigger, status string) {
	if m == nil {
		return
	}
	m.OrderTransits.WithLabelValues(trigger, status).Inc()
}

// RecordOrderLatency observes order latency in seconds.
func (m *Metrics) RecordOrderLatency(seconds float64) {
	if m == nil {
		return
	}
	m.OrderLatency.Observe(seconds)
}

// RecordCacheChange counts a detected cache change.
func (m *Metrics) RecordCacheChange(cache, trigger string) {
	if m == nil {
		return
	}
	m.CacheChanges.WithLabelValues(cache, trigger).Inc()
}

// RecordLockContention counts a dropped trigger.
func (m *Metrics) RecordLockContention(queue string) {
	if m == nil {
		return
	}
	m.LockContention.WithLabelValues(queue).Inc()
}

// RecordCoalesced counts a follow-up revalidation.
func (m *Metrics) RecordCoalesced(queue string) {
	if m == nil {
		return
	}
	m.Coalesced.WithLabelValues(queue).Inc()
}

// RecordEvents adds n newly persisted events of one type.
func (m *Metrics) RecordEvents(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.EventsIngested.WithLabelValues(kind).Add(float64(n))
}

// RecordSyncedBlock sets the follower gauge.
func (m *Metrics) RecordSyncedBlock(block uint64) {
	if m == nil {
		return
	}
	m.SyncedBlock.Set(float64(block))
}

// RecordExport adds n exported rows of one source.
func (m *Metrics) RecordExport(source string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ExportedRows.WithLabelValues(source).Add(float64(n))
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
