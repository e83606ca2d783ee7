package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestRecordJob(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordJob("q", "ok", 0.1)
	m.RecordJob("q", "ok", 0.2)
	m.RecordJob("q", "failed", 0.2)

	assert.Equal(t, 2.0, counterValue(t, m.JobsProcessed.WithLabelValues("q", "ok")))
	assert.Equal(t, 1.0, counterValue(t, m.JobsProcessed.WithLabelValues("q", "failed")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordJob("q", "ok", 1)
		m.RecordCacheChange("token-floor", "sale")
		m.RecordSyncedBlock(10)
	})
}

func TestRecordEventsSkipsZero(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordEvents("fill", 0)
	m.RecordEvents("fill", 3)
	assert.Equal(t, 3.0, counterValue(t, m.EventsIngested.WithLabelValues("fill")))
}
