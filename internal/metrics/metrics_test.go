package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.ObserveBackup("full", true, 12, 340)
	m.ObserveBackup("full", false, 1, 0)
	m.AddBackupsDeleted(2)
	m.AddBackupsDeleted(0)
	m.ObserveRestart("tutor-inference", false)
	m.IncEscalation("tutor-inference")
	m.SetHealthLevel("disk_usage", 2)
	m.ObserveRollback("reverted")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.backupsTotal.WithLabelValues("full", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backupsTotal.WithLabelValues("full", "failure")))
	assert.Equal(t, 340.0, testutil.ToFloat64(m.backupSizeMB.WithLabelValues("full")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.backupsDeleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.restartAttempts.WithLabelValues("tutor-inference", "failure")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.healthLevel.WithLabelValues("disk_usage")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rollbacksTotal.WithLabelValues("reverted")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveBackup("incremental", true, 1, 1)
		m.AddBackupsDeleted(3)
		m.ObserveUpload(false)
		m.SetHealthLevel("ram_usage", 1)
		m.IncHealthCycles()
		m.ObserveRestart("x", true)
		m.IncEscalation("x")
		m.ObserveRollback("success")
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.IncHealthCycles()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tutor_resilience_health_cycles_total 1")
}
