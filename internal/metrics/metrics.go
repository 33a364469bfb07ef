// Package metrics exposes Prometheus instruments for the resilience core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tutor_resilience"

// Metrics holds every instrument.
type Metrics struct {
	registry *prometheus.Registry

	backupsTotal    *prometheus.CounterVec
	backupDuration  *prometheus.HistogramVec
	backupSizeMB    *prometheus.GaugeVec
	backupsDeleted  prometheus.Counter
	uploadsTotal    *prometheus.CounterVec
	healthLevel     *prometheus.GaugeVec
	healthCycles    prometheus.Counter
	restartAttempts *prometheus.CounterVec
	escalations     *prometheus.CounterVec
	rollbacksTotal  *prometheus.CounterVec
}

// New registers the instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		backupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Backups attempted by type and result",
		}, []string{"type", "result"}),
		backupDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backup_duration_seconds",
			Help:      "Backup creation time in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"type"}),
		backupSizeMB: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_backup_size_mb",
			Help:      "Size of the most recent backup in megabytes",
		}, []string{"type"}),
		backupsDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_deleted_total",
			Help:      "Backups removed by retention cleanup",
		}),
		uploadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_uploads_total",
			Help:      "Remote artifact uploads by result",
		}, []string{"result"}),
		healthLevel: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_check_level",
			Help:      "Last level per check: 0 healthy, 1 warning, 2 critical",
		}, []string{"check"}),
		healthCycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_cycles_total",
			Help:      "Completed health check cycles",
		}),
		restartAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restart_attempts_total",
			Help:      "Automatic restart attempts by service and result",
		}, []string{"service", "result"}),
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restart_escalations_total",
			Help:      "Services escalated to manual intervention",
		}, []string{"service"}),
		rollbacksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Version rollbacks by result (success, reverted, failed)",
		}, []string{"result"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// ObserveBackup records a finished backup attempt.
func (m *Metrics) ObserveBackup(backupType string, ok bool, seconds, sizeMB float64) {
	if m == nil {
		return
	}
	m.backupsTotal.WithLabelValues(backupType, result(ok)).Inc()
	if ok {
		m.backupDuration.WithLabelValues(backupType).Observe(seconds)
		m.backupSizeMB.WithLabelValues(backupType).Set(sizeMB)
	}
}

// AddBackupsDeleted counts retention deletions.
func (m *Metrics) AddBackupsDeleted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.backupsDeleted.Add(float64(n))
}

// ObserveUpload records a remote upload.
func (m *Metrics) ObserveUpload(ok bool) {
	if m == nil {
		return
	}
	m.uploadsTotal.WithLabelValues(result(ok)).Inc()
}

// SetHealthLevel records a check level as 0, 1 or 2.
func (m *Metrics) SetHealthLevel(check string, level int) {
	if m == nil {
		return
	}
	m.healthLevel.WithLabelValues(check).Set(float64(level))
}

// IncHealthCycles counts a completed health cycle.
func (m *Metrics) IncHealthCycles() {
	if m == nil {
		return
	}
	m.healthCycles.Inc()
}

// ObserveRestart records a restart attempt.
func (m *Metrics) ObserveRestart(service string, ok bool) {
	if m == nil {
		return
	}
	m.restartAttempts.WithLabelValues(service, result(ok)).Inc()
}

// IncEscalation counts an escalation.
func (m *Metrics) IncEscalation(service string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(service).Inc()
}

// ObserveRollback records a rollback outcome: "success", "reverted" or "failed".
func (m *Metrics) ObserveRollback(outcome string) {
	if m == nil {
		return
	}
	m.rollbacksTotal.WithLabelValues(outcome).Inc()
}
