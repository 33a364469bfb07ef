package health

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/metrics"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/notify"
)

// Defaults for the daemon loop.
const (
	DefaultInterval   = 5 * time.Minute
	DefaultAlertAfter = 3
)

// Restarter restarts a named service after a critical check.
type Restarter interface {
	DetectFailure(ctx context.Context, service string) bool
	AttemptRestart(ctx context.Context, service string) bool
	ResetRestartHistory(service string)
}

// DaemonConfig configures the health daemon.
type DaemonConfig struct {
	Interval time.Duration

	// RestartOnCritical maps a check name to the service restarted when the
	// check is critical. Checks without an entry only alert.
	RestartOnCritical map[string]string

	// AlertAfter is the number of consecutive critical cycles that raises a
	// persistence alert (default: 3).
	AlertAfter int

	Restarter Restarter
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
	Logger    logrus.FieldLogger

	// OnResult is called after every cycle with the fresh result.
	OnResult func(*SystemHealth)
}

// Daemon runs the monitor on an interval, restarts services behind critical
// checks and alerts when a check stays critical.
type Daemon struct {
	monitor *Monitor
	cfg     DaemonConfig
	logger  logrus.FieldLogger

	mu      sync.RWMutex
	current *SystemHealth
	streaks map[string]int
}

// NewDaemon creates a daemon over monitor.
func NewDaemon(monitor *Monitor, cfg DaemonConfig) *Daemon {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.AlertAfter <= 0 {
		cfg.AlertAfter = DefaultAlertAfter
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Daemon{
		monitor: monitor,
		cfg:     cfg,
		logger:  logger.WithField("component", "health"),
		streaks: make(map[string]int),
	}
}

// Current returns the latest result, or nil before the first cycle.
func (d *Daemon) Current() *SystemHealth {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}

// Streak returns how many consecutive cycles check has been critical.
func (d *Daemon) Streak(check string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.streaks[check]
}

// Run executes a cycle immediately and then every Interval until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.WithFields(logrus.Fields{
		"interval":    d.cfg.Interval.String(),
		"alert_after": d.cfg.AlertAfter,
	}).Info("health daemon started")

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		d.RunOnce(ctx)
		select {
		case <-ctx.Done():
			d.logger.Info("health daemon stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce runs one cycle: checks, restarts, persistence alerts.
func (d *Daemon) RunOnce(ctx context.Context) *SystemHealth {
	h := d.monitor.RunHealthChecks(ctx)

	var alerts []NamedStatus
	d.mu.Lock()
	d.current = h
	for _, c := range h.Checks {
		if c.Level != LevelCritical {
			if d.streaks[c.Name] >= d.cfg.AlertAfter {
				d.logger.WithField("check", c.Name).Info("check recovered")
			}
			delete(d.streaks, c.Name)
			continue
		}
		d.streaks[c.Name]++
		if d.streaks[c.Name] == d.cfg.AlertAfter {
			alerts = append(alerts, c)
		}
	}
	d.mu.Unlock()

	for _, c := range h.Checks {
		d.cfg.Metrics.SetHealthLevel(c.Name, c.Level.Severity())
	}
	d.cfg.Metrics.IncHealthCycles()

	for _, name := range h.CriticalFailures {
		d.restart(ctx, name)
	}
	for _, c := range alerts {
		d.alert(ctx, c)
	}

	if h.Healthy {
		d.logger.Info("all health checks passed")
	} else {
		d.logger.WithFields(logrus.Fields{
			"critical": h.CriticalFailures,
			"warnings": h.Warnings,
		}).Warn("system unhealthy")
	}

	if d.cfg.OnResult != nil {
		d.cfg.OnResult(h)
	}
	return h
}

func (d *Daemon) restart(ctx context.Context, check string) {
	service, ok := d.cfg.RestartOnCritical[check]
	if !ok || service == "" || d.cfg.Restarter == nil {
		return
	}
	log := d.logger.WithFields(logrus.Fields{"check": check, "service": service})
	if !d.cfg.Restarter.DetectFailure(ctx, service) {
		log.Warn("check critical but service active, not restarting")
		return
	}
	if d.cfg.Restarter.AttemptRestart(ctx, service) {
		log.Info("service restarted after critical check")
	} else {
		log.Warn("service not restarted")
	}
}

func (d *Daemon) alert(ctx context.Context, c NamedStatus) {
	a := notify.NewAlert(notify.SeverityCritical, "health",
		fmt.Sprintf("%s critical", c.Name),
		fmt.Sprintf("%s has been critical for %d consecutive checks: %s", c.Name, d.cfg.AlertAfter, c.Message))
	a.Fields = map[string]string{
		"check":  c.Name,
		"cycles": strconv.Itoa(d.cfg.AlertAfter),
	}
	if err := d.cfg.Notifier.Notify(ctx, a); err != nil {
		d.logger.WithError(err).WithField("check", c.Name).Error("failed to send health alert")
	}
}

// HandleControl applies an operator control event.
func (d *Daemon) HandleControl(evt notify.Event) {
	switch evt.Type {
	case notify.EventResetRestart:
		if d.cfg.Restarter == nil || evt.Target == "" {
			return
		}
		d.cfg.Restarter.ResetRestartHistory(evt.Target)
		d.logger.WithField("service", evt.Target).Info("restart history reset by operator")
	default:
		d.logger.WithField("type", evt.Type).Debug("ignoring control event")
	}
}
