package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultCheckTimeout bounds each check.
const DefaultCheckTimeout = 10 * time.Second

// MonitorConfig configures the standard battery.
type MonitorConfig struct {
	// InferenceURL is the liveness endpoint of the inference engine.
	InferenceURL string

	// VectorStoreURL is probed over HTTP when set; otherwise VectorStoreDir
	// must be an accessible directory.
	VectorStoreURL string
	VectorStoreDir string

	// Relational probes the relational store. Nil disables the check.
	Relational Pinger

	// Usage reports disk and RAM usage (default: gopsutil).
	Usage    UsageSource
	DiskPath string

	Disk Thresholds
	RAM  Thresholds

	// CheckTimeout bounds each individual check (default: 10s)
	CheckTimeout time.Duration

	HTTPClient *http.Client
	Logger     logrus.FieldLogger
	Now        func() time.Time
}

type namedChecker struct {
	name    string
	checker Checker
}

// Monitor runs the health battery in a fixed order. A check that errors,
// panics or overruns its timeout is reported critical; nothing propagates.
type Monitor struct {
	checks  []namedChecker
	timeout time.Duration
	logger  logrus.FieldLogger
	now     func() time.Time
}

// NewMonitor builds the standard five-check battery.
func NewMonitor(cfg MonitorConfig) *Monitor {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.Usage == nil {
		cfg.Usage = SystemUsage{}
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}
	if cfg.Disk == (Thresholds{}) {
		cfg.Disk = DefaultThresholds()
	}
	if cfg.RAM == (Thresholds{}) {
		cfg.RAM = DefaultThresholds()
	}

	vector := DirectoryCheck(CheckVectorStore, cfg.VectorStoreDir, now)
	if cfg.VectorStoreURL != "" {
		vector = HTTPCheck(CheckVectorStore, cfg.VectorStoreURL, cfg.HTTPClient, now)
	}

	m := NewMonitorWithChecks(map[string]Checker{
		CheckInferenceEngine: HTTPCheck(CheckInferenceEngine, cfg.InferenceURL, cfg.HTTPClient, now),
		CheckVectorStore:     vector,
		CheckRelationalStore: PingCheck(CheckRelationalStore, cfg.Relational, now),
		CheckDiskUsage:       DiskCheck(cfg.Usage, cfg.DiskPath, cfg.Disk, now),
		CheckRAMUsage:        MemoryCheck(cfg.Usage, cfg.RAM, now),
	}, cfg.CheckTimeout, cfg.Logger)
	m.now = now
	return m
}

// NewMonitorWithChecks builds a monitor over arbitrary checkers. Names in
// CheckOrder run first in that order; any others follow in no fixed order.
func NewMonitorWithChecks(checks map[string]Checker, timeout time.Duration, logger logrus.FieldLogger) *Monitor {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	m := &Monitor{
		timeout: timeout,
		logger:  logger.WithField("component", "health"),
		now:     time.Now,
	}
	seen := make(map[string]bool, len(checks))
	for _, name := range CheckOrder {
		if c, ok := checks[name]; ok {
			m.checks = append(m.checks, namedChecker{name: name, checker: c})
			seen[name] = true
		}
	}
	for name, c := range checks {
		if !seen[name] {
			m.checks = append(m.checks, namedChecker{name: name, checker: c})
		}
	}
	return m
}

// Names lists the checks in run order.
func (m *Monitor) Names() []string {
	names := make([]string, len(m.checks))
	for i, c := range m.checks {
		names[i] = c.name
	}
	return names
}

// RunHealthChecks runs every check sequentially and aggregates the result.
func (m *Monitor) RunHealthChecks(ctx context.Context) *SystemHealth {
	results := make([]NamedStatus, 0, len(m.checks))
	for _, c := range m.checks {
		st := m.runOne(ctx, c)
		results = append(results, NamedStatus{Name: c.name, Status: st})

		entry := m.logger.WithFields(logrus.Fields{"check": c.name, "level": st.Level})
		switch st.Level {
		case LevelCritical:
			entry.Error(st.Message)
		case LevelWarning:
			entry.Warn(st.Message)
		default:
			entry.Debug(st.Message)
		}
	}
	return newSystemHealth(m.now(), results)
}

type checkResult struct {
	status Status
	err    error
}

func (m *Monitor) runOne(ctx context.Context, c namedChecker) Status {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	done := make(chan checkResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- checkResult{err: fmt.Errorf("check panicked: %v", r)}
			}
		}()
		st, err := c.checker.Check(ctx)
		done <- checkResult{status: st, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return NewStatus(LevelCritical, res.err.Error(), m.now())
		}
		st := res.status
		if st.Level == "" {
			st.Level = LevelHealthy
		}
		st.Healthy = st.Level == LevelHealthy
		if st.Timestamp.IsZero() {
			st.Timestamp = m.now()
		}
		return st
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return NewStatus(LevelCritical, fmt.Sprintf("check timed out after %s", m.timeout), m.now())
		}
		return NewStatus(LevelCritical, "check canceled: "+ctx.Err().Error(), m.now())
	}
}
