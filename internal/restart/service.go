// Package restart restarts failed services with bounded retries.
//
// Each service moves through a small state machine:
//
//	Idle -> failure detected -> restart attempted -> success: Idle
//	                                              -> failure: attempt count + 1
//
// Once the attempt count reaches MaxAttempts the service is escalated: an
// alert is sent exactly once and automatic restarts stop until an operator
// calls ResetRestartHistory. Restarts of the same service are spaced by at
// least Cooldown, and the attempt count decays to zero after 2 x Cooldown
// without a new failure.
package restart

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/metrics"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/notify"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/services"
)

// Defaults.
const (
	DefaultMaxAttempts    = 3
	DefaultCooldown       = 300 * time.Second
	DefaultRestartTimeout = 30 * time.Second
	DefaultStatusTimeout  = 10 * time.Second

	// maxAttemptLog bounds the attempts kept per service.
	maxAttemptLog = 20
)

// Config holds restart policy settings.
type Config struct {
	// MaxAttempts is the number of failed restarts before escalation (default: 3)
	MaxAttempts int

	// Cooldown is the minimum time between two attempts (default: 300s)
	Cooldown time.Duration

	// RestartTimeout bounds the restart command (default: 30s)
	RestartTimeout time.Duration

	// StatusTimeout bounds each status query (default: 10s)
	StatusTimeout time.Duration

	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Logger   logrus.FieldLogger
	Now      func() time.Time
}

// Attempt is one restart attempt.
type Attempt struct {
	Time     time.Time     `json:"time"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Record is the restart history of one service.
type Record struct {
	Service      string    `json:"service"`
	AttemptCount int       `json:"attempt_count"`
	LastAttempt  time.Time `json:"last_attempt"`
	LastFailure  time.Time `json:"last_failure"`
	Escalated    bool      `json:"escalated"`
	Attempts     []Attempt `json:"attempts"`
}

type entry struct {
	mu  sync.Mutex
	rec Record
}

// Service tracks restart history per service and drives the controller.
// Calls for different services proceed in parallel; calls for the same
// service are serialized.
type Service struct {
	ctrl   services.Controller
	cfg    Config
	logger logrus.FieldLogger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewService creates a restart service over ctrl.
func NewService(ctrl services.Controller, cfg Config) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.RestartTimeout <= 0 {
		cfg.RestartTimeout = DefaultRestartTimeout
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = DefaultStatusTimeout
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		ctrl:    ctrl,
		cfg:     cfg,
		logger:  logger.WithField("component", "restart"),
		now:     now,
		entries: make(map[string]*entry),
	}
}

func (s *Service) entry(service string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[service]
	if !ok {
		e = &entry{rec: Record{Service: service}}
		s.entries[service] = e
	}
	return e
}

// DetectFailure reports whether service is down. A status query that fails
// or times out counts as a failure.
func (s *Service) DetectFailure(ctx context.Context, service string) bool {
	active, err := s.isActive(ctx, service)
	log := s.logger.WithField("service", service)
	if err != nil {
		log.WithError(err).Warn("service status unknown, treating as failed")
		return true
	}
	if !active {
		log.Warn("service is not active")
		return true
	}
	return false
}

func (s *Service) isActive(ctx context.Context, service string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StatusTimeout)
	defer cancel()
	return s.ctrl.IsActive(ctx, service)
}

// AttemptRestart restarts service unless it is escalated or still cooling
// down from the previous attempt. It returns true only when the restart
// command succeeded and the service reports active afterwards.
func (s *Service) AttemptRestart(ctx context.Context, service string) bool {
	e := s.entry(service)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := s.now()
	log := s.logger.WithField("service", service)
	s.decay(&e.rec, now)

	if e.rec.Escalated {
		log.Warn("restart blocked: service escalated, waiting for manual reset")
		return false
	}
	if e.rec.AttemptCount >= s.cfg.MaxAttempts {
		log.WithField("attempt_count", e.rec.AttemptCount).Error("maximum restart attempts reached")
		s.escalate(ctx, &e.rec)
		return false
	}
	if !e.rec.LastAttempt.IsZero() && now.Sub(e.rec.LastAttempt) < s.cfg.Cooldown {
		log.WithField("retry_in", (s.cfg.Cooldown - now.Sub(e.rec.LastAttempt)).String()).Info("restart skipped: cooldown active")
		return false
	}

	log.WithField("attempt", e.rec.AttemptCount+1).Info("restarting service")
	attempt := s.restart(ctx, service)
	attempt.Time = now

	e.rec.LastAttempt = now
	e.rec.Attempts = append(e.rec.Attempts, attempt)
	if len(e.rec.Attempts) > maxAttemptLog {
		e.rec.Attempts = e.rec.Attempts[len(e.rec.Attempts)-maxAttemptLog:]
	}
	s.cfg.Metrics.ObserveRestart(service, attempt.Success)

	if attempt.Success {
		log.WithField("duration", attempt.Duration.String()).Info("service restarted")
		return true
	}

	e.rec.AttemptCount++
	e.rec.LastFailure = now
	log.WithFields(logrus.Fields{
		"attempt_count": e.rec.AttemptCount,
		"error":         attempt.Error,
	}).Error("service restart failed")

	if e.rec.AttemptCount >= s.cfg.MaxAttempts {
		s.escalate(ctx, &e.rec)
	}
	return false
}

func (s *Service) restart(ctx context.Context, service string) Attempt {
	start := time.Now()
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RestartTimeout)
	err := s.ctrl.Restart(rctx, service)
	cancel()
	if err != nil {
		return Attempt{Duration: time.Since(start), Error: err.Error()}
	}

	active, err := s.isActive(ctx, service)
	switch {
	case err != nil:
		return Attempt{Duration: time.Since(start), Error: fmt.Sprintf("status after restart: %v", err)}
	case !active:
		return Attempt{Duration: time.Since(start), Error: "service inactive after restart"}
	}
	return Attempt{Success: true, Duration: time.Since(start)}
}

// decay clears the attempt count after 2 x Cooldown without a new failure.
// Escalation is not affected.
func (s *Service) decay(rec *Record, now time.Time) {
	if rec.AttemptCount == 0 || rec.Escalated {
		return
	}
	if now.Sub(rec.LastFailure) >= 2*s.cfg.Cooldown {
		s.logger.WithFields(logrus.Fields{
			"service":       rec.Service,
			"attempt_count": rec.AttemptCount,
		}).Info("restart attempt count decayed")
		rec.AttemptCount = 0
	}
}

// EscalateFailure marks service escalated, logs its history and sends a
// critical alert. Repeated calls before a reset do nothing.
func (s *Service) EscalateFailure(ctx context.Context, service string) {
	e := s.entry(service)
	e.mu.Lock()
	defer e.mu.Unlock()
	s.escalate(ctx, &e.rec)
}

func (s *Service) escalate(ctx context.Context, rec *Record) {
	if rec.Escalated {
		return
	}
	rec.Escalated = true

	log := s.logger.WithFields(logrus.Fields{
		"service":       rec.Service,
		"attempt_count": rec.AttemptCount,
	})
	log.Error("restart attempts exhausted, escalating")
	for i, a := range rec.Attempts {
		log.WithFields(logrus.Fields{
			"n":        i + 1,
			"time":     a.Time.Format(time.RFC3339),
			"success":  a.Success,
			"duration": a.Duration.String(),
			"error":    a.Error,
		}).Error("restart history")
	}
	s.cfg.Metrics.IncEscalation(rec.Service)

	alert := notify.NewAlert(notify.SeverityCritical, "restart",
		fmt.Sprintf("%s restart escalated", rec.Service),
		fmt.Sprintf("%s failed %d restart attempts; automatic restarts are disabled until the history is reset (%s)",
			rec.Service, rec.AttemptCount, lastErrors(rec.Attempts)))
	alert.Fields = map[string]string{
		"service":       rec.Service,
		"attempt_count": strconv.Itoa(rec.AttemptCount),
	}
	if err := s.cfg.Notifier.Notify(ctx, alert); err != nil {
		log.WithError(err).Error("failed to send escalation alert")
	}
}

func lastErrors(attempts []Attempt) string {
	var msgs []string
	for _, a := range attempts {
		if a.Error != "" {
			msgs = append(msgs, a.Error)
		}
	}
	if len(msgs) > 3 {
		msgs = msgs[len(msgs)-3:]
	}
	if len(msgs) == 0 {
		return "no error recorded"
	}
	return strings.Join(msgs, "; ")
}

// ResetRestartHistory forgets all attempts of service and lifts escalation.
func (s *Service) ResetRestartHistory(service string) {
	s.mu.Lock()
	e, ok := s.entries[service]
	s.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.rec = Record{Service: service}
	e.mu.Unlock()
	s.logger.WithField("service", service).Info("restart history reset")
}

// History returns a copy of the restart record of service.
func (s *Service) History(service string) Record {
	s.mu.Lock()
	e, ok := s.entries[service]
	s.mu.Unlock()
	if !ok {
		return Record{Service: service}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.rec
	rec.Attempts = append([]Attempt(nil), e.rec.Attempts...)
	return rec
}

// Services lists the services with a restart record, sorted.
func (s *Service) Services() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
