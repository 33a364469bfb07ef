// Package notify is the notification sink of the resilience core. Alerts
// (escalations, persistent health failures, rollback reverts) go to one or
// more Notifiers; operator control events (such as a restart-history reset)
// travel between processes as files in a shared directory.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a message for operators.
type Alert struct {
	ID       string            `json:"id"`
	Severity Severity          `json:"severity"`
	Source   string            `json:"source"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
	Time     time.Time         `json:"time"`
}

// NewAlert returns an alert stamped with a fresh id and the current time.
func NewAlert(severity Severity, source, title, message string) Alert {
	return Alert{
		ID:       uuid.NewString(),
		Severity: severity,
		Source:   source,
		Title:    title,
		Message:  message,
		Time:     time.Now().UTC(),
	}
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, alert Alert) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, alert Alert) error { return f(ctx, alert) }

// Nop discards alerts.
var Nop Notifier = NotifierFunc(func(context.Context, Alert) error { return nil })

// LogNotifier writes alerts as log lines.
type LogNotifier struct {
	logger logrus.FieldLogger
}

// NewLogNotifier returns a notifier logging through logger.
func NewLogNotifier(logger logrus.FieldLogger) *LogNotifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the alert at a level matching its severity.
func (n *LogNotifier) Notify(_ context.Context, alert Alert) error {
	fields := logrus.Fields{
		"alert_id": alert.ID,
		"severity": string(alert.Severity),
		"source":   alert.Source,
	}
	for k, v := range alert.Fields {
		fields[k] = v
	}
	entry := n.logger.WithFields(fields)
	msg := alert.Title + ": " + alert.Message
	switch alert.Severity {
	case SeverityCritical:
		entry.Error(msg)
	case SeverityWarning:
		entry.Warn(msg)
	default:
		entry.Info(msg)
	}
	return nil
}

// ErrThrottled is returned when an alert was dropped by the rate limiter.
var ErrThrottled = errors.New("notify: alert throttled")

// Throttled rate-limits a Notifier. Critical alerts are never dropped.
type Throttled struct {
	next    Notifier
	limiter *rate.Limiter

	mu      sync.Mutex
	dropped int
}

// NewThrottled allows perMinute alerts per minute with a burst of the same size.
func NewThrottled(next Notifier, perMinute float64) *Throttled {
	burst := int(perMinute)
	if burst < 1 {
		burst = 1
	}
	return &Throttled{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perMinute/60), burst),
	}
}

// Notify forwards the alert if the limiter allows it.
func (t *Throttled) Notify(ctx context.Context, alert Alert) error {
	if alert.Severity != SeverityCritical && !t.limiter.Allow() {
		t.mu.Lock()
		t.dropped++
		t.mu.Unlock()
		return ErrThrottled
	}
	return t.next.Notify(ctx, alert)
}

// Dropped returns how many alerts were throttled.
func (t *Throttled) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

// Notify delivers to all notifiers, even when one fails.
func (m Multi) Notify(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
