package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the breaker rejects an upload because the
// remote store has been failing.
var ErrCircuitOpen = errors.New("remote: circuit breaker is open")

// BreakerConfig holds the circuit breaker settings.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that trip the circuit.
	// Default: 3
	MaxFailures uint32

	// Timeout is how long the circuit stays open before a trial upload.
	// Default: 10 minutes
	Timeout time.Duration

	// HalfOpenMaxSuccesses closes the circuit again after this many trial successes.
	// Default: 1
	HalfOpenMaxSuccesses uint32
}

// BreakerMetrics holds upload counters.
type BreakerMetrics struct {
	TotalRequests       uint64
	TotalFailures       uint64
	ConsecutiveFailures uint32
}

// CircuitBreaker wraps gobreaker around remote uploads. Backups run at most
// a few times a day, so the open window is long.
type CircuitBreaker struct {
	breaker *gobreaker.CircuitBreaker
	mu      sync.Mutex
	metrics BreakerMetrics
}

// NewCircuitBreaker creates a breaker; zero fields take defaults.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.HalfOpenMaxSuccesses == 0 {
		cfg.HalfOpenMaxSuccesses = 1
	}

	cb := &CircuitBreaker{}
	cb.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "RemoteUpload",
		MaxRequests: cfg.HalfOpenMaxSuccesses,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
	})
	return cb
}

// Execute runs fn through the breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := cb.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})

	cb.mu.Lock()
	cb.metrics.TotalRequests++
	if err != nil {
		cb.metrics.TotalFailures++
	}
	cb.mu.Unlock()

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State returns "closed", "open" or "half-open".
func (cb *CircuitBreaker) State() string {
	switch cb.breaker.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Metrics returns the current counters.
func (cb *CircuitBreaker) Metrics() BreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	m := cb.metrics
	m.ConsecutiveFailures = cb.breaker.Counts().ConsecutiveFailures
	return m
}
