// Package health runs the fixed battery of health checks of a tutoring
// deployment (inference engine, vector store, relational store, disk and
// RAM usage), aggregates them into a SystemHealth and drives the interval
// daemon that feeds critical failures to automatic restarts.
package health

import (
	"encoding/json"
	"time"
)

// Level is the outcome of one check.
type Level string

const (
	LevelHealthy  Level = "healthy"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Severity orders levels: 0 healthy, 1 warning, 2 critical.
func (l Level) Severity() int {
	switch l {
	case LevelHealthy:
		return 0
	case LevelWarning:
		return 1
	default:
		return 2
	}
}

// Check names, in the order the monitor runs them.
const (
	CheckInferenceEngine = "inference_engine"
	CheckVectorStore     = "vector_store"
	CheckRelationalStore = "relational_store"
	CheckDiskUsage       = "disk_usage"
	CheckRAMUsage        = "ram_usage"
)

// CheckOrder is the fixed battery order.
var CheckOrder = []string{
	CheckInferenceEngine,
	CheckVectorStore,
	CheckRelationalStore,
	CheckDiskUsage,
	CheckRAMUsage,
}

// Status is the result of one check. It is recomputed on every run.
type Status struct {
	Healthy   bool      `json:"healthy"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`

	// Value carries the measured percentage for usage checks.
	Value *float64 `json:"value,omitempty"`
}

// NewStatus builds a Status whose Healthy flag follows level.
func NewStatus(level Level, message string, ts time.Time) Status {
	return Status{
		Healthy:   level == LevelHealthy,
		Level:     level,
		Message:   message,
		Timestamp: ts,
	}
}

// NamedStatus pairs a check name with its status.
type NamedStatus struct {
	Name string `json:"name"`
	Status
}

// SystemHealth aggregates one run of the battery. Healthy is true iff every
// check is healthy.
type SystemHealth struct {
	Healthy          bool          `json:"healthy"`
	Timestamp        time.Time     `json:"timestamp"`
	Checks           []NamedStatus `json:"checks"`
	CriticalFailures []string      `json:"critical_failures"`
	Warnings         []string      `json:"warnings"`
}

// Check returns the status of a named check.
func (h *SystemHealth) Check(name string) (Status, bool) {
	for _, c := range h.Checks {
		if c.Name == name {
			return c.Status, true
		}
	}
	return Status{}, false
}

// Level is the worst level across checks.
func (h *SystemHealth) Level() Level {
	worst := LevelHealthy
	for _, c := range h.Checks {
		if c.Level.Severity() > worst.Severity() {
			worst = c.Level
		}
	}
	return worst
}

func newSystemHealth(ts time.Time, checks []NamedStatus) *SystemHealth {
	h := &SystemHealth{
		Healthy:          true,
		Timestamp:        ts,
		Checks:           checks,
		CriticalFailures: []string{},
		Warnings:         []string{},
	}
	for _, c := range checks {
		if !c.Healthy {
			h.Healthy = false
		}
		switch c.Level {
		case LevelCritical:
			h.CriticalFailures = append(h.CriticalFailures, c.Name)
		case LevelWarning:
			h.Warnings = append(h.Warnings, c.Name)
		}
	}
	return h
}

// MarshalJSON adds the overall level.
func (h *SystemHealth) MarshalJSON() ([]byte, error) {
	type alias SystemHealth
	return json.Marshal(struct {
		*alias
		Level Level `json:"level"`
	}{alias: (*alias)(h), Level: h.Level()})
}
