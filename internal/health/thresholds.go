package health

import (
	"fmt"
	"time"
)

// Default usage thresholds in percent.
const (
	DefaultWarningThreshold  = 80.0
	DefaultCriticalThreshold = 90.0
)

// Thresholds bound a usage percentage.
type Thresholds struct {
	Warning  float64
	Critical float64
}

// DefaultThresholds returns 80/90.
func DefaultThresholds() Thresholds {
	return Thresholds{Warning: DefaultWarningThreshold, Critical: DefaultCriticalThreshold}
}

// ClassifyUsage maps usage to a level. Each threshold belongs to the higher
// range: usage == Warning is a warning, usage == Critical is critical.
func ClassifyUsage(usage float64, t Thresholds) Level {
	switch {
	case usage >= t.Critical:
		return LevelCritical
	case usage >= t.Warning:
		return LevelWarning
	default:
		return LevelHealthy
	}
}

func usageStatus(what string, usage float64, t Thresholds, ts time.Time) Status {
	level := ClassifyUsage(usage, t)
	var msg string
	switch level {
	case LevelCritical:
		msg = fmt.Sprintf("%s usage %.1f%% is at or above critical threshold %.0f%%", what, usage, t.Critical)
	case LevelWarning:
		msg = fmt.Sprintf("%s usage %.1f%% is at or above warning threshold %.0f%%", what, usage, t.Warning)
	default:
		msg = fmt.Sprintf("%s usage %.1f%%", what, usage)
	}
	st := NewStatus(level, msg, ts)
	v := usage
	st.Value = &v
	return st
}
