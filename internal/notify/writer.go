package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Event types carried by event files.
const (
	EventAlert        = "alert"
	EventResetRestart = "reset_restart"
)

// Event is the payload written to an event file.
type Event struct {
	Type   string `json:"type"`
	Target string `json:"target,omitempty"`
	Alert  *Alert `json:"alert,omitempty"`
	Time   int64  `json:"time"`
}

// AlertsDir is where alert events are written under the events directory.
func AlertsDir(eventsDir string) string { return filepath.Join(eventsDir, "alerts") }

// ControlDir is where operator control events are written.
func ControlDir(eventsDir string) string { return filepath.Join(eventsDir, "control") }

// EventWriter writes event files to a directory.
type EventWriter struct {
	dir string
}

// NewEventWriter creates a writer that emits events to dir.
func NewEventWriter(dir string) *EventWriter {
	return &EventWriter{dir: dir}
}

// Dir returns the target directory.
func (w *EventWriter) Dir() string { return w.dir }

// Notify implements Notifier by persisting the alert as an event file.
func (w *EventWriter) Notify(_ context.Context, alert Alert) error {
	return w.write(Event{Type: EventAlert, Target: alert.Source, Alert: &alert})
}

// WriteControl writes a control event such as EventResetRestart.
func (w *EventWriter) WriteControl(eventType, target string) error {
	return w.write(Event{Type: eventType, Target: target})
}

// write is safe to call concurrently. The file appears atomically so a
// watcher never reads a half-written event.
func (w *EventWriter) write(evt Event) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}
	evt.Time = time.Now().UnixNano()
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	name := fmt.Sprintf("%d-%s-%s", evt.Time, evt.Type, sanitizeID(evt.Target))
	tmp := filepath.Join(w.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("notify: write event: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(w.dir, name+".event")); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("notify: publish event: %w", err)
	}
	return nil
}

// sanitizeID replaces characters unsafe for filenames.
func sanitizeID(id string) string {
	out := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		switch id[i] {
		case '/', ':', '\\', ' ':
			out[i] = '_'
		default:
			out[i] = id[i]
		}
	}
	return string(out)
}
