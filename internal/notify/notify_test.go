package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestEventWriterCreatesFile(t *testing.T) {
	dir := t.TempDir()
	w := NewEventWriter(ControlDir(dir))

	if err := w.WriteControl(EventResetRestart, "tutor-inference"); err != nil {
		t.Fatalf("WriteControl failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "control"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 event file, got %d", len(entries))
	}
	if filepath.Ext(entries[0].Name()) != ".event" {
		t.Errorf("expected .event extension, got %s", entries[0].Name())
	}
}

func TestEventWriterPersistsAlert(t *testing.T) {
	dir := t.TempDir()
	w := NewEventWriter(AlertsDir(dir))

	alert := NewAlert(SeverityCritical, "restart", "restart escalated", "tutor-inference failed 3 times")
	if err := w.Notify(context.Background(), alert); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	entries, err := os.ReadDir(AlertsDir(dir))
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one alert file, got %d (%v)", len(entries), err)
	}
	data, err := os.ReadFile(filepath.Join(AlertsDir(dir), entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("invalid event json: %v", err)
	}
	if evt.Type != EventAlert || evt.Alert == nil {
		t.Fatalf("expected alert event, got %+v", evt)
	}
	if evt.Alert.ID != alert.ID || evt.Alert.Severity != SeverityCritical {
		t.Errorf("alert not preserved: %+v", evt.Alert)
	}
}

func TestEventWatcherReceivesEvent(t *testing.T) {
	dir := t.TempDir()
	received := make(chan Event, 1)

	watcher := NewEventWatcher(dir, nil, func(evt Event) {
		received <- evt
	})
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	// Give fsnotify a moment to register
	time.Sleep(50 * time.Millisecond)

	writer := NewEventWriter(dir)
	if err := writer.WriteControl(EventResetRestart, "tutor-vectordb"); err != nil {
		t.Fatalf("WriteControl failed: %v", err)
	}

	select {
	case evt := <-received:
		if evt.Type != EventResetRestart {
			t.Errorf("expected event type %s, got %s", EventResetRestart, evt.Type)
		}
		if evt.Target != "tutor-vectordb" {
			t.Errorf("expected tutor-vectordb, got %s", evt.Target)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestEventWatcherDrainsExisting(t *testing.T) {
	dir := t.TempDir()

	// Write events BEFORE starting watcher
	writer := NewEventWriter(dir)
	_ = writer.WriteControl(EventResetRestart, "tutor-api")
	_ = writer.WriteControl(EventResetRestart, "tutor-inference")

	received := make(chan string, 10)
	watcher := NewEventWatcher(dir, nil, func(evt Event) {
		received <- evt.Target
	})
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	// Drain processes both files synchronously during Start
	if len(received) != 2 {
		t.Fatalf("expected 2 drained events, got %d", len(received))
	}

	remaining, _ := os.ReadDir(dir)
	if len(remaining) != 0 {
		t.Errorf("expected drained files to be removed, %d left", len(remaining))
	}
}

func TestEventWatcherSkipsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "1-bad.event"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	called := false
	watcher := NewEventWatcher(dir, nil, func(Event) { called = true })
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	watcher.Stop()

	if called {
		t.Error("callback must not run for an invalid event file")
	}
}

func TestLogNotifierLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	n := NewLogNotifier(logger)
	alert := NewAlert(SeverityCritical, "health", "disk_usage critical", "disk at 95%")
	alert.Fields = map[string]string{"check": "disk_usage"}
	if err := n.Notify(context.Background(), alert); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, `"level":"error"`) {
		t.Errorf("critical alert should log at error level: %s", out)
	}
	if !strings.Contains(out, `"check":"disk_usage"`) {
		t.Errorf("alert fields should be logged: %s", out)
	}
}

func TestThrottledDropsNonCritical(t *testing.T) {
	count := 0
	next := NotifierFunc(func(context.Context, Alert) error {
		count++
		return nil
	})
	th := NewThrottled(next, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = th.Notify(ctx, NewAlert(SeverityWarning, "health", "ram", "high"))
	}
	if count != 2 {
		t.Errorf("expected 2 delivered warnings, got %d", count)
	}
	if th.Dropped() != 3 {
		t.Errorf("expected 3 dropped, got %d", th.Dropped())
	}

	if err := th.Notify(ctx, NewAlert(SeverityCritical, "restart", "escalated", "x")); err != nil {
		t.Errorf("critical alerts must bypass the limiter: %v", err)
	}
	if count != 3 {
		t.Errorf("expected critical alert delivered, count=%d", count)
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	delivered := 0
	m := Multi{
		NotifierFunc(func(context.Context, Alert) error { return boom }),
		nil,
		NotifierFunc(func(context.Context, Alert) error { delivered++; return nil }),
	}

	err := m.Notify(context.Background(), NewAlert(SeverityInfo, "backup", "done", "ok"))
	if !errors.Is(err, boom) {
		t.Errorf("expected joined error to contain boom, got %v", err)
	}
	if delivered != 1 {
		t.Errorf("later notifiers must still run, delivered=%d", delivered)
	}
}

func TestSanitizeID(t *testing.T) {
	got := sanitizeID("tutor:api/main svc")
	if got != "tutor_api_main_svc" {
		t.Errorf("expected tutor_api_main_svc, got %s", got)
	}
}
