package notify

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// EventWatcher watches an event directory and dispatches each event once.
type EventWatcher struct {
	dir      string
	callback func(Event)
	logger   logrus.FieldLogger
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewEventWatcher creates a watcher for dir. logger may be nil.
func NewEventWatcher(dir string, logger logrus.FieldLogger, callback func(Event)) *EventWatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EventWatcher{
		dir:      dir,
		callback: callback,
		logger:   logger.WithField("component", "notify"),
		done:     make(chan struct{}),
	}
}

// Start begins watching. It drains any existing event files first,
// then watches for new ones. Call Stop() to clean up.
func (ew *EventWatcher) Start() error {
	if err := os.MkdirAll(ew.dir, 0o700); err != nil {
		return err
	}

	ew.drainExisting()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(ew.dir); err != nil {
		_ = w.Close()
		return err
	}
	ew.watcher = w

	go ew.loop()
	ew.logger.WithField("dir", ew.dir).Info("watching for control events")
	return nil
}

// Stop shuts down the watcher.
func (ew *EventWatcher) Stop() {
	if ew.watcher == nil {
		return
	}
	_ = ew.watcher.Close()
	<-ew.done
}

func (ew *EventWatcher) loop() {
	defer close(ew.done)
	for {
		select {
		case evt, ok := <-ew.watcher.Events:
			if !ok {
				return
			}
			// events are published by rename, which fsnotify reports as Create
			if evt.Op&fsnotify.Create != 0 && isEventFile(evt.Name) {
				ew.processFile(evt.Name)
			}
		case err, ok := <-ew.watcher.Errors:
			if !ok {
				return
			}
			ew.logger.WithError(err).Warn("watcher error")
		}
	}
}

func (ew *EventWatcher) drainExisting() {
	entries, err := os.ReadDir(ew.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && isEventFile(entry.Name()) {
			ew.processFile(filepath.Join(ew.dir, entry.Name()))
		}
	}
}

func (ew *EventWatcher) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // file already consumed by another process
	}
	_ = os.Remove(path)

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		ew.logger.WithError(err).WithField("file", filepath.Base(path)).Warn("invalid event file")
		return
	}

	if event.Type != "" && ew.callback != nil {
		ew.callback(event)
	}
}

func isEventFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".event") && !strings.HasPrefix(base, ".")
}
