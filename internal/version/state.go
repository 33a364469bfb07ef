package version

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Snapshot binds a version label to a full backup.
type Snapshot struct {
	Version     string            `json:"version"`
	Timestamp   time.Time         `json:"timestamp"`
	BackupID    string            `json:"backup_id"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Safety reports whether the snapshot was taken automatically before a
// rollback.
func (s Snapshot) Safety() bool { return s.Metadata[metaKind] == kindSafety }

const (
	metaKind           = "kind"
	metaRollbackTarget = "rollback_target"
	metaPrevious       = "previous_version"
	kindSafety         = "safety"
)

// State is the persisted version registry.
type State struct {
	CurrentVersion string     `json:"version"`
	UpdatedAt      time.Time  `json:"updated_at"`
	Snapshots      []Snapshot `json:"snapshots"`
}

func (s *State) find(version string) (int, bool) {
	for i := range s.Snapshots {
		if s.Snapshots[i].Version == version {
			return i, true
		}
	}
	return -1, false
}

// stateFile reads and writes State atomically under an advisory lock.
type stateFile struct {
	path string
}

// update loads the state, applies fn and saves it if fn succeeds.
func (f *stateFile) update(fn func(*State) error) error {
	unlock, err := f.lock()
	if err != nil {
		return err
	}
	defer unlock()

	st, err := f.read()
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	return f.write(st)
}

// load returns a consistent copy of the state.
func (f *stateFile) load() (*State, error) {
	unlock, err := f.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return f.read()
}

func (f *stateFile) lock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	fl := flock.New(f.path + ".lock")
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("failed to lock version state: %w", err)
	}
	return func() { _ = fl.Unlock() }, nil
}

func (f *stateFile) read() (*State, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return &State{Snapshots: []Snapshot{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read version state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse version state %s: %w", f.path, err)
	}
	if st.Snapshots == nil {
		st.Snapshots = []Snapshot{}
	}
	return &st, nil
}

func (f *stateFile) write(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode version state: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write version state: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to publish version state: %w", err)
	}
	return nil
}
