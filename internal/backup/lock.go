package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// LockFile is the advisory lock taken on the backup directory.
const LockFile = ".backup.lock"

// dirLock serializes backup operations on one backup directory, across
// goroutines (mutex) and across processes (flock).
type dirLock struct {
	path string
	mu   sync.Mutex
}

func newDirLock(backupDir string) *dirLock {
	return &dirLock{path: filepath.Join(backupDir, LockFile)}
}

// acquire returns ErrLocked immediately instead of waiting.
func (l *dirLock) acquire() (release func(), err error) {
	if !l.mu.TryLock() {
		return nil, ErrLocked
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	fl := flock.New(l.path)
	locked, err := fl.TryLock()
	if err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("failed to lock %s: %w", l.path, err)
	}
	if !locked {
		l.mu.Unlock()
		return nil, ErrLocked
	}

	return func() {
		_ = fl.Unlock()
		l.mu.Unlock()
	}, nil
}
