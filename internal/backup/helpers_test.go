package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/storage"
)

// fakeStore is an in-memory relational store: Dump writes its current
// content to the dump file and Restore reads it back.
type fakeStore struct {
	mu         sync.Mutex
	content    string
	dumpErr    error
	restoreErr error

	dumpSince   []time.Time
	restored    []string
	incremental []string
}

var _ storage.RelationalStore = (*fakeStore)(nil)

func (f *fakeStore) DumpFileName() string { return "relational_dump.sql" }

func (f *fakeStore) Dump(_ context.Context, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dumpErr != nil {
		return f.dumpErr
	}
	return os.WriteFile(dest, []byte(f.content), 0o600)
}

func (f *fakeStore) DumpSince(_ context.Context, dest string, since time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dumpErr != nil {
		return f.dumpErr
	}
	f.dumpSince = append(f.dumpSince, since)
	return os.WriteFile(dest, []byte("-- rows since "+since.Format(time.RFC3339)+"\n"), 0o600)
}

func (f *fakeStore) Restore(_ context.Context, dump string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restoreErr != nil {
		return f.restoreErr
	}
	data, err := os.ReadFile(dump)
	if err != nil {
		return err
	}
	f.content = string(data)
	f.restored = append(f.restored, filepath.Base(dump))
	return nil
}

func (f *fakeStore) ApplyIncremental(_ context.Context, dump string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.incremental = append(f.incremental, filepath.Base(dump))
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) Content() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content
}

type detectorFunc func(dir string, since time.Time) (bool, error)

func (f detectorFunc) ChangedSince(dir string, since time.Time) (bool, error) { return f(dir, since) }

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	root    string
	backups string
	vector  string
	config  string
	models  string
	store   *fakeStore
	clock   *fakeClock
	manager *Manager
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	return l
}

// newTestEnv builds live data (vector store and config, no models) and a
// manager over it.
func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		root:    root,
		backups: filepath.Join(root, "backups"),
		vector:  filepath.Join(root, "data", "vector_db"),
		config:  filepath.Join(root, "config"),
		models:  filepath.Join(root, "models"),
		store:   &fakeStore{content: "CREATE TABLE lessons;\nINSERT 1;\n"},
		clock:   newFakeClock(time.Date(2026, 10, 18, 2, 0, 0, 0, time.UTC)),
	}

	writeFile(t, filepath.Join(env.vector, "index", "segment-0.bin"), "vectors-v1")
	writeFile(t, filepath.Join(env.vector, "chroma.sqlite3"), "collection-v1")
	writeFile(t, filepath.Join(env.config, "app.yaml"), "model: small\n")

	cfg := Config{
		BackupDir:      env.backups,
		VectorStoreDir: env.vector,
		ConfigDir:      env.config,
		ModelsDir:      env.models,
		Store:          env.store,
		Logger:         quietLogger(),
		Now:            env.clock.Now,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	m, err := NewManager(cfg)
	require.NoError(t, err)
	env.manager = m
	return env
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// writeBackupDir creates a minimal complete backup with the given timestamp.
func writeBackupDir(t *testing.T, backupDir, id string, ts time.Time) {
	t.Helper()
	dir := filepath.Join(backupDir, id)
	writeFile(t, filepath.Join(dir, "relational_dump.sql"), "dump")
	require.NoError(t, writeMetadata(dir, &BackupMetadata{
		BackupID:       id,
		BackupType:     TypeFull,
		Timestamp:      ts,
		Components:     []Component{ComponentRelational},
		RelationalDump: "relational_dump.sql",
	}))
}

// leftovers lists entries of dir whose names contain any marker.
func leftovers(t *testing.T, dir string, markers ...string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		for _, m := range markers {
			if strings.Contains(e.Name(), m) {
				out = append(out, e.Name())
			}
		}
	}
	return out
}

var errBoom = errors.New("boom")
