package version

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/backup"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/health"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/notify"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/storage/sqlite"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeHealth struct {
	mu      sync.Mutex
	healthy bool
	calls   int
}

func (f *fakeHealth) RunHealthChecks(context.Context) *health.SystemHealth {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	h := &health.SystemHealth{Healthy: f.healthy, Timestamp: time.Now()}
	if !f.healthy {
		h.CriticalFailures = []string{health.CheckInferenceEngine}
	}
	return h
}

type serviceLog struct {
	mu    sync.Mutex
	calls []string
}

func (s *serviceLog) Start(_ context.Context, name string) error { return s.add("start " + name) }
func (s *serviceLog) Stop(_ context.Context, name string) error  { return s.add("stop " + name) }

func (s *serviceLog) add(call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	return nil
}

type alerts struct {
	mu   sync.Mutex
	sent []notify.Alert
}

func (a *alerts) Notify(_ context.Context, alert notify.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, alert)
	return nil
}

type testEnv struct {
	ctx      context.Context
	root     string
	dbPath   string
	vectors  string
	clock    *fakeClock
	health   *fakeHealth
	services *serviceLog
	alerts   *alerts
	backups  *backup.Manager
	versions *Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		ctx:      context.Background(),
		root:     root,
		dbPath:   filepath.Join(root, "data", "tutor.db"),
		vectors:  filepath.Join(root, "data", "vector_db"),
		clock:    &fakeClock{t: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)},
		health:   &fakeHealth{healthy: true},
		services: &serviceLog{},
		alerts:   &alerts{},
	}
	require.NoError(t, os.MkdirAll(env.vectors, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "config", "app.yaml"), []byte("model: tutor-7b\n"), 0o644))

	db, err := sql.Open("sqlite", env.dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE settings (key TEXT PRIMARY KEY, value TEXT)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := sqlite.NewStore(env.dbPath)
	require.NoError(t, err)
	env.backups, err = backup.NewManager(backup.Config{
		BackupDir:      filepath.Join(root, "backups"),
		VectorStoreDir: env.vectors,
		ConfigDir:      filepath.Join(root, "config"),
		Store:          store,
		Logger:         logger,
		Now:            env.clock.Now,
	})
	require.NoError(t, err)

	env.versions, err = NewManager(env.backups, env.health, env.services, Config{
		StatePath:      filepath.Join(root, "backups", "versions.json"),
		Services:       []string{"tutor-api", "tutor-inference"},
		HealthTimeout:  100 * time.Millisecond,
		HealthInterval: 10 * time.Millisecond,
		Notifier:       env.alerts,
		Logger:         logger,
		Now:            env.clock.Now,
	})
	require.NoError(t, err)
	return env
}

// setState writes the observable system state: a settings row and a vector file.
func (e *testEnv) setState(t *testing.T, label string) {
	t.Helper()
	db, err := sql.Open("sqlite", e.dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO settings (key, value) VALUES ('label', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, label)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, os.WriteFile(filepath.Join(e.vectors, "index.bin"), []byte(label+"-vectors"), 0o644))
}

func (e *testEnv) state(t *testing.T) (string, string) {
	t.Helper()
	db, err := sql.Open("sqlite", e.dbPath)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	var label string
	require.NoError(t, db.QueryRow(`SELECT value FROM settings WHERE key = 'label'`).Scan(&label))
	vec, err := os.ReadFile(filepath.Join(e.vectors, "index.bin"))
	require.NoError(t, err)
	return label, string(vec)
}

func (e *testEnv) snapshot(t *testing.T, version string) *Snapshot {
	t.Helper()
	snap, err := e.versions.CreateVersionSnapshot(e.ctx, version, "release "+version)
	require.NoError(t, err)
	e.clock.Advance(time.Minute)
	return snap
}

func TestCreateVersionSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.setState(t, "v1")

	snap := env.snapshot(t, "v1")
	assert.Equal(t, "v1", snap.Version)
	assert.Equal(t, "release v1", snap.Description)
	assert.True(t, env.backups.VerifyBackupIntegrity(snap.BackupID))

	current, err := env.versions.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, "v1", current)

	_, err = env.versions.CreateVersionSnapshot(env.ctx, "v1", "")
	assert.ErrorIs(t, err, ErrVersionExists)

	auto, err := env.versions.CreateVersionSnapshot(env.ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, "v20261019-090100", auto.Version)

	versions, err := env.versions.ListVersions()
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, auto.Version, versions[0].Version, "newest first")
}

func TestRollbackToVersion_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.setState(t, "v1")
	env.snapshot(t, "v1")
	env.setState(t, "v2")
	require.NoError(t, os.WriteFile(filepath.Join(env.vectors, "extra.bin"), []byte("v2 only"), 0o644))
	env.snapshot(t, "v2")

	res := env.versions.RollbackToVersion(env.ctx, "v1", true)
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.False(t, res.Reverted)

	label, vec := env.state(t)
	assert.Equal(t, "v1", label)
	assert.Equal(t, "v1-vectors", vec)
	assert.NoFileExists(t, filepath.Join(env.vectors, "extra.bin"))

	current, err := env.versions.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, "v1", current)

	safety, err := env.versions.GetSnapshot(res.SafetyVersion)
	require.NoError(t, err)
	assert.True(t, safety.Safety())
	assert.Equal(t, "v2", safety.Metadata["previous_version"])

	assert.Equal(t, []string{
		"stop tutor-inference", "stop tutor-api",
		"start tutor-api", "start tutor-inference",
	}, env.services.calls)
	assert.Empty(t, env.alerts.sent)
}

func TestRollbackToVersion_RepeatedWithinOneSecond(t *testing.T) {
	env := newTestEnv(t)
	env.setState(t, "v1")
	env.snapshot(t, "v1")
	env.setState(t, "v2")
	env.snapshot(t, "v2")

	first := env.versions.RollbackToVersion(env.ctx, "v1", true)
	require.NoError(t, first.Err)
	second := env.versions.RollbackToVersion(env.ctx, "v1", true)
	require.NoError(t, second.Err)
	assert.True(t, second.Success)
	assert.NotEqual(t, first.SafetyVersion, second.SafetyVersion)
	assert.True(t, strings.HasPrefix(second.SafetyVersion, "pre-rollback-v1-20261019-090200-"))
}

func TestSnapshotBackupsSurviveRetention(t *testing.T) {
	env := newTestEnv(t)
	env.setState(t, "v1")
	snap := env.snapshot(t, "v1")

	sched, err := backup.NewScheduler(env.backups, backup.SchedulerConfig{
		RetentionDays: 28,
		Protected:     env.versions.ReferencedBackups,
		Logger:        logrus.New(),
		Now:           env.clock.Now,
	})
	require.NoError(t, err)

	env.clock.Advance(30 * 24 * time.Hour)
	assert.Equal(t, 0, sched.CleanupOldBackups())
	assert.True(t, env.backups.VerifyBackupIntegrity(snap.BackupID))

	res := env.versions.RollbackToVersion(env.ctx, "v1", true)
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
}

func TestRollbackToVersion_UnhealthyRevertsToSafetySnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.setState(t, "v1")
	env.snapshot(t, "v1")
	env.setState(t, "v2")
	env.snapshot(t, "v2")
	env.setState(t, "v2-edited")
	env.health.healthy = false

	res := env.versions.RollbackToVersion(env.ctx, "v1", true)
	assert.False(t, res.Success)
	assert.True(t, res.Reverted)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "unhealthy")
	require.NotNil(t, res.Health)
	assert.GreaterOrEqual(t, env.health.calls, 2, "health is polled until the timeout")

	label, vec := env.state(t)
	assert.Equal(t, "v2-edited", label)
	assert.Equal(t, "v2-edited-vectors", vec)

	current, err := env.versions.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, "v2", current)

	require.Len(t, env.alerts.sent, 1)
	assert.Equal(t, notify.SeverityWarning, env.alerts.sent[0].Severity)
	assert.Equal(t, "start tutor-inference", env.services.calls[len(env.services.calls)-1])
}

func TestRollbackToVersion_RestoreFailureReverts(t *testing.T) {
	env := newTestEnv(t)
	env.setState(t, "v1")
	v1 := env.snapshot(t, "v1")
	env.setState(t, "v2")
	env.snapshot(t, "v2")

	require.NoError(t, env.backups.DeleteBackup(v1.BackupID))

	res := env.versions.RollbackToVersion(env.ctx, "v1", true)
	assert.False(t, res.Success)
	assert.True(t, res.Reverted)
	assert.ErrorIs(t, res.Err, backup.ErrBackupNotFound)

	label, _ := env.state(t)
	assert.Equal(t, "v2", label)
	assert.Zero(t, env.health.calls)
}

func TestRollbackToVersion_UnknownVersion(t *testing.T) {
	env := newTestEnv(t)
	env.setState(t, "v1")
	env.snapshot(t, "v1")

	res := env.versions.RollbackToVersion(env.ctx, "v9", true)
	assert.False(t, res.Success)
	assert.False(t, res.Reverted)
	assert.ErrorIs(t, res.Err, ErrVersionNotFound)
	assert.Empty(t, res.SafetyVersion)

	backups, err := env.backups.ListBackups()
	require.NoError(t, err)
	assert.Len(t, backups, 1, "no safety snapshot for an unknown target")
	assert.Empty(t, env.services.calls)
}

func TestDeleteSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.setState(t, "v1")
	v1 := env.snapshot(t, "v1")
	env.snapshot(t, "v2")

	assert.ErrorIs(t, env.versions.DeleteSnapshot("v2", true), ErrCurrentVersion)
	assert.ErrorIs(t, env.versions.DeleteSnapshot("v9", true), ErrVersionNotFound)

	require.NoError(t, env.versions.DeleteSnapshot("v1", true))
	_, err := env.versions.GetSnapshot("v1")
	assert.ErrorIs(t, err, ErrVersionNotFound)
	_, err = env.backups.GetMetadata(v1.BackupID)
	assert.True(t, errors.Is(err, backup.ErrBackupNotFound))
}

func TestPruneSnapshots(t *testing.T) {
	env := newTestEnv(t)
	env.setState(t, "v1")
	for _, v := range []string{"v1", "v2", "v3", "v4"} {
		env.snapshot(t, v)
	}
	res := env.versions.RollbackToVersion(env.ctx, "v2", false)
	require.True(t, res.Success)

	pruned, err := env.versions.PruneSnapshots(2)
	require.NoError(t, err)
	// kept: current v2, plus the two newest others (safety snapshot and v4)
	assert.ElementsMatch(t, []string{"v3", "v1"}, pruned)

	versions, err := env.versions.ListVersions()
	require.NoError(t, err)
	assert.Len(t, versions, 3)
}

func TestStatePersistsAcrossManagers(t *testing.T) {
	env := newTestEnv(t)
	env.setState(t, "v1")
	env.snapshot(t, "v1")

	again, err := NewManager(env.backups, env.health, nil, Config{
		StatePath: filepath.Join(env.root, "backups", "versions.json"),
	})
	require.NoError(t, err)
	current, err := again.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, "v1", current)

	data, err := os.ReadFile(filepath.Join(env.root, "backups", "versions.json"))
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.JSONEq(t, `"v1"`, string(raw["version"]))
	assert.Contains(t, raw, "updated_at")
	assert.Contains(t, raw, "snapshots")
}

func TestNewManager_Validation(t *testing.T) {
	env := newTestEnv(t)
	_, err := NewManager(nil, env.health, nil, Config{StatePath: "x"})
	assert.Error(t, err)
	_, err = NewManager(env.backups, nil, nil, Config{StatePath: "x"})
	assert.Error(t, err)
	_, err = NewManager(env.backups, env.health, nil, Config{})
	assert.Error(t, err)
}
