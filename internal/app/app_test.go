package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/config"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/notify"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/storage/postgres"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/storage/sqlite"
)

// systemctlRunner reports every unit active and records the commands.
type systemctlRunner struct {
	mu    sync.Mutex
	calls []string
}

func (r *systemctlRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name+" "+strings.Join(args, " "))
	return nil, nil
}

type fixedUsage struct{}

func (fixedUsage) DiskUsage(context.Context, string) (float64, error) { return 42, nil }
func (fixedUsage) MemoryUsage(context.Context) (float64, error)       { return 55, nil }

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Defaults()
	cfg.Paths.BackupDir = filepath.Join(root, "backups")
	cfg.Paths.VectorStoreDir = filepath.Join(root, "vector_db")
	cfg.Paths.ConfigDir = filepath.Join(root, "config")
	cfg.Paths.ModelsDir = filepath.Join(root, "models")
	cfg.Database.SQLitePath = filepath.Join(root, "tutor.db")
	cfg.Notify.EventsDir = filepath.Join(root, "events")
	cfg.Health.InferenceURL = ""
	cfg.Status.Addr = "127.0.0.1:0"

	require.NoError(t, os.MkdirAll(cfg.Paths.VectorStoreDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.Paths.ConfigDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Paths.VectorStoreDir, "index.bin"), []byte("vectors"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Paths.ConfigDir, "app.yaml"), []byte("x: 1\n"), 0o644))

	db, err := sql.Open("sqlite", cfg.Database.SQLitePath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE lessons (id INTEGER PRIMARY KEY, title TEXT)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	return cfg
}

func TestOpenStore(t *testing.T) {
	s, err := OpenStore(config.DatabaseConfig{Engine: "sqlite", SQLitePath: "/tmp/x.db"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &sqlite.Store{}, s)

	s, err = OpenStore(config.DatabaseConfig{Engine: "postgres", DSN: "postgres://localhost/tutor"}, &systemctlRunner{})
	require.NoError(t, err)
	assert.IsType(t, &postgres.Store{}, s)

	_, err = OpenStore(config.DatabaseConfig{Engine: "mysql"}, nil)
	assert.Error(t, err)
}

func TestNew_WiresBackupAndHealth(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg, quietLogger(), WithRunner(&systemctlRunner{}), WithUsage(fixedUsage{}))
	require.NoError(t, err)
	assert.Nil(t, a.Uploader)

	ctx := context.Background()
	require.True(t, a.Scheduler.RunFullBackup(ctx))
	latest, err := a.Backups.LatestBackup()
	require.NoError(t, err)
	assert.True(t, latest.Compressed)
	assert.True(t, a.Backups.VerifyBackupIntegrity(latest.BackupID))

	h := a.Monitor.RunHealthChecks(ctx)
	assert.True(t, h.Healthy, "%+v", h.Checks)

	snap, err := a.Versions.CreateVersionSnapshot(ctx, "v1", "")
	require.NoError(t, err)
	assert.FileExists(t, cfg.StatePath())
	assert.NotEqual(t, latest.BackupID, snap.BackupID)
}

func TestNew_S3RequiresBucket(t *testing.T) {
	cfg := testConfig(t)
	cfg.Remote.S3Enabled = true
	_, err := New(cfg, quietLogger(), WithRunner(&systemctlRunner{}))
	assert.Error(t, err)
}

func TestNewNotifierWritesAlertEvents(t *testing.T) {
	dir := t.TempDir()
	n := NewNotifier(config.NotifyConfig{EventsDir: dir, AlertsPerMinute: 6}, quietLogger())

	require.NoError(t, n.Notify(context.Background(), notify.NewAlert(notify.SeverityCritical, "restart", "escalated", "tutor-inference")))
	entries, err := os.ReadDir(notify.AlertsDir(dir))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestRunHealthDaemon_ServesStatusAndResetsRestarts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Status.Addr = freePort(t)
	runner := &systemctlRunner{}
	a, err := New(cfg, quietLogger(), WithRunner(runner), WithUsage(fixedUsage{}))
	require.NoError(t, err)

	// an escalated service, reset through a control event
	a.Restarts.EscalateFailure(context.Background(), "tutor-inference")
	require.True(t, a.Restarts.History("tutor-inference").Escalated)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunHealthDaemon(ctx) }()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("health daemon did not stop")
		}
	}()

	var body map[string]interface{}
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Status.Addr + "/api/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		return json.NewDecoder(resp.Body).Decode(&body) == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, true, body["healthy"])

	require.NoError(t, a.RequestRestartReset("tutor-inference"))
	require.Eventually(t, func() bool {
		return !a.Restarts.History("tutor-inference").Escalated
	}, 5*time.Second, 20*time.Millisecond)
}
