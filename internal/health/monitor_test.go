package health

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeUsage struct {
	disk, ram float64
	err       error
}

func (f fakeUsage) DiskUsage(context.Context, string) (float64, error) { return f.disk, f.err }
func (f fakeUsage) MemoryUsage(context.Context) (float64, error)       { return f.ram, f.err }

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func ok(ctx context.Context) (Status, error) {
	return NewStatus(LevelHealthy, "ok", time.Now()), nil
}

func TestClassifyUsage_Boundaries(t *testing.T) {
	th := DefaultThresholds()
	cases := []struct {
		usage float64
		want  Level
	}{
		{0, LevelHealthy},
		{79.9, LevelHealthy},
		{80, LevelWarning},
		{85, LevelWarning},
		{89.9, LevelWarning},
		{90, LevelCritical},
		{100, LevelCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyUsage(tc.usage, th), "usage %.1f", tc.usage)
	}
}

func TestUsageChecks_DiskAndRAMIndependent(t *testing.T) {
	m := NewMonitor(MonitorConfig{
		Usage:  fakeUsage{disk: 89.9, ram: 79.9},
		Logger: quietLogger(),
	})
	h := m.RunHealthChecks(context.Background())

	disk, found := h.Check(CheckDiskUsage)
	require.True(t, found)
	assert.Equal(t, LevelWarning, disk.Level)
	require.NotNil(t, disk.Value)
	assert.InDelta(t, 89.9, *disk.Value, 0.001)

	ram, found := h.Check(CheckRAMUsage)
	require.True(t, found)
	assert.Equal(t, LevelHealthy, ram.Level)

	m = NewMonitor(MonitorConfig{Usage: fakeUsage{disk: 50, ram: 90}, Logger: quietLogger()})
	h = m.RunHealthChecks(context.Background())
	assert.Equal(t, []string{CheckRAMUsage}, h.CriticalFailures)
	assert.False(t, h.Healthy)
}

func TestRunHealthChecks_FixedOrder(t *testing.T) {
	m := NewMonitor(MonitorConfig{Usage: fakeUsage{}, Logger: quietLogger()})
	assert.Equal(t, CheckOrder, m.Names())

	h := m.RunHealthChecks(context.Background())
	require.Len(t, h.Checks, len(CheckOrder))
	for i, c := range h.Checks {
		assert.Equal(t, CheckOrder[i], c.Name)
	}
	assert.True(t, h.Healthy, "unconfigured probes report disabled, not failed")
	assert.Equal(t, LevelHealthy, h.Level())
	assert.Empty(t, h.CriticalFailures)
}

func TestRunHealthChecks_PanicAndErrorBecomeCritical(t *testing.T) {
	m := NewMonitorWithChecks(map[string]Checker{
		CheckInferenceEngine: CheckerFunc(func(context.Context) (Status, error) { panic("segfault in probe") }),
		CheckVectorStore:     CheckerFunc(func(context.Context) (Status, error) { return Status{}, errors.New("connection refused") }),
		CheckRelationalStore: CheckerFunc(ok),
	}, time.Second, quietLogger())

	h := m.RunHealthChecks(context.Background())
	assert.False(t, h.Healthy)
	assert.Equal(t, []string{CheckInferenceEngine, CheckVectorStore}, h.CriticalFailures)

	inf, _ := h.Check(CheckInferenceEngine)
	assert.Contains(t, inf.Message, "segfault in probe")
	assert.False(t, inf.Healthy)
	vs, _ := h.Check(CheckVectorStore)
	assert.Contains(t, vs.Message, "connection refused")
	rel, _ := h.Check(CheckRelationalStore)
	assert.True(t, rel.Healthy)
}

func TestRunHealthChecks_HungCheckTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	m := NewMonitorWithChecks(map[string]Checker{
		CheckVectorStore: CheckerFunc(func(context.Context) (Status, error) {
			<-release
			return Status{}, nil
		}),
		CheckRAMUsage: CheckerFunc(ok),
	}, 50*time.Millisecond, quietLogger())

	start := time.Now()
	h := m.RunHealthChecks(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)

	vs, _ := h.Check(CheckVectorStore)
	assert.Equal(t, LevelCritical, vs.Level)
	assert.Contains(t, vs.Message, "timed out")
	ram, _ := h.Check(CheckRAMUsage)
	assert.Equal(t, LevelHealthy, ram.Level)
}

func TestHTTPCheck(t *testing.T) {
	var mu sync.Mutex
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte("model loading"))
	}))
	defer srv.Close()

	m := NewMonitor(MonitorConfig{InferenceURL: srv.URL, Usage: fakeUsage{}, Logger: quietLogger()})
	h := m.RunHealthChecks(context.Background())
	inf, _ := h.Check(CheckInferenceEngine)
	assert.True(t, inf.Healthy)

	mu.Lock()
	status = http.StatusServiceUnavailable
	mu.Unlock()
	h = m.RunHealthChecks(context.Background())
	inf, _ = h.Check(CheckInferenceEngine)
	assert.Equal(t, LevelCritical, inf.Level)
	assert.Contains(t, inf.Message, "503")
	assert.Contains(t, inf.Message, "model loading")
}

func TestVectorStoreDirectoryCheck(t *testing.T) {
	dir := t.TempDir()
	m := NewMonitor(MonitorConfig{VectorStoreDir: dir, Usage: fakeUsage{}, Logger: quietLogger()})
	vs, _ := m.RunHealthChecks(context.Background()).Check(CheckVectorStore)
	assert.True(t, vs.Healthy)

	m = NewMonitor(MonitorConfig{VectorStoreDir: dir + "/missing", Usage: fakeUsage{}, Logger: quietLogger()})
	vs, _ = m.RunHealthChecks(context.Background()).Check(CheckVectorStore)
	assert.Equal(t, LevelCritical, vs.Level)
}

func TestRelationalPingCheck(t *testing.T) {
	m := NewMonitor(MonitorConfig{
		Relational: pingerFunc(func(context.Context) error { return errors.New("database is locked") }),
		Usage:      fakeUsage{},
		Logger:     quietLogger(),
	})
	rel, _ := m.RunHealthChecks(context.Background()).Check(CheckRelationalStore)
	assert.Equal(t, LevelCritical, rel.Level)
	assert.Contains(t, rel.Message, "database is locked")
}

func TestUsageSourceErrorIsCritical(t *testing.T) {
	m := NewMonitor(MonitorConfig{Usage: fakeUsage{err: errors.New("no such mount")}, Logger: quietLogger()})
	h := m.RunHealthChecks(context.Background())
	assert.Equal(t, []string{CheckDiskUsage, CheckRAMUsage}, h.CriticalFailures)
}

func TestSystemHealthJSONIncludesLevel(t *testing.T) {
	h := newSystemHealth(time.Now(), []NamedStatus{
		{Name: CheckDiskUsage, Status: NewStatus(LevelWarning, "high", time.Now())},
	})
	data, err := h.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"level":"warning"`)
	assert.Contains(t, string(data), `"warnings":["disk_usage"]`)
}

func TestSystemUsage_ReadsHost(t *testing.T) {
	var src SystemUsage
	ram, err := src.MemoryUsage(context.Background())
	require.NoError(t, err)
	assert.True(t, ram > 0 && ram <= 100)

	disk, err := src.DiskUsage(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.True(t, disk >= 0 && disk <= 100)
}
