// Package version labels full backups as system versions and rolls the
// system back to them. A rollback first snapshots the current state; if the
// rolled-back system fails its health check, that safety snapshot is
// restored so a failed rollback leaves the system as it was.
package version

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/backup"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/health"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/metrics"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/notify"
)

// Defaults.
const (
	DefaultHealthTimeout  = 2 * time.Minute
	DefaultHealthInterval = 5 * time.Second
)

var (
	// ErrVersionNotFound is returned for an unknown version label.
	ErrVersionNotFound = errors.New("version not found")

	// ErrVersionExists is returned when a label is already taken.
	ErrVersionExists = errors.New("version already exists")

	// ErrCurrentVersion is returned when deleting the current version.
	ErrCurrentVersion = errors.New("cannot delete the current version")
)

// Backups is the part of the backup manager versions are built on.
type Backups interface {
	CreateFullBackup(ctx context.Context) (*backup.BackupMetadata, error)
	RestoreBackup(ctx context.Context, id string, verify bool) error
	DeleteBackup(id string) error
}

// HealthChecker validates the system after a rollback.
type HealthChecker interface {
	RunHealthChecks(ctx context.Context) *health.SystemHealth
}

// ServiceControl stops and starts the services around a restore.
type ServiceControl interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
}

// Config holds version manager configuration.
type Config struct {
	// StatePath is the JSON version registry.
	StatePath string

	// Services are stopped before a restore and started after it, in order.
	Services []string

	// HealthTimeout bounds post-rollback validation (default: 2m). Health is
	// polled every HealthInterval until healthy or the timeout expires.
	HealthTimeout  time.Duration
	HealthInterval time.Duration

	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Logger   logrus.FieldLogger
	Now      func() time.Time
}

// RollbackResult describes a rollback. Success is true only when the target
// version is live and healthy. Reverted is true when the safety snapshot was
// restored after a failure.
type RollbackResult struct {
	Version       string               `json:"version"`
	Success       bool                 `json:"success"`
	Reverted      bool                 `json:"reverted"`
	SafetyVersion string               `json:"safety_version,omitempty"`
	Health        *health.SystemHealth `json:"health,omitempty"`
	Err           error                `json:"-"`
}

// Manager creates version snapshots and performs rollbacks.
type Manager struct {
	backups  Backups
	health   HealthChecker
	services ServiceControl
	state    *stateFile
	cfg      Config
	logger   logrus.FieldLogger
	now      func() time.Time

	// mu serializes rollbacks and snapshots in this process.
	mu sync.Mutex
}

// NewManager creates a version manager. services may be nil when there is
// nothing to stop around a restore.
func NewManager(backups Backups, checker HealthChecker, services ServiceControl, cfg Config) (*Manager, error) {
	if backups == nil {
		return nil, fmt.Errorf("backup manager is required")
	}
	if checker == nil {
		return nil, fmt.Errorf("health checker is required")
	}
	if strings.TrimSpace(cfg.StatePath) == "" {
		return nil, fmt.Errorf("version state path is required")
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		backups:  backups,
		health:   checker,
		services: services,
		state:    &stateFile{path: cfg.StatePath},
		cfg:      cfg,
		logger:   logger.WithField("component", "version"),
		now:      now,
	}, nil
}

// CreateVersionSnapshot takes a full backup and records it under version,
// which becomes the current version. An empty version is generated from the
// time.
func (m *Manager) CreateVersionSnapshot(ctx context.Context, version, description string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(ctx, version, description, nil, true)
}

func (m *Manager) snapshot(ctx context.Context, version, description string, meta map[string]string, makeCurrent bool) (*Snapshot, error) {
	now := m.now()
	version = strings.TrimSpace(version)
	if version == "" {
		version = "v" + now.UTC().Format("20060102-150405")
	}

	st, err := m.state.load()
	if err != nil {
		return nil, err
	}
	if _, taken := st.find(version); taken {
		return nil, fmt.Errorf("%s: %w", version, ErrVersionExists)
	}

	b, err := m.backups.CreateFullBackup(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to back up version %s: %w", version, err)
	}

	snap := Snapshot{
		Version:     version,
		Timestamp:   now,
		BackupID:    b.BackupID,
		Description: description,
		Metadata:    meta,
	}
	err = m.state.update(func(st *State) error {
		if _, taken := st.find(version); taken {
			return fmt.Errorf("%s: %w", version, ErrVersionExists)
		}
		st.Snapshots = append(st.Snapshots, snap)
		if makeCurrent {
			st.CurrentVersion = version
		}
		st.UpdatedAt = now
		return nil
	})
	if err != nil {
		if derr := m.backups.DeleteBackup(b.BackupID); derr != nil {
			m.logger.WithError(derr).WithField("backup_id", b.BackupID).Warn("failed to remove unrecorded snapshot backup")
		}
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{"version": version, "backup_id": b.BackupID}).Info("version snapshot created")
	return &snap, nil
}

// RollbackToVersion restores the system to version:
//
//  1. snapshot the current state as a safety version
//  2. stop the services
//  3. restore the version's backup
//  4. record it as the current version
//  5. start the services
//  6. validate health
//
// If restoring or validation fails, the safety version is restored, the
// previous current version is recorded again and the result reports
// Reverted. A rollback that cannot take its safety snapshot does nothing.
func (m *Manager) RollbackToVersion(ctx context.Context, version string, verify bool) RollbackResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := RollbackResult{Version: version}
	log := m.logger.WithField("version", version)

	st, err := m.state.load()
	if err != nil {
		return m.finish(res, err, "failed", log)
	}
	i, found := st.find(version)
	if !found {
		return m.finish(res, fmt.Errorf("%s: %w", version, ErrVersionNotFound), "failed", log)
	}
	target := st.Snapshots[i]
	previous := st.CurrentVersion

	safetyName := fmt.Sprintf("pre-rollback-%s-%s-%s", version, m.now().UTC().Format("20060102-150405"), uuid.NewString()[:6])
	safety, err := m.snapshot(ctx, safetyName, "automatic snapshot before rollback to "+version, map[string]string{
		metaKind:           kindSafety,
		metaRollbackTarget: version,
		metaPrevious:       previous,
	}, false)
	if err != nil {
		return m.finish(res, fmt.Errorf("safety snapshot failed, rollback aborted: %w", err), "failed", log)
	}
	res.SafetyVersion = safety.Version
	log = log.WithField("safety_version", safety.Version)
	log.Info("rolling back")

	m.stopServices(ctx, log)
	if err := m.backups.RestoreBackup(ctx, target.BackupID, verify); err != nil {
		return m.revert(ctx, res, safety, previous, fmt.Errorf("restore of %s failed: %w", target.BackupID, err), log)
	}
	if err := m.setCurrent(version); err != nil {
		return m.revert(ctx, res, safety, previous, err, log)
	}
	m.startServices(ctx, log)

	h := m.waitHealthy(ctx)
	res.Health = h
	if !h.Healthy {
		m.stopServices(ctx, log)
		return m.revert(ctx, res, safety, previous,
			fmt.Errorf("system unhealthy after rollback: critical=%v warnings=%v", h.CriticalFailures, h.Warnings), log)
	}

	res.Success = true
	return m.finish(res, nil, "success", log)
}

// revert restores the safety snapshot. Services are expected to be stopped.
func (m *Manager) revert(ctx context.Context, res RollbackResult, safety *Snapshot, previous string, cause error, log logrus.FieldLogger) RollbackResult {
	log.WithError(cause).Error("rollback failed, restoring safety snapshot")

	if err := m.backups.RestoreBackup(ctx, safety.BackupID, false); err != nil {
		m.startServices(ctx, log)
		res.Err = fmt.Errorf("%v; revert to %s also failed: %w", cause, safety.Version, err)
		m.alert(ctx, notify.SeverityCritical, res, log)
		return m.finish(res, res.Err, "revert_failed", log)
	}
	if err := m.setCurrent(previous); err != nil {
		log.WithError(err).Error("failed to record previous version after revert")
	}
	m.startServices(ctx, log)

	res.Reverted = true
	res.Err = cause
	m.alert(ctx, notify.SeverityWarning, res, log)
	return m.finish(res, cause, "reverted", log)
}

func (m *Manager) finish(res RollbackResult, err error, outcome string, log logrus.FieldLogger) RollbackResult {
	res.Err = err
	m.cfg.Metrics.ObserveRollback(outcome)
	if err != nil {
		log.WithError(err).WithField("outcome", outcome).Error("rollback did not complete")
	} else {
		log.Info("rollback completed")
	}
	return res
}

func (m *Manager) alert(ctx context.Context, sev notify.Severity, res RollbackResult, log logrus.FieldLogger) {
	title := "rollback to " + res.Version + " reverted"
	if !res.Reverted {
		title = "rollback to " + res.Version + " failed and could not be reverted"
	}
	a := notify.NewAlert(sev, "version", title, res.Err.Error())
	a.Fields = map[string]string{"version": res.Version, "safety_version": res.SafetyVersion}
	if err := m.cfg.Notifier.Notify(ctx, a); err != nil {
		log.WithError(err).Warn("failed to send rollback alert")
	}
}

// waitHealthy polls health until it passes or HealthTimeout expires and
// returns the last result.
func (m *Manager) waitHealthy(ctx context.Context) *health.SystemHealth {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.HealthTimeout)
	defer cancel()

	for {
		h := m.health.RunHealthChecks(ctx)
		if h.Healthy {
			return h
		}
		select {
		case <-ctx.Done():
			return h
		case <-time.After(m.cfg.HealthInterval):
		}
	}
}

func (m *Manager) stopServices(ctx context.Context, log logrus.FieldLogger) {
	if m.services == nil {
		return
	}
	for i := len(m.cfg.Services) - 1; i >= 0; i-- {
		name := m.cfg.Services[i]
		if err := m.services.Stop(ctx, name); err != nil {
			log.WithError(err).WithField("service", name).Warn("failed to stop service")
		}
	}
}

func (m *Manager) startServices(ctx context.Context, log logrus.FieldLogger) {
	if m.services == nil {
		return
	}
	for _, name := range m.cfg.Services {
		if err := m.services.Start(ctx, name); err != nil {
			log.WithError(err).WithField("service", name).Warn("failed to start service")
		}
	}
}

func (m *Manager) setCurrent(version string) error {
	return m.state.update(func(st *State) error {
		st.CurrentVersion = version
		st.UpdatedAt = m.now()
		return nil
	})
}

// ListVersions returns all snapshots, newest first.
func (m *Manager) ListVersions() ([]Snapshot, error) {
	st, err := m.state.load()
	if err != nil {
		return nil, err
	}
	out := append([]Snapshot(nil), st.Snapshots...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// ReferencedBackups returns the ids of every backup a snapshot points to.
func (m *Manager) ReferencedBackups() (map[string]bool, error) {
	st, err := m.state.load()
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(st.Snapshots))
	for _, s := range st.Snapshots {
		ids[s.BackupID] = true
	}
	return ids, nil
}

// GetSnapshot looks up one version.
func (m *Manager) GetSnapshot(version string) (*Snapshot, error) {
	st, err := m.state.load()
	if err != nil {
		return nil, err
	}
	i, found := st.find(version)
	if !found {
		return nil, fmt.Errorf("%s: %w", version, ErrVersionNotFound)
	}
	snap := st.Snapshots[i]
	return &snap, nil
}

// CurrentVersion returns the recorded current version, empty if none.
func (m *Manager) CurrentVersion() (string, error) {
	st, err := m.state.load()
	if err != nil {
		return "", err
	}
	return st.CurrentVersion, nil
}

// DeleteSnapshot removes version from the registry and, with deleteBackup,
// its backup too. The current version cannot be deleted.
func (m *Manager) DeleteSnapshot(version string, deleteBackup bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed Snapshot
	err := m.state.update(func(st *State) error {
		i, found := st.find(version)
		if !found {
			return fmt.Errorf("%s: %w", version, ErrVersionNotFound)
		}
		if st.CurrentVersion == version {
			return fmt.Errorf("%s: %w", version, ErrCurrentVersion)
		}
		removed = st.Snapshots[i]
		st.Snapshots = append(st.Snapshots[:i], st.Snapshots[i+1:]...)
		st.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		return err
	}

	log := m.logger.WithFields(logrus.Fields{"version": version, "backup_id": removed.BackupID})
	if deleteBackup {
		if err := m.backups.DeleteBackup(removed.BackupID); err != nil && !errors.Is(err, backup.ErrBackupNotFound) {
			return fmt.Errorf("version %s removed but its backup was not: %w", version, err)
		}
	}
	log.Info("version snapshot deleted")
	return nil
}

// PruneSnapshots keeps the keep newest snapshots plus the current version
// and deletes the rest along with their backups. It returns the deleted
// versions.
func (m *Manager) PruneSnapshots(keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}
	snaps, err := m.ListVersions()
	if err != nil {
		return nil, err
	}
	current, err := m.CurrentVersion()
	if err != nil {
		return nil, err
	}

	var pruned []string
	kept := 0
	for _, s := range snaps {
		if s.Version == current {
			continue
		}
		if kept < keep {
			kept++
			continue
		}
		if err := m.DeleteSnapshot(s.Version, true); err != nil {
			return pruned, err
		}
		pruned = append(pruned, s.Version)
	}
	return pruned, nil
}
