package backup

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/archive"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/metrics"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/storage"
)

// Config holds backup manager configuration.
type Config struct {
	// BackupDir is the directory where backups will be stored
	BackupDir string

	// VectorStoreDir, ConfigDir and ModelsDir are the live locations of the
	// file components. An empty path disables the component. ModelsDir is
	// skipped when it does not exist.
	VectorStoreDir string
	ConfigDir      string
	ModelsDir      string

	// Store dumps and restores the relational database.
	Store storage.RelationalStore

	// Changes decides whether an incremental backup copies the vector store.
	// Nil means incrementals never include it.
	Changes ChangeDetector

	// EncryptionKey is the default passphrase for EncryptBackup.
	EncryptionKey string

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Manager creates, restores, compresses, encrypts and verifies backups.
type Manager struct {
	cfg     Config
	logger  logrus.FieldLogger
	now     func() time.Time
	lock    *dirLock
	metrics *metrics.Metrics
}

type fileComponent struct {
	comp     Component
	live     string
	optional bool
}

// NewManager creates a manager and the backup directory.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.BackupDir == "" {
		return nil, fmt.Errorf("backup directory is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("relational store is required")
	}
	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
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
		cfg:     cfg,
		logger:  logger.WithField("component", "backup"),
		now:     now,
		lock:    newDirLock(cfg.BackupDir),
		metrics: cfg.Metrics,
	}, nil
}

// BackupDir returns the backup root.
func (m *Manager) BackupDir() string { return m.cfg.BackupDir }

// ArchivePath is where CompressBackup writes the archive of id.
func (m *Manager) ArchivePath(id string) string {
	return filepath.Join(m.cfg.BackupDir, id+ArchiveSuffix)
}

// EncryptedPath is where the encrypted archive of id lives.
func (m *Manager) EncryptedPath(id string) string {
	return filepath.Join(m.cfg.BackupDir, id+EncryptedSuffix)
}

func (m *Manager) backupPath(id string) string {
	return filepath.Join(m.cfg.BackupDir, id)
}

func (m *Manager) fileComponents() []fileComponent {
	return []fileComponent{
		{comp: ComponentVectorStore, live: m.cfg.VectorStoreDir},
		{comp: ComponentConfig, live: m.cfg.ConfigDir},
		{comp: ComponentModels, live: m.cfg.ModelsDir, optional: true},
	}
}

func newBackupID(t BackupType, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s", t, now.UTC().Format("20060102_150405"), suffix)
}

func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: invalid backup id %q", ErrBackupNotFound, id)
	}
	return nil
}

// CreateFullBackup dumps the relational store and copies the vector store,
// config and (if present) model artifacts into a new backup directory.
// Metadata is written last; on any failure the partial directory is removed.
func (m *Manager) CreateFullBackup(ctx context.Context) (*BackupMetadata, error) {
	release, err := m.lock.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	meta, err := m.createFull(ctx)
	m.observe(TypeFull, meta, err, start)
	return meta, err
}

func (m *Manager) createFull(ctx context.Context) (meta *BackupMetadata, err error) {
	now := m.now().UTC()
	id := newBackupID(TypeFull, now)
	dir := m.backupPath(id)
	log := m.logger.WithFields(logrus.Fields{"backup_id": id, "backup_type": TypeFull})

	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	defer func() {
		if err != nil {
			m.removePartial(dir, log)
		}
	}()

	log.Info("creating full backup")
	meta = &BackupMetadata{BackupID: id, BackupType: TypeFull, Timestamp: now}

	dump := m.cfg.Store.DumpFileName()
	if err = m.cfg.Store.Dump(ctx, filepath.Join(dir, dump)); err != nil {
		return nil, fmt.Errorf("relational dump failed: %w", err)
	}
	meta.RelationalDump = dump
	meta.Components = append(meta.Components, ComponentRelational)

	for _, fc := range m.fileComponents() {
		if fc.live == "" {
			continue
		}
		if !isDir(fc.live) {
			if fc.optional {
				log.WithField("path", fc.live).Debugf("%s not present, skipping", fc.comp)
				continue
			}
			return nil, fmt.Errorf("%w: %s directory %s", ErrComponentMissing, fc.comp, fc.live)
		}
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		if err = copyDir(fc.live, filepath.Join(dir, fc.comp.dirName())); err != nil {
			return nil, fmt.Errorf("failed to copy %s: %w", fc.comp, err)
		}
		meta.Components = append(meta.Components, fc.comp)
	}

	if err = m.finalize(dir, meta); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"size_mb": meta.SizeMB, "components": meta.Components}).Info("full backup created")
	return meta, nil
}

// CreateIncrementalBackup exports relational rows created after since, which
// defaults to the timestamp of the most recent backup. The newest full backup
// becomes the base. The vector store is copied only when the change detector
// reports it changed since the cutoff.
func (m *Manager) CreateIncrementalBackup(ctx context.Context, since *time.Time) (*BackupMetadata, error) {
	release, err := m.lock.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	meta, err := m.createIncremental(ctx, since)
	m.observe(TypeIncremental, meta, err, start)
	return meta, err
}

func (m *Manager) createIncremental(ctx context.Context, since *time.Time) (meta *BackupMetadata, err error) {
	backups, err := m.ListBackups()
	if err != nil {
		return nil, err
	}
	var base, latest *BackupMetadata
	for i := range backups {
		if latest == nil {
			latest = &backups[i]
		}
		if base == nil && backups[i].BackupType == TypeFull {
			base = &backups[i]
		}
	}
	if base == nil {
		return nil, ErrNoBaseBackup
	}

	cutoff := latest.Timestamp
	if since != nil {
		cutoff = since.UTC()
	}

	now := m.now().UTC()
	id := newBackupID(TypeIncremental, now)
	dir := m.backupPath(id)
	log := m.logger.WithFields(logrus.Fields{
		"backup_id":   id,
		"backup_type": TypeIncremental,
		"base_backup": base.BackupID,
		"since":       cutoff.Format(time.RFC3339),
	})

	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	defer func() {
		if err != nil {
			m.removePartial(dir, log)
		}
	}()

	log.Info("creating incremental backup")
	baseID := base.BackupID
	meta = &BackupMetadata{
		BackupID:   id,
		BackupType: TypeIncremental,
		Timestamp:  now,
		BaseBackup: &baseID,
		Since:      &cutoff,
	}

	if err = m.cfg.Store.DumpSince(ctx, filepath.Join(dir, storage.IncrementalDumpName), cutoff); err != nil {
		return nil, fmt.Errorf("incremental relational dump failed: %w", err)
	}
	meta.RelationalDump = storage.IncrementalDumpName
	meta.Components = append(meta.Components, ComponentRelational)

	if m.cfg.Changes != nil && m.cfg.VectorStoreDir != "" {
		changed, cerr := m.cfg.Changes.ChangedSince(m.cfg.VectorStoreDir, cutoff)
		if cerr != nil {
			log.WithError(cerr).Warn("could not determine vector store changes, including it")
			changed = true
		}
		if changed && isDir(m.cfg.VectorStoreDir) {
			if err = copyDir(m.cfg.VectorStoreDir, filepath.Join(dir, ComponentVectorStore.dirName())); err != nil {
				return nil, fmt.Errorf("failed to copy %s: %w", ComponentVectorStore, err)
			}
			meta.Components = append(meta.Components, ComponentVectorStore)
		}
	}

	if err = m.finalize(dir, meta); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"size_mb": meta.SizeMB, "components": meta.Components}).Info("incremental backup created")
	return meta, nil
}

// finalize computes size and checksum and publishes the metadata.
func (m *Manager) finalize(dir string, meta *BackupMetadata) error {
	size, err := dirSize(dir)
	if err != nil {
		return fmt.Errorf("failed to compute backup size: %w", err)
	}
	meta.SizeMB = math.Round(float64(size)/(1024*1024)*100) / 100

	sum, err := checksumDir(dir)
	if err != nil {
		return fmt.Errorf("failed to compute checksum: %w", err)
	}
	meta.Checksum = sum
	return writeMetadata(dir, meta)
}

func (m *Manager) removePartial(dir string, log logrus.FieldLogger) {
	if err := os.RemoveAll(dir); err != nil {
		log.WithError(err).Error("failed to remove partial backup")
		return
	}
	log.Warn("removed partial backup")
}

func (m *Manager) observe(t BackupType, meta *BackupMetadata, err error, start time.Time) {
	size := 0.0
	if meta != nil {
		size = meta.SizeMB
	}
	m.metrics.ObserveBackup(string(t), err == nil, time.Since(start).Seconds(), size)
}

// CompressBackup archives the backup directory to <backup_dir>/<id>.tar.gz
// and records the archive in the metadata. The directory is kept.
func (m *Manager) CompressBackup(id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	release, err := m.lock.acquire()
	if err != nil {
		return "", err
	}
	defer release()

	dir := m.backupPath(id)
	meta, err := readMetadata(dir)
	if err != nil {
		return "", fmt.Errorf("backup %s: %w", id, err)
	}

	dest := m.ArchivePath(id)
	if err := archive.CompressDir(dir, dest); err != nil {
		return "", fmt.Errorf("failed to compress backup %s: %w", id, err)
	}

	meta.Compressed = true
	meta.ArchivePath = dest
	if err := writeMetadata(dir, meta); err != nil {
		_ = os.Remove(dest)
		return "", err
	}

	m.logger.WithFields(logrus.Fields{"backup_id": id, "archive": dest}).Info("backup compressed")
	return dest, nil
}

// EncryptBackup encrypts path into path.enc. An empty key falls back to the
// configured encryption key. Partial output is removed on failure.
func (m *Manager) EncryptBackup(path, key string) (string, error) {
	if key == "" {
		key = m.cfg.EncryptionKey
	}
	dst := path + ".enc"
	if err := archive.EncryptFile(path, dst, key); err != nil {
		return "", fmt.Errorf("failed to encrypt %s: %w", filepath.Base(path), err)
	}
	return dst, nil
}

// EncryptBackupArchive encrypts the archive of a compressed backup and
// records the encrypted artifact in the metadata.
func (m *Manager) EncryptBackupArchive(id, key string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	release, err := m.lock.acquire()
	if err != nil {
		return "", err
	}
	defer release()

	dir := m.backupPath(id)
	meta, err := readMetadata(dir)
	if err != nil {
		return "", fmt.Errorf("backup %s: %w", id, err)
	}
	if !meta.Compressed || !exists(meta.ArchivePath) {
		return "", fmt.Errorf("backup %s has no archive to encrypt", id)
	}

	dst, err := m.EncryptBackup(meta.ArchivePath, key)
	if err != nil {
		return "", err
	}
	meta.Encrypted = true
	meta.EncryptedPath = dst
	if err := writeMetadata(dir, meta); err != nil {
		_ = os.Remove(dst)
		return "", err
	}

	m.logger.WithFields(logrus.Fields{"backup_id": id, "encrypted": dst}).Info("backup encrypted")
	return dst, nil
}

// VerifyBackupIntegrity reports whether the backup directory has metadata,
// every declared component and a matching checksum. It never fails loudly.
func (m *Manager) VerifyBackupIntegrity(id string) bool {
	if err := m.Verify(id); err != nil {
		m.logger.WithField("backup_id", id).WithError(err).Warn("backup integrity check failed")
		return false
	}
	return true
}

// Verify is VerifyBackupIntegrity with the reason for a failure.
func (m *Manager) Verify(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	dir := m.backupPath(id)
	meta, err := readMetadata(dir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIntegrity, err)
	}
	return verifyDir(dir, meta)
}

func verifyDir(dir string, meta *BackupMetadata) error {
	if err := checkComponents(dir, meta); err != nil {
		return fmt.Errorf("%w: %w", ErrIntegrity, err)
	}
	if meta.Checksum == "" {
		return nil
	}
	sum, err := checksumDir(dir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIntegrity, err)
	}
	if sum != meta.Checksum {
		return fmt.Errorf("%w: checksum mismatch", ErrIntegrity)
	}
	return nil
}

func checkComponents(dir string, meta *BackupMetadata) error {
	for _, c := range meta.Components {
		if c == ComponentRelational {
			if relationalDumpPath(dir, meta) == "" {
				return fmt.Errorf("%w: %s", ErrComponentMissing, c)
			}
			continue
		}
		if !isDir(filepath.Join(dir, c.dirName())) {
			return fmt.Errorf("%w: %s", ErrComponentMissing, c)
		}
	}
	return nil
}

// relationalDumpPath returns the dump file inside dir, or "" if absent.
func relationalDumpPath(dir string, meta *BackupMetadata) string {
	if meta.RelationalDump != "" {
		p := filepath.Join(dir, meta.RelationalDump)
		if exists(p) {
			return p
		}
		return ""
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "relational_dump*"))
	if len(matches) == 0 {
		return ""
	}
	return matches[0]
}

// ListBackups returns complete backups, newest first. Directories without
// readable metadata are skipped.
func (m *Manager) ListBackups() ([]BackupMetadata, error) {
	return listBackups(m.cfg.BackupDir, m.logger)
}

// GetMetadata loads the metadata of one backup.
func (m *Manager) GetMetadata(id string) (*BackupMetadata, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	meta, err := readMetadata(m.backupPath(id))
	if err != nil {
		return nil, fmt.Errorf("backup %s: %w", id, err)
	}
	return meta, nil
}

// LatestBackup returns the newest complete backup of any type.
func (m *Manager) LatestBackup() (*BackupMetadata, error) {
	return m.latest(func(*BackupMetadata) bool { return true })
}

// LatestFullBackup returns the newest complete full backup.
func (m *Manager) LatestFullBackup() (*BackupMetadata, error) {
	return m.latest(func(b *BackupMetadata) bool { return b.BackupType == TypeFull })
}

func (m *Manager) latest(match func(*BackupMetadata) bool) (*BackupMetadata, error) {
	backups, err := m.ListBackups()
	if err != nil {
		return nil, err
	}
	for i := range backups {
		if match(&backups[i]) {
			return &backups[i], nil
		}
	}
	return nil, ErrBackupNotFound
}

// DeleteBackup removes the backup directory and its sibling artifacts.
func (m *Manager) DeleteBackup(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	release, err := m.lock.acquire()
	if err != nil {
		return err
	}
	defer release()
	return m.deleteBackup(id)
}

func (m *Manager) deleteBackup(id string) error {
	found := false
	var errs []error
	for _, p := range []string{m.backupPath(id), m.ArchivePath(id), m.EncryptedPath(id)} {
		if !exists(p) {
			continue
		}
		found = true
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, err)
		}
	}
	if !found {
		return fmt.Errorf("backup %s: %w", id, ErrBackupNotFound)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to delete backup %s: %w", id, err)
	}
	m.logger.WithField("backup_id", id).Info("backup deleted")
	return nil
}

// DiskUsage returns the bytes used under the backup directory.
func (m *Manager) DiskUsage() (int64, error) {
	return calculateDiskUsage(m.cfg.BackupDir)
}
