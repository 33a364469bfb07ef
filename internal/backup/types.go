// Package backup creates, verifies, restores and expires full and
// incremental backups of a tutoring deployment: the relational store, the
// vector-store directory, the application config and optional model
// artifacts.
package backup

import (
	"errors"
	"time"
)

// BackupType distinguishes full from incremental backups.
type BackupType string

const (
	TypeFull        BackupType = "full"
	TypeIncremental BackupType = "incremental"
)

// Component is one tracked part of the system.
type Component string

const (
	ComponentRelational  Component = "relational"
	ComponentVectorStore Component = "vector_store"
	ComponentConfig      Component = "config"
	ComponentModels      Component = "models"
)

// dirName is the directory a file component is copied into inside a backup.
func (c Component) dirName() string { return string(c) }

// MetadataFile marks a complete backup. It is written last.
const MetadataFile = "metadata.json"

// Artifact suffixes next to a backup directory.
const (
	ArchiveSuffix   = ".tar.gz"
	EncryptedSuffix = ".tar.gz.enc"
)

// BackupMetadata describes one backup. Its presence in a backup directory
// signals that the backup completed.
type BackupMetadata struct {
	BackupID   string      `json:"backup_id"`
	BackupType BackupType  `json:"backup_type"`
	Timestamp  time.Time   `json:"timestamp"`
	SizeMB     float64     `json:"size_mb"`
	Components []Component `json:"components"`

	// BaseBackup is the full backup an incremental builds on.
	BaseBackup *string `json:"base_backup"`

	Compressed bool   `json:"compressed"`
	Encrypted  bool   `json:"encrypted"`
	Checksum   string `json:"checksum"`

	ArchivePath    string     `json:"archive_path,omitempty"`
	EncryptedPath  string     `json:"encrypted_path,omitempty"`
	RelationalDump string     `json:"relational_dump,omitempty"`
	Since          *time.Time `json:"since,omitempty"`
}

// Has reports whether the backup declares component c.
func (m *BackupMetadata) Has(c Component) bool {
	for _, comp := range m.Components {
		if comp == c {
			return true
		}
	}
	return false
}

// Base returns the base backup id, or "" for a full backup.
func (m *BackupMetadata) Base() string {
	if m.BaseBackup == nil {
		return ""
	}
	return *m.BaseBackup
}

// ScheduleStatus is the read-only view of the scheduler for status reporting.
type ScheduleStatus struct {
	BackupDir      string          `json:"backup_dir"`
	Schedule       string          `json:"schedule"`
	RetentionDays  int             `json:"retention_days"`
	FullBackupDay  string          `json:"full_backup_day"`
	NextKind       BackupType      `json:"next_kind"`
	NextRun        *time.Time      `json:"next_run,omitempty"`
	NextFullBackup time.Time       `json:"next_full_backup"`
	LastRun        *time.Time      `json:"last_run,omitempty"`
	LastSuccess    *bool           `json:"last_success,omitempty"`
	LastBackupID   string          `json:"last_backup_id,omitempty"`
	LastUpload     string          `json:"last_upload,omitempty"`
	BackupCount    int             `json:"backup_count"`
	DiskUsageBytes int64           `json:"disk_usage_bytes"`
	Latest         *BackupMetadata `json:"latest,omitempty"`
}

// Errors callers can inspect with errors.Is.
var (
	ErrBackupNotFound   = errors.New("backup not found")
	ErrIntegrity        = errors.New("backup integrity check failed")
	ErrNoBaseBackup     = errors.New("no full backup to base an incremental on")
	ErrLocked           = errors.New("another backup operation holds the backup directory lock")
	ErrComponentMissing = errors.New("backup component missing")
)
