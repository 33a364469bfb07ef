package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultRetentionDays is used when no retention is configured.
const DefaultRetentionDays = 28

// listBackups lists complete backups in the backup directory, newest first.
// Hidden entries (lock file, extraction directories) and directories without
// readable metadata are skipped.
func listBackups(backupDir string, logger logrus.FieldLogger) ([]BackupMetadata, error) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var backups []BackupMetadata
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		meta, err := readMetadata(filepath.Join(backupDir, entry.Name()))
		if err != nil {
			if logger != nil {
				logger.WithField("backup_id", entry.Name()).WithError(err).Debug("skipping backup without readable metadata")
			}
			continue
		}
		if meta.BackupID == "" {
			meta.BackupID = entry.Name()
		}
		backups = append(backups, *meta)
	}

	// Sort by timestamp, newest first
	sort.SliceStable(backups, func(i, j int) bool {
		if backups[i].Timestamp.Equal(backups[j].Timestamp) {
			return backups[i].BackupID > backups[j].BackupID
		}
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})

	return backups, nil
}

// ageDays is the number of whole days between ts and now.
func ageDays(ts, now time.Time) int {
	age := now.Sub(ts)
	if age < 0 {
		return 0
	}
	return int(age / (24 * time.Hour))
}

// expiredBackups returns the backups whose age in whole days exceeds
// retentionDays. A backup exactly retentionDays old is kept.
func expiredBackups(backups []BackupMetadata, retentionDays int, now time.Time) []BackupMetadata {
	var expired []BackupMetadata
	for _, b := range backups {
		if ageDays(b.Timestamp, now) > retentionDays {
			expired = append(expired, b)
		}
	}
	return expired
}

// calculateDiskUsage calculates total bytes used under the backup directory,
// including compressed and encrypted artifacts.
func calculateDiskUsage(backupDir string) (int64, error) {
	if _, err := os.Stat(backupDir); err != nil {
		return 0, fmt.Errorf("failed to read backup directory: %w", err)
	}
	return dirSize(backupDir)
}
