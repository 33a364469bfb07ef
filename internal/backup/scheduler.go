package backup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/metrics"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/remote"
)

// DefaultSchedule runs the scheduled backup every night at 02:00.
const DefaultSchedule = "0 2 * * *"

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	// RetentionDays is the maximum backup age in days (default: 28)
	RetentionDays int

	// FullBackupDay is the weekday of the weekly full backup
	FullBackupDay time.Weekday

	// Schedule is the cron expression used by Run (default: 0 2 * * *)
	Schedule string

	// Compress archives each new backup.
	Compress bool

	// Encrypt encrypts the archive. It implies Compress.
	Encrypt       bool
	EncryptionKey string

	// Uploader receives the final artifact. Nil disables remote upload.
	Uploader remote.Uploader

	// Protected returns backup ids that retention must keep regardless of
	// age, such as the backups behind version snapshots.
	Protected func() (map[string]bool, error)

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Scheduler decides the backup kind from the calendar, runs it through the
// Manager and enforces retention. Its entry points report success as a bool
// and log the details, for unattended cron execution.
type Scheduler struct {
	manager *Manager
	cfg     SchedulerConfig
	logger  logrus.FieldLogger
	now     func() time.Time

	mu           sync.Mutex
	lastRun      time.Time
	lastSuccess  bool
	lastBackupID string
	lastUpload   string
	cronSchedule cron.Schedule
}

// NewScheduler creates a scheduler.
func NewScheduler(manager *Manager, cfg SchedulerConfig) (*Scheduler, error) {
	if manager == nil {
		return nil, fmt.Errorf("backup manager is required")
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	sched, err := parseCronSchedule(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid backup schedule %q: %w", cfg.Schedule, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		manager:      manager,
		cfg:          cfg,
		logger:       logger.WithField("component", "scheduler"),
		now:          now,
		cronSchedule: sched,
	}, nil
}

func parseCronSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(strings.TrimSpace(expr))
}

// SetRetentionDays overrides the retention window.
func (s *Scheduler) SetRetentionDays(days int) {
	if days > 0 {
		s.cfg.RetentionDays = days
	}
}

// RetentionDays returns the retention window.
func (s *Scheduler) RetentionDays() int { return s.cfg.RetentionDays }

// RunScheduledBackup runs a full backup on the full-backup weekday and an
// incremental otherwise, then cleans up expired backups if it succeeded.
func (s *Scheduler) RunScheduledBackup(ctx context.Context) bool {
	now := s.now()
	kind := KindForDate(now, s.cfg.FullBackupDay)
	s.logger.WithFields(logrus.Fields{"kind": kind, "weekday": now.Weekday().String()}).Info("running scheduled backup")

	var ok bool
	if kind == TypeFull {
		ok = s.RunFullBackup(ctx)
	} else {
		ok = s.RunIncrementalBackup(ctx)
	}
	if ok {
		s.CleanupOldBackups()
	}
	return ok
}

// ScheduleWeeklyFullBackup takes a full backup if today is the full-backup
// weekday. On other days it does nothing and returns true.
func (s *Scheduler) ScheduleWeeklyFullBackup(ctx context.Context) bool {
	today := s.now().Weekday()
	if today != s.cfg.FullBackupDay {
		s.logger.WithField("weekday", today.String()).Infof("not %s, skipping weekly full backup", s.cfg.FullBackupDay)
		return true
	}
	return s.RunFullBackup(ctx)
}

// ScheduleDailyIncrementalBackup takes an incremental backup on every day
// except the full-backup weekday, where it does nothing and returns true.
func (s *Scheduler) ScheduleDailyIncrementalBackup(ctx context.Context) bool {
	today := s.now().Weekday()
	if today == s.cfg.FullBackupDay {
		s.logger.WithField("weekday", today.String()).Info("full backup day, skipping daily incremental backup")
		return true
	}
	return s.RunIncrementalBackup(ctx)
}

// RunFullBackup creates, compresses, encrypts and uploads a full backup
// regardless of the day.
func (s *Scheduler) RunFullBackup(ctx context.Context) bool {
	meta, err := s.manager.CreateFullBackup(ctx)
	if err != nil {
		s.logger.WithError(err).Error("full backup failed")
		s.record(nil, false, "")
		return false
	}
	return s.finish(ctx, meta)
}

// RunIncrementalBackup creates an incremental backup. Without any full
// backup to build on, it takes a full backup instead.
func (s *Scheduler) RunIncrementalBackup(ctx context.Context) bool {
	meta, err := s.manager.CreateIncrementalBackup(ctx, nil)
	if errors.Is(err, ErrNoBaseBackup) {
		s.logger.Warn("no full backup found, taking a full backup instead of an incremental")
		return s.RunFullBackup(ctx)
	}
	if err != nil {
		s.logger.WithError(err).Error("incremental backup failed")
		s.record(nil, false, "")
		return false
	}
	return s.finish(ctx, meta)
}

// finish post-processes a created backup. Compression and encryption
// failures fail the run; upload failures are only logged.
func (s *Scheduler) finish(ctx context.Context, meta *BackupMetadata) bool {
	log := s.logger.WithField("backup_id", meta.BackupID)

	artifact := ""
	if s.cfg.Compress || s.cfg.Encrypt {
		path, err := s.manager.CompressBackup(meta.BackupID)
		if err != nil {
			log.WithError(err).Error("compression failed")
			s.record(meta, false, "")
			return false
		}
		artifact = path
	}

	if s.cfg.Encrypt {
		path, err := s.manager.EncryptBackupArchive(meta.BackupID, s.cfg.EncryptionKey)
		if err != nil {
			log.WithError(err).Error("encryption failed")
			s.record(meta, false, "")
			return false
		}
		artifact = path
	}

	uploaded := ""
	if s.cfg.Uploader != nil && artifact != "" {
		loc, err := s.cfg.Uploader.Upload(ctx, artifact)
		s.cfg.Metrics.ObserveUpload(err == nil)
		if err != nil {
			log.WithError(err).Warn("remote upload failed, backup kept locally")
		} else {
			uploaded = loc
			log.WithField("location", loc).Info("backup uploaded")
		}
	}

	s.record(meta, true, uploaded)
	log.Info("scheduled backup completed")
	return true
}

func (s *Scheduler) record(meta *BackupMetadata, ok bool, upload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun = s.now()
	s.lastSuccess = ok
	s.lastUpload = upload
	if meta != nil {
		s.lastBackupID = meta.BackupID
	}
}

// CleanupOldBackups deletes backups older than the retention window together
// with their archives and returns how many were deleted. Backups without
// readable metadata and protected backups are never touched.
func (s *Scheduler) CleanupOldBackups() int {
	backups, err := s.manager.ListBackups()
	if err != nil {
		s.logger.WithError(err).Error("failed to list backups for cleanup")
		return 0
	}

	protected := map[string]bool{}
	if s.cfg.Protected != nil {
		protected, err = s.cfg.Protected()
		if err != nil {
			s.logger.WithError(err).Error("failed to read protected backups, skipping cleanup")
			return 0
		}
	}

	now := s.now()
	deleted := 0
	for _, b := range expiredBackups(backups, s.cfg.RetentionDays, now) {
		log := s.logger.WithFields(logrus.Fields{
			"backup_id": b.BackupID,
			"age_days":  ageDays(b.Timestamp, now),
		})
		if protected[b.BackupID] {
			log.Info("keeping expired backup referenced by a version snapshot")
			continue
		}
		if err := s.manager.DeleteBackup(b.BackupID); err != nil {
			// Continue deleting other backups even if one fails
			log.WithError(err).Error("failed to delete expired backup")
			continue
		}
		deleted++
		log.Info("deleted expired backup")
	}

	s.cfg.Metrics.AddBackupsDeleted(deleted)
	s.logger.WithFields(logrus.Fields{"deleted": deleted, "retention_days": s.cfg.RetentionDays}).Info("backup cleanup finished")
	return deleted
}

// Status reports schedule, retention and backup inventory.
func (s *Scheduler) Status() (*ScheduleStatus, error) {
	now := s.now()
	backups, err := s.manager.ListBackups()
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	usage, err := s.manager.DiskUsage()
	if err != nil {
		return nil, fmt.Errorf("failed to calculate disk usage: %w", err)
	}

	next := s.cronSchedule.Next(now)
	status := &ScheduleStatus{
		BackupDir:      s.manager.BackupDir(),
		Schedule:       s.cfg.Schedule,
		RetentionDays:  s.cfg.RetentionDays,
		FullBackupDay:  strings.ToLower(s.cfg.FullBackupDay.String()),
		NextKind:       KindForDate(next, s.cfg.FullBackupDay),
		NextRun:        &next,
		NextFullBackup: NextFullBackupDate(now, s.cfg.FullBackupDay),
		BackupCount:    len(backups),
		DiskUsageBytes: usage,
	}
	if len(backups) > 0 {
		latest := backups[0]
		status.Latest = &latest
	}

	s.mu.Lock()
	if !s.lastRun.IsZero() {
		lastRun, ok := s.lastRun, s.lastSuccess
		status.LastRun = &lastRun
		status.LastSuccess = &ok
		status.LastBackupID = s.lastBackupID
		status.LastUpload = s.lastUpload
	}
	s.mu.Unlock()

	return status, nil
}

// Run executes RunScheduledBackup on the cron schedule until ctx is done.
// A run still in progress when ctx ends is waited for.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(s.cronSchedule, cron.FuncJob(func() {
		s.RunScheduledBackup(ctx)
	}))

	s.logger.WithFields(logrus.Fields{
		"schedule":        s.cfg.Schedule,
		"full_backup_day": s.cfg.FullBackupDay.String(),
		"retention_days":  s.cfg.RetentionDays,
	}).Info("backup scheduler started")
	c.Start()

	<-ctx.Done()
	s.logger.Info("backup scheduler stopping")
	<-c.Stop().Done()
	return nil
}
