// Package app wires the resilience components from a Config. The three
// binaries build an App and call into its components.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/backup"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/config"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/health"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/metrics"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/notify"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/remote"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/restart"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/services"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/shell"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/status"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/storage"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/storage/postgres"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/storage/sqlite"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/version"
)

// App holds the wired components.
type App struct {
	Config  *config.Config
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics

	Runner   shell.Runner
	Store    storage.RelationalStore
	Services services.Controller
	Notifier notify.Notifier
	Uploader remote.Uploader

	Backups   *backup.Manager
	Scheduler *backup.Scheduler
	Monitor   *health.Monitor
	Restarts  *restart.Service
	Versions  *version.Manager

	usage health.UsageSource
}

// Option customizes New.
type Option func(*App)

// WithRunner replaces the subprocess runner.
func WithRunner(r shell.Runner) Option { return func(a *App) { a.Runner = r } }

// WithServices replaces the service controller.
func WithServices(c services.Controller) Option { return func(a *App) { a.Services = c } }

// WithUsage replaces the disk and RAM usage source of the monitor.
func WithUsage(u health.UsageSource) Option {
	return func(a *App) { a.usage = u }
}

// New wires every component from cfg.
func New(cfg *config.Config, logger logrus.FieldLogger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}
	for _, opt := range opts {
		opt(a)
	}
	if a.Runner == nil {
		a.Runner = shell.NewExecRunner()
	}
	if a.Services == nil {
		a.Services = services.NewSystemctlController(a.Runner)
	}

	store, err := OpenStore(cfg.Database, a.Runner)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.Notifier = NewNotifier(cfg.Notify, logger)

	if cfg.Remote.S3Enabled {
		up, err := remote.NewS3Uploader(remote.S3Config{
			Endpoint:  cfg.Remote.S3Endpoint,
			Region:    cfg.Remote.S3Region,
			Bucket:    cfg.Remote.S3Bucket,
			AccessKey: cfg.Remote.S3AccessKey,
			SecretKey: cfg.Remote.S3SecretKey,
			UseSSL:    cfg.Remote.S3UseSSL,
			Prefix:    cfg.Remote.S3Prefix,
		}, remote.NewCircuitBreaker(remote.BreakerConfig{}))
		if err != nil {
			return nil, fmt.Errorf("failed to configure remote upload: %w", err)
		}
		a.Uploader = up
	}

	a.Backups, err = backup.NewManager(backup.Config{
		BackupDir:      cfg.Paths.BackupDir,
		VectorStoreDir: cfg.Paths.VectorStoreDir,
		ConfigDir:      cfg.Paths.ConfigDir,
		ModelsDir:      cfg.Paths.ModelsDir,
		Store:          store,
		Changes:        backup.ModTimeDetector{},
		EncryptionKey:  cfg.Backup.EncryptionKey,
		Logger:         logger,
		Metrics:        a.Metrics,
	})
	if err != nil {
		return nil, err
	}

	fullDay, err := config.ParseWeekday(cfg.Backup.FullBackupDay)
	if err != nil {
		return nil, err
	}
	schedCfg := backup.SchedulerConfig{
		RetentionDays: cfg.Backup.RetentionDays,
		FullBackupDay: fullDay,
		Schedule:      cfg.Backup.Schedule,
		Compress:      cfg.Backup.Compress,
		Encrypt:       cfg.Backup.EncryptionEnabled,
		EncryptionKey: cfg.Backup.EncryptionKey,
		Uploader:      a.Uploader,
		Protected: func() (map[string]bool, error) {
			if a.Versions == nil {
				return map[string]bool{}, nil
			}
			return a.Versions.ReferencedBackups()
		},
		Logger:  logger,
		Metrics: a.Metrics,
	}
	a.Scheduler, err = backup.NewScheduler(a.Backups, schedCfg)
	if err != nil {
		return nil, err
	}

	a.Monitor = health.NewMonitor(health.MonitorConfig{
		InferenceURL:   cfg.Health.InferenceURL,
		VectorStoreURL: cfg.Health.VectorStoreURL,
		VectorStoreDir: cfg.Paths.VectorStoreDir,
		Relational:     store,
		Usage:          a.usage,
		DiskPath:       cfg.Health.DiskPath,
		Disk:           health.Thresholds{Warning: cfg.Health.DiskWarning, Critical: cfg.Health.DiskCritical},
		RAM:            health.Thresholds{Warning: cfg.Health.RAMWarning, Critical: cfg.Health.RAMCritical},
		CheckTimeout:   cfg.Health.CheckTimeout,
		Logger:         logger,
	})

	a.Restarts = restart.NewService(a.Services, restart.Config{
		MaxAttempts:    cfg.Restart.MaxAttempts,
		Cooldown:       cfg.Restart.Cooldown,
		RestartTimeout: cfg.Restart.RestartTimeout,
		StatusTimeout:  cfg.Restart.StatusTimeout,
		Notifier:       a.Notifier,
		Metrics:        a.Metrics,
		Logger:         logger,
	})

	a.Versions, err = version.NewManager(a.Backups, a.Monitor, a.Services, version.Config{
		StatePath:     cfg.StatePath(),
		Services:      cfg.Version.Services,
		HealthTimeout: cfg.Version.HealthTimeout,
		Notifier:      a.Notifier,
		Metrics:       a.Metrics,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// OpenStore selects the relational store for the configured engine.
func OpenStore(cfg config.DatabaseConfig, runner shell.Runner) (storage.RelationalStore, error) {
	switch cfg.Engine {
	case "", "sqlite":
		s, err := sqlite.NewStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := postgres.NewStore(postgres.Config{
			DSN:         cfg.DSN,
			DumpCommand: cfg.DumpCommand,
			PSQLCommand: cfg.PSQLCommand,
		}, runner)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported database engine %q", cfg.Engine)
	}
}

// NewNotifier logs every alert and writes it as an event file, rate limited
// except for critical alerts.
func NewNotifier(cfg config.NotifyConfig, logger logrus.FieldLogger) notify.Notifier {
	sinks := notify.Multi{notify.NewLogNotifier(logger)}
	if cfg.EventsDir != "" {
		sinks = append(sinks, notify.NewEventWriter(notify.AlertsDir(cfg.EventsDir)))
	}
	if cfg.AlertsPerMinute <= 0 {
		return sinks
	}
	return notify.NewThrottled(sinks, cfg.AlertsPerMinute)
}

// NewHealthDaemon builds the health daemon around the monitor and restart
// service. onResult may be nil.
func (a *App) NewHealthDaemon(onResult func(*health.SystemHealth)) *health.Daemon {
	return health.NewDaemon(a.Monitor, health.DaemonConfig{
		Interval:          a.Config.Health.Interval,
		RestartOnCritical: a.Config.Health.RestartOnCritical,
		AlertAfter:        a.Config.Health.AlertAfter,
		Restarter:         a.Restarts,
		Notifier:          a.Notifier,
		Metrics:           a.Metrics,
		Logger:            a.Logger,
		OnResult:          onResult,
	})
}

// RunHealthDaemon runs the health daemon, the status server (when enabled)
// and the operator control watcher until ctx is done.
func (a *App) RunHealthDaemon(ctx context.Context) error {
	var srv *status.Server
	var daemon *health.Daemon

	publish := func(h *health.SystemHealth) {
		if srv != nil {
			srv.PublishHealth(h)
		}
	}
	daemon = a.NewHealthDaemon(publish)

	if a.Config.Status.Enabled {
		srv = status.New(status.Config{
			Addr:    a.Config.Status.Addr,
			Metrics: a.Metrics,
			Logger:  a.Logger,
		}, daemon, a.Versions, a.Scheduler)
		if _, err := srv.Start(ctx); err != nil {
			return fmt.Errorf("failed to start status server: %w", err)
		}
	}

	if a.Config.Notify.EventsDir != "" {
		dir := notify.ControlDir(a.Config.Notify.EventsDir)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create control directory: %w", err)
		}
		watcher := notify.NewEventWatcher(dir, a.Logger, daemon.HandleControl)
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("failed to watch control events: %w", err)
		}
		defer watcher.Stop()
	}

	return daemon.Run(ctx)
}

// RequestRestartReset asks a running health daemon to reset the restart
// history of service.
func (a *App) RequestRestartReset(service string) error {
	if a.Config.Notify.EventsDir == "" {
		return fmt.Errorf("no events directory configured")
	}
	w := notify.NewEventWriter(notify.ControlDir(a.Config.Notify.EventsDir))
	return w.WriteControl(notify.EventResetRestart, service)
}
