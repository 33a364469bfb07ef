// Package config provides configuration management for the resilience core.
// It loads settings from environment variables with the TUTOR_ prefix,
// optionally layered over a YAML file, and provides sensible defaults for
// all configuration options.
//
// A handful of variables keep their deployment-wide names without the prefix:
// BACKUP_ENCRYPTION_ENABLED, BACKUP_ENCRYPTION_KEY, BACKUP_S3_ENABLED and
// BACKUP_S3_BUCKET.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings.
type Config struct {
	Paths    PathsConfig    `yaml:"paths"`
	Database DatabaseConfig `yaml:"database"`
	Backup   BackupConfig   `yaml:"backup"`
	Remote   RemoteConfig   `yaml:"remote"`
	Health   HealthConfig   `yaml:"health"`
	Restart  RestartConfig  `yaml:"restart"`
	Version  VersionConfig  `yaml:"version"`
	Status   StatusConfig   `yaml:"status"`
	Notify   NotifyConfig   `yaml:"notify"`
	Log      LogConfig      `yaml:"log"`
}

// PathsConfig locates the live data the backups capture.
type PathsConfig struct {
	BackupDir      string `yaml:"backup_dir"`       // Backup root (default: ./backups)
	VectorStoreDir string `yaml:"vector_store_dir"` // Vector store directory (default: ./data/vector_db)
	ConfigDir      string `yaml:"config_dir"`       // Application config directory (default: ./config)
	ModelsDir      string `yaml:"models_dir"`       // Model artifacts, optional (default: ./models)
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Engine      string `yaml:"engine"`       // sqlite or postgres (default: sqlite)
	SQLitePath  string `yaml:"sqlite_path"`  // SQLite file (default: ./data/tutor.db)
	DSN         string `yaml:"dsn"`          // PostgreSQL connection string
	DumpCommand string `yaml:"dump_command"` // default: pg_dump
	PSQLCommand string `yaml:"psql_command"` // default: psql
}

// BackupConfig contains backup scheduling, retention and encryption.
type BackupConfig struct {
	RetentionDays     int    `yaml:"retention_days"`     // default: 28
	FullBackupDay     string `yaml:"full_backup_day"`    // weekday name (default: sunday)
	Schedule          string `yaml:"schedule"`           // cron expression for daemon mode (default: 0 2 * * *)
	Compress          bool   `yaml:"compress"`           // default: true
	EncryptionEnabled bool   `yaml:"encryption_enabled"` // BACKUP_ENCRYPTION_ENABLED
	EncryptionKey     string `yaml:"encryption_key"`     // BACKUP_ENCRYPTION_KEY
}

// RemoteConfig configures the optional S3-compatible uploader.
type RemoteConfig struct {
	S3Enabled   bool   `yaml:"s3_enabled"` // BACKUP_S3_ENABLED
	S3Bucket    string `yaml:"s3_bucket"`  // BACKUP_S3_BUCKET
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Region    string `yaml:"s3_region"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
	S3UseSSL    bool   `yaml:"s3_use_ssl"`
	S3Prefix    string `yaml:"s3_prefix"`
}

// HealthConfig contains health monitor and daemon settings.
type HealthConfig struct {
	Interval          time.Duration     `yaml:"interval"`      // default: 5m
	CheckTimeout      time.Duration     `yaml:"check_timeout"` // default: 10s
	DiskPath          string            `yaml:"disk_path"`     // default: /
	DiskWarning       float64           `yaml:"disk_warning"`  // percent, default: 80
	DiskCritical      float64           `yaml:"disk_critical"` // percent, default: 90
	RAMWarning        float64           `yaml:"ram_warning"`
	RAMCritical       float64           `yaml:"ram_critical"`
	InferenceURL      string            `yaml:"inference_url"`    // liveness endpoint of the inference engine
	VectorStoreURL    string            `yaml:"vector_store_url"` // heartbeat endpoint; empty means check the directory
	AlertAfter        int               `yaml:"alert_after"`      // consecutive critical cycles before alerting (default: 3)
	RestartOnCritical map[string]string `yaml:"restart_on_critical"`
}

// RestartConfig bounds automatic restarts.
type RestartConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`    // default: 3
	Cooldown       time.Duration `yaml:"cooldown"`        // default: 300s
	RestartTimeout time.Duration `yaml:"restart_timeout"` // default: 30s
	StatusTimeout  time.Duration `yaml:"status_timeout"`  // default: 10s
}

// VersionConfig contains version snapshot settings.
type VersionConfig struct {
	StatePath     string        `yaml:"state_path"`     // default: <backup_dir>/versions.json
	Services      []string      `yaml:"services"`       // stopped and restarted around a rollback
	HealthTimeout time.Duration `yaml:"health_timeout"` // default: 2m
}

// StatusConfig contains the status server settings.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Addr    string `yaml:"addr"`    // default: 127.0.0.1:8089
}

// NotifyConfig contains notification sink settings.
type NotifyConfig struct {
	EventsDir       string  `yaml:"events_dir"`        // default: ./data/events
	AlertsPerMinute float64 `yaml:"alerts_per_minute"` // default: 6
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // default: info
	Format string `yaml:"format"` // text or json (default: text)
}

// LoadConfig loads configuration from environment variables with sensible defaults.
func LoadConfig() (*Config, error) {
	cfg := Defaults()
	applyEnv(cfg)
	return cfg, cfg.Validate()
}

// LoadConfigFile loads a YAML file over the defaults, then applies
// environment overrides. An empty path behaves like LoadConfig.
func LoadConfigFile(path string) (*Config, error) {
	if path == "" {
		return LoadConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	applyEnv(cfg)
	return cfg, cfg.Validate()
}

// Defaults returns a Config populated with default values only.
func Defaults() *Config {
	return &Config{
		Paths: PathsConfig{
			BackupDir:      "./backups",
			VectorStoreDir: "./data/vector_db",
			ConfigDir:      "./config",
			ModelsDir:      "./models",
		},
		Database: DatabaseConfig{
			Engine:      "sqlite",
			SQLitePath:  "./data/tutor.db",
			DumpCommand: "pg_dump",
			PSQLCommand: "psql",
		},
		Backup: BackupConfig{
			RetentionDays: 28,
			FullBackupDay: "sunday",
			Schedule:      "0 2 * * *",
			Compress:      true,
		},
		Remote: RemoteConfig{
			S3Region: "us-east-1",
			S3UseSSL: true,
			S3Prefix: "backups/",
		},
		Health: HealthConfig{
			Interval:     5 * time.Minute,
			CheckTimeout: 10 * time.Second,
			DiskPath:     "/",
			DiskWarning:  80,
			DiskCritical: 90,
			RAMWarning:   80,
			RAMCritical:  90,
			InferenceURL: "http://127.0.0.1:11434/api/tags",
			AlertAfter:   3,
			RestartOnCritical: map[string]string{
				"inference_engine": "tutor-inference",
				"vector_store":     "tutor-vectordb",
				"relational_store": "postgresql",
			},
		},
		Restart: RestartConfig{
			MaxAttempts:    3,
			Cooldown:       300 * time.Second,
			RestartTimeout: 30 * time.Second,
			StatusTimeout:  10 * time.Second,
		},
		Version: VersionConfig{
			Services:      []string{"tutor-api", "tutor-inference"},
			HealthTimeout: 2 * time.Minute,
		},
		Status: StatusConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8089",
		},
		Notify: NotifyConfig{
			EventsDir:       "./data/events",
			AlertsPerMinute: 6,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Paths.BackupDir == "" {
		errs = append(errs, errors.New("backup directory is required"))
	}
	if c.Backup.RetentionDays < 1 {
		errs = append(errs, fmt.Errorf("retention days must be >= 1, got %d", c.Backup.RetentionDays))
	}
	if _, err := ParseWeekday(c.Backup.FullBackupDay); err != nil {
		errs = append(errs, err)
	}
	if c.Health.DiskWarning >= c.Health.DiskCritical {
		errs = append(errs, fmt.Errorf("disk warning threshold %.1f must be below critical %.1f", c.Health.DiskWarning, c.Health.DiskCritical))
	}
	if c.Health.RAMWarning >= c.Health.RAMCritical {
		errs = append(errs, fmt.Errorf("ram warning threshold %.1f must be below critical %.1f", c.Health.RAMWarning, c.Health.RAMCritical))
	}
	if c.Remote.S3Enabled && c.Remote.S3Bucket == "" {
		errs = append(errs, errors.New("BACKUP_S3_BUCKET is required when BACKUP_S3_ENABLED is set"))
	}
	switch c.Database.Engine {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported database engine %q", c.Database.Engine))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// StatePath returns the version state file, defaulting under the backup dir.
func (c *Config) StatePath() string {
	if c.Version.StatePath != "" {
		return c.Version.StatePath
	}
	return strings.TrimRight(c.Paths.BackupDir, "/") + "/versions.json"
}

// ParseWeekday parses a weekday name such as "sunday" or "Sun".
func ParseWeekday(name string) (time.Weekday, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if n == full || (len(n) >= 3 && strings.HasPrefix(full, n)) {
			return d, nil
		}
	}
	return time.Sunday, fmt.Errorf("invalid weekday %q", name)
}

func applyEnv(cfg *Config) {
	cfg.Paths.BackupDir = getEnv("TUTOR_BACKUP_DIR", cfg.Paths.BackupDir)
	cfg.Paths.VectorStoreDir = getEnv("TUTOR_VECTOR_STORE_DIR", cfg.Paths.VectorStoreDir)
	cfg.Paths.ConfigDir = getEnv("TUTOR_CONFIG_DIR", cfg.Paths.ConfigDir)
	cfg.Paths.ModelsDir = getEnv("TUTOR_MODELS_DIR", cfg.Paths.ModelsDir)

	cfg.Database.Engine = getEnv("TUTOR_DB_ENGINE", cfg.Database.Engine)
	cfg.Database.SQLitePath = getEnv("TUTOR_SQLITE_PATH", cfg.Database.SQLitePath)
	cfg.Database.DSN = getEnv("TUTOR_DATABASE_URL", cfg.Database.DSN)
	cfg.Database.DumpCommand = getEnv("TUTOR_PG_DUMP", cfg.Database.DumpCommand)
	cfg.Database.PSQLCommand = getEnv("TUTOR_PSQL", cfg.Database.PSQLCommand)

	cfg.Backup.RetentionDays = getEnvInt("TUTOR_RETENTION_DAYS", cfg.Backup.RetentionDays)
	cfg.Backup.FullBackupDay = getEnv("TUTOR_FULL_BACKUP_DAY", cfg.Backup.FullBackupDay)
	cfg.Backup.Schedule = getEnv("TUTOR_BACKUP_SCHEDULE", cfg.Backup.Schedule)
	cfg.Backup.Compress = getEnvBool("TUTOR_BACKUP_COMPRESS", cfg.Backup.Compress)
	cfg.Backup.EncryptionEnabled = getEnvBool("BACKUP_ENCRYPTION_ENABLED", cfg.Backup.EncryptionEnabled)
	cfg.Backup.EncryptionKey = getEnv("BACKUP_ENCRYPTION_KEY", cfg.Backup.EncryptionKey)

	cfg.Remote.S3Enabled = getEnvBool("BACKUP_S3_ENABLED", cfg.Remote.S3Enabled)
	cfg.Remote.S3Bucket = getEnv("BACKUP_S3_BUCKET", cfg.Remote.S3Bucket)
	cfg.Remote.S3Endpoint = getEnv("TUTOR_S3_ENDPOINT", cfg.Remote.S3Endpoint)
	cfg.Remote.S3Region = getEnv("TUTOR_S3_REGION", cfg.Remote.S3Region)
	cfg.Remote.S3AccessKey = getEnv("TUTOR_S3_ACCESS_KEY", cfg.Remote.S3AccessKey)
	cfg.Remote.S3SecretKey = getEnv("TUTOR_S3_SECRET_KEY", cfg.Remote.S3SecretKey)
	cfg.Remote.S3UseSSL = getEnvBool("TUTOR_S3_USE_SSL", cfg.Remote.S3UseSSL)
	cfg.Remote.S3Prefix = getEnv("TUTOR_S3_PREFIX", cfg.Remote.S3Prefix)

	cfg.Health.Interval = getEnvDuration("TUTOR_HEALTH_INTERVAL", cfg.Health.Interval)
	cfg.Health.CheckTimeout = getEnvDuration("TUTOR_HEALTH_CHECK_TIMEOUT", cfg.Health.CheckTimeout)
	cfg.Health.DiskPath = getEnv("TUTOR_DISK_PATH", cfg.Health.DiskPath)
	cfg.Health.DiskWarning = getEnvFloat("TUTOR_DISK_WARNING", cfg.Health.DiskWarning)
	cfg.Health.DiskCritical = getEnvFloat("TUTOR_DISK_CRITICAL", cfg.Health.DiskCritical)
	cfg.Health.RAMWarning = getEnvFloat("TUTOR_RAM_WARNING", cfg.Health.RAMWarning)
	cfg.Health.RAMCritical = getEnvFloat("TUTOR_RAM_CRITICAL", cfg.Health.RAMCritical)
	cfg.Health.InferenceURL = getEnv("TUTOR_INFERENCE_URL", cfg.Health.InferenceURL)
	cfg.Health.VectorStoreURL = getEnv("TUTOR_VECTOR_STORE_URL", cfg.Health.VectorStoreURL)
	cfg.Health.AlertAfter = getEnvInt("TUTOR_ALERT_AFTER", cfg.Health.AlertAfter)

	cfg.Restart.MaxAttempts = getEnvInt("TUTOR_RESTART_MAX_ATTEMPTS", cfg.Restart.MaxAttempts)
	cfg.Restart.Cooldown = getEnvDuration("TUTOR_RESTART_COOLDOWN", cfg.Restart.Cooldown)

	cfg.Version.StatePath = getEnv("TUTOR_VERSION_STATE", cfg.Version.StatePath)
	if v := os.Getenv("TUTOR_VERSION_SERVICES"); v != "" {
		cfg.Version.Services = splitList(v)
	}

	cfg.Status.Enabled = getEnvBool("TUTOR_STATUS_ENABLED", cfg.Status.Enabled)
	cfg.Status.Addr = getEnv("TUTOR_STATUS_ADDR", cfg.Status.Addr)

	cfg.Notify.EventsDir = getEnv("TUTOR_EVENTS_DIR", cfg.Notify.EventsDir)

	cfg.Log.Level = getEnv("TUTOR_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("TUTOR_LOG_FORMAT", cfg.Log.Format)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
