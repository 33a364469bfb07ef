package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 28, cfg.Backup.RetentionDays)
	assert.Equal(t, "sunday", cfg.Backup.FullBackupDay)
	assert.Equal(t, 5*time.Minute, cfg.Health.Interval)
	assert.Equal(t, 80.0, cfg.Health.DiskWarning)
	assert.Equal(t, 90.0, cfg.Health.DiskCritical)
	assert.Equal(t, 3, cfg.Restart.MaxAttempts)
	assert.Equal(t, 300*time.Second, cfg.Restart.Cooldown)
	assert.Equal(t, "127.0.0.1:8089", cfg.Status.Addr,
		"Default status address must be loopback")
}

func TestLoadConfig_EncryptionAndS3Env(t *testing.T) {
	t.Setenv("BACKUP_ENCRYPTION_ENABLED", "true")
	t.Setenv("BACKUP_ENCRYPTION_KEY", "s3cret")
	t.Setenv("BACKUP_S3_ENABLED", "yes")
	t.Setenv("BACKUP_S3_BUCKET", "tutor-backups")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.True(t, cfg.Backup.EncryptionEnabled)
	assert.Equal(t, "s3cret", cfg.Backup.EncryptionKey)
	assert.True(t, cfg.Remote.S3Enabled)
	assert.Equal(t, "tutor-backups", cfg.Remote.S3Bucket)
}

func TestLoadConfig_S3WithoutBucketIsInvalid(t *testing.T) {
	t.Setenv("BACKUP_S3_ENABLED", "true")
	t.Setenv("BACKUP_S3_BUCKET", "")

	_, err := config.LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BACKUP_S3_BUCKET")
}

func TestLoadConfig_DurationEnvAcceptsSeconds(t *testing.T) {
	t.Setenv("TUTOR_RESTART_COOLDOWN", "120")
	t.Setenv("TUTOR_HEALTH_INTERVAL", "90s")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, cfg.Restart.Cooldown)
	assert.Equal(t, 90*time.Second, cfg.Health.Interval)
}

func TestLoadConfig_InvalidIntFallsBack(t *testing.T) {
	t.Setenv("TUTOR_RETENTION_DAYS", "many")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 28, cfg.Backup.RetentionDays)
}

func TestLoadConfigFile_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tutor.yaml")
	content := `
paths:
  backup_dir: /srv/backups
backup:
  retention_days: 14
  full_backup_day: saturday
health:
  interval: 1m
  disk_warning: 70
version:
  services: [tutor-api]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("TUTOR_RETENTION_DAYS", "21")

	cfg, err := config.LoadConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/backups", cfg.Paths.BackupDir)
	assert.Equal(t, 21, cfg.Backup.RetentionDays, "env must override the file")
	assert.Equal(t, "saturday", cfg.Backup.FullBackupDay)
	assert.Equal(t, time.Minute, cfg.Health.Interval)
	assert.Equal(t, 70.0, cfg.Health.DiskWarning)
	assert.Equal(t, []string{"tutor-api"}, cfg.Version.Services)
	assert.Equal(t, "/srv/backups/versions.json", cfg.StatePath())
}

func TestLoadConfigFile_Missing(t *testing.T) {
	_, err := config.LoadConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate_Thresholds(t *testing.T) {
	cfg := config.Defaults()
	cfg.Health.RAMWarning = 95
	require.Error(t, cfg.Validate())

	cfg = config.Defaults()
	cfg.Backup.RetentionDays = 0
	require.Error(t, cfg.Validate())

	cfg = config.Defaults()
	cfg.Database.Engine = "oracle"
	require.Error(t, cfg.Validate())
}

func TestParseWeekday(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Weekday
		wantErr bool
	}{
		{"sunday", time.Sunday, false},
		{"Sat", time.Saturday, false},
		{" MONDAY ", time.Monday, false},
		{"mo", time.Sunday, true},
		{"funday", time.Sunday, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := config.ParseWeekday(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
