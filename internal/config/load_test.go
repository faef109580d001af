package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 5, cfg.Tasks.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Tasks.Backoff)
	assert.Equal(t, 30*time.Second, cfg.Tasks.Timeout)
	assert.Equal(t, 25, cfg.Tasks.SweepLimit)
	assert.Equal(t, "X-Vercel-Cron", cfg.Cron.TrustedHeader)
	assert.Empty(t, cfg.Cron.Schedule)
	assert.Equal(t, "log", cfg.Mail.Driver)
	assert.Equal(t, "none", cfg.Events.Driver)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LETTERD_SERVER_ADDR", ":9090")
	t.Setenv("LETTERD_TASKS_BACKOFF", "90s")
	t.Setenv("LETTERD_TASKS_MAX_ATTEMPTS", "3")
	t.Setenv("LETTERD_CRON_SECRET", "s3cret")
	t.Setenv("LETTERD_LOG_FORMAT", "json")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 90*time.Second, cfg.Tasks.Backoff)
	assert.Equal(t, 3, cfg.Tasks.MaxAttempts)
	assert.Equal(t, "s3cret", cfg.Cron.Secret)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "letterd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: memory
mail:
  driver: http
  endpoint: https://mail.example.com/send
  from: news@example.com
cron:
  schedule: "@hourly"
`), 0o600))
	t.Setenv("LETTERD_MAIL_FROM", "team@example.com")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "https://mail.example.com/send", cfg.Mail.Endpoint)
	assert.Equal(t, "team@example.com", cfg.Mail.From)
	assert.Equal(t, "@hourly", cfg.Cron.Schedule)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown driver", map[string]string{"LETTERD_DATABASE_DRIVER": "mysql"}},
		{"postgres without dsn", map[string]string{"LETTERD_DATABASE_DRIVER": "postgres"}},
		{"http mail without endpoint", map[string]string{"LETTERD_MAIL_DRIVER": "http"}},
		{"redis without url", map[string]string{"LETTERD_EVENTS_DRIVER": "redis"}},
		{"zero attempts", map[string]string{"LETTERD_TASKS_MAX_ATTEMPTS": "0"}},
		{"bad log level", map[string]string{"LETTERD_LOG_LEVEL": "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
