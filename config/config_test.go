package config_test

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/finance-engine/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "finance.db", cfg.Database.Path)
	assert.Equal(t, 16, cfg.Ledger.MaxAccumulationSteps)
	assert.Equal(t, 256, cfg.Ledger.MaxDescriptionLength)
	assert.True(t, cfg.Recurring.Enabled)
	assert.Equal(t, time.Minute, cfg.Recurring.CheckInterval)
	assert.Equal(t, 1, cfg.Recurring.MaxCatchUp)
	assert.Equal(t, config.DriverLog, cfg.Notify.Driver)
	assert.Equal(t, ":8080", cfg.Server.Addr())
	assert.Contains(t, cfg.Server.AllowedOrigins, "http://localhost:5173")
}

func TestLoad_FileThenEnv(t *testing.T) {
	// GIVEN: A config file setting port and interval
	// WHEN: The environment overrides the port
	// THEN: The environment wins, the file fills the rest
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := []byte(`
server:
  port: 9000
database:
  path: ":memory:"
recurring:
  check_interval: 10s
  max_catch_up: 4
log:
  format: json
`)
	require.NoError(t, os.WriteFile(path, yaml, 0o600))
	t.Setenv("FINANCE_SERVER_PORT", "9100")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, ":memory:", cfg.Database.Path)
	assert.Equal(t, 10*time.Second, cfg.Recurring.CheckInterval)
	assert.Equal(t, 4, cfg.Recurring.MaxCatchUp)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_SQSRequiresQueue(t *testing.T) {
	t.Setenv("FINANCE_NOTIFY_DRIVER", "sqs")
	_, err := config.Load("")
	assert.ErrorContains(t, err, "queue_url")

	t.Setenv("FINANCE_NOTIFY_QUEUE_URL", "https://sqs.example/q")
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.DriverSQS, cfg.Notify.Driver)
}

func TestLogConfig_Handler(t *testing.T) {
	var buf bytes.Buffer
	h := config.LogConfig{Level: "warn", Format: "json"}.Handler(&buf)

	assert.False(t, h.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, h.Enabled(context.Background(), slog.LevelWarn))
}
