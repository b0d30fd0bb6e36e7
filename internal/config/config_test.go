package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8081, cfg.Server.AdminPort)
	assert.Equal(t, 1000, cfg.Bus.QueueCapacity)
	assert.Equal(t, 3, cfg.Bus.DeliveryRetries)
	assert.Equal(t, "agentmesh:handoffs", cfg.Audit.Stream)
	assert.Equal(t, "", cfg.Audit.RedisAddr)
	assert.True(t, cfg.Observability.Metrics.Enabled)
	assert.Equal(t, "info", cfg.Observability.Logging.Level)
	assert.Equal(t, "./config/templates", cfg.Templates.Dir)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
engine:
  default_workflow_timeout_min: 10
  scheduler_idle_yield_ms: 25
bus:
  processing_rate: 50
audit:
  redis_addr: localhost:6379
  max_len: 500
observability:
  logging:
    level: debug
templates:
  dir: /tmp/templates
  watch: false
`), 0o644))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 8081, cfg.Server.AdminPort, "unset fields keep defaults")
	assert.Equal(t, 50, cfg.Bus.ProcessingRate)
	assert.Equal(t, "localhost:6379", cfg.Audit.RedisAddr)
	assert.Equal(t, int64(500), cfg.Audit.MaxLen)
	assert.Equal(t, "debug", cfg.Observability.Logging.Level)
	assert.Equal(t, "/tmp/templates", cfg.Templates.Dir)
	assert.False(t, cfg.Templates.Watch)
	assert.Equal(t, 10*time.Minute, cfg.DefaultWorkflowTimeout())
	assert.Equal(t, 25*time.Millisecond, cfg.IdleYield())
}

func TestLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))
	t.Setenv("CONFIG_PATH", path)

	_, err := Load()
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o644))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("HTTP_PORT", "7777")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("TEMPLATES_DIR", "/opt/templates")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.Port, "environment beats the file")
	assert.Equal(t, "redis:6379", cfg.Audit.RedisAddr)
	assert.Equal(t, "warn", cfg.Observability.Logging.Level)
	assert.Equal(t, "/opt/templates", cfg.Templates.Dir)
}

func TestDurationFallbacks(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, 5*time.Minute, cfg.DefaultWorkflowTimeout())
	assert.Equal(t, 50*time.Millisecond, cfg.IdleYield())
}
