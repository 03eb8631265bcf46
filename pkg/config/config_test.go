package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 60*time.Second, cfg.Auth.ChallengeTTL)
	assert.Equal(t, 30*time.Minute, cfg.Auth.SessionTTL)
	assert.Equal(t, 5*time.Minute, cfg.Trust.CacheTTL)
	assert.Equal(t, "memory", cfg.Limiter.Backend)
	assert.Equal(t, "memory", cfg.Audit.Backend)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level: DEBUG
auth:
  challenge_ttl: 90s
  session_ttl: 1h
limiter:
  backend: redis
  redis_addr: localhost:6379
audit:
  backend: sqlite
  sqlite_path: /tmp/audit.db
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, 90*time.Second, cfg.Auth.ChallengeTTL)
	assert.Equal(t, time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, "redis", cfg.Limiter.Backend)
	assert.Equal(t, "sqlite", cfg.Audit.Backend)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5*time.Minute, cfg.Trust.CacheTTL)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsIncompleteBackends(t *testing.T) {
	cfg := Default()
	cfg.Limiter.Backend = "redis" // no addr
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Audit.Backend = "postgres" // no DSN
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Audit.Backend = "carrier-pigeon"
	assert.Error(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ATP_LOG_LEVEL", "WARN")
	t.Setenv("ATP_REDIS_ADDR", "redis:6379")

	cfg := Load()
	assert.Equal(t, "WARN", cfg.LogLevel)
	assert.Equal(t, "redis", cfg.Limiter.Backend)
	assert.Equal(t, "redis:6379", cfg.Limiter.RedisAddr)
}
