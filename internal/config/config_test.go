package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, 24*time.Hour, cfg.Engine.CounterTTL)
	assert.Equal(t, 16, cfg.Engine.Concurrency)
	assert.False(t, cfg.Engine.StrictCaps)
	assert.Equal(t, time.Duration(0), cfg.Targets.CacheTTL)
	assert.Equal(t, 5*time.Second, cfg.Backoff())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
server:
  addr: ":9090"
store:
  backend: postgres
postgres:
  host: db
  user: router
  password: secret
  db_name: routing
engine:
  counter_ttl: 36h
targets:
  cache_ttl: 2s
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "application.yaml"), yaml, 0o600))

	t.Setenv("APP_ENGINE_STRICT_CAPS", "true")
	t.Setenv("APP_SERVER_ADDR", ":7070")

	cfg, err := load(dir)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, BackendPostgres, cfg.Store.Backend)
	assert.True(t, cfg.Engine.StrictCaps)
	assert.Equal(t, 36*time.Hour, cfg.Engine.CounterTTL)
	assert.Equal(t, 2*time.Second, cfg.Targets.CacheTTL)
	assert.Equal(t, "postgres://router:secret@db:5432/routing?sslmode=disable", cfg.DSN())
	assert.NotContains(t, cfg.DSNRedacted(), "secret")
}

func TestLoad_UnknownBackend(t *testing.T) {
	t.Setenv("APP_STORE_BACKEND", "memcached")

	_, err := load(t.TempDir())
	assert.Error(t, err)
}

func TestLoad_ProfileOverlay(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "application.yaml"), []byte("server:\n  addr: \":9090\"\n  version: base\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prod.yaml"), []byte("server:\n  addr: \":80\"\n"), 0o600))
	t.Setenv("ENV", "prod")

	cfg, err := load(dir)
	require.NoError(t, err)
	assert.Equal(t, ":80", cfg.Server.Addr)
	assert.Equal(t, "base", cfg.Server.Version)
}

func TestValidate_FillsZeroValues(t *testing.T) {
	var c Config
	c.Targets.CacheTTL = -time.Second
	require.NoError(t, validate(&c))

	assert.Equal(t, ":8080", c.Server.Addr)
	assert.Equal(t, 2*time.Second, c.Server.RequestTimeout)
	assert.Equal(t, 5432, c.Postgres.Port)
	assert.Equal(t, "disable", c.Postgres.SSLMode)
	assert.Equal(t, 5, c.Listener.ReconnectSeconds)
	assert.Equal(t, 16, c.Engine.Concurrency)
	assert.Equal(t, 24*time.Hour, c.Engine.CounterTTL)
	assert.Zero(t, c.Targets.CacheTTL)
	assert.Equal(t, BackendRedis, c.Store.Backend)
}
