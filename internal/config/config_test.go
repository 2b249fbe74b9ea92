package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvConfig, "")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, StoreMemory, cfg.StoreBackend)
	require.Equal(t, 30*time.Second, cfg.LockTTL)
	require.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	require.False(t, cfg.UsesRedis())
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	raw := []byte(`
http_addr: ":9090"
store_backend: postgres
postgres_dsn: postgres://broker@localhost/leases
sweep_interval: 1m
lock_backend: redis
redis_addr: localhost:6379
`)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	t.Setenv("LEASEBROKER_HTTP_ADDR", ":7070")
	t.Setenv("LEASEBROKER_LOCK_WAIT", "2s")
	t.Setenv("LEASEBROKER_POSTGRES_MAX_CONNS", "25")
	t.Setenv("LEASEBROKER_ADMIN_API_KEY", "operator")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.HTTPAddr)
	require.Equal(t, StorePostgres, cfg.StoreBackend)
	require.Equal(t, time.Minute, cfg.SweepInterval)
	require.Equal(t, 2*time.Second, cfg.LockWait)
	require.EqualValues(t, 25, cfg.PostgresMaxConns)
	require.Equal(t, "operator", cfg.AdminAPIKey)
	require.True(t, cfg.UsesRedis())
}

func TestLoadFromConfigEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_format: json\n"), 0o600))
	t.Setenv(EnvConfig, path)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "json", cfg.LogFormat)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"postgres without dsn", func(c *Config) { c.StoreBackend = StorePostgres }},
		{"unknown store", func(c *Config) { c.StoreBackend = "sqlite" }},
		{"redis lock without addr", func(c *Config) { c.LockBackend = LockRedis }},
		{"redis idempotency without addr", func(c *Config) { c.IdempotencyBackend = IdempotencyRedis }},
		{"unknown resource backend", func(c *Config) { c.ResourceBackend = "etcd" }},
		{"negative sweep", func(c *Config) { c.SweepInterval = -time.Second }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
