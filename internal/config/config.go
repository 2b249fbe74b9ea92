package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	EnvPrefix = "LEASEBROKER_"
	EnvConfig = "LEASEBROKER_CONFIG"
	delimiter = "."
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	LockNone   = "none"
	LockMemory = "memory"
	LockRedis  = "redis"

	IdempotencyMemory = "memory"
	IdempotencyRedis  = "redis"
)

type Config struct {
	HTTPAddr     string        `koanf:"http_addr"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	IdleTimeout  time.Duration `koanf:"idle_timeout"`

	StoreBackend     string `koanf:"store_backend"`
	PostgresDSN      string `koanf:"postgres_dsn"`
	PostgresMaxConns int32  `koanf:"postgres_max_conns"`

	RedisAddr   string        `koanf:"redis_addr"`
	LockBackend string        `koanf:"lock_backend"`
	LockTTL     time.Duration `koanf:"lock_ttl"`
	LockWait    time.Duration `koanf:"lock_wait"`

	IdempotencyBackend string        `koanf:"idempotency_backend"`
	IdempotencyTTL     time.Duration `koanf:"idempotency_ttl"`
	IdempotencyLockTTL time.Duration `koanf:"idempotency_lock_ttl"`

	// ResourceFile lists the leasable nodes; see resource.LoadInventory.
	ResourceFile string `koanf:"resource_file"`
	// ResourceBackend selects where node bindings live: memory or redis.
	ResourceBackend string        `koanf:"resource_backend"`
	SweepInterval   time.Duration `koanf:"sweep_interval"`
	// AutoFulfill lets the sweeper activate created contracts once their
	// window opens.
	AutoFulfill bool `koanf:"auto_fulfill"`

	// CreateRateLimit caps offer and contract creates per client and minute.
	CreateRateLimit int `koanf:"create_rate_limit"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
	APIKey    string `koanf:"api_key"`
	// AdminAPIKey lets operators act on any resource without being its
	// administrator.
	AdminAPIKey string `koanf:"admin_api_key"`
}

// Default returns the settings used when neither file nor environment
// overrides them.
func Default() Config {
	return Config{
		HTTPAddr:           ":8080",
		ReadTimeout:        15 * time.Second,
		WriteTimeout:       15 * time.Second,
		IdleTimeout:        60 * time.Second,
		StoreBackend:       StoreMemory,
		PostgresMaxConns:   10,
		LockBackend:        LockNone,
		LockTTL:            30 * time.Second,
		LockWait:           5 * time.Second,
		IdempotencyBackend: IdempotencyMemory,
		IdempotencyTTL:     24 * time.Hour,
		IdempotencyLockTTL: 30 * time.Second,
		ResourceBackend:    "memory",
		SweepInterval:      30 * time.Second,
		LogLevel:           "info",
		LogFormat:          "cli",
	}
}

// Load merges defaults, the optional YAML file at path and LEASEBROKER_*
// environment variables, in increasing priority. An empty path falls back to
// $LEASEBROKER_CONFIG.
func Load(path string) (Config, error) {
	k := koanf.New(delimiter)

	if strings.TrimSpace(path) == "" {
		path = os.Getenv(EnvConfig)
	}
	if path = strings.TrimSpace(path); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	err := k.Load(env.ProviderWithValue(EnvPrefix, delimiter, func(key, value string) (string, interface{}) {
		if key == EnvConfig {
			return "", nil
		}
		return strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), value
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("postgres_dsn is required when store_backend=%s", StorePostgres)
		}
	default:
		return fmt.Errorf("unsupported store_backend %q", c.StoreBackend)
	}

	needsRedis := false
	switch c.LockBackend {
	case LockNone, LockMemory:
	case LockRedis:
		needsRedis = true
	default:
		return fmt.Errorf("unsupported lock_backend %q", c.LockBackend)
	}
	switch c.IdempotencyBackend {
	case IdempotencyMemory:
	case IdempotencyRedis:
		needsRedis = true
	default:
		return fmt.Errorf("unsupported idempotency_backend %q", c.IdempotencyBackend)
	}
	switch c.ResourceBackend {
	case "memory":
	case "redis":
		needsRedis = true
	default:
		return fmt.Errorf("unsupported resource_backend %q", c.ResourceBackend)
	}
	if needsRedis && strings.TrimSpace(c.RedisAddr) == "" {
		return fmt.Errorf("redis_addr is required by the configured backends")
	}
	if c.CreateRateLimit < 0 {
		return fmt.Errorf("create_rate_limit must not be negative")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("sweep_interval must not be negative")
	}
	return nil
}

// UsesRedis reports whether any backend needs a Redis client.
func (c Config) UsesRedis() bool {
	return c.LockBackend == LockRedis || c.IdempotencyBackend == IdempotencyRedis || c.ResourceBackend == "redis"
}
