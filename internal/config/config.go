package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds all configuration (file + env overrides)
type Config struct {
	Server struct {
		Addr           string        `mapstructure:"addr"`
		LogLevel       string        `mapstructure:"log_level"`
		LogFormat      string        `mapstructure:"log_format"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
		Version        string        `mapstructure:"version"`
	} `mapstructure:"server"`

	Store struct {
		Backend string `mapstructure:"backend"`
	} `mapstructure:"store"`

	Redis struct {
		URL          string        `mapstructure:"url"`
		PoolSize     int           `mapstructure:"pool_size"`
		MinIdleConns int           `mapstructure:"min_idle_conns"`
		DialTimeout  time.Duration `mapstructure:"dial_timeout"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"redis"`

	Postgres struct {
		Host          string `mapstructure:"host"`
		Port          int    `mapstructure:"port"`
		User          string `mapstructure:"user"`
		Password      string `mapstructure:"password"`
		DBName        string `mapstructure:"db_name"`
		SSLMode       string `mapstructure:"ssl_mode"`
		MaxOpenConns  int    `mapstructure:"max_open_conns"`
		MaxIdleConns  int    `mapstructure:"max_idle_conns"`
		SweepSchedule string `mapstructure:"sweep_schedule"`
	} `mapstructure:"postgres"`

	Listener struct {
		Channel          string `mapstructure:"channel"`
		ReconnectSeconds int    `mapstructure:"reconnect_seconds"`
	} `mapstructure:"listener"`

	Engine struct {
		StrictCaps  bool          `mapstructure:"strict_caps"`
		Concurrency int           `mapstructure:"concurrency"`
		CounterTTL  time.Duration `mapstructure:"counter_ttl"`
	} `mapstructure:"engine"`

	Targets struct {
		CacheTTL time.Duration `mapstructure:"cache_ttl"`
		SeedFile string        `mapstructure:"seed_file"`
	} `mapstructure:"targets"`
}

// keys lists every setting so AutomaticEnv can resolve nested keys on Unmarshal.
var keys = map[string]any{
	"server.addr":                ":8080",
	"server.log_level":           "info",
	"server.log_format":          "console",
	"server.request_timeout":     2 * time.Second,
	"server.version":             "dev",
	"store.backend":              BackendRedis,
	"redis.url":                  "redis://localhost:6379/0",
	"redis.pool_size":            10,
	"redis.min_idle_conns":       2,
	"redis.dial_timeout":         5 * time.Second,
	"redis.read_timeout":         time.Second,
	"redis.write_timeout":        time.Second,
	"postgres.host":              "localhost",
	"postgres.port":              5432,
	"postgres.user":              "",
	"postgres.password":          "",
	"postgres.db_name":           "",
	"postgres.ssl_mode":          "disable",
	"postgres.max_open_conns":    10,
	"postgres.max_idle_conns":    10,
	"postgres.sweep_schedule":    "@every 10m",
	"listener.channel":           "targets_changed",
	"listener.reconnect_seconds": 5,
	"engine.strict_caps":         false,
	"engine.concurrency":         16,
	"engine.counter_ttl":         24 * time.Hour,
	"targets.cache_ttl":          time.Duration(0),
	"targets.seed_file":          "",
}

func Load() Config {
	cfg, err := load("configs")
	if err != nil {
		panic(err)
	}
	return cfg
}

func load(paths ...string) (Config, error) {
	v := viper.New()
	v.SetConfigName("application")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	_ = v.ReadInConfig() // optional; env can fully configure
	if err := mergeProfile(v, paths); err != nil {
		return Config{}, err
	}

	for k, d := range keys {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// mergeProfile overlays <ENV>.yaml (e.g. dev.yaml, prod.yaml) from the first
// search path that has one.
func mergeProfile(v *viper.Viper, paths []string) error {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("ENV")))
	if env == "" {
		return nil
	}
	for _, p := range paths {
		file := filepath.Join(p, env+".yaml")
		if _, err := os.Stat(file); err != nil {
			continue
		}
		v.SetConfigFile(file)
		if err := v.MergeInConfig(); err != nil {
			return fmt.Errorf("failed to merge config profile %s: %w", file, err)
		}
		return nil
	}
	return nil
}

func validate(c *Config) error {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 2 * time.Second
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.SSLMode == "" {
		c.Postgres.SSLMode = "disable"
	}
	if c.Postgres.MaxOpenConns == 0 {
		c.Postgres.MaxOpenConns = 10
	}
	if c.Postgres.MaxIdleConns == 0 {
		c.Postgres.MaxIdleConns = 10
	}
	if c.Listener.ReconnectSeconds <= 0 {
		c.Listener.ReconnectSeconds = 5
	}
	if c.Engine.Concurrency <= 0 {
		c.Engine.Concurrency = 16
	}
	if c.Engine.CounterTTL <= 0 {
		c.Engine.CounterTTL = 24 * time.Hour
	}
	if c.Targets.CacheTTL < 0 {
		c.Targets.CacheTTL = 0
	}

	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	switch c.Store.Backend {
	case "":
		c.Store.Backend = BackendRedis
	case BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	return nil
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
		c.Postgres.SSLMode,
	)
}

func (c Config) Backoff() time.Duration { return time.Duration(c.Listener.ReconnectSeconds) * time.Second }

// DSNRedacted is DSN with credentials masked, for logs.
func (c Config) DSNRedacted() string {
	return fmt.Sprintf("postgres://***:***@%s:%d/%s?sslmode=%s",
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
		c.Postgres.SSLMode,
	)
}
