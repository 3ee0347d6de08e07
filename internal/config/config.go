// Package config loads process settings from an optional YAML file and TENANTGUARD_* environment
// variables. Environment values take precedence over the file; the file over defaults.
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

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TENANTGUARD_"

// EnvConfigPath names the variable holding the config file location.
const EnvConfigPath = EnvPrefix + "CONFIG"

// Config is the full process configuration.
type Config struct {
	Database Database `yaml:"database"`
	RBAC     RBAC     `yaml:"rbac"`
	Redis    Redis    `yaml:"redis"`
	HTTP     HTTP     `yaml:"http"`
	GRPC     GRPC     `yaml:"grpc"`
	Log      Log      `yaml:"log"`
}

type Database struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RBAC tunes the engine.
type RBAC struct {
	MaxDepth  int `yaml:"max_depth"`
	CacheSize int `yaml:"cache_size"`
	// DisableCache turns off effective-set caching; every check then reads the store.
	DisableCache            bool `yaml:"disable_cache"`
	SerializableRevocations bool `yaml:"serializable_revocations"`
}

// Redis configures the optional cross-process invalidation bus. An empty Addr disables it.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type HTTP struct {
	Addr      string  `yaml:"addr"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

type GRPC struct {
	Addr string `yaml:"addr"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Database: Database{
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 15 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		RBAC: RBAC{
			MaxDepth:  32,
			CacheSize: 4096,
		},
		Redis: Redis{Channel: "tenantguard:rbac:invalidate"},
		HTTP: HTTP{
			Addr:      ":8080",
			RateLimit: 50,
			RateBurst: 100,
		},
		GRPC: GRPC{Addr: ":9090"},
		Log:  Log{Level: "info", Format: "json"},
	}
}

// Load reads path (skipped when empty) and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the process cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.RBAC.MaxDepth <= 0 {
		errs = append(errs, errors.New("rbac.max_depth must be positive"))
	}
	if c.RBAC.CacheSize <= 0 && !c.RBAC.DisableCache {
		errs = append(errs, errors.New("rbac.cache_size must be positive"))
	}
	if c.HTTP.RateLimit < 0 || c.HTTP.RateBurst < 0 {
		errs = append(errs, errors.New("http rate limit must not be negative"))
	}
	if c.Redis.Addr != "" && c.Redis.Channel == "" {
		errs = append(errs, errors.New("redis.channel is required when redis.addr is set"))
	}
	return errors.Join(errs...)
}

type envBinding struct {
	name  string
	apply func(c *Config, v string) error
}

var envBindings = []envBinding{
	{"DATABASE_DSN", func(c *Config, v string) error { c.Database.DSN = v; return nil }},
	{"DATABASE_MAX_OPEN_CONNS", intVar(func(c *Config) *int { return &c.Database.MaxOpenConns })},
	{"DATABASE_MAX_IDLE_CONNS", intVar(func(c *Config) *int { return &c.Database.MaxIdleConns })},
	{"DATABASE_CONN_MAX_LIFETIME", durationVar(func(c *Config) *time.Duration { return &c.Database.ConnMaxLifetime })},
	{"DATABASE_CONN_MAX_IDLE_TIME", durationVar(func(c *Config) *time.Duration { return &c.Database.ConnMaxIdleTime })},
	{"MAX_DEPTH", intVar(func(c *Config) *int { return &c.RBAC.MaxDepth })},
	{"CACHE_SIZE", intVar(func(c *Config) *int { return &c.RBAC.CacheSize })},
	{"DISABLE_CACHE", boolVar(func(c *Config) *bool { return &c.RBAC.DisableCache })},
	{"SERIALIZABLE_REVOCATIONS", boolVar(func(c *Config) *bool { return &c.RBAC.SerializableRevocations })},
	{"REDIS_ADDR", func(c *Config, v string) error { c.Redis.Addr = v; return nil }},
	{"REDIS_PASSWORD", func(c *Config, v string) error { c.Redis.Password = v; return nil }},
	{"REDIS_DB", intVar(func(c *Config) *int { return &c.Redis.DB })},
	{"REDIS_CHANNEL", func(c *Config, v string) error { c.Redis.Channel = v; return nil }},
	{"HTTP_ADDR", func(c *Config, v string) error { c.HTTP.Addr = v; return nil }},
	{"RATE_LIMIT", func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.HTTP.RateLimit = f
		return nil
	}},
	{"RATE_BURST", intVar(func(c *Config) *int { return &c.HTTP.RateBurst })},
	{"GRPC_ADDR", func(c *Config, v string) error { c.GRPC.Addr = v; return nil }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Log.Format = v; return nil }},
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok {
			continue
		}
		if err := b.apply(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, b.name, err)
		}
	}
	return nil
}

func intVar(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func boolVar(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func durationVar(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}
