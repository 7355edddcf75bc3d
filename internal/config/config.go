// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for
// zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openchat-hq/keyrelay/internal/dispatch"
	"github.com/openchat-hq/keyrelay/internal/observability"
	"github.com/openchat-hq/keyrelay/internal/store"
	"github.com/openchat-hq/keyrelay/internal/upstream"
)

// Store backends.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config represents the complete relay configuration.
type Config struct {
	Server    ServerConfig                  `yaml:"server"`
	Upstream  upstream.Config               `yaml:"upstream"`
	Dispatch  dispatch.Config               `yaml:"dispatch"`
	Store     StoreConfig                   `yaml:"store"`
	Secret    SecretConfig                  `yaml:"secret"`
	Admin     AdminConfig                   `yaml:"admin"`
	RateLimit RateLimitConfig               `yaml:"rate_limit"`
	Logging   LoggingConfig                 `yaml:"logging"`
	Metrics   MetricsConfig                 `yaml:"metrics"`
	Tracing   observability.TracingConfig   `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// StoreConfig selects and configures the credential and stats store.
type StoreConfig struct {
	Backend string            `yaml:"backend"` // redis, memory
	Redis   store.RedisConfig `yaml:"redis"`
}

// SecretConfig holds the credential encryption settings. The key is
// typically supplied via ${KEYRELAY_ENCRYPTION_KEY} expansion.
type SecretConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

// AdminConfig guards the management endpoints.
type AdminConfig struct {
	Token string `yaml:"token"`
}

// RateLimitConfig defines per-client rate limiting parameters.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 300 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Upstream: upstream.DefaultConfig(),
		Dispatch: dispatch.DefaultConfig(),
		Store: StoreConfig{
			Backend: BackendRedis,
			Redis:   store.DefaultRedisConfig(),
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: observability.DefaultTracingConfig(),
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Store.Backend {
	case BackendRedis:
		if c.Store.Redis.Addr == "" && len(c.Store.Redis.SentinelAddrs) == 0 {
			return fmt.Errorf("store.redis: addr or sentinel_addrs is required")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown store backend: %q", c.Store.Backend)
	}

	if c.Secret.EncryptionKey == "" {
		return fmt.Errorf("secret.encryption_key is required")
	}

	if c.Dispatch.MaxAttempts < 0 {
		return fmt.Errorf("dispatch.max_attempts cannot be negative")
	}
	if c.Dispatch.MaxMessages < 0 || c.Dispatch.MaxMessageBytes < 0 {
		return fmt.Errorf("dispatch message limits cannot be negative")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerMinute <= 0 {
			return fmt.Errorf("rate_limit.requests_per_minute must be positive")
		}
		if c.RateLimit.BurstSize <= 0 {
			return fmt.Errorf("rate_limit.burst_size must be positive")
		}
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	return nil
}
