package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
store:
  backend: memory
secret:
  encryption_key: test-passphrase
`

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFileDefaults(t *testing.T) {
	cfg, err := LoadFromFile(writeConfigFile(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, "https://openrouter.ai/api/v1", cfg.Upstream.BaseURL)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoadFromFileOverrides(t *testing.T) {
	cfg, err := LoadFromFile(writeConfigFile(t, `
server:
  port: 9090
  write_timeout: 600s
upstream:
  base_url: https://example.test/api/v1
  referer: https://chat.example.test
dispatch:
  max_attempts: 3
store:
  backend: redis
  redis:
    addr: redis.internal:6379
    namespace: relay
secret:
  encryption_key: test-passphrase
admin:
  token: hunter2
rate_limit:
  enabled: true
  requests_per_minute: 120
  burst_size: 20
`))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 600*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "https://example.test/api/v1", cfg.Upstream.BaseURL)
	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, "redis.internal:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, "relay", cfg.Store.Redis.Namespace)
	assert.Equal(t, "hunter2", cfg.Admin.Token)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 120, cfg.RateLimit.RequestsPerMinute)
}

func TestLoadFromFileExpandsEnv(t *testing.T) {
	t.Setenv("TEST_ENCRYPTION_KEY", "from-env")

	cfg, err := LoadFromFile(writeConfigFile(t, `
store:
  backend: memory
secret:
  encryption_key: ${TEST_ENCRYPTION_KEY}
`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Secret.EncryptionKey)
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }},
		{"redis without addr", func(c *Config) {
			c.Store.Backend = BackendRedis
			c.Store.Redis.Addr = ""
			c.Store.Redis.SentinelAddrs = nil
		}},
		{"missing encryption key", func(c *Config) { c.Secret.EncryptionKey = "" }},
		{"negative attempts", func(c *Config) { c.Dispatch.MaxAttempts = -1 }},
		{"rate limit without rpm", func(c *Config) {
			c.RateLimit.Enabled = true
			c.RateLimit.RequestsPerMinute = 0
		}},
		{"sample rate out of range", func(c *Config) { c.Tracing.SampleRate = 1.5 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Store.Backend = BackendMemory
			cfg.Secret.EncryptionKey = "test-passphrase"
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadFromFileMalformed(t *testing.T) {
	_, err := LoadFromFile(writeConfigFile(t, "server: [not a mapping"))
	assert.Error(t, err)
}
