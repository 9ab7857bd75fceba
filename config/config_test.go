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
	// GIVEN: No config file in the directory
	dir := t.TempDir()

	// WHEN: Loading
	cfg, err := Load(dir)

	// THEN: Defaults apply
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "sqlite", cfg.DB.Driver)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 12*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 10_000, cfg.Cache.MaxEntries)
	assert.Equal(t, uint64(2), cfg.Cache.ReadRetries)
	assert.Equal(t, 15*time.Minute, cfg.Janitor.Interval)
	assert.Equal(t, 300*time.Millisecond, cfg.Rate.Timeout)
}

func TestLoad_FileAndEnv(t *testing.T) {
	// GIVEN: A config file and an env override
	dir := t.TempDir()
	yaml := "listen_addr: \":9090\"\ncache:\n  ttl: 6h\n  backend: sqlite\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "travel.yaml"), []byte(yaml), 0o600))
	t.Setenv("TRAVEL_CACHE_TTL", "2h")

	// WHEN: Loading
	cfg, err := Load(dir)

	// THEN: File values apply and env wins over the file
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "sqlite", cfg.Cache.Backend)
	assert.Equal(t, 2*time.Hour, cfg.Cache.TTL)
}

func TestLoad_RejectsTTLOutOfRange(t *testing.T) {
	t.Setenv("TRAVEL_CACHE_TTL", "30m")

	_, err := Load(t.TempDir())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache.ttl")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			DB:      DBConfig{Driver: "sqlite", Path: "x.db"},
			Cache:   CacheConfig{Backend: "memory", TTL: 12 * time.Hour, MaxEntries: 10},
			Janitor: JanitorConfig{Interval: time.Minute},
			Rate:    RateConfig{Timeout: time.Second},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"ttl upper bound", func(c *Config) { c.Cache.TTL = 24 * time.Hour }, ""},
		{"ttl too long", func(c *Config) { c.Cache.TTL = 25 * time.Hour }, "cache.ttl"},
		{"postgres without url", func(c *Config) { c.DB.Driver = "postgres" }, "db.url"},
		{"unknown driver", func(c *Config) { c.DB.Driver = "mysql" }, "db.driver"},
		{"unknown backend", func(c *Config) { c.Cache.Backend = "redis" }, "cache.backend"},
		{"zero entries", func(c *Config) { c.Cache.MaxEntries = 0 }, "max_entries"},
		{"rabbit without queue", func(c *Config) { c.Events.RabbitMQURL = "amqp://localhost" }, "events.queue"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
