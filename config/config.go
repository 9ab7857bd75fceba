// Package config loads the service configuration from an optional
// travel.yaml, TRAVEL_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	MinCacheTTL = time.Hour
	MaxCacheTTL = 24 * time.Hour
)

// Config holds all settings. Field tags follow the dotted viper keys.
type Config struct {
	ListenAddr string        `mapstructure:"listen_addr"`
	DB         DBConfig      `mapstructure:"db"`
	Cache      CacheConfig   `mapstructure:"cache"`
	Janitor    JanitorConfig `mapstructure:"janitor"`
	Rate       RateConfig    `mapstructure:"rate"`
	Events     EventsConfig  `mapstructure:"events"`
}

type DBConfig struct {
	Driver string `mapstructure:"driver"` // sqlite | postgres
	Path   string `mapstructure:"path"`
	URL    string `mapstructure:"url"`
}

type CacheConfig struct {
	Backend     string        `mapstructure:"backend"` // memory | sqlite
	TTL         time.Duration `mapstructure:"ttl"`
	MaxEntries  int           `mapstructure:"max_entries"`
	ReadRetries uint64        `mapstructure:"read_retries"`
}

type JanitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type RateConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// EventsConfig selects the change-notification source. An empty
// RabbitMQURL uses the in-process bus only.
type EventsConfig struct {
	RabbitMQURL string `mapstructure:"rabbitmq_url"`
	Queue       string `mapstructure:"queue"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.path", "./data/travel.db")
	v.SetDefault("db.url", "")
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", 12*time.Hour)
	v.SetDefault("cache.max_entries", 10_000)
	v.SetDefault("cache.read_retries", 2)
	v.SetDefault("janitor.interval", 15*time.Minute)
	v.SetDefault("rate.timeout", 300*time.Millisecond)
	v.SetDefault("events.rabbitmq_url", "")
	v.SetDefault("events.queue", "travel-allowance.changes")
}

// Load reads travel.yaml from dir (if present), then applies TRAVEL_*
// environment overrides, e.g. TRAVEL_CACHE_TTL=6h.
func Load(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("travel")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.SetEnvPrefix("TRAVEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.DB.Driver {
	case "sqlite":
		if c.DB.Path == "" {
			errs = append(errs, errors.New("db.path is required for sqlite"))
		}
	case "postgres":
		if c.DB.URL == "" {
			errs = append(errs, errors.New("db.url is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("db.driver %q: must be sqlite or postgres", c.DB.Driver))
	}

	switch c.Cache.Backend {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q: must be memory or sqlite", c.Cache.Backend))
	}
	if c.Cache.TTL < MinCacheTTL || c.Cache.TTL > MaxCacheTTL {
		errs = append(errs, fmt.Errorf("cache.ttl %s: must be between %s and %s", c.Cache.TTL, MinCacheTTL, MaxCacheTTL))
	}
	if c.Cache.MaxEntries <= 0 {
		errs = append(errs, errors.New("cache.max_entries must be positive"))
	}
	if c.Janitor.Interval <= 0 {
		errs = append(errs, errors.New("janitor.interval must be positive"))
	}
	if c.Rate.Timeout <= 0 {
		errs = append(errs, errors.New("rate.timeout must be positive"))
	}
	if c.Events.RabbitMQURL != "" && c.Events.Queue == "" {
		errs = append(errs, errors.New("events.queue is required with events.rabbitmq_url"))
	}
	return errors.Join(errs...)
}
