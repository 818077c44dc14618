// Package config loads daemon settings from SHIPHUB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const envPrefix = "SHIPHUB_"

// Config is the daemon's runtime configuration.
type Config struct {
	Addr   string `env:"ADDR" envDefault:":8080"`
	DBPath string `env:"DB_PATH" envDefault:"shiphub.db"`

	APIBaseURL   string `env:"API_BASE_URL" envDefault:"https://api.github.com/"`
	UserAgent    string `env:"USER_AGENT" envDefault:"shiphub-server"`
	CallbackHost string `env:"CALLBACK_HOST" envDefault:"localhost:8080"`

	SyncInterval time.Duration `env:"SYNC_INTERVAL" envDefault:"60s"`
	// IdleAfter of zero means three sync intervals.
	IdleAfter          time.Duration `env:"IDLE_AFTER"`
	RateLimitReserve   int           `env:"RATE_LIMIT_RESERVE" envDefault:"1250"`
	PagerConcurrency   int           `env:"PAGER_CONCURRENCY" envDefault:"16"`
	ContentConcurrency int           `env:"CONTENT_CONCURRENCY" envDefault:"4"`
	// RequestRate caps outbound requests per second across the process.
	// Zero disables the limiter.
	RequestRate  float64  `env:"REQUEST_RATE" envDefault:"0"`
	RequestBurst int      `env:"REQUEST_BURST" envDefault:"10"`
	HookEvents   []string `env:"WEBHOOK_EVENTS" envSeparator:"," envDefault:"repository"`

	BusDSN            string `env:"BUS_DSN" envDefault:"memory://"`
	TemporalHostPort  string `env:"TEMPORAL_HOSTPORT"`
	TemporalNamespace string `env:"TEMPORAL_NAMESPACE" envDefault:"default"`
	OTLPEndpoint      string `env:"OTEL_ENDPOINT"`

	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("db path is required"))
	}
	if strings.TrimSpace(c.CallbackHost) == "" {
		errs = append(errs, errors.New("callback host is required"))
	}
	if c.SyncInterval <= 0 {
		errs = append(errs, fmt.Errorf("sync interval must be positive, got %s", c.SyncInterval))
	}
	if c.IdleAfter < 0 {
		errs = append(errs, fmt.Errorf("idle after must not be negative, got %s", c.IdleAfter))
	}
	if c.RateLimitReserve < 0 {
		errs = append(errs, fmt.Errorf("rate limit reserve must not be negative, got %d", c.RateLimitReserve))
	}
	if c.RequestRate < 0 {
		errs = append(errs, fmt.Errorf("request rate must not be negative, got %g", c.RequestRate))
	}
	if len(c.HookEvents) == 0 {
		errs = append(errs, errors.New("at least one webhook event is required"))
	}
	return errors.Join(errs...)
}
