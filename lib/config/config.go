// Package config loads hxstream settings from the environment.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// Strategies accepted by Strategy. They match the hydration runtime's.
const (
	StrategyEvent = "event"
	StrategyPoll  = "poll"
)

// Config holds every HXSTREAM_* setting. Command-line flags override these
// after parsing.
type Config struct {
	Addr            string        `env:"HXSTREAM_ADDR"             envDefault:":8080"`
	UpstreamURL     string        `env:"HXSTREAM_UPSTREAM_URL"     envDefault:"http://localhost:2345"`
	UpstreamTimeout time.Duration `env:"HXSTREAM_UPSTREAM_TIMEOUT" envDefault:"30s"`
	Strategy        string        `env:"HXSTREAM_STRATEGY"         envDefault:"event"`
	HydrateTimeout  time.Duration `env:"HXSTREAM_HYDRATE_TIMEOUT"  envDefault:"10s"`
	PollInterval    time.Duration `env:"HXSTREAM_POLL_INTERVAL"    envDefault:"30ms"`
	MetricsAddr     string        `env:"HXSTREAM_METRICS_ADDR"`
	MockAddr        string        `env:"HXSTREAM_MOCK_ADDR"        envDefault:":2345"`
	MockFixtures    string        `env:"HXSTREAM_MOCK_FIXTURES"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values env parsing cannot.
func (c Config) Validate() error {
	u, err := url.Parse(c.UpstreamURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("HXSTREAM_UPSTREAM_URL %q: must be an absolute http(s) URL", c.UpstreamURL)
	}
	if c.Strategy != StrategyEvent && c.Strategy != StrategyPoll {
		return fmt.Errorf("HXSTREAM_STRATEGY %q: must be %q or %q", c.Strategy, StrategyEvent, StrategyPoll)
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("HXSTREAM_UPSTREAM_TIMEOUT must be positive")
	}
	if c.HydrateTimeout <= 0 {
		return fmt.Errorf("HXSTREAM_HYDRATE_TIMEOUT must be positive")
	}
	if c.PollInterval <= 0 || c.PollInterval > c.HydrateTimeout {
		return fmt.Errorf("HXSTREAM_POLL_INTERVAL must be positive and below the hydrate timeout")
	}
	return nil
}
