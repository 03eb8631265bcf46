// Package config loads engine configuration from YAML files with
// environment variable overrides for deployment knobs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full engine configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Auth          AuthConfig          `yaml:"auth"`
	Trust         TrustConfig         `yaml:"trust"`
	Limiter       LimiterConfig       `yaml:"limiter"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// AuthConfig tunes the challenge-response protocol.
type AuthConfig struct {
	ChallengeTTL time.Duration `yaml:"challenge_ttl"`
	SessionTTL   time.Duration `yaml:"session_ttl"`
}

// TrustConfig tunes trust level resolution.
type TrustConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// LimiterConfig selects the rate limiter backend.
type LimiterConfig struct {
	Backend       string `yaml:"backend"` // "memory" | "redis"
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// AuditConfig selects the audit log backend.
type AuditConfig struct {
	Backend     string `yaml:"backend"` // "memory" | "sqlite" | "postgres"
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ObservabilityConfig controls metric export.
type ObservabilityConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the single-process development configuration.
func Default() *Config {
	return &Config{
		LogLevel: "INFO",
		Auth: AuthConfig{
			ChallengeTTL: 60 * time.Second,
			SessionTTL:   30 * time.Minute,
		},
		Trust:   TrustConfig{CacheTTL: 5 * time.Minute},
		Limiter: LimiterConfig{Backend: "memory"},
		Audit:   AuditConfig{Backend: "memory"},
	}
}

// LoadFile reads a YAML configuration file over the defaults, then
// applies environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load returns the defaults with environment overrides applied, for
// deployments without a config file.
func Load() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ATP_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("ATP_REDIS_ADDR"); v != "" {
		c.Limiter.Backend = "redis"
		c.Limiter.RedisAddr = v
	}
	if v := os.Getenv("ATP_POSTGRES_DSN"); v != "" {
		c.Audit.Backend = "postgres"
		c.Audit.PostgresDSN = v
	}
	if v := os.Getenv("ATP_OTLP_ENDPOINT"); v != "" {
		c.Observability.Enabled = true
		c.Observability.OTLPEndpoint = v
	}
}

// Validate rejects configurations that cannot be wired.
func (c *Config) Validate() error {
	switch c.Limiter.Backend {
	case "memory":
	case "redis":
		if c.Limiter.RedisAddr == "" {
			return fmt.Errorf("config: redis limiter needs redis_addr")
		}
	default:
		return fmt.Errorf("config: unknown limiter backend %q", c.Limiter.Backend)
	}

	switch c.Audit.Backend {
	case "memory":
	case "sqlite":
		if c.Audit.SQLitePath == "" {
			return fmt.Errorf("config: sqlite audit store needs sqlite_path")
		}
	case "postgres":
		if c.Audit.PostgresDSN == "" {
			return fmt.Errorf("config: postgres audit store needs postgres_dsn")
		}
	default:
		return fmt.Errorf("config: unknown audit backend %q", c.Audit.Backend)
	}

	if c.Auth.ChallengeTTL < 0 || c.Auth.SessionTTL < 0 || c.Trust.CacheTTL < 0 {
		return fmt.Errorf("config: negative TTL")
	}
	return nil
}
