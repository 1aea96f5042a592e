// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP/WebSocket server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabasePath is the SQLite database file path.
	DatabasePath string `mapstructure:"DATABASE_PATH"`
	// JWTPublicKey is the PEM-encoded public key (RSA or ECDSA) or a path to a PEM file.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the expected iss claim on every token.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// SessionTTL is the signature-session lifetime (e.g. "5m").
	SessionTTL string `mapstructure:"SESSION_TTL"`
	// PingInterval is how often transport pings go out (e.g. "25s").
	PingInterval string `mapstructure:"PING_INTERVAL"`
	// SweepInterval is how often the staleness sweep runs (e.g. "30s").
	SweepInterval string `mapstructure:"SWEEP_INTERVAL"`
	// StaleAfter is the heartbeat silence after which a connection is evicted (e.g. "2m").
	StaleAfter string `mapstructure:"STALE_AFTER"`
	// EventQueueSize is the signature-event publisher queue capacity.
	EventQueueSize int `mapstructure:"EVENT_QUEUE_SIZE"`
	// EventHistorySize is how many recent signature events are retained for /health.
	EventHistorySize int `mapstructure:"EVENT_HISTORY_SIZE"`
	// LogLevel is the zerolog level (e.g. "debug", "info").
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_PATH", "signatures.db")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "signature-relay")
	v.SetDefault("SESSION_TTL", "5m")
	v.SetDefault("PING_INTERVAL", "25s")
	v.SetDefault("SWEEP_INTERVAL", "30s")
	v.SetDefault("STALE_AFTER", "2m")
	v.SetDefault("EVENT_QUEUE_SIZE", 256)
	v.SetDefault("EVENT_HISTORY_SIZE", 64)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.JWTPublicKey == "" {
		return nil, errors.New("config: JWT_PUBLIC_KEY must be set")
	}
	if cfg.EventQueueSize <= 0 {
		return nil, errors.New("config: EVENT_QUEUE_SIZE must be positive")
	}
	if cfg.EventHistorySize <= 0 {
		return nil, errors.New("config: EVENT_HISTORY_SIZE must be positive")
	}

	return &cfg, nil
}

// SessionTTLDuration parses SessionTTL. Returns 5m if unset or invalid.
func (c *Config) SessionTTLDuration() time.Duration {
	return parseDuration(c.SessionTTL, 5*time.Minute)
}

// PingIntervalDuration parses PingInterval. Returns 25s if unset or invalid.
func (c *Config) PingIntervalDuration() time.Duration {
	return parseDuration(c.PingInterval, 25*time.Second)
}

// SweepIntervalDuration parses SweepInterval. Returns 30s if unset or invalid.
func (c *Config) SweepIntervalDuration() time.Duration {
	return parseDuration(c.SweepInterval, 30*time.Second)
}

// StaleAfterDuration parses StaleAfter. Returns 2m if unset or invalid.
func (c *Config) StaleAfterDuration() time.Duration {
	return parseDuration(c.StaleAfter, 2*time.Minute)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
