package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	AppURL    string `env:"APP_URL" default:"http://localhost:8080"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// APIKeys is the comma-separated shared-key allowlist for the
	// authenticate command.
	APIKeys string `env:"API_KEYS"`

	// RedisURL enables Redis-backed sessions. Empty keeps sessions
	// in memory.
	RedisURL string `env:"REDIS_URL"`

	MaxConnections      int     `env:"MAX_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP int     `env:"MAX_CONNECTIONS_PER_IP" default:"20"`
	ConnectionRate      float64 `env:"CONNECTION_RATE" default:"10"`
	ConnectionBurst     int     `env:"CONNECTION_BURST" default:"10"`

	InactiveTimeout   time.Duration `env:"INACTIVE_TIMEOUT" default:"120s"`
	SessionTTL        time.Duration `env:"SESSION_TTL" default:"1h"`
	BatchMaxSize      int           `env:"BATCH_MAX_SIZE" default:"50"`
	BatchMaxWait      time.Duration `env:"BATCH_MAX_WAIT" default:"1s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" default:"30s"`
	ExpirySweep       time.Duration `env:"EXPIRY_SWEEP_INTERVAL" default:"60s"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// APIKeyList splits the allowlist, dropping empty entries.
func (c *Config) APIKeyList() []string {
	var keys []string
	for _, key := range strings.Split(c.APIKeys, ",") {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// IsDevelopment reports whether the app runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func validate(cfg *Config) error {
	if len(cfg.APIKeyList()) == 0 {
		return errors.New("API_KEYS is required (comma-separated allowlist)")
	}
	if cfg.MaxConnections < 1 {
		return errors.New("MAX_CONNECTIONS must be at least 1")
	}
	if cfg.MaxConnectionsPerIP < 1 {
		return errors.New("MAX_CONNECTIONS_PER_IP must be at least 1")
	}
	if cfg.MaxConnectionsPerIP > cfg.MaxConnections {
		return fmt.Errorf("MAX_CONNECTIONS_PER_IP (%d) must not exceed MAX_CONNECTIONS (%d)",
			cfg.MaxConnectionsPerIP, cfg.MaxConnections)
	}
	if cfg.BatchMaxSize < 1 {
		return errors.New("BATCH_MAX_SIZE must be at least 1")
	}
	if cfg.BatchMaxWait <= 0 {
		return errors.New("BATCH_MAX_WAIT must be positive")
	}
	if cfg.SessionTTL <= 0 {
		return errors.New("SESSION_TTL must be positive")
	}
	if cfg.InactiveTimeout <= 0 {
		return errors.New("INACTIVE_TIMEOUT must be positive")
	}
	return nil
}
