package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

// DefaultSessionSecret lets a development server start without setup. It is
// on the weak list, so production refuses it.
const DefaultSessionSecret = "dev-secret-change-me"

var knownWeakSecrets = []string{
	"change-me", DefaultSessionSecret, "secret", "admin", "password",
}

// Store backends selectable through STORE_BACKEND.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

type Config struct {
	Port                  int    `env:"PORT" envDefault:"3000"`
	AppEnv                string `env:"APP_ENV" envDefault:"development"`
	SessionSecret         string `env:"SESSION_SECRET" envDefault:"dev-secret-change-me"`
	SessionTTLHours       int    `env:"SESSION_TTL_HOURS" envDefault:"24"`
	PairingTTLMinutes     int    `env:"PAIRING_TTL_MINUTES" envDefault:"5"`
	TokenMaxAgeDays       int    `env:"TOKEN_MAX_AGE_DAYS" envDefault:"30"`
	StoreBackend          string `env:"STORE_BACKEND" envDefault:"memory"`
	StoreCapacity         int    `env:"STORE_CAPACITY" envDefault:"100"`
	SessionsDir           string `env:"SESSIONS_DIR" envDefault:"./storage/sessions"`
	DatabaseURL           string `env:"DATABASE_URL"`
	RedisURL              string `env:"REDIS_URL"`
	BridgeURL             string `env:"BRIDGE_URL"`
	BridgeToken           string `env:"BRIDGE_TOKEN"`
	SweepIntervalMinutes  int    `env:"SWEEP_INTERVAL_MINUTES" envDefault:"60"`
	CreateRateLimitPerMin int    `env:"CREATE_RATE_LIMIT_PER_MIN" envDefault:"20"`
	CodeAttemptsPerMin    int    `env:"CODE_ATTEMPTS_PER_MIN" envDefault:"30"`
	LogLevel              string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}

func (c *Config) PairingTTL() time.Duration {
	return time.Duration(c.PairingTTLMinutes) * time.Minute
}

func (c *Config) TokenMaxAge() time.Duration {
	return time.Duration(c.TokenMaxAgeDays) * 24 * time.Hour
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func (c *Config) Validate(isProduction bool) error {
	if c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required (generate with: openssl rand -hex 32)")
	}
	if err := validateSecret("SESSION_SECRET", c.SessionSecret); err != nil {
		if isProduction {
			return err
		}
		log.Warn().Err(err).Msg("weak session secret accepted outside production")
	}

	switch c.StoreBackend {
	case StoreMemory, StoreFile:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=%s", StorePostgres)
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when STORE_BACKEND=%s", StoreRedis)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be one of memory, file, postgres, redis (got %q)", c.StoreBackend)
	}

	if c.StoreBackend == StoreFile && strings.TrimSpace(c.SessionsDir) == "" {
		return fmt.Errorf("SESSIONS_DIR is required when STORE_BACKEND=%s", StoreFile)
	}
	if c.StoreCapacity <= 0 {
		return fmt.Errorf("STORE_CAPACITY must be positive")
	}
	if c.SessionTTLHours <= 0 || c.PairingTTLMinutes <= 0 || c.TokenMaxAgeDays <= 0 {
		return fmt.Errorf("SESSION_TTL_HOURS, PAIRING_TTL_MINUTES and TOKEN_MAX_AGE_DAYS must be positive")
	}
	if c.SweepIntervalMinutes <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_MINUTES must be positive")
	}
	if c.CreateRateLimitPerMin <= 0 {
		return fmt.Errorf("CREATE_RATE_LIMIT_PER_MIN must be positive")
	}

	if c.BridgeURL != "" && c.RedisURL == "" {
		log.Warn().Msg("BRIDGE_URL is set without REDIS_URL: bridge connection events will not be received")
	}

	if isProduction {
		if c.BridgeURL != "" && c.BridgeToken == "" {
			log.Warn().Msg("BRIDGE_TOKEN is empty in production: bridge requests are unauthenticated")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -hex 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	return &cfg, nil
}
