package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var strongSecret = strings.Repeat("k", 40)

func validConfig() *Config {
	return &Config{
		Port:                  3000,
		SessionSecret:         strongSecret,
		SessionTTLHours:       24,
		PairingTTLMinutes:     5,
		TokenMaxAgeDays:       30,
		StoreBackend:          StoreMemory,
		StoreCapacity:         100,
		SessionsDir:           "./storage/sessions",
		SweepIntervalMinutes:  60,
		CreateRateLimitPerMin: 20,
	}
}

// unsetEnv removes key for the duration of the test and restores it after.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestConfigMethods(t *testing.T) {
	cfg := validConfig()

	assert.Equal(t, ":3000", cfg.Addr())
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL())
	assert.Equal(t, 5*time.Minute, cfg.PairingTTL())
	assert.Equal(t, 30*24*time.Hour, cfg.TokenMaxAge())
	assert.Equal(t, time.Hour, cfg.SweepInterval())
	assert.False(t, cfg.IsProduction())

	cfg.AppEnv = "production"
	assert.True(t, cfg.IsProduction())
}

func TestLoad(t *testing.T) {
	t.Run("loads config with defaults", func(t *testing.T) {
		for _, key := range []string{
			"PORT", "APP_ENV", "SESSION_TTL_HOURS", "PAIRING_TTL_MINUTES", "TOKEN_MAX_AGE_DAYS",
			"STORE_BACKEND", "STORE_CAPACITY", "SESSIONS_DIR", "SWEEP_INTERVAL_MINUTES",
			"CREATE_RATE_LIMIT_PER_MIN", "CODE_ATTEMPTS_PER_MIN", "LOG_LEVEL",
		} {
			unsetEnv(t, key)
		}
		t.Setenv("SESSION_SECRET", strongSecret)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Port)
		assert.Equal(t, "development", cfg.AppEnv)
		assert.Equal(t, 24, cfg.SessionTTLHours)
		assert.Equal(t, 5, cfg.PairingTTLMinutes)
		assert.Equal(t, 30, cfg.TokenMaxAgeDays)
		assert.Equal(t, StoreMemory, cfg.StoreBackend)
		assert.Equal(t, 100, cfg.StoreCapacity)
		assert.Equal(t, "./storage/sessions", cfg.SessionsDir)
		assert.Equal(t, 60, cfg.SweepIntervalMinutes)
		assert.Equal(t, 20, cfg.CreateRateLimitPerMin)
		assert.Equal(t, 30, cfg.CodeAttemptsPerMin)
		assert.Equal(t, "info", cfg.LogLevel)
	})

	t.Run("falls back to a development secret", func(t *testing.T) {
		unsetEnv(t, "SESSION_SECRET")
		unsetEnv(t, "STORE_BACKEND")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, DefaultSessionSecret, cfg.SessionSecret)
		assert.NoError(t, cfg.Validate(false))
		assert.Error(t, cfg.Validate(true))
	})

	t.Run("loads custom values", func(t *testing.T) {
		t.Setenv("PORT", "8080")
		t.Setenv("STORE_BACKEND", " Redis ")
		t.Setenv("REDIS_URL", "redis://localhost:6379")
		t.Setenv("STORE_CAPACITY", "500")
		t.Setenv("LOG_LEVEL", "debug")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Port)
		assert.Equal(t, StoreRedis, cfg.StoreBackend)
		assert.Equal(t, 500, cfg.StoreCapacity)
		assert.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("rejects malformed numbers", func(t *testing.T) {
		t.Setenv("STORE_CAPACITY", "lots")

		_, err := Load()
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Run("accepts defaults", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate(true))
	})

	t.Run("requires a secret", func(t *testing.T) {
		cfg := validConfig()
		cfg.SessionSecret = ""
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("weak secret only fails in production", func(t *testing.T) {
		for _, secret := range []string{"change-me", "short"} {
			cfg := validConfig()
			cfg.SessionSecret = secret
			assert.NoError(t, cfg.Validate(false), secret)
			assert.Error(t, cfg.Validate(true), secret)
		}
	})

	t.Run("store backend requirements", func(t *testing.T) {
		tests := []struct {
			name    string
			mutate  func(*Config)
			wantErr string
		}{
			{"postgres without url", func(c *Config) { c.StoreBackend = StorePostgres }, "DATABASE_URL"},
			{"redis without url", func(c *Config) { c.StoreBackend = StoreRedis }, "REDIS_URL"},
			{"unknown backend", func(c *Config) { c.StoreBackend = "etcd" }, "STORE_BACKEND"},
			{"file without dir", func(c *Config) { c.StoreBackend = StoreFile; c.SessionsDir = " " }, "SESSIONS_DIR"},
			{"zero capacity", func(c *Config) { c.StoreCapacity = 0 }, "STORE_CAPACITY"},
			{"zero ttl", func(c *Config) { c.PairingTTLMinutes = 0 }, "PAIRING_TTL_MINUTES"},
			{"zero sweep interval", func(c *Config) { c.SweepIntervalMinutes = 0 }, "SWEEP_INTERVAL_MINUTES"},
			{"zero create limit", func(c *Config) { c.CreateRateLimitPerMin = 0 }, "CREATE_RATE_LIMIT_PER_MIN"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				cfg := validConfig()
				tt.mutate(cfg)
				err := cfg.Validate(false)
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			})
		}
	})

	t.Run("configured backends pass", func(t *testing.T) {
		cfg := validConfig()
		cfg.StoreBackend = StorePostgres
		cfg.DatabaseURL = "postgres://localhost/pairlink"
		assert.NoError(t, cfg.Validate(false))

		cfg = validConfig()
		cfg.StoreBackend = StoreRedis
		cfg.RedisURL = "redis://localhost:6379"
		assert.NoError(t, cfg.Validate(false))
	})
}
