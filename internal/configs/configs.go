/*
Package configs loads the relay's configuration from environment variables.

Every setting has a development default; settings that protect production (the JWT secret)
are required outside development.
*/
package configs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// FanoutMemory delivers events only within this process.
	FanoutMemory = "memory"

	// FanoutRedis shares events between processes over Redis pub/sub.
	FanoutRedis = "redis"

	// FanoutNATS shares events between processes over NATS subjects.
	FanoutNATS = "nats"
)

// AppConfig contains all configuration parameters required for the application to run.
type AppConfig struct {
	// General Server Settings
	Environment string
	Port        int

	// Security Settings
	AllowedOrigins []string
	JWTSecret      string

	// Database Settings. An empty DSN in development selects the in-memory store.
	DatabaseDSN string

	// Fanout Bus Settings
	FanoutDriver       string
	RedisURL           string
	NatsURL            string
	BusRetryAttempts   uint64
	BusRetryBaseDelay  time.Duration
	BusRetryMultiplier float64

	// Room Settings
	GuestSessionTTL    time.Duration
	TypingTTL          time.Duration
	HistoryLimit       int
	GuestPurgeSchedule string
}

// IsDevelopment reports whether the process runs in the development environment.
func (c *AppConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// LoadConfig reads and validates the configuration from environment variables.
func LoadConfig() (*AppConfig, error) {
	cfg := &AppConfig{}
	var err error

	// --- General Server Settings ---
	cfg.Environment = getEnv("ENVIRONMENT", "development")

	cfg.Port, err = getInt("PORT", 8080)
	if err != nil {
		return nil, err
	}
	if cfg.Port < 1024 || cfg.Port > 65535 {
		return nil, fmt.Errorf("port number %d is outside the recommended range (%d-%d) to avoid privileged ports", cfg.Port, 1024, 65535)
	}

	// --- Security Settings ---
	if originsStr := os.Getenv("ALLOWED_ORIGINS"); originsStr != "" {
		for _, origin := range strings.Split(originsStr, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, trimmed)
			}
		}
	} else {
		cfg.AllowedOrigins = []string{}
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		if !cfg.IsDevelopment() {
			return nil, fmt.Errorf("JWT_SECRET environment variable is required in %s environment for security", cfg.Environment)
		}
		cfg.JWTSecret = "your_default_insecure_secret_key_change_me"
	}

	// --- Database Settings ---
	cfg.DatabaseDSN = os.Getenv("DATABASE_URL")
	if cfg.DatabaseDSN == "" && !cfg.IsDevelopment() {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required in %s environment", cfg.Environment)
	}

	// --- Fanout Bus Settings ---
	cfg.FanoutDriver = strings.ToLower(getEnv("FANOUT_DRIVER", FanoutMemory))
	switch cfg.FanoutDriver {
	case FanoutMemory, FanoutRedis, FanoutNATS:
	default:
		return nil, fmt.Errorf("invalid FANOUT_DRIVER %q: want %s, %s or %s", cfg.FanoutDriver, FanoutMemory, FanoutRedis, FanoutNATS)
	}

	cfg.RedisURL = getEnv("REDIS_URL", "redis://localhost:6379/0")
	cfg.NatsURL = getEnv("NATS_URL", "nats://localhost:4222")

	attempts, err := getInt("BUS_RETRY_ATTEMPTS", 5)
	if err != nil {
		return nil, err
	}
	if attempts < 1 {
		return nil, fmt.Errorf("BUS_RETRY_ATTEMPTS must be at least 1, got %d", attempts)
	}
	cfg.BusRetryAttempts = uint64(attempts)

	if cfg.BusRetryBaseDelay, err = getDuration("BUS_RETRY_BASE_DELAY", 100*time.Millisecond); err != nil {
		return nil, err
	}

	multiplierStr := getEnv("BUS_RETRY_MULTIPLIER", "2")
	cfg.BusRetryMultiplier, err = strconv.ParseFloat(multiplierStr, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid BUS_RETRY_MULTIPLIER environment variable: %w", err)
	}
	if cfg.BusRetryMultiplier < 1 {
		return nil, fmt.Errorf("BUS_RETRY_MULTIPLIER must be >= 1, got %v", cfg.BusRetryMultiplier)
	}

	// --- Room Settings ---
	if cfg.GuestSessionTTL, err = getDuration("GUEST_SESSION_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.TypingTTL, err = getDuration("TYPING_TTL", 3*time.Second); err != nil {
		return nil, err
	}

	cfg.HistoryLimit, err = getInt("HISTORY_LIMIT", 50)
	if err != nil {
		return nil, err
	}
	if cfg.HistoryLimit < 1 {
		return nil, fmt.Errorf("HISTORY_LIMIT must be positive, got %d", cfg.HistoryLimit)
	}

	cfg.GuestPurgeSchedule = getEnv("GUEST_PURGE_SCHEDULE", "@every 10m")

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s environment variable: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s environment variable: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, d)
	}
	return d, nil
}
