// Package config loads creditgate configuration from the environment.
//
// Values come from environment variables with defaults (12-factor app
// pattern). A .env file in the working directory is loaded first when
// present; variables already set in the environment win over it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all configuration for the server and the CLI.
type Config struct {
	GRPCPort    string
	HTTPPort    string
	LogLevel    string
	Environment string

	StoreDriver string
	SQLitePath  string
	PostgresURL string

	// RedisAddr empty disables the balance mirror.
	RedisAddr     string
	RedisPassword string

	// PricingFile empty uses the embedded table.
	PricingFile string

	// StorageDir empty keeps provider URLs instead of copying artifacts.
	StorageDir       string
	StoragePublicURL string

	FalAPIKey         string
	FalBaseURL        string
	ReplicateAPIToken string
	ReplicateBaseURL  string

	StripeWebhookSecret string

	LedgerTxTimeout    time.Duration
	MirrorSyncInterval time.Duration
	SweepInterval      time.Duration
	SweepMinAge        time.Duration
	TaskWorkers        int
	TaskQueueSize      int
}

// Load reads the configuration. It does not validate it.
func Load() (*Config, error) {
	// Missing .env is fine; only parse errors matter.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		GRPCPort:            getEnv("GRPC_PORT", "9090"),
		HTTPPort:            getEnv("HTTP_PORT", "8080"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		Environment:         getEnv("ENVIRONMENT", "development"),
		StoreDriver:         getEnv("STORE_DRIVER", DriverSQLite),
		SQLitePath:          getEnv("SQLITE_PATH", "data/creditgate.db"),
		PostgresURL:         getEnv("POSTGRES_URL", ""),
		RedisAddr:           getEnv("REDIS_ADDR", ""),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		PricingFile:         getEnv("PRICING_FILE", ""),
		StorageDir:          getEnv("STORAGE_DIR", ""),
		StoragePublicURL:    getEnv("STORAGE_PUBLIC_URL", "http://localhost:8080/media"),
		FalAPIKey:           getEnv("FAL_API_KEY", ""),
		FalBaseURL:          getEnv("FAL_BASE_URL", "https://queue.fal.run"),
		ReplicateAPIToken:   getEnv("REPLICATE_API_TOKEN", ""),
		ReplicateBaseURL:    getEnv("REPLICATE_BASE_URL", "https://api.replicate.com"),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
	}

	var err error
	if cfg.LedgerTxTimeout, err = getDuration("LEDGER_TX_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.MirrorSyncInterval, err = getDuration("MIRROR_SYNC_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getDuration("SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.SweepMinAge, err = getDuration("SWEEP_MIN_AGE", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.TaskWorkers, err = getInt("TASK_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.TaskQueueSize, err = getInt("TASK_QUEUE_SIZE", 1000); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fails fast on settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.PostgresURL == "" {
			return errors.New("POSTGRES_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q (want memory, sqlite or postgres)", c.StoreDriver)
	}
	if c.LedgerTxTimeout <= 0 {
		return errors.New("LEDGER_TX_TIMEOUT must be positive")
	}
	if c.TaskWorkers <= 0 || c.TaskQueueSize <= 0 {
		return errors.New("TASK_WORKERS and TASK_QUEUE_SIZE must be positive")
	}
	if c.StorageDir != "" && c.StoragePublicURL == "" {
		return errors.New("STORAGE_PUBLIC_URL is required when STORAGE_DIR is set")
	}
	return nil
}

// MirrorEnabled reports whether a Redis mirror is configured.
func (c *Config) MirrorEnabled() bool { return c.RedisAddr != "" }

// Development reports whether the server runs in development mode.
func (c *Config) Development() bool { return c.Environment == "development" }

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
