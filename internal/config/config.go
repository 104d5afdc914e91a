package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Env      string
	HTTPAddr string

	StorageDriver string
	DatabaseURL   string

	// Empty RedisAddr disables the balance cache.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	// Empty RabbitURL disables transfer events.
	RabbitURL     string
	TransferQueue string

	JWTSecret       string
	ProvisioningKey string

	TransferTimeout time.Duration
	LockTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Load reads .env if present and then the process environment. The returned
// bool reports whether a .env file was loaded.
func Load() (*Config, bool, error) {
	loaded := godotenv.Load() == nil

	cfg := &Config{
		Env:             getEnv("APP_ENV", "production"),
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		StorageDriver:   getEnv("STORAGE_DRIVER", DriverPostgres),
		DatabaseURL:     getEnv("DATABASE_URL", "host=localhost user=postgres password=postgres dbname=ledger_db port=5432 sslmode=disable"),
		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RabbitURL:       getEnv("RABBITMQ_URL", ""),
		TransferQueue:   getEnv("TRANSFER_QUEUE", "ledger_transfers"),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		ProvisioningKey: getEnv("PROVISIONING_KEY", ""),
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, loaded, err
	}
	if cfg.CacheTTL, err = getDuration("CACHE_TTL", 10*time.Minute); err != nil {
		return nil, loaded, err
	}
	if cfg.TransferTimeout, err = getDuration("TRANSFER_TIMEOUT", 5*time.Second); err != nil {
		return nil, loaded, err
	}
	if cfg.LockTimeout, err = getDuration("LOCK_TIMEOUT", 2*time.Second); err != nil {
		return nil, loaded, err
	}
	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 5*time.Second); err != nil {
		return nil, loaded, err
	}

	return cfg, loaded, cfg.Validate()
}

func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.ProvisioningKey == "" {
		errs = append(errs, errors.New("PROVISIONING_KEY is required"))
	}
	switch c.StorageDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver))
	}
	if c.TransferTimeout <= 0 {
		errs = append(errs, errors.New("TRANSFER_TIMEOUT must be positive"))
	}
	if c.LockTimeout <= 0 || c.LockTimeout > c.TransferTimeout {
		errs = append(errs, errors.New("LOCK_TIMEOUT must be positive and not exceed TRANSFER_TIMEOUT"))
	}
	return errors.Join(errs...)
}

func (c *Config) IsDevelopment() bool { return c.Env == "development" }

// Helper to get env with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
