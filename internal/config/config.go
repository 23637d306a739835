// Package config loads settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"booklibrary/internal/storage"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const (
	defaultSecretKey     = "dev-secret-key"
	defaultAdminPassword = "admin123"
)

// Config holds every runtime setting.
type Config struct {
	DBDriver     storage.Driver
	DatabaseURL  string
	Addr         string
	SecretKey    string
	TokenTTL     time.Duration
	LogLevel     slog.Level
	LoanPeriod   time.Duration
	OTLPEndpoint string
	AuthRate     float64
	AuthBurst    int

	AdminUsername string
	AdminEmail    string
	AdminPassword string

	APIURL string
}

// Load reads .env files when present, then the environment.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables only.
func FromEnv() (*Config, error) {
	driver, err := storage.ParseDriver(getEnv("LIBRARY_DB_DRIVER", string(storage.DriverSQLite)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cfg := &Config{
		DBDriver:      driver,
		DatabaseURL:   getEnv("LIBRARY_DATABASE_URL", "library.db"),
		Addr:          ":" + getEnv("PORT", "8080"),
		SecretKey:     getEnv("LIBRARY_SECRET_KEY", defaultSecretKey),
		OTLPEndpoint:  getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		AdminUsername: getEnv("LIBRARY_ADMIN_USERNAME", "admin"),
		AdminEmail:    getEnv("LIBRARY_ADMIN_EMAIL", "admin@library.local"),
		AdminPassword: getEnv("LIBRARY_ADMIN_PASSWORD", defaultAdminPassword),
		APIURL:        getEnv("LIBRARY_API_URL", "http://localhost:8080"),
	}

	if cfg.TokenTTL, err = getDuration("LIBRARY_TOKEN_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.LoanPeriod, err = getDuration("LIBRARY_LOAN_PERIOD", 14*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.AuthRate, err = getFloat("LIBRARY_AUTH_RATE", 5.0/60.0); err != nil {
		return nil, err
	}
	if cfg.AuthBurst, err = getInt("LIBRARY_AUTH_BURST", 5); err != nil {
		return nil, err
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LIBRARY_LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("%w: LIBRARY_LOG_LEVEL: %v", ErrInvalidConfig, err)
	}

	return cfg, nil
}

// InsecureDefaults names the settings still at their development defaults.
func (c *Config) InsecureDefaults() []string {
	var names []string
	if c.SecretKey == defaultSecretKey {
		names = append(names, "LIBRARY_SECRET_KEY")
	}
	if c.AdminPassword == defaultAdminPassword {
		names = append(names, "LIBRARY_ADMIN_PASSWORD")
	}
	return names
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive duration", ErrInvalidConfig, key)
	}
	return d, nil
}

func getFloat(key string, defaultValue float64) (float64, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive number", ErrInvalidConfig, key)
	}
	return f, nil
}

func getInt(key string, defaultValue int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", ErrInvalidConfig, key)
	}
	return n, nil
}
