package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booklibrary/internal/storage"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, storage.DriverSQLite, cfg.DBDriver)
	assert.Equal(t, "library.db", cfg.DatabaseURL)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 14*24*time.Hour, cfg.LoanPeriod)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, 5, cfg.AuthBurst)
	assert.Equal(t, "admin", cfg.AdminUsername)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LIBRARY_DB_DRIVER", "postgres")
	t.Setenv("LIBRARY_DATABASE_URL", "postgres://localhost/library")
	t.Setenv("PORT", "9090")
	t.Setenv("LIBRARY_LOAN_PERIOD", "168h")
	t.Setenv("LIBRARY_LOG_LEVEL", "debug")
	t.Setenv("LIBRARY_AUTH_BURST", "10")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, storage.DriverPostgres, cfg.DBDriver)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 7*24*time.Hour, cfg.LoanPeriod)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 10, cfg.AuthBurst)
}

func TestDotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LIBRARY_SECRET_KEY=from-file\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("LIBRARY_SECRET_KEY") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.SecretKey)
}

func TestInvalidValues(t *testing.T) {
	tests := map[string]string{
		"LIBRARY_DB_DRIVER":   "mysql",
		"LIBRARY_LOAN_PERIOD": "two weeks",
		"LIBRARY_TOKEN_TTL":   "-1h",
		"LIBRARY_AUTH_RATE":   "0",
		"LIBRARY_AUTH_BURST":  "x",
		"LIBRARY_LOG_LEVEL":   "loud",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := FromEnv()
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestInsecureDefaults(t *testing.T) {
	t.Setenv("LIBRARY_SECRET_KEY", defaultSecretKey)
	t.Setenv("LIBRARY_ADMIN_PASSWORD", defaultAdminPassword)
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"LIBRARY_SECRET_KEY", "LIBRARY_ADMIN_PASSWORD"}, cfg.InsecureDefaults())

	t.Setenv("LIBRARY_SECRET_KEY", "a-real-secret")
	cfg, err = FromEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"LIBRARY_ADMIN_PASSWORD"}, cfg.InsecureDefaults())

	t.Setenv("LIBRARY_ADMIN_PASSWORD", "long-and-random")
	cfg, err = FromEnv()
	require.NoError(t, err)
	assert.Empty(t, cfg.InsecureDefaults())
}
