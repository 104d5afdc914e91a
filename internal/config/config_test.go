package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	for _, k := range []string{"APP_ENV", "HTTP_ADDR", "REDIS_DB", "CACHE_TTL", "TRANSFER_TIMEOUT", "LOCK_TIMEOUT", "SHUTDOWN_TIMEOUT"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("PROVISIONING_KEY", "prov-key")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("STORAGE_DRIVER", DriverMemory)

	cfg, _, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, DriverMemory, cfg.StorageDriver)
	assert.Equal(t, 5*time.Second, cfg.TransferTimeout)
	assert.Equal(t, 2*time.Second, cfg.LockTimeout)
	assert.Equal(t, 10*time.Minute, cfg.CacheTTL)
	assert.False(t, cfg.IsDevelopment())
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("APP_ENV", "development")
	t.Setenv("STORAGE_DRIVER", DriverPostgres)
	t.Setenv("DATABASE_URL", "postgres://ledger@db/ledger")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("TRANSFER_TIMEOUT", "10s")
	t.Setenv("LOCK_TIMEOUT", "750ms")

	cfg, _, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, 10*time.Second, cfg.TransferTimeout)
	assert.Equal(t, 750*time.Millisecond, cfg.LockTimeout)
}

func TestLoadRejectsBadValues(t *testing.T) {
	setRequired(t)
	t.Setenv("STORAGE_DRIVER", DriverMemory)

	t.Setenv("TRANSFER_TIMEOUT", "soon")
	_, _, err := Load()
	assert.ErrorContains(t, err, "TRANSFER_TIMEOUT")

	t.Setenv("TRANSFER_TIMEOUT", "1s")
	t.Setenv("LOCK_TIMEOUT", "3s")
	_, _, err = Load()
	assert.ErrorContains(t, err, "LOCK_TIMEOUT")
}

func TestValidate(t *testing.T) {
	cfg := &Config{StorageDriver: "mongo", TransferTimeout: time.Second, LockTimeout: time.Second}
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "JWT_SECRET")
	assert.ErrorContains(t, err, "PROVISIONING_KEY")
	assert.ErrorContains(t, err, "unknown STORAGE_DRIVER")
}
