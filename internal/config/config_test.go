package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, time.Minute, cfg.SyncInterval)
	assert.Equal(t, 1250, cfg.RateLimitReserve)
	assert.Equal(t, 16, cfg.PagerConcurrency)
	assert.Equal(t, []string{"repository"}, cfg.HookEvents)
	assert.Equal(t, "memory://", cfg.BusDSN)
	assert.Empty(t, cfg.TemporalHostPort)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SHIPHUB_SYNC_INTERVAL", "30s")
	t.Setenv("SHIPHUB_WEBHOOK_EVENTS", "repository,issues")
	t.Setenv("SHIPHUB_BUS_DSN", "postgres://localhost/shiphub")
	t.Setenv("SHIPHUB_REQUEST_RATE", "2.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, []string{"repository", "issues"}, cfg.HookEvents)
	assert.Equal(t, "postgres://localhost/shiphub", cfg.BusDSN)
	assert.InDelta(t, 2.5, cfg.RequestRate, 1e-9)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("SHIPHUB_SYNC_INTERVAL", "banana")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("SHIPHUB_SYNC_INTERVAL", "0s")
	t.Setenv("SHIPHUB_CALLBACK_HOST", " ")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync interval")
	assert.Contains(t, err.Error(), "callback host")
}
