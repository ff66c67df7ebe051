package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 30, cfg.ScanWindowDays)
	assert.Equal(t, 3, cfg.ScanRangeYears)
	assert.Equal(t, 3, cfg.ScanMaxAttempts)
	assert.Equal(t, time.Minute, cfg.DeepScanInterval)
	assert.Equal(t, 5*time.Minute, cfg.SyncInterval)
	assert.Equal(t, 30*time.Minute, cfg.ChunkRetryMaxWait)
	assert.True(t, cfg.SchedulerEnabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SCAN_WINDOW_DAYS", "7")
	t.Setenv("SCAN_LEASE_DURATION", "90s")
	t.Setenv("RETRY_JITTER", "0.25")
	t.Setenv("SCHEDULER_ENABLED", "off")
	t.Setenv("SCAN_MAX_ATTEMPTS", "not-a-number")

	cfg := Load()

	assert.Equal(t, 7, cfg.ScanWindowDays)
	assert.Equal(t, 90*time.Second, cfg.ScanLeaseDuration)
	assert.InDelta(t, 0.25, cfg.RetryJitter, 1e-9)
	assert.False(t, cfg.SchedulerEnabled)
	assert.Equal(t, 3, cfg.ScanMaxAttempts, "unparseable values fall back to the default")
}
