package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withEnv(t *testing.T, kv map[string]string, fn func()) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
	fn()
}

func TestFromEnvAppliesDefaultsWhenUnset(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxQueueAttempts)
	assert.Equal(t, 5000, cfg.AppPort)
	assert.Equal(t, 60*time.Second, cfg.PeriodicBackfillInterval)
}

func TestFromEnvOverlaysExplicitValues(t *testing.T) {
	withEnv(t, map[string]string{
		"MAX_QUEUE_ATTEMPTS":       "7",
		"APP_PORT":                 "9090",
		"BACKFILL_OVERLAP_SECONDS": "30",
	}, func() {
		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.MaxQueueAttempts)
		assert.Equal(t, 9090, cfg.AppPort)
		assert.Equal(t, 30*time.Second, cfg.BackfillOverlap)
	})
}

func TestFromEnvParsesProcessAfterDDMMYYYY(t *testing.T) {
	withEnv(t, map[string]string{"T_PROCESS_AFTER": "15.03.2026"}, func() {
		cfg, err := FromEnv()
		require.NoError(t, err)
		want := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
		assert.True(t, cfg.TaskProcessAfter.Equal(want), "expected %v, got %v", want, cfg.TaskProcessAfter)
	})
}

func TestFromEnvRejectsMalformedProcessAfter(t *testing.T) {
	withEnv(t, map[string]string{"T_PROCESS_AFTER": "2026-03-15"}, func() {
		_, err := FromEnv()
		assert.Error(t, err, "expected an ISO-formatted date to be rejected in favor of DD.MM.YYYY")
	})
}

func TestValidateRequiresMandatorySources(t *testing.T) {
	cfg := LoadDefaults()
	assert.Error(t, cfg.Validate(), "expected validation to fail with no DB/T/M configuration")
}

func TestValidatePassesWithMinimalRequiredConfig(t *testing.T) {
	cfg := LoadDefaults()
	cfg.DBDSN = "postgres://localhost/db"
	cfg.TaskBaseURL = "https://tasks.example.com"
	cfg.TaskAPIKey = "key"
	cfg.MailAPIToken = "token"
	assert.NoError(t, cfg.Validate())
}

func TestDocEnabledReflectsBaseURL(t *testing.T) {
	cfg := LoadDefaults()
	assert.False(t, cfg.DocEnabled(), "expected source C disabled by default")
	cfg.DocBaseURL = "https://docs.example.com"
	assert.True(t, cfg.DocEnabled(), "expected source C enabled once C_BASE_URL is set")
}
