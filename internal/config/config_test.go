package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// baseEnv sets the minimum environment for Load to succeed and keeps the
// data directory away from /var/lib.
func baseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("EDGEWATCH_DATA_DIR", t.TempDir())
	t.Setenv("ADMIN_AUTH_MODE", "none")
}

func TestLoadDefaults(t *testing.T) {
	baseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.ListenHost)
	assert.Equal(t, 7744, cfg.ListenPort)
	assert.Equal(t, "direct", cfg.PipelineMode)
	assert.Equal(t, "quarantine", cfg.ValidationMode)
	assert.Equal(t, "flag", cfg.UnknownKeyPolicy)
	assert.Equal(t, 5000, cfg.MaxPointsPerRequest)
	assert.True(t, cfg.RateLimitEnabled)
	assert.Equal(t, 30*time.Minute, cfg.DedupeWindow)
	assert.Equal(t, time.Hour, cfg.ThrottleWindow)
	assert.Equal(t, "UTC", cfg.QuietHoursTimezone)
}

func TestLoadOverrides(t *testing.T) {
	baseEnv(t)
	t.Setenv("EDGEWATCH_PORT", "9000")
	t.Setenv("INGEST_VALIDATION_MODE", "reject")
	t.Setenv("RATE_LIMIT_ENABLED", "no")
	t.Setenv("ALERT_DEDUPE_WINDOW", "10m")
	t.Setenv("ALERT_WEBHOOK_URLS", " https://a.example/hook , https://b.example/hook ,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.ListenPort)
	assert.Equal(t, "reject", cfg.ValidationMode)
	assert.False(t, cfg.RateLimitEnabled)
	assert.Equal(t, 10*time.Minute, cfg.DedupeWindow)
	assert.Equal(t, []string{"https://a.example/hook", "https://b.example/hook"}, cfg.WebhookURLs)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr())
}

func TestLoadAdminKeyRequired(t *testing.T) {
	t.Setenv("EDGEWATCH_DATA_DIR", t.TempDir())
	t.Setenv("ADMIN_AUTH_MODE", "key")
	t.Setenv("ADMIN_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_API_KEY")

	t.Setenv("ADMIN_API_KEY", "secret")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, AdminAuthKey, cfg.AdminAuthMode)
	assert.Equal(t, "secret", cfg.AdminAPIKey)
}

func TestLoadPubSubRequiresEndpointAndToken(t *testing.T) {
	baseEnv(t)
	t.Setenv("INGEST_PIPELINE_MODE", "pubsub")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PUBSUB_PUSH_ENDPOINT")

	t.Setenv("PUBSUB_PUSH_ENDPOINT", "https://worker.example/push")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PUBSUB_PUSH_TOKEN")

	t.Setenv("PUBSUB_PUSH_TOKEN", "tok")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "pubsub", cfg.PipelineMode)
}

func TestLoadRejectsBadValues(t *testing.T) {
	for name, env := range map[string][2]string{
		"port":            {"EDGEWATCH_PORT", "not-a-port"},
		"pipeline mode":   {"INGEST_PIPELINE_MODE", "kafka"},
		"validation mode": {"INGEST_VALIDATION_MODE", "drop"},
		"unknown keys":    {"INGEST_UNKNOWN_KEYS", "reject"},
		"auth mode":       {"ADMIN_AUTH_MODE", "basic"},
		"max points":      {"MAX_POINTS_PER_REQUEST", "-5"},
		"throttle window": {"ALERT_THROTTLE_WINDOW", "soon"},
	} {
		t.Run(name, func(t *testing.T) {
			baseEnv(t)
			t.Setenv(env[0], env[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestParseBool(t *testing.T) {
	assert.True(t, parseBool("1"))
	assert.True(t, parseBool("TRUE"))
	assert.True(t, parseBool(" yes "))
	assert.True(t, parseBool("on"))
	assert.False(t, parseBool("0"))
	assert.False(t, parseBool("false"))
	assert.False(t, parseBool(""))
}
