package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "LOG_FORMAT", "DATABASE_URL", "AUTO_MIGRATE",
		"PLANS_FILE", "UPGRADE_URL", "STORE_TIMEOUT", "USAGE_RETENTION_DAYS",
		"TRANSACTION_RETENTION_DAYS", "ALERT_SCHEDULE", "RENEWAL_SCHEDULE",
		"PURGE_SCHEDULE", "RECONCILE_SCHEDULE", "JOB_TIMEOUT", "ALERT_WEBHOOK_URL",
		"ALERT_WEBHOOK_SECRET", "ADMIN_SECRET", "AUTH_ENABLED", "RATE_LIMIT_RPM",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Empty(t, cfg.DatabaseURL)
	assert.False(t, cfg.AutoMigrate)
	assert.Equal(t, DefaultUpgradeURL, cfg.UpgradeURL)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 90*24*time.Hour, cfg.UsageRetention)
	assert.Equal(t, 365*24*time.Hour, cfg.TransactionRetention)
	assert.Equal(t, DefaultAlertSchedule, cfg.AlertSchedule)
	assert.True(t, cfg.AuthEnabled)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPM)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("DATABASE_URL", "postgres://localhost/promptcraft")
	t.Setenv("AUTO_MIGRATE", "true")
	t.Setenv("STORE_TIMEOUT", "750ms")
	t.Setenv("USAGE_RETENTION_DAYS", "30")
	t.Setenv("ALERT_SCHEDULE", "@every 5m")
	t.Setenv("PURGE_SCHEDULE", "off")
	t.Setenv("ALERT_WEBHOOK_URL", "https://hooks.example.com/alerts")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.True(t, cfg.AutoMigrate)
	assert.Equal(t, 750*time.Millisecond, cfg.StoreTimeout)
	assert.Equal(t, 30*24*time.Hour, cfg.UsageRetention)
	assert.Equal(t, "@every 5m", cfg.AlertSchedule)
	assert.False(t, Enabled(cfg.PurgeSchedule))
	assert.True(t, Enabled(cfg.AlertSchedule))
}

func TestLoad_ParseErrors(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"STORE_TIMEOUT", "5", "STORE_TIMEOUT: invalid duration"},
		{"AUTO_MIGRATE", "sometimes", "AUTO_MIGRATE: invalid boolean"},
		{"RATE_LIMIT_RPM", "lots", "RATE_LIMIT_RPM: invalid integer"},
		{"RENEWAL_SCHEDULE", "every month", "RENEWAL_SCHEDULE"},
		{"LOG_FORMAT", "xml", "LOG_FORMAT must be text or json"},
		{"ENV", "prod", "ENV must be"},
		{"USAGE_RETENTION_DAYS", "0", "USAGE_RETENTION_DAYS must be positive"},
		{"ALERT_WEBHOOK_URL", "hooks.example.com", "ALERT_WEBHOOK_URL"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_Production(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "production")
	t.Setenv("AUTH_ENABLED", "false")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_SECRET is required in production")
	assert.Contains(t, err.Error(), "AUTH_ENABLED cannot be false in production")
	assert.Contains(t, err.Error(), "DATABASE_URL is required in production")

	t.Setenv("ADMIN_SECRET", "s3cret")
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("DATABASE_URL", "postgres://db/promptcraft")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}
