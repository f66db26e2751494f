// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool

	// Accounting
	PlansFile            string // empty uses the built-in catalogue
	UpgradeURL           string
	StoreTimeout         time.Duration
	UsageRetention       time.Duration
	TransactionRetention time.Duration

	// Background jobs (standard 5-field cron, UTC)
	AlertSchedule     string
	RenewalSchedule   string
	PurgeSchedule     string
	ReconcileSchedule string
	JobTimeout        time.Duration

	// Alert delivery
	AlertWebhookURL    string
	AlertWebhookSecret string

	// Security
	AdminSecret  string
	AuthEnabled  bool
	RateLimitRPM int

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort                     = "8080"
	DefaultEnv                      = "development"
	DefaultLogLevel                 = "info"
	DefaultLogFormat                = "text"
	DefaultUpgradeURL               = "/pricing"
	DefaultStoreTimeout             = 5 * time.Second
	DefaultUsageRetentionDays       = 90
	DefaultTransactionRetentionDays = 365
	DefaultAlertSchedule            = "*/15 * * * *"
	DefaultRenewalSchedule          = "5 0 1 * *"
	DefaultPurgeSchedule            = "30 3 * * *"
	DefaultReconcileSchedule        = "0 4 * * *"
	DefaultJobTimeout               = 10 * time.Minute
	DefaultRateLimit                = 600
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	var env envReader
	cfg := &Config{
		Port:                 env.str("PORT", DefaultPort),
		Env:                  env.str("ENV", DefaultEnv),
		LogLevel:             env.str("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            env.str("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		AutoMigrate:          env.boolean("AUTO_MIGRATE", false),
		PlansFile:            os.Getenv("PLANS_FILE"),
		UpgradeURL:           env.str("UPGRADE_URL", DefaultUpgradeURL),
		StoreTimeout:         env.duration("STORE_TIMEOUT", DefaultStoreTimeout),
		UsageRetention:       env.days("USAGE_RETENTION_DAYS", DefaultUsageRetentionDays),
		TransactionRetention: env.days("TRANSACTION_RETENTION_DAYS", DefaultTransactionRetentionDays),
		AlertSchedule:        env.str("ALERT_SCHEDULE", DefaultAlertSchedule),
		RenewalSchedule:      env.str("RENEWAL_SCHEDULE", DefaultRenewalSchedule),
		PurgeSchedule:        env.str("PURGE_SCHEDULE", DefaultPurgeSchedule),
		ReconcileSchedule:    env.str("RECONCILE_SCHEDULE", DefaultReconcileSchedule),
		JobTimeout:           env.duration("JOB_TIMEOUT", DefaultJobTimeout),
		AlertWebhookURL:      os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret:   os.Getenv("ALERT_WEBHOOK_SECRET"),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		AuthEnabled:          env.boolean("AUTH_ENABLED", true),
		RateLimitRPM:         int(env.int64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if err := env.err(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent
func (c *Config) Validate() error {
	var errs []error

	switch c.Env {
	case "development", "staging", "production":
	default:
		errs = append(errs, fmt.Errorf("ENV must be development, staging or production, got %q", c.Env))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT must be positive"))
	}
	if c.JobTimeout <= 0 {
		errs = append(errs, errors.New("JOB_TIMEOUT must be positive"))
	}
	if c.UsageRetention <= 0 {
		errs = append(errs, errors.New("USAGE_RETENTION_DAYS must be positive"))
	}
	if c.TransactionRetention <= 0 {
		errs = append(errs, errors.New("TRANSACTION_RETENTION_DAYS must be positive"))
	}
	if c.RateLimitRPM < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPM must not be negative"))
	}

	for name, spec := range map[string]string{
		"ALERT_SCHEDULE":     c.AlertSchedule,
		"RENEWAL_SCHEDULE":   c.RenewalSchedule,
		"PURGE_SCHEDULE":     c.PurgeSchedule,
		"RECONCILE_SCHEDULE": c.ReconcileSchedule,
	} {
		if spec == "off" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if c.AlertWebhookURL != "" {
		u, err := url.Parse(c.AlertWebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("ALERT_WEBHOOK_URL must be an absolute http(s) URL"))
		}
	}

	if c.IsProduction() {
		if c.AdminSecret == "" {
			errs = append(errs, errors.New("ADMIN_SECRET is required in production"))
		}
		if !c.AuthEnabled {
			errs = append(errs, errors.New("AUTH_ENABLED cannot be false in production"))
		}
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required in production"))
		}
	}

	return errors.Join(errs...)
}

// Enabled reports whether a job schedule is active. "off" disables the job.
func Enabled(schedule string) bool {
	return schedule != "" && schedule != "off"
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// envReader collects parse errors so a typo fails startup instead of
// silently falling back to a default.
type envReader struct {
	errs []error
}

func (r *envReader) err() error { return errors.Join(r.errs...) }

func (r *envReader) str(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func (r *envReader) int64(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid integer %q", key, value))
		return defaultValue
	}
	return i
}

func (r *envReader) boolean(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid boolean %q", key, value))
		return defaultValue
	}
	return b
}

func (r *envReader) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid duration %q", key, value))
		return defaultValue
	}
	return d
}

func (r *envReader) days(key string, defaultDays int64) time.Duration {
	return time.Duration(r.int64(key, defaultDays)) * 24 * time.Hour
}
