// Package alerts watches a tenant's usage for the current UTC day and raises
// events when cost, error rate or latency cross the thresholds the tenant
// configured.
//
// Rules are evaluated from scratch on every check. Nothing about previous
// triggers is stored, so two checks in the same day can raise the same
// event twice; deduplication belongs to whoever consumes the events.
package alerts

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
)

// Errors
var (
	ErrConfigNotFound = fmt.Errorf("alerts: %w", apperr.ErrNotFound)
	ErrInvalidConfig  = fmt.Errorf("alerts: %w", apperr.Invalid("invalid alert config"))
)

// Type names an alert rule.
type Type string

const (
	TypeCostSpike     Type = "COST_SPIKE"
	TypeHighErrorRate Type = "HIGH_ERROR_RATE"
	TypeSlowResponse  Type = "SLOW_RESPONSE"
)

var hundred = decimal.NewFromInt(100)

// Rule is one configurable alert. Threshold units depend on the rule: cost
// in currency, error rate in percent, latency in milliseconds.
type Rule struct {
	Enabled   bool            `json:"enabled"`
	Threshold decimal.Decimal `json:"threshold"`
}

// Config holds a tenant's alert rules. WebhookURL overrides the notifier's
// default destination.
type Config struct {
	TenantID     string    `json:"tenantId"`
	CostSpike    Rule      `json:"costSpike"`
	ErrorRate    Rule      `json:"errorRate"`
	SlowResponse Rule      `json:"slowResponse"`
	WebhookURL   string    `json:"webhookUrl,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// DefaultConfig is used for tenants that never saved one: every rule off.
func DefaultConfig(tenantID string) *Config {
	return &Config{TenantID: tenantID}
}

// AnyEnabled reports whether at least one rule is on.
func (c *Config) AnyEnabled() bool {
	return c.CostSpike.Enabled || c.ErrorRate.Enabled || c.SlowResponse.Enabled
}

// Validate checks thresholds and the webhook URL.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.TenantID) == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidConfig)
	}
	for name, r := range map[string]Rule{"costSpike": c.CostSpike, "errorRate": c.ErrorRate, "slowResponse": c.SlowResponse} {
		if r.Threshold.IsNegative() {
			return fmt.Errorf("%w: %s threshold must not be negative", ErrInvalidConfig, name)
		}
	}
	if c.ErrorRate.Threshold.GreaterThan(hundred) {
		return fmt.Errorf("%w: errorRate threshold is a percentage and must be at most 100", ErrInvalidConfig)
	}
	if c.WebhookURL != "" {
		u, err := url.Parse(c.WebhookURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return fmt.Errorf("%w: webhookUrl must be an absolute http(s) URL", ErrInvalidConfig)
		}
	}
	return nil
}

// Event is a triggered alert. Observed and Threshold share the rule's units.
type Event struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenantId"`
	Type        Type            `json:"type"`
	Observed    decimal.Decimal `json:"observed"`
	Threshold   decimal.Decimal `json:"threshold"`
	Operations  int64           `json:"operations"`
	WindowStart time.Time       `json:"windowStart"`
	WindowEnd   time.Time       `json:"windowEnd"`
	Message     string          `json:"message"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// ConfigStore persists alert configs.
type ConfigStore interface {
	Get(ctx context.Context, tenantID string) (*Config, error)
	Save(ctx context.Context, cfg *Config) error
	// ListEnabled returns configs with at least one rule on, ordered by tenant.
	ListEnabled(ctx context.Context) ([]*Config, error)
}
