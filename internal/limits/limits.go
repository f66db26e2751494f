// Package limits decides whether a tenant's plan allows an operation: the
// monthly AI spend cap, feature flags, and numeric quotas.
//
// Every check is read-only. Spend is read without locking, so a burst of
// concurrent requests can overshoot the cap by the operations already in
// flight; the cap is advisory-before-execution.
package limits

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
	"github.com/Jrmromao/prompt-craft-sub007/internal/plans"
)

// DefaultUpgradeURL is where denied callers are sent unless configured.
const DefaultUpgradeURL = "/pricing"

// WarningPercent is the share of the spend cap at which an allowed check
// starts reporting a warning.
var WarningPercent = decimal.NewFromInt(80)

var hundred = decimal.NewFromInt(100)

// TierSource resolves a tenant's plan tier.
type TierSource interface {
	PlanTier(ctx context.Context, tenantID string) (plans.Tier, error)
}

// SpendSource reports a tenant's spend in the current billing period.
type SpendSource interface {
	CurrentPeriodSpend(ctx context.Context, tenantID string) (decimal.Decimal, error)
}

// SpendCheck is the result of CheckAISpendLimit. Limit is nil when the plan
// has no cap.
type SpendCheck struct {
	TenantID     string           `json:"tenantId"`
	Tier         plans.Tier       `json:"tier"`
	Allowed      bool             `json:"allowed"`
	Unlimited    bool             `json:"unlimited"`
	Warning      bool             `json:"warning"`
	CurrentSpend decimal.Decimal  `json:"currentSpend"`
	Limit        *decimal.Decimal `json:"limit"`
	PercentUsed  decimal.Decimal  `json:"percentUsed"`
	Reason       string           `json:"reason,omitempty"`
	UpgradeURL   string           `json:"upgradeUrl,omitempty"`
}

// Err returns a *apperr.LimitError when the check denied.
func (c *SpendCheck) Err() error {
	if c.Allowed {
		return nil
	}
	return &apperr.LimitError{Tier: string(c.Tier), Limit: plans.LimitMaxMonthlySpend, Reason: c.Reason, UpgradeURL: c.UpgradeURL}
}

// FeatureCheck is the result of CheckPlanLimit.
type FeatureCheck struct {
	TenantID   string     `json:"tenantId"`
	Tier       plans.Tier `json:"tier"`
	Feature    string     `json:"feature"`
	Allowed    bool       `json:"allowed"`
	Reason     string     `json:"reason,omitempty"`
	UpgradeURL string     `json:"upgradeUrl,omitempty"`
}

// Err returns a *apperr.LimitError when the check denied.
func (c *FeatureCheck) Err() error {
	if c.Allowed {
		return nil
	}
	return &apperr.LimitError{Tier: string(c.Tier), Limit: c.Feature, Reason: c.Reason, UpgradeURL: c.UpgradeURL}
}

// QuotaCheck is the result of CheckQuota. Max is nil when unlimited.
type QuotaCheck struct {
	TenantID   string           `json:"tenantId"`
	Tier       plans.Tier       `json:"tier"`
	Limit      string           `json:"limit"`
	Current    int64            `json:"current"`
	Max        *decimal.Decimal `json:"max"`
	Allowed    bool             `json:"allowed"`
	Unlimited  bool             `json:"unlimited"`
	Reason     string           `json:"reason,omitempty"`
	UpgradeURL string           `json:"upgradeUrl,omitempty"`
}

// Err returns a *apperr.LimitError when the check denied.
func (c *QuotaCheck) Err() error {
	if c.Allowed {
		return nil
	}
	return &apperr.LimitError{Tier: string(c.Tier), Limit: c.Limit, Reason: c.Reason, UpgradeURL: c.UpgradeURL}
}

// percentOf returns spend as a percentage of limit for display, truncated to
// two places so it never reaches a threshold the exact value has not. A zero
// limit is always fully used.
func percentOf(spend, limit decimal.Decimal) decimal.Decimal {
	if !limit.IsPositive() {
		return hundred
	}
	return spend.Mul(hundred).Div(limit).Truncate(2)
}

// atWarning reports spend/limit >= WarningPercent on the exact values.
func atWarning(spend, limit decimal.Decimal) bool {
	return spend.Mul(hundred).GreaterThanOrEqual(WarningPercent.Mul(limit))
}

func spendDeniedReason(tier plans.Tier, spend, limit decimal.Decimal) string {
	return fmt.Sprintf("AI spend of $%s has reached the %s plan limit of $%s this billing period",
		spend.StringFixed(2), tier, limit.StringFixed(2))
}

func featureDeniedReason(tier plans.Tier, feature string) string {
	return fmt.Sprintf("%s is not included in the %s plan", feature, tier)
}

func quotaDeniedReason(tier plans.Tier, name string, capValue decimal.Decimal) string {
	return fmt.Sprintf("%s plan limit of %s for %s reached", tier, capValue.String(), name)
}
