package limits

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
	"github.com/Jrmromao/prompt-craft-sub007/internal/logging"
	"github.com/Jrmromao/prompt-craft-sub007/internal/plans"
	"github.com/Jrmromao/prompt-craft-sub007/internal/traces"
)

// Evaluator combines the plan catalogue with tenant tier and spend lookups.
type Evaluator struct {
	catalog    *plans.Catalog
	tiers      TierSource
	spend      SpendSource
	upgradeURL string
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithUpgradeURL overrides DefaultUpgradeURL.
func WithUpgradeURL(url string) Option {
	return func(e *Evaluator) {
		if url != "" {
			e.upgradeURL = url
		}
	}
}

// NewEvaluator creates a limit evaluator.
func NewEvaluator(catalog *plans.Catalog, tiers TierSource, spend SpendSource, opts ...Option) *Evaluator {
	e := &Evaluator{catalog: catalog, tiers: tiers, spend: spend, upgradeURL: DefaultUpgradeURL}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Evaluator) plan(ctx context.Context, tenantID string) (*plans.Plan, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, apperr.Invalid("tenant id is required")
	}
	tier, err := e.tiers.PlanTier(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return e.catalog.Plan(tier)
}

// CheckAISpendLimit compares the tenant's current-period spend against the
// plan's maxMonthlySpend. Spend exactly at the cap is denied.
func (e *Evaluator) CheckAISpendLimit(ctx context.Context, tenantID string) (check *SpendCheck, err error) {
	ctx, span := traces.StartSpan(ctx, "limits.CheckAISpendLimit", traces.TenantID(tenantID))
	defer func() {
		observeDecision("spend", spendResult(check), err)
		traces.End(span, err)
	}()

	plan, err := e.plan(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.Tier(string(plan.Tier)))

	spend, err := e.spend.CurrentPeriodSpend(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	check = &SpendCheck{TenantID: tenantID, Tier: plan.Tier, CurrentSpend: spend, PercentUsed: decimal.Zero}
	limit := plan.Limit(plans.LimitMaxMonthlySpend)
	if limit.IsUnlimited() {
		check.Allowed = true
		check.Unlimited = true
		return check, nil
	}

	capValue := limit.Value()
	check.Limit = &capValue
	check.PercentUsed = percentOf(spend, capValue)
	check.Allowed = spend.LessThan(capValue)
	check.Warning = check.Allowed && atWarning(spend, capValue)
	if !check.Allowed {
		check.Reason = spendDeniedReason(plan.Tier, spend, capValue)
		check.UpgradeURL = e.upgradeURL
		logging.L(ctx).Info("ai spend limit reached",
			"tenant_id", tenantID, "tier", plan.Tier, "spend", spend.String(), "limit", capValue.String())
	}
	return check, nil
}

// CheckPlanLimit reports whether the tenant's plan includes feature.
func (e *Evaluator) CheckPlanLimit(ctx context.Context, tenantID, feature string) (check *FeatureCheck, err error) {
	ctx, span := traces.StartSpan(ctx, "limits.CheckPlanLimit", traces.TenantID(tenantID), traces.Feature(feature))
	defer func() {
		result := ""
		if check != nil {
			result = allowedResult(check.Allowed)
		}
		observeDecision("feature", result, err)
		traces.End(span, err)
	}()

	if !e.catalog.KnownFeature(feature) {
		return nil, apperr.Invalid("unknown feature %q", feature)
	}
	plan, err := e.plan(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	check = &FeatureCheck{TenantID: tenantID, Tier: plan.Tier, Feature: feature, Allowed: plan.HasFeature(feature)}
	if !check.Allowed {
		check.Reason = featureDeniedReason(plan.Tier, feature)
		check.UpgradeURL = e.upgradeURL
	}
	return check, nil
}

// CheckQuota reports whether the tenant may go beyond current for a numeric
// plan limit such as maxPrompts.
func (e *Evaluator) CheckQuota(ctx context.Context, tenantID, limitName string, current int64) (check *QuotaCheck, err error) {
	ctx, span := traces.StartSpan(ctx, "limits.CheckQuota", traces.TenantID(tenantID))
	defer func() {
		result := ""
		if check != nil {
			result = allowedResult(check.Allowed)
		}
		observeDecision("quota", result, err)
		traces.End(span, err)
	}()

	if !e.catalog.KnownLimit(limitName) {
		return nil, apperr.Invalid("unknown limit %q", limitName)
	}
	if current < 0 {
		return nil, apperr.Invalid("current usage must not be negative, got %d", current)
	}
	plan, err := e.plan(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	check = &QuotaCheck{TenantID: tenantID, Tier: plan.Tier, Limit: limitName, Current: current}
	limit := plan.Limit(limitName)
	if limit.IsUnlimited() {
		check.Allowed = true
		check.Unlimited = true
		return check, nil
	}
	capValue := limit.Value()
	check.Max = &capValue
	check.Allowed = decimal.NewFromInt(current).LessThan(capValue)
	if !check.Allowed {
		check.Reason = quotaDeniedReason(plan.Tier, limitName, capValue)
		check.UpgradeURL = e.upgradeURL
	}
	return check, nil
}
