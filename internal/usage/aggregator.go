package usage

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
	"github.com/Jrmromao/prompt-craft-sub007/internal/idgen"
	"github.com/Jrmromao/prompt-craft-sub007/internal/logging"
)

// AnchorSource resolves the day a tenant's billing period starts on.
type AnchorSource interface {
	BillingAnchor(ctx context.Context, tenantID string) (time.Time, error)
}

// Aggregator computes spend and counts over usage records.
type Aggregator struct {
	store   Store
	anchors AnchorSource
	now     func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithAnchors sets the billing anchor source. Without one every tenant is
// billed on calendar months.
func WithAnchors(src AnchorSource) Option {
	return func(a *Aggregator) { a.anchors = src }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an aggregator over store.
func NewAggregator(store Store, opts ...Option) *Aggregator {
	a := &Aggregator{store: store, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CurrentPeriod returns the tenant's billing period containing now.
func (a *Aggregator) CurrentPeriod(ctx context.Context, tenantID string) (Period, error) {
	if strings.TrimSpace(tenantID) == "" {
		return Period{}, apperr.Invalid("tenant id is required")
	}
	var anchor time.Time
	if a.anchors != nil {
		var err error
		if anchor, err = a.anchors.BillingAnchor(ctx, tenantID); err != nil {
			return Period{}, err
		}
	}
	return PeriodAt(anchor, a.now()), nil
}

// CurrentPeriodSpend sums the cost of every record in the current billing
// period.
func (a *Aggregator) CurrentPeriodSpend(ctx context.Context, tenantID string) (decimal.Decimal, error) {
	p, err := a.CurrentPeriod(ctx, tenantID)
	if err != nil {
		return decimal.Zero, err
	}
	spend, err := a.store.SumCost(ctx, tenantID, p.Start, p.End)
	if err != nil {
		return decimal.Zero, apperr.Unavailable("usage: sum cost", err)
	}
	return spend, nil
}

// UsageCount counts the tenant's records for feature in [start, end). An
// empty feature counts all features.
func (a *Aggregator) UsageCount(ctx context.Context, tenantID, feature string, start, end time.Time) (int64, error) {
	if err := validateWindow(tenantID, start, end); err != nil {
		return 0, err
	}
	n, err := a.store.Count(ctx, tenantID, feature, start, end)
	if err != nil {
		return 0, apperr.Unavailable("usage: count", err)
	}
	return n, nil
}

// Stats summarizes the tenant's records in [from, to).
func (a *Aggregator) Stats(ctx context.Context, tenantID string, from, to time.Time) (*WindowStats, error) {
	if err := validateWindow(tenantID, from, to); err != nil {
		return nil, err
	}
	stats, err := a.store.Stats(ctx, tenantID, from, to)
	if err != nil {
		return nil, apperr.Unavailable("usage: stats", err)
	}
	return stats, nil
}

// Breakdown returns per-feature totals in [from, to), sorted by feature.
func (a *Aggregator) Breakdown(ctx context.Context, tenantID string, from, to time.Time) ([]FeatureSummary, error) {
	if err := validateWindow(tenantID, from, to); err != nil {
		return nil, err
	}
	rows, err := a.store.ByFeature(ctx, tenantID, from, to)
	if err != nil {
		return nil, apperr.Unavailable("usage: breakdown", err)
	}
	return rows, nil
}

// Record validates r, fills in ID and CreatedAt when missing, and stores it.
func (a *Aggregator) Record(ctx context.Context, r *Record) error {
	if r == nil {
		return apperr.Invalid("usage record is required")
	}
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = idgen.WithPrefix(idgen.PrefixUsage)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = a.now().UTC()
	}
	if err := a.store.Insert(ctx, r); err != nil {
		if errors.Is(err, ErrDuplicateRecord) {
			return err
		}
		return apperr.Unavailable("usage: insert", err)
	}

	RecordsTotal.WithLabelValues(r.Feature, strconv.FormatBool(r.Success)).Inc()
	CostTotal.WithLabelValues(r.Feature).Add(r.Cost.InexactFloat64())
	logging.L(ctx).Debug("usage recorded",
		"tenant_id", r.TenantID, "usage_id", r.ID, "feature", r.Feature,
		"cost", r.Cost.String(), "success", r.Success)
	return nil
}

// Purge deletes records created before the cutoff.
func (a *Aggregator) Purge(ctx context.Context, before time.Time) (int64, error) {
	if before.IsZero() {
		return 0, apperr.Invalid("purge cutoff is required")
	}
	n, err := a.store.PurgeBefore(ctx, before)
	if err != nil {
		return 0, apperr.Unavailable("usage: purge", err)
	}
	if n > 0 {
		logging.L(ctx).Info("usage records purged", "count", n, "before", before)
	}
	return n, nil
}

func validateWindow(tenantID string, from, to time.Time) error {
	if strings.TrimSpace(tenantID) == "" {
		return apperr.Invalid("tenant id is required")
	}
	if from.IsZero() || to.IsZero() {
		return apperr.Invalid("window bounds are required")
	}
	if !from.Before(to) {
		return apperr.Invalid("window start must be before end")
	}
	return nil
}
