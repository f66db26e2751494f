package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
	"github.com/Jrmromao/prompt-craft-sub007/internal/idgen"
	"github.com/Jrmromao/prompt-craft-sub007/internal/logging"
	"github.com/Jrmromao/prompt-craft-sub007/internal/traces"
	"github.com/Jrmromao/prompt-craft-sub007/internal/usage"
)

// StatsSource summarizes a tenant's usage records in [from, to).
type StatsSource interface {
	Stats(ctx context.Context, tenantID string, from, to time.Time) (*usage.WindowStats, error)
}

// Evaluator checks alert rules against the day's usage.
type Evaluator struct {
	configs  ConfigStore
	stats    StatsSource
	notifier Notifier
	urlCheck func(string) error
	now      func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithNotifier sets where triggered events go. The default only logs.
func WithNotifier(n Notifier) Option {
	return func(e *Evaluator) { e.notifier = n }
}

// WithURLCheck vets tenant-supplied webhook URLs before they are stored,
// typically against internal network targets.
func WithURLCheck(check func(rawURL string) error) Option {
	return func(e *Evaluator) { e.urlCheck = check }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// NewEvaluator creates an alert evaluator.
func NewEvaluator(configs ConfigStore, stats StatsSource, opts ...Option) *Evaluator {
	e := &Evaluator{configs: configs, stats: stats, notifier: LogNotifier{}, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GetConfig returns the tenant's config, or the all-disabled default.
func (e *Evaluator) GetConfig(ctx context.Context, tenantID string) (*Config, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, apperr.Invalid("tenant id is required")
	}
	cfg, err := e.configs.Get(ctx, tenantID)
	if errors.Is(err, ErrConfigNotFound) {
		return DefaultConfig(tenantID), nil
	}
	if err != nil {
		return nil, apperr.Unavailable("alerts: get config", err)
	}
	return cfg, nil
}

// SaveConfig validates and stores cfg.
func (e *Evaluator) SaveConfig(ctx context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.WebhookURL != "" && e.urlCheck != nil {
		if err := e.urlCheck(cfg.WebhookURL); err != nil {
			return fmt.Errorf("%w: webhookUrl rejected: %v", ErrInvalidConfig, err)
		}
	}
	cfg.UpdatedAt = e.now().UTC()
	if err := e.configs.Save(ctx, cfg); err != nil {
		return apperr.Unavailable("alerts: save config", err)
	}
	logging.L(ctx).Info("alert config saved", "tenant_id", cfg.TenantID,
		"cost_spike", cfg.CostSpike.Enabled, "error_rate", cfg.ErrorRate.Enabled, "slow_response", cfg.SlowResponse.Enabled)
	return nil
}

// today returns the current UTC day as [start, end).
func (e *Evaluator) today() (time.Time, time.Time) {
	now := e.now().UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// CheckAlerts evaluates the tenant's rules over today's records and hands
// every triggered event to the notifier. Notification failures are logged,
// never returned.
func (e *Evaluator) CheckAlerts(ctx context.Context, tenantID string) (events []*Event, err error) {
	ctx, span := traces.StartSpan(ctx, "alerts.CheckAlerts", traces.TenantID(tenantID))
	defer func() { traces.End(span, err) }()

	cfg, err := e.GetConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return e.check(ctx, cfg)
}

func (e *Evaluator) check(ctx context.Context, cfg *Config) ([]*Event, error) {
	if !cfg.AnyEnabled() {
		return nil, nil
	}
	from, to := e.today()
	stats, err := e.stats.Stats(ctx, cfg.TenantID, from, to)
	if err != nil {
		return nil, err
	}

	events := Evaluate(cfg, stats)
	now := e.now().UTC()
	for _, ev := range events {
		ev.ID = idgen.WithPrefix(idgen.PrefixAlert)
		ev.WindowStart, ev.WindowEnd = from, to
		ev.CreatedAt = now
		TriggeredTotal.WithLabelValues(string(ev.Type)).Inc()
		if err := e.notifier.Notify(ctx, cfg, ev); err != nil {
			logging.L(ctx).Warn("alert notification failed",
				"tenant_id", cfg.TenantID, "alert_id", ev.ID, "type", ev.Type, "error", err)
		}
	}
	return events, nil
}

// CheckAll sweeps every tenant with an enabled rule. A failing tenant does
// not stop the sweep; its error is joined into the result.
func (e *Evaluator) CheckAll(ctx context.Context) (int, error) {
	configs, err := e.configs.ListEnabled(ctx)
	if err != nil {
		return 0, apperr.Unavailable("alerts: list configs", err)
	}
	var (
		triggered int
		errs      []error
	)
	for _, cfg := range configs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		events, err := e.check(logging.WithTenantID(ctx, cfg.TenantID), cfg)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", cfg.TenantID, err))
			continue
		}
		triggered += len(events)
	}
	if triggered > 0 {
		logging.L(ctx).Info("alert sweep finished", "tenants", len(configs), "triggered", triggered)
	}
	return triggered, errors.Join(errs...)
}

// Evaluate applies cfg's rules to stats and returns an event per triggered
// rule, in COST_SPIKE, HIGH_ERROR_RATE, SLOW_RESPONSE order. It has no side
// effects. Rates and latency need at least one operation to trigger.
func Evaluate(cfg *Config, stats *usage.WindowStats) []*Event {
	var events []*Event
	add := func(typ Type, observed, threshold decimal.Decimal, format string, args ...any) {
		events = append(events, &Event{
			TenantID:   cfg.TenantID,
			Type:       typ,
			Observed:   observed,
			Threshold:  threshold,
			Operations: stats.Count,
			Message:    fmt.Sprintf(format, args...),
		})
	}

	if r := cfg.CostSpike; r.Enabled && stats.TotalCost.GreaterThan(r.Threshold) {
		add(TypeCostSpike, stats.TotalCost, r.Threshold,
			"AI spend today is $%s, above the $%s alert threshold", stats.TotalCost.StringFixed(2), r.Threshold.StringFixed(2))
	}
	if stats.Count == 0 {
		return events
	}
	// failed/total > threshold/100, compared without dividing.
	if r := cfg.ErrorRate; r.Enabled &&
		decimal.NewFromInt(stats.Failed).Mul(hundred).GreaterThan(r.Threshold.Mul(decimal.NewFromInt(stats.Count))) {
		rate := stats.ErrorRate().Round(2)
		add(TypeHighErrorRate, rate, r.Threshold,
			"%s%% of today's %d operations failed, above the %s%% alert threshold", rate.String(), stats.Count, r.Threshold.String())
	}
	if r := cfg.SlowResponse; r.Enabled && stats.MeanLatencyMs.GreaterThan(r.Threshold) {
		add(TypeSlowResponse, stats.MeanLatencyMs.Round(2), r.Threshold,
			"mean response time today is %sms, above the %sms alert threshold", stats.MeanLatencyMs.StringFixed(0), r.Threshold.String())
	}
	return events
}
