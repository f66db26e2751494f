package alerts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
	"github.com/Jrmromao/prompt-craft-sub007/internal/usage"
)

var now = time.Date(2026, 3, 15, 18, 30, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	events []*Event
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, _ *Config, ev *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func on(threshold string) Rule { return Rule{Enabled: true, Threshold: d(threshold)} }

type fixture struct {
	eval     *Evaluator
	agg      *usage.Aggregator
	configs  *MemoryStore
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := func() time.Time { return now }
	agg := usage.NewAggregator(usage.NewMemoryStore(), usage.WithClock(clock))
	configs := NewMemoryStore()
	n := &recordingNotifier{}
	return &fixture{
		eval:     NewEvaluator(configs, agg, WithNotifier(n), WithClock(clock)),
		agg:      agg,
		configs:  configs,
		notifier: n,
	}
}

func (f *fixture) record(t *testing.T, tenantID, cost string, latency int64, success bool, at time.Time) {
	t.Helper()
	require.NoError(t, f.agg.Record(context.Background(), &usage.Record{
		TenantID: tenantID, Feature: "prompt_run", Cost: d(cost),
		LatencyMs: latency, Success: success, CreatedAt: at,
	}))
}

func (f *fixture) configure(t *testing.T, cfg *Config) {
	t.Helper()
	require.NoError(t, f.eval.SaveConfig(context.Background(), cfg))
}

func TestCheckAlerts_AllRulesTrigger(t *testing.T) {
	f := newFixture(t)
	f.configure(t, &Config{TenantID: "t1", CostSpike: on("5"), ErrorRate: on("20"), SlowResponse: on("1000")})
	f.record(t, "t1", "3", 900, true, now.Add(-time.Hour))
	f.record(t, "t1", "2.5", 1500, false, now.Add(-2*time.Hour))
	f.record(t, "t1", "1", 1200, true, now.Add(-3*time.Hour))

	events, err := f.eval.CheckAlerts(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, TypeCostSpike, events[0].Type)
	assert.Equal(t, "6.5", events[0].Observed.String())
	assert.Equal(t, TypeHighErrorRate, events[1].Type)
	assert.Equal(t, "33.33", events[1].Observed.String())
	assert.Equal(t, TypeSlowResponse, events[2].Type)
	assert.Equal(t, "1200", events[2].Observed.String())

	for _, ev := range events {
		assert.Contains(t, ev.ID, "alr_")
		assert.Equal(t, int64(3), ev.Operations)
		assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), ev.WindowStart)
		assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), ev.WindowEnd)
		assert.NotEmpty(t, ev.Message)
	}
	assert.Len(t, f.notifier.events, 3)
}

func TestCheckAlerts_OnlyTodayCounts(t *testing.T) {
	f := newFixture(t)
	f.configure(t, &Config{TenantID: "t1", CostSpike: on("5")})
	f.record(t, "t1", "100", 10, true, time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC))
	f.record(t, "t1", "1", 10, true, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))

	events, err := f.eval.CheckAlerts(context.Background(), "t1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCheckAlerts_ZeroOperationsNeverTriggerRates(t *testing.T) {
	f := newFixture(t)
	f.configure(t, &Config{TenantID: "t1", CostSpike: on("0"), ErrorRate: on("0"), SlowResponse: on("0")})

	events, err := f.eval.CheckAlerts(context.Background(), "t1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCheckAlerts_ThresholdsAreStrict(t *testing.T) {
	f := newFixture(t)
	f.configure(t, &Config{TenantID: "t1", CostSpike: on("2"), ErrorRate: on("50"), SlowResponse: on("100")})
	f.record(t, "t1", "1", 100, true, now)
	f.record(t, "t1", "1", 100, false, now)

	events, err := f.eval.CheckAlerts(context.Background(), "t1")
	require.NoError(t, err)
	assert.Empty(t, events, "values equal to the threshold do not trigger")
}

func TestCheckAlerts_DisabledAndMissingConfig(t *testing.T) {
	f := newFixture(t)
	f.record(t, "t1", "1000", 99999, false, now)

	events, err := f.eval.CheckAlerts(context.Background(), "t1")
	require.NoError(t, err)
	assert.Empty(t, events)

	f.configure(t, &Config{TenantID: "t1", CostSpike: Rule{Enabled: false, Threshold: d("1")}})
	events, err = f.eval.CheckAlerts(context.Background(), "t1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCheckAlerts_RepeatedCallsRetrigger(t *testing.T) {
	f := newFixture(t)
	f.configure(t, &Config{TenantID: "t1", CostSpike: on("1")})
	f.record(t, "t1", "2", 10, true, now)

	for range 2 {
		events, err := f.eval.CheckAlerts(context.Background(), "t1")
		require.NoError(t, err)
		assert.Len(t, events, 1)
	}
	assert.Len(t, f.notifier.events, 2)
}

func TestCheckAlerts_NotifierFailureIsNotReturned(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("webhook down")
	f.configure(t, &Config{TenantID: "t1", CostSpike: on("1")})
	f.record(t, "t1", "2", 10, true, now)

	events, err := f.eval.CheckAlerts(context.Background(), "t1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

type brokenStats struct{}

func (brokenStats) Stats(context.Context, string, time.Time, time.Time) (*usage.WindowStats, error) {
	return nil, apperr.Unavailable("usage: stats", errors.New("connection refused"))
}

func TestCheckAlerts_StatsFailure(t *testing.T) {
	configs := NewMemoryStore()
	require.NoError(t, configs.Save(context.Background(), &Config{TenantID: "t1", CostSpike: on("1")}))
	e := NewEvaluator(configs, brokenStats{}, WithClock(func() time.Time { return now }))

	_, err := e.CheckAlerts(context.Background(), "t1")
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)

	n, err := e.CheckAll(context.Background())
	assert.Zero(t, n)
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "tenant t1")
}

func TestCheckAll(t *testing.T) {
	f := newFixture(t)
	f.configure(t, &Config{TenantID: "a", CostSpike: on("1")})
	f.configure(t, &Config{TenantID: "b", ErrorRate: on("10")})
	f.configure(t, &Config{TenantID: "c"})
	f.record(t, "a", "5", 10, true, now)
	f.record(t, "b", "0", 10, false, now)
	f.record(t, "c", "500", 10, false, now)

	before := testutil.ToFloat64(TriggeredTotal.WithLabelValues(string(TypeHighErrorRate)))
	n, err := f.eval.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, before+1, testutil.ToFloat64(TriggeredTotal.WithLabelValues(string(TypeHighErrorRate))))
}

func TestSaveConfig_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil", nil},
		{"no tenant", &Config{CostSpike: on("1")}},
		{"negative", &Config{TenantID: "t1", CostSpike: on("-1")}},
		{"rate over 100", &Config{TenantID: "t1", ErrorRate: on("100.5")}},
		{"bad url", &Config{TenantID: "t1", WebhookURL: "ftp://example.com"}},
		{"relative url", &Config{TenantID: "t1", WebhookURL: "/hooks"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.eval.SaveConfig(ctx, tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.ErrorIs(t, err, apperr.ErrInvalidInput)
		})
	}

	cfg := &Config{TenantID: "t1", ErrorRate: on("100"), WebhookURL: "https://hooks.example.com/pc"}
	require.NoError(t, f.eval.SaveConfig(ctx, cfg))
	assert.Equal(t, now, cfg.UpdatedAt)

	got, err := f.eval.GetConfig(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/pc", got.WebhookURL)

	def, err := f.eval.GetConfig(ctx, "fresh")
	require.NoError(t, err)
	assert.False(t, def.AnyEnabled())
}

func TestSaveConfig_URLCheck(t *testing.T) {
	var checked []string
	eval := NewEvaluator(NewMemoryStore(), usage.NewAggregator(usage.NewMemoryStore()),
		WithURLCheck(func(raw string) error {
			checked = append(checked, raw)
			if strings.Contains(raw, "169.254") {
				return errors.New("link-local addresses are not allowed")
			}
			return nil
		}))
	ctx := context.Background()

	err := eval.SaveConfig(ctx, &Config{TenantID: "t1", WebhookURL: "http://169.254.169.254/latest"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "link-local")

	require.NoError(t, eval.SaveConfig(ctx, &Config{TenantID: "t1", WebhookURL: "https://hooks.example.com"}))
	require.NoError(t, eval.SaveConfig(ctx, &Config{TenantID: "t2"}))
	assert.Equal(t, []string{"http://169.254.169.254/latest", "https://hooks.example.com"}, checked)
}

func TestEvaluate_ErrorRateComparesExactly(t *testing.T) {
	cfg := &Config{TenantID: "t1", ErrorRate: on("33.33")}
	// 1/3 = 33.333...% is above 33.33%.
	events := Evaluate(cfg, &usage.WindowStats{Count: 3, Failed: 1, TotalCost: decimal.Zero, MeanLatencyMs: decimal.Zero})
	require.Len(t, events, 1)

	cfg.ErrorRate = on("33.34")
	assert.Empty(t, Evaluate(cfg, &usage.WindowStats{Count: 3, Failed: 1, TotalCost: decimal.Zero, MeanLatencyMs: decimal.Zero}))
}
