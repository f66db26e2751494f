package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
)

type anchorMap map[string]time.Time

func (m anchorMap) BillingAnchor(ctx context.Context, tenantID string) (time.Time, error) {
	a, ok := m[tenantID]
	if !ok {
		return time.Time{}, apperr.ErrNotFound
	}
	return a, nil
}

var now = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func newTestAggregator(anchors anchorMap) (*Aggregator, *MemoryStore) {
	store := NewMemoryStore()
	return NewAggregator(store, WithAnchors(anchors), WithClock(func() time.Time { return now })), store
}

func rec(tenantID, feature, cost string, at time.Time, success bool, latency int64) *Record {
	return &Record{
		TenantID:  tenantID,
		Feature:   feature,
		Model:     "gpt-4o-mini",
		Cost:      decimal.RequireFromString(cost),
		LatencyMs: latency,
		Success:   success,
		CreatedAt: at,
	}
}

func TestAggregator_SumEqualsRecordedCosts(t *testing.T) {
	agg, _ := newTestAggregator(anchorMap{"t1": {}})
	ctx := context.Background()

	costs := []string{"0.10", "1.25", "0.005", "3", "0.645"}
	want := decimal.Zero
	for i, c := range costs {
		require.NoError(t, agg.Record(ctx, rec("t1", "prompt_run", c, now.Add(-time.Duration(i)*time.Hour), true, 100)))
		want = want.Add(decimal.RequireFromString(c))
	}
	// Outside the period and another tenant: excluded.
	require.NoError(t, agg.Record(ctx, rec("t1", "prompt_run", "99", time.Date(2026, 2, 28, 23, 0, 0, 0, time.UTC), true, 1)))
	require.NoError(t, agg.Record(ctx, rec("t2", "prompt_run", "99", now, true, 1)))

	spend, err := agg.CurrentPeriodSpend(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, spend.Equal(want), "got %s want %s", spend, want)
	assert.Equal(t, "5", spend.String())
}

func TestAggregator_AnchoredPeriod(t *testing.T) {
	agg, _ := newTestAggregator(anchorMap{"t1": time.Date(2025, 11, 20, 0, 0, 0, 0, time.UTC)})
	ctx := context.Background()

	p, err := agg.CurrentPeriod(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC), p.Start)

	require.NoError(t, agg.Record(ctx, rec("t1", "f", "2", time.Date(2026, 2, 25, 0, 0, 0, 0, time.UTC), true, 1)))
	require.NoError(t, agg.Record(ctx, rec("t1", "f", "7", time.Date(2026, 2, 19, 0, 0, 0, 0, time.UTC), true, 1)))

	spend, err := agg.CurrentPeriodSpend(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "2", spend.String())
}

func TestAggregator_UnknownTenant(t *testing.T) {
	agg, _ := newTestAggregator(anchorMap{})
	_, err := agg.CurrentPeriodSpend(context.Background(), "ghost")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAggregator_NoAnchorsMeansCalendarMonth(t *testing.T) {
	agg := NewAggregator(NewMemoryStore(), WithClock(func() time.Time { return now }))
	p, err := agg.CurrentPeriod(context.Background(), "anyone")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), p.End)
}

func TestAggregator_UsageCount(t *testing.T) {
	agg, _ := newTestAggregator(anchorMap{"t1": {}})
	ctx := context.Background()
	for _, f := range []string{"prompt_run", "prompt_run", "optimization"} {
		require.NoError(t, agg.Record(ctx, rec("t1", f, "1", now, true, 1)))
	}

	start, end := now.Add(-time.Hour), now.Add(time.Hour)
	n, err := agg.UsageCount(ctx, "t1", "prompt_run", start, end)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = agg.UsageCount(ctx, "t1", "", start, end)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// End is exclusive.
	n, err = agg.UsageCount(ctx, "t1", "", start, now)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = agg.UsageCount(ctx, "t1", "", end, start)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestAggregator_Stats(t *testing.T) {
	agg, _ := newTestAggregator(anchorMap{"t1": {}})
	ctx := context.Background()
	require.NoError(t, agg.Record(ctx, rec("t1", "f", "1.5", now, true, 100)))
	require.NoError(t, agg.Record(ctx, rec("t1", "f", "0.5", now, false, 300)))
	require.NoError(t, agg.Record(ctx, rec("t1", "f", "1", now, true, 200)))

	stats, err := agg.Stats(ctx, "t1", now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Count)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, "3", stats.TotalCost.String())
	assert.Equal(t, "200", stats.MeanLatencyMs.String())
	assert.Equal(t, "33.33", stats.ErrorRate().Round(2).String())

	empty, err := agg.Stats(ctx, "nobody", now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, empty.Count)
	assert.True(t, empty.ErrorRate().IsZero())
}

func TestAggregator_Breakdown(t *testing.T) {
	agg, _ := newTestAggregator(anchorMap{"t1": {}})
	ctx := context.Background()
	require.NoError(t, agg.Record(ctx, rec("t1", "prompt_run", "1", now, true, 1)))
	require.NoError(t, agg.Record(ctx, rec("t1", "optimization", "2", now, true, 1)))
	require.NoError(t, agg.Record(ctx, rec("t1", "prompt_run", "3", now, true, 1)))

	rows, err := agg.Breakdown(ctx, "t1", now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "optimization", rows[0].Feature)
	assert.Equal(t, int64(2), rows[1].Count)
	assert.Equal(t, "4", rows[1].TotalCost.String())
}

func TestAggregator_RecordValidation(t *testing.T) {
	agg, _ := newTestAggregator(anchorMap{})
	ctx := context.Background()

	tests := []struct {
		name string
		rec  *Record
	}{
		{"nil", nil},
		{"no tenant", &Record{Feature: "f"}},
		{"no feature", &Record{TenantID: "t1"}},
		{"negative cost", &Record{TenantID: "t1", Feature: "f", Cost: decimal.NewFromInt(-1)}},
		{"negative tokens", &Record{TenantID: "t1", Feature: "f", TokensUsed: -1}},
		{"negative latency", &Record{TenantID: "t1", Feature: "f", LatencyMs: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, agg.Record(ctx, tt.rec), apperr.ErrInvalidInput)
		})
	}
}

func TestAggregator_RecordFillsDefaults(t *testing.T) {
	agg, _ := newTestAggregator(anchorMap{})
	r := &Record{TenantID: "t1", Feature: "prompt_run", Cost: decimal.RequireFromString("0.25"), Success: true}

	before := testutil.ToFloat64(RecordsTotal.WithLabelValues("prompt_run", "true"))
	require.NoError(t, agg.Record(context.Background(), r))
	assert.Contains(t, r.ID, "usg_")
	assert.Equal(t, now, r.CreatedAt)
	assert.Equal(t, before+1, testutil.ToFloat64(RecordsTotal.WithLabelValues("prompt_run", "true")))
}

func TestAggregator_Purge(t *testing.T) {
	agg, _ := newTestAggregator(anchorMap{"t1": {}})
	ctx := context.Background()
	require.NoError(t, agg.Record(ctx, rec("t1", "f", "1", now.AddDate(0, 0, -100), true, 1)))
	require.NoError(t, agg.Record(ctx, rec("t1", "f", "1", now, true, 1)))

	n, err := agg.Purge(ctx, now.AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = agg.Purge(ctx, time.Time{})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

type failingStore struct{ MemoryStore }

func (*failingStore) SumCost(context.Context, string, time.Time, time.Time) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("connection refused")
}

func TestAggregator_StoreFailureIsUnavailable(t *testing.T) {
	agg := NewAggregator(&failingStore{}, WithClock(func() time.Time { return now }))
	_, err := agg.CurrentPeriodSpend(context.Background(), "t1")
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)
}

func TestAggregator_RecordOncePerOperation(t *testing.T) {
	agg, _ := newTestAggregator(anchorMap{"t1": time.Time{}})
	ctx := context.Background()

	first := rec("t1", "prompt_run", "0.40", now, true, 100)
	first.Metadata.OperationID = "op_1"
	require.NoError(t, agg.Record(ctx, first))

	again := rec("t1", "prompt_run", "0.40", now, true, 100)
	again.Metadata.OperationID = "op_1"
	err := agg.Record(ctx, again)
	assert.ErrorIs(t, err, ErrDuplicateRecord)
	assert.False(t, errors.Is(err, apperr.ErrStoreUnavailable))

	// The same operation id under another tenant is a different operation.
	other := rec("t2", "prompt_run", "0.40", now, true, 100)
	other.Metadata.OperationID = "op_1"
	require.NoError(t, agg.Record(ctx, other))

	spend, err := agg.CurrentPeriodSpend(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "0.4", spend.String())
}
