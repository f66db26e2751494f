package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jrmromao/prompt-craft-sub007/internal/credits"
	"github.com/Jrmromao/prompt-craft-sub007/internal/reconciliation"
)

type fakeDeps struct {
	cutoff  time.Time
	count   int
	err     error
	report  *reconciliation.Report
	invoked int
}

func (f *fakeDeps) CheckAll(context.Context) (int, error) { f.invoked++; return f.count, f.err }
func (f *fakeDeps) RenewDue(context.Context) (int, error) { f.invoked++; return f.count, f.err }

func (f *fakeDeps) Purge(_ context.Context, before time.Time) (int64, error) {
	f.invoked++
	f.cutoff = before
	return int64(f.count), f.err
}

func (f *fakeDeps) PurgeTransactions(_ context.Context, before time.Time) (int64, error) {
	f.invoked++
	f.cutoff = before
	return int64(f.count), f.err
}

func (f *fakeDeps) RunAll(context.Context) (*reconciliation.Report, error) {
	f.invoked++
	return f.report, f.err
}

var fixedNow = func() time.Time { return time.Date(2026, 6, 30, 2, 0, 0, 0, time.UTC) }

func TestAlertSweepAndRenewals(t *testing.T) {
	ctx := context.Background()
	f := &fakeDeps{count: 3}
	require.NoError(t, AlertSweep(f)(ctx))
	require.NoError(t, Renewals(f)(ctx))
	assert.Equal(t, 2, f.invoked)

	f.err = errors.New("partial failure")
	assert.ErrorIs(t, AlertSweep(f)(ctx), f.err)
	assert.ErrorIs(t, Renewals(f)(ctx), f.err)
}

func TestPurgeJobs_Cutoff(t *testing.T) {
	ctx := context.Background()
	f := &fakeDeps{}

	require.NoError(t, UsagePurge(f, 90*24*time.Hour, fixedNow)(ctx))
	assert.Equal(t, time.Date(2026, 4, 1, 2, 0, 0, 0, time.UTC), f.cutoff)

	require.NoError(t, TransactionPurge(f, 365*24*time.Hour, fixedNow)(ctx))
	assert.Equal(t, time.Date(2025, 6, 30, 2, 0, 0, 0, time.UTC), f.cutoff)

	f.invoked = 0
	assert.Error(t, UsagePurge(f, 0, fixedNow)(ctx))
	assert.Error(t, TransactionPurge(f, -time.Hour, fixedNow)(ctx))
	assert.Zero(t, f.invoked, "a non-positive retention never reaches the store")
}

func TestReconciliationJob(t *testing.T) {
	ctx := context.Background()

	f := &fakeDeps{report: &reconciliation.Report{Checked: 4}}
	assert.NoError(t, Reconciliation(f)(ctx))

	f.report.Mismatches = []*credits.Reconciliation{{TenantID: "t1", Drift: 5}}
	err := Reconciliation(f)(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 4")

	f.err = errors.New("list failed")
	assert.ErrorIs(t, Reconciliation(f)(ctx), f.err)
}

func TestJobsAgainstScheduler(t *testing.T) {
	s := newTestScheduler()
	f := &fakeDeps{}
	require.NoError(t, s.Add(JobAlertSweep, "*/5 * * * *", AlertSweep(f)))
	require.NoError(t, s.Add(JobRenewals, "0 0 1 * *", Renewals(f)))
	assert.Equal(t, []string{JobAlertSweep, JobRenewals}, s.Jobs())

	require.NoError(t, s.RunNow(context.Background(), JobRenewals))
	assert.Equal(t, 1, f.invoked)
}
