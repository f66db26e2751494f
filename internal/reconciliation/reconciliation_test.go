package reconciliation

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
	"github.com/Jrmromao/prompt-craft-sub007/internal/credits"
	"github.com/Jrmromao/prompt-craft-sub007/internal/plans"
	"github.com/Jrmromao/prompt-craft-sub007/internal/tenant"
)

func onboard(t *testing.T, ids ...string) (*tenant.Service, *tenant.MemoryStore, *credits.Ledger) {
	t.Helper()
	store := tenant.NewMemoryStore()
	ledger := credits.New(credits.NewMemoryStore())
	svc := tenant.NewService(store, plans.Default(), ledger)
	for _, id := range ids {
		_, err := svc.Onboard(context.Background(), tenant.OnboardRequest{ID: id})
		require.NoError(t, err)
	}
	return svc, store, ledger
}

func TestRunAll_Clean(t *testing.T) {
	ctx := context.Background()
	svc, store, ledger := onboard(t, "a", "b", "c")
	_, err := ledger.Debit(ctx, "a", 40, "prompt run", credits.Metadata{})
	require.NoError(t, err)
	_, err = ledger.Credit(ctx, "b", 25, credits.TxPurchase, "top-up", credits.Metadata{})
	require.NoError(t, err)
	_, err = svc.SetStatus(ctx, "c", tenant.StatusDeleted)
	require.NoError(t, err)

	report, err := NewRunner(ledger, store).RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked, "deleted tenants are skipped")
	assert.Empty(t, report.Mismatches)
	assert.Zero(t, testutil.ToFloat64(reconcileMismatches))
}

type driftingLedger struct {
	Reconciler
	drift map[string]int64
}

func (d driftingLedger) Reconcile(ctx context.Context, tenantID string) (*credits.Reconciliation, error) {
	rec, err := d.Reconciler.Reconcile(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if n, ok := d.drift[tenantID]; ok {
		rec.Balance += n
		rec.Drift = n
		rec.Match = false
	}
	return rec, nil
}

func TestRunAll_ReportsDrift(t *testing.T) {
	_, store, ledger := onboard(t, "a", "b")

	report, err := NewRunner(driftingLedger{Reconciler: ledger, drift: map[string]int64{"b": 7}}, store).
		RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, "b", report.Mismatches[0].TenantID)
	assert.Equal(t, int64(7), report.Mismatches[0].Drift)
	assert.Equal(t, float64(1), testutil.ToFloat64(reconcileMismatches))
}

func TestRunAll_MissingAccountContinues(t *testing.T) {
	ctx := context.Background()
	_, store, ledger := onboard(t, "a")
	// A tenant row without a credit account.
	require.NoError(t, store.Create(ctx, &tenant.Tenant{ID: "orphan", Plan: plans.TierFree, Status: tenant.StatusActive}))

	before := testutil.ToFloat64(reconcileErrors)
	report, err := NewRunner(ledger, store).RunAll(ctx)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Contains(t, err.Error(), "tenant orphan")
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, before+1, testutil.ToFloat64(reconcileErrors))
}

type failingLister struct{}

func (failingLister) List(context.Context, tenant.Status) ([]*tenant.Tenant, error) {
	return nil, errors.New("connection refused")
}

func TestRunAll_ListFailure(t *testing.T) {
	_, _, ledger := onboard(t)
	report, err := NewRunner(ledger, failingLister{}).RunAll(context.Background())
	require.Error(t, err)
	assert.Zero(t, report.Checked)
}
