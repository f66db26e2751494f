package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
	"github.com/Jrmromao/prompt-craft-sub007/internal/credits"
	"github.com/Jrmromao/prompt-craft-sub007/internal/plans"
)

var anchor = time.Date(2026, 1, 20, 9, 30, 0, 0, time.UTC)

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	tenant := &Tenant{
		ID:            "t_1",
		Name:          "Acme Corp",
		Plan:          plans.TierLite,
		BillingAnchor: anchor,
		Status:        StatusActive,
	}
	require.NoError(t, store.Create(ctx, tenant))

	got, err := store.Get(ctx, "t_1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", got.Name)
	assert.Equal(t, plans.TierLite, got.Plan)

	got.Name = "Acme Inc"
	require.NoError(t, store.Update(ctx, got))
	got2, _ := store.Get(ctx, "t_1")
	assert.Equal(t, "Acme Inc", got2.Name)

	// Returned values are copies.
	got2.Plan = plans.TierPro
	got3, _ := store.Get(ctx, "t_1")
	assert.Equal(t, plans.TierLite, got3.Plan)
}

func TestMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "nonexistent")
	assert.ErrorIs(t, err, ErrTenantNotFound)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	err = store.Update(ctx, &Tenant{ID: "nonexistent"})
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestMemoryStore_Duplicate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Create(ctx, &Tenant{ID: "t_1"}))
	assert.ErrorIs(t, store.Create(ctx, &Tenant{ID: "t_1"}), ErrTenantExists)
}

func TestMemoryStore_List(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Create(ctx, &Tenant{ID: "b", Status: StatusActive})
	_ = store.Create(ctx, &Tenant{ID: "a", Status: StatusActive})
	_ = store.Create(ctx, &Tenant{ID: "c", Status: StatusSuspended})

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)

	active, err := store.List(ctx, StatusActive)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestTenant_Validate(t *testing.T) {
	assert.NoError(t, (&Tenant{ID: "t1", Plan: plans.TierFree, Status: StatusActive}).Validate())
	assert.ErrorIs(t, (&Tenant{Plan: plans.TierFree, Status: StatusActive}).Validate(), apperr.ErrInvalidInput)
	assert.ErrorIs(t, (&Tenant{ID: "t1", Status: StatusActive}).Validate(), apperr.ErrInvalidInput)
	assert.ErrorIs(t, (&Tenant{ID: "t1", Plan: plans.TierFree, Status: "archived"}).Validate(), ErrInvalidStatus)
}

func TestDirectory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Create(ctx, &Tenant{ID: "t1", Plan: plans.TierPro, BillingAnchor: anchor, Status: StatusSuspended})
	_ = store.Create(ctx, &Tenant{ID: "gone", Plan: plans.TierPro, Status: StatusDeleted})
	dir := NewDirectory(store)

	tier, err := dir.PlanTier(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, plans.TierPro, tier)

	a, err := dir.BillingAnchor(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, anchor, a)

	_, err = dir.PlanTier(ctx, "gone")
	assert.ErrorIs(t, err, ErrTenantNotFound)
	_, err = dir.BillingAnchor(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func newTestService() (*Service, *MemoryStore, *credits.Ledger) {
	store := NewMemoryStore()
	ledger := credits.New(credits.NewMemoryStore())
	svc := NewService(store, plans.Default(), ledger)
	svc.now = func() time.Time { return anchor }
	return svc, store, ledger
}

func TestService_Onboard(t *testing.T) {
	svc, _, ledger := newTestService()
	ctx := context.Background()

	ten, err := svc.Onboard(ctx, OnboardRequest{ID: "t1", Name: "  Acme  ", Plan: "lite"})
	require.NoError(t, err)
	assert.Equal(t, plans.TierLite, ten.Plan)
	assert.Equal(t, "Acme", ten.Name)
	assert.Equal(t, anchor, ten.BillingAnchor)
	assert.Equal(t, StatusActive, ten.Status)

	bal, err := ledger.GetBalance(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal.MonthlyCredits)
	assert.Equal(t, int64(500), bal.CreditCap)

	_, err = svc.Onboard(ctx, OnboardRequest{ID: "t1"})
	assert.ErrorIs(t, err, ErrTenantExists)
}

func TestService_OnboardDefaultsAndValidation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	ten, err := svc.Onboard(ctx, OnboardRequest{ID: "t2"})
	require.NoError(t, err)
	assert.Equal(t, plans.TierFree, ten.Plan)
	assert.Equal(t, "t2", ten.Name)

	_, err = svc.Onboard(ctx, OnboardRequest{ID: "bad id"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = svc.Onboard(ctx, OnboardRequest{ID: "t3", Plan: "PLATINUM"})
	assert.ErrorIs(t, err, plans.ErrUnknownTier)
}

func TestService_ChangePlan(t *testing.T) {
	svc, _, ledger := newTestService()
	ctx := context.Background()
	_, err := svc.Onboard(ctx, OnboardRequest{ID: "t1"})
	require.NoError(t, err)

	ten, err := svc.ChangePlan(ctx, "t1", plans.TierPro)
	require.NoError(t, err)
	assert.Equal(t, plans.TierPro, ten.Plan)

	bal, err := ledger.GetBalance(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), bal.CreditCap)
	// The monthly pool changes at the next renewal, not now.
	assert.Equal(t, int64(100), bal.MonthlyCredits)

	_, err = svc.ChangePlan(ctx, "nobody", plans.TierPro)
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestService_SetStatus(t *testing.T) {
	svc, _, ledger := newTestService()
	ctx := context.Background()
	_, err := svc.Onboard(ctx, OnboardRequest{ID: "t1"})
	require.NoError(t, err)

	_, err = svc.SetStatus(ctx, "t1", StatusSuspended)
	require.NoError(t, err)
	_, err = ledger.Debit(ctx, "t1", 1, "still works while suspended", credits.Metadata{})
	require.NoError(t, err)

	_, err = svc.SetStatus(ctx, "t1", StatusDeleted)
	require.NoError(t, err)
	_, err = ledger.Debit(ctx, "t1", 1, "closed", credits.Metadata{})
	assert.ErrorIs(t, err, credits.ErrAccountClosed)

	_, err = svc.SetStatus(ctx, "t1", StatusActive)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = svc.SetStatus(ctx, "t1", "frozen")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}
