package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
	"github.com/Jrmromao/prompt-craft-sub007/internal/credits"
	"github.com/Jrmromao/prompt-craft-sub007/internal/logging"
	"github.com/Jrmromao/prompt-craft-sub007/internal/plans"
	"github.com/Jrmromao/prompt-craft-sub007/internal/validation"
)

// Accounts is the slice of the credit ledger tenant lifecycle changes touch.
type Accounts interface {
	OpenAccount(ctx context.Context, tenantID string, creditCap int64) (*credits.Result, error)
	SetCreditCap(ctx context.Context, tenantID string, creditCap int64) (*credits.Result, error)
	CloseAccount(ctx context.Context, tenantID string) (*credits.Result, error)
}

// OnboardRequest describes a new tenant.
type OnboardRequest struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Plan          plans.Tier `json:"plan"`
	BillingAnchor time.Time  `json:"billingAnchor"`
}

// Service keeps tenant records and credit accounts in step.
type Service struct {
	store    Store
	catalog  *plans.Catalog
	accounts Accounts
	now      func() time.Time
}

// NewService creates a tenant service.
func NewService(store Store, catalog *plans.Catalog, accounts Accounts) *Service {
	return &Service{store: store, catalog: catalog, accounts: accounts, now: time.Now}
}

// Get returns a tenant by id.
func (s *Service) Get(ctx context.Context, id string) (*Tenant, error) {
	return s.store.Get(ctx, id)
}

// List returns tenants, optionally filtered by status.
func (s *Service) List(ctx context.Context, status Status) ([]*Tenant, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.store.List(ctx, status)
}

// Onboard creates the tenant and opens its credit account with the plan's
// monthly allotment. The billing anchor defaults to now.
func (s *Service) Onboard(ctx context.Context, req OnboardRequest) (*Tenant, error) {
	if !validation.IsValidTenantID(req.ID) {
		return nil, apperr.Invalid("tenant id %q is malformed", req.ID)
	}
	if req.Plan == "" {
		req.Plan = plans.TierFree
	}
	plan, err := s.catalog.Plan(req.Plan)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	t := &Tenant{
		ID:            req.ID,
		Name:          validation.SanitizeString(req.Name, 200),
		Plan:          plan.Tier,
		BillingAnchor: req.BillingAnchor.UTC(),
		Status:        StatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if t.BillingAnchor.IsZero() {
		t.BillingAnchor = now
	}
	if strings.TrimSpace(t.Name) == "" {
		t.Name = t.ID
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}

	if _, err := s.accounts.OpenAccount(ctx, t.ID, plan.MonthlyCredits); err != nil && !errors.Is(err, credits.ErrAccountExists) {
		return nil, fmt.Errorf("tenant: open credit account: %w", err)
	}
	logging.L(ctx).Info("tenant onboarded", "tenant_id", t.ID, "plan", t.Plan)
	return t, nil
}

// ChangePlan moves the tenant to tier and resets its credit cap. The new cap
// applies from the next monthly renewal.
func (s *Service) ChangePlan(ctx context.Context, id string, tier plans.Tier) (*Tenant, error) {
	plan, err := s.catalog.Plan(tier)
	if err != nil {
		return nil, err
	}
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusDeleted {
		return nil, ErrTenantNotFound
	}
	if t.Plan == plan.Tier {
		return t, nil
	}

	previous := t.Plan
	t.Plan = plan.Tier
	t.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	if _, err := s.accounts.SetCreditCap(ctx, id, plan.MonthlyCredits); err != nil {
		return nil, fmt.Errorf("tenant: set credit cap: %w", err)
	}
	logging.L(ctx).Info("tenant plan changed", "tenant_id", id, "from", previous, "to", t.Plan)
	return t, nil
}

// SetStatus changes the lifecycle status. Deleting a tenant closes its
// credit account; its history stays readable.
func (s *Service) SetStatus(ctx context.Context, id string, status Status) (*Tenant, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusDeleted && status != StatusDeleted {
		return nil, apperr.Invalid("tenant %s is deleted", id)
	}
	t.Status = status
	t.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	if status == StatusDeleted {
		if _, err := s.accounts.CloseAccount(ctx, id); err != nil && !errors.Is(err, credits.ErrAccountNotFound) {
			return nil, fmt.Errorf("tenant: close credit account: %w", err)
		}
	}
	logging.L(ctx).Info("tenant status changed", "tenant_id", id, "status", status)
	return t, nil
}
