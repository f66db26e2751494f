package tenant

import (
	"context"
	"time"

	"github.com/Jrmromao/prompt-craft-sub007/internal/plans"
)

// Directory answers the two questions the accounting engine asks about a
// tenant: which tier it is on and when its billing period starts. Deleted
// tenants are reported as not found.
type Directory struct {
	store Store
}

// NewDirectory creates a directory over store.
func NewDirectory(store Store) *Directory {
	return &Directory{store: store}
}

func (d *Directory) lookup(ctx context.Context, id string) (*Tenant, error) {
	t, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusDeleted {
		return nil, ErrTenantNotFound
	}
	return t, nil
}

// PlanTier returns the tenant's tier.
func (d *Directory) PlanTier(ctx context.Context, id string) (plans.Tier, error) {
	t, err := d.lookup(ctx, id)
	if err != nil {
		return "", err
	}
	return t.Plan, nil
}

// BillingAnchor returns the tenant's billing anchor.
func (d *Directory) BillingAnchor(ctx context.Context, id string) (time.Time, error) {
	t, err := d.lookup(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	return t.BillingAnchor, nil
}
