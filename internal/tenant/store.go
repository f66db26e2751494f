package tenant

import "context"

// Store persists tenant data.
type Store interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	Update(ctx context.Context, t *Tenant) error
	// List returns tenants with the given status ordered by id; an empty
	// status lists every tenant.
	List(ctx context.Context, status Status) ([]*Tenant, error)
}
