// Package tenant holds tenant records: the plan tier each tenant is on, the
// billing anchor its spend periods start from, and its lifecycle status.
package tenant

import (
	"fmt"
	"strings"
	"time"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
	"github.com/Jrmromao/prompt-craft-sub007/internal/plans"
)

// Errors
var (
	ErrTenantNotFound = fmt.Errorf("tenant: %w", apperr.ErrNotFound)
	ErrTenantExists   = fmt.Errorf("tenant: %w", apperr.Invalid("tenant already exists"))
	ErrInvalidStatus  = fmt.Errorf("tenant: %w", apperr.Invalid("invalid status"))
)

// Status represents a tenant's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusDeleted:
		return true
	}
	return false
}

// Tenant is an organisation or user account billed as one unit.
type Tenant struct {
	ID   string     `json:"id"`
	Name string     `json:"name"`
	Plan plans.Tier `json:"plan"`
	// BillingAnchor is the subscription start. Its day of month starts every
	// spend period; zero means calendar months.
	BillingAnchor time.Time `json:"billingAnchor,omitzero"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Validate checks the fields a caller supplies.
func (t *Tenant) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return apperr.Invalid("tenant id is required")
	}
	if strings.TrimSpace(string(t.Plan)) == "" {
		return apperr.Invalid("plan is required")
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, t.Status)
	}
	return nil
}
