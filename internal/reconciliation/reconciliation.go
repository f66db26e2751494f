// Package reconciliation sweeps every tenant's credit account and checks that
// the stored balance equals the archived net plus the signed sum of the
// retained transactions.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Jrmromao/prompt-craft-sub007/internal/credits"
	"github.com/Jrmromao/prompt-craft-sub007/internal/logging"
	"github.com/Jrmromao/prompt-craft-sub007/internal/tenant"
)

// Reconciler checks one tenant's account.
type Reconciler interface {
	Reconcile(ctx context.Context, tenantID string) (*credits.Reconciliation, error)
}

// TenantLister lists tenants by status.
type TenantLister interface {
	List(ctx context.Context, status tenant.Status) ([]*tenant.Tenant, error)
}

// Report is the outcome of one sweep.
type Report struct {
	Checked    int                       `json:"checked"`
	Mismatches []*credits.Reconciliation `json:"mismatches"`
	Errors     int                       `json:"errors"`
	StartedAt  time.Time                 `json:"startedAt"`
	Duration   time.Duration             `json:"duration"`
}

// Runner reconciles every active or suspended tenant.
type Runner struct {
	ledger  Reconciler
	tenants TenantLister
	now     func() time.Time
}

// NewRunner creates a reconciliation runner.
func NewRunner(ledger Reconciler, tenants TenantLister) *Runner {
	return &Runner{ledger: ledger, tenants: tenants, now: time.Now}
}

// RunAll checks every live tenant. A tenant that cannot be checked is
// counted and its error joined into the result; the sweep continues.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: r.now()}
	defer func() {
		report.Duration = r.now().Sub(report.StartedAt)
		reconcileDuration.Observe(report.Duration.Seconds())
	}()

	all, err := r.tenants.List(ctx, "")
	if err != nil {
		reconcileErrors.Inc()
		return report, fmt.Errorf("reconciliation: list tenants: %w", err)
	}

	var errs []error
	for _, t := range all {
		if t.Status == tenant.StatusDeleted {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		rec, err := r.ledger.Reconcile(ctx, t.ID)
		if err != nil {
			report.Errors++
			reconcileErrors.Inc()
			errs = append(errs, fmt.Errorf("tenant %s: %w", t.ID, err))
			continue
		}
		report.Checked++
		if !rec.Match {
			report.Mismatches = append(report.Mismatches, rec)
		}
	}
	reconcileMismatches.Set(float64(len(report.Mismatches)))

	log := logging.L(ctx)
	if len(report.Mismatches) > 0 {
		log.Error("reconciliation found drift", "checked", report.Checked, "mismatches", len(report.Mismatches))
	} else {
		log.Info("reconciliation clean", "checked", report.Checked, "errors", report.Errors)
	}
	return report, errors.Join(errs...)
}
