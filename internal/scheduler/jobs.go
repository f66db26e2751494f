package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/Jrmromao/prompt-craft-sub007/internal/logging"
	"github.com/Jrmromao/prompt-craft-sub007/internal/reconciliation"
)

// Job names.
const (
	JobAlertSweep       = "alert_sweep"
	JobRenewals         = "monthly_renewal"
	JobUsagePurge       = "usage_purge"
	JobTransactionPurge = "transaction_purge"
	JobReconciliation   = "reconciliation"
)

// AlertSweeper checks every tenant with alert rules.
type AlertSweeper interface {
	CheckAll(ctx context.Context) (int, error)
}

// Renewer resets monthly credit pools that are due.
type Renewer interface {
	RenewDue(ctx context.Context) (int, error)
}

// UsagePurger deletes usage records older than a cutoff.
type UsagePurger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// TransactionPurger deletes ledger transactions older than a cutoff.
type TransactionPurger interface {
	PurgeTransactions(ctx context.Context, before time.Time) (int64, error)
}

// LedgerReconciler sweeps every credit account for drift.
type LedgerReconciler interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
}

// AlertSweep returns a job running CheckAll.
func AlertSweep(a AlertSweeper) JobFunc {
	return func(ctx context.Context) error {
		n, err := a.CheckAll(ctx)
		if n > 0 {
			logging.L(ctx).Info("alerts triggered", "count", n)
		}
		return err
	}
}

// Renewals returns a job running RenewDue.
func Renewals(r Renewer) JobFunc {
	return func(ctx context.Context) error {
		n, err := r.RenewDue(ctx)
		if n > 0 {
			logging.L(ctx).Info("credit accounts renewed", "count", n)
		}
		return err
	}
}

// UsagePurge returns a job deleting usage records older than retention.
func UsagePurge(p UsagePurger, retention time.Duration, now func() time.Time) JobFunc {
	return func(ctx context.Context) error {
		if retention <= 0 {
			return fmt.Errorf("usage retention must be positive, got %s", retention)
		}
		_, err := p.Purge(ctx, now().UTC().Add(-retention))
		return err
	}
}

// TransactionPurge returns a job deleting ledger transactions older than
// retention. Balances keep reconciling through the archived net.
func TransactionPurge(p TransactionPurger, retention time.Duration, now func() time.Time) JobFunc {
	return func(ctx context.Context) error {
		if retention <= 0 {
			return fmt.Errorf("transaction retention must be positive, got %s", retention)
		}
		n, err := p.PurgeTransactions(ctx, now().UTC().Add(-retention))
		if n > 0 {
			logging.L(ctx).Info("transactions purged", "count", n)
		}
		return err
	}
}

// Reconciliation returns a job running a ledger reconciliation sweep. Drift
// is reported as a job failure.
func Reconciliation(r LedgerReconciler) JobFunc {
	return func(ctx context.Context) error {
		report, err := r.RunAll(ctx)
		if err != nil {
			return err
		}
		if len(report.Mismatches) > 0 {
			return fmt.Errorf("%d of %d credit accounts drifted from their ledger", len(report.Mismatches), report.Checked)
		}
		return nil
	}
}
