package credits

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
	"github.com/Jrmromao/prompt-craft-sub007/internal/idgen"
	"github.com/Jrmromao/prompt-craft-sub007/internal/logging"
	"github.com/Jrmromao/prompt-craft-sub007/internal/pagination"
	"github.com/Jrmromao/prompt-craft-sub007/internal/traces"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
	maxDescriptionLen   = 500
	renewalBatchSize    = 500
)

// Ledger applies credit operations to a Store. It owns every rule about how
// balances change; the store only persists atomically.
type Ledger struct {
	store        Store
	timeout      time.Duration
	now          func() time.Time
	renewalBatch int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithTimeout bounds every store call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.timeout = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a new ledger
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, now: time.Now, renewalBatch: renewalBatchSize}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.timeout)
}

// storeErr maps a deadline hit inside the store onto the unavailable kind.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Unavailable(op, err)
	}
	return err
}

func validateTenant(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return apperr.Invalid("tenant id is required")
	}
	return nil
}

func validateMovement(tenantID string, amount int64, description string) error {
	if err := validateTenant(tenantID); err != nil {
		return err
	}
	if amount <= 0 {
		return apperr.Invalid("amount must be positive, got %d", amount)
	}
	if strings.TrimSpace(description) == "" {
		return apperr.Invalid("description is required")
	}
	if len(description) > maxDescriptionLen {
		return apperr.Invalid("description exceeds %d bytes", maxDescriptionLen)
	}
	return nil
}

// deduct removes amount from b, draining purchased credits before monthly.
func deduct(b Balance, amount int64) (Balance, error) {
	if b.Total() < amount {
		return b, &apperr.InsufficientCreditsError{
			TenantID:  b.TenantID,
			Requested: amount,
			Available: b.Total(),
		}
	}
	fromPurchased := min(amount, b.PurchasedCredits)
	b.PurchasedCredits -= fromPurchased
	b.MonthlyCredits -= amount - fromPurchased
	return b, nil
}

func (l *Ledger) newTransaction(tenantID string, typ TxType, dir Direction, amount int64, description string, after Balance, meta Metadata, at time.Time) *Transaction {
	return &Transaction{
		ID:           idgen.WithPrefix(idgen.PrefixTransaction),
		TenantID:     tenantID,
		Type:         typ,
		Direction:    dir,
		Amount:       amount,
		Description:  description,
		BalanceAfter: after.Total(),
		Metadata:     meta,
		CreatedAt:    at,
	}
}

func (l *Ledger) apply(ctx context.Context, op, tenantID string, m Mutation) (res *Result, err error) {
	done := observeOp(op)
	ctx, span := traces.StartSpan(ctx, "credits."+op, traces.TenantID(tenantID))
	defer func() {
		done(err)
		traces.End(span, err)
	}()

	ctx, cancel := l.bound(ctx)
	defer cancel()

	bal, txn, err := l.store.Mutate(ctx, tenantID, m)
	if err != nil {
		err = storeErr("credits: "+op, err)
		logFailure(ctx, op, tenantID, err)
		return nil, err
	}
	observeTransaction(txn)

	res = &Result{Balance: bal}
	if txn != nil {
		res.TransactionID = txn.ID
		logging.L(ctx).Debug("credit transaction recorded",
			"tenant_id", tenantID, "tx_id", txn.ID, "type", txn.Type,
			"direction", txn.Direction, "amount", txn.Amount, "balance_after", txn.BalanceAfter)
	}
	return res, nil
}

func logFailure(ctx context.Context, op, tenantID string, err error) {
	log := logging.L(ctx)
	switch {
	case errors.Is(err, apperr.ErrStoreUnavailable):
		log.Error("credit operation failed", "op", op, "tenant_id", tenantID, "error", err)
	case errors.Is(err, apperr.ErrInsufficientCredits):
		log.Info("credit operation refused", "op", op, "tenant_id", tenantID, "error", err)
	default:
		log.Warn("credit operation rejected", "op", op, "tenant_id", tenantID, "error", err)
	}
}

// Debit removes amount credits as USAGE, drawing on purchased credits first.
// If the balance is short nothing changes and an InsufficientCreditsError is
// returned.
//
// A debit carrying meta.OperationID is charged at most once: repeating it
// returns the committed transaction with Replayed set and the current
// balance. Repeating it with a different amount is invalid input.
func (l *Ledger) Debit(ctx context.Context, tenantID string, amount int64, description string, meta Metadata) (*Result, error) {
	if err := validateMovement(tenantID, amount, description); err != nil {
		return nil, err
	}
	if meta.OperationID != "" {
		res, err := l.replay(ctx, tenantID, amount, meta.OperationID)
		if !errors.Is(err, ErrOperationNotFound) {
			return res, err
		}
	}
	res, err := l.debit(ctx, tenantID, amount, description, meta)
	if errors.Is(err, ErrDuplicateOperation) {
		// Lost a race with a concurrent debit for the same operation.
		return l.replay(ctx, tenantID, amount, meta.OperationID)
	}
	return res, err
}

func (l *Ledger) debit(ctx context.Context, tenantID string, amount int64, description string, meta Metadata) (*Result, error) {
	now := l.now()
	return l.apply(ctx, "debit", tenantID, func(cur Balance) (Balance, *Transaction, error) {
		if cur.Closed() {
			return cur, nil, ErrAccountClosed
		}
		next, err := deduct(cur, amount)
		if err != nil {
			return cur, nil, err
		}
		next.UpdatedAt = now
		return next, l.newTransaction(tenantID, TxUsage, DirectionDebit, amount, description, next, meta, now), nil
	})
}

func (l *Ledger) replay(ctx context.Context, tenantID string, amount int64, operationID string) (*Result, error) {
	txn, err := l.Operation(ctx, tenantID, operationID)
	if err != nil {
		return nil, err
	}
	if txn.Amount != amount {
		return nil, apperr.Invalid("operation %s was already charged %d credits, not %d", operationID, txn.Amount, amount)
	}
	bal, err := l.GetBalance(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("debit replayed",
		"tenant_id", tenantID, "operation_id", operationID, "tx_id", txn.ID, "amount", amount)
	return &Result{Balance: bal, TransactionID: txn.ID, Replayed: true}, nil
}

// Operation returns the USAGE transaction that charged operationID, or
// ErrOperationNotFound.
func (l *Ledger) Operation(ctx context.Context, tenantID, operationID string) (*Transaction, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(operationID) == "" {
		return nil, apperr.Invalid("operation id is required")
	}
	ctx, cancel := l.bound(ctx)
	defer cancel()
	txn, err := l.store.FindOperation(ctx, tenantID, operationID)
	return txn, storeErr("credits: find operation", err)
}

// Credit adds amount credits. PURCHASE, BONUS and REFUND land in the
// purchased pool; INITIAL and MONTHLY_RENEWAL in the monthly pool.
func (l *Ledger) Credit(ctx context.Context, tenantID string, amount int64, typ TxType, description string, meta Metadata) (*Result, error) {
	if err := validateMovement(tenantID, amount, description); err != nil {
		return nil, err
	}
	if !typ.Valid() || typ == TxUsage {
		return nil, apperr.Invalid("cannot credit with transaction type %q", typ)
	}
	now := l.now()
	return l.apply(ctx, "credit", tenantID, func(cur Balance) (Balance, *Transaction, error) {
		if cur.Closed() {
			return cur, nil, ErrAccountClosed
		}
		if cur.Total() > math.MaxInt64-amount {
			return cur, nil, apperr.Invalid("credit of %d would overflow the balance", amount)
		}
		next := cur
		if typ.toMonthly() {
			next.MonthlyCredits += amount
		} else {
			next.PurchasedCredits += amount
		}
		next.UpdatedAt = now
		return next, l.newTransaction(tenantID, typ, DirectionCredit, amount, description, next, meta, now), nil
	})
}

// OpenAccount creates a tenant's balance with the monthly pool filled to
// creditCap, recorded as an INITIAL transaction. A zero cap records nothing.
func (l *Ledger) OpenAccount(ctx context.Context, tenantID string, creditCap int64) (res *Result, err error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	if creditCap < 0 {
		return nil, apperr.Invalid("credit cap must not be negative, got %d", creditCap)
	}

	done := observeOp("open")
	defer func() { done(err) }()

	now := l.now()
	bal := &Balance{
		TenantID:         tenantID,
		MonthlyCredits:   creditCap,
		CreditCap:        creditCap,
		LastMonthlyReset: now,
		UpdatedAt:        now,
	}
	var initial *Transaction
	if creditCap > 0 {
		initial = l.newTransaction(tenantID, TxInitial, DirectionCredit, creditCap, "initial monthly credits", *bal, Metadata{}, now)
	}

	ctx, cancel := l.bound(ctx)
	defer cancel()
	if err := l.store.Create(ctx, bal, initial); err != nil {
		return nil, storeErr("credits: open", err)
	}
	observeTransaction(initial)

	logging.L(ctx).Info("credit account opened", "tenant_id", tenantID, "credit_cap", creditCap)
	res = &Result{Balance: bal}
	if initial != nil {
		res.TransactionID = initial.ID
	}
	return res, nil
}

// RenewMonthly resets the monthly pool to the credit cap once per calendar
// month (UTC). The difference is recorded as a MONTHLY_RENEWAL transaction
// in whichever direction it runs; purchased credits are untouched.
func (l *Ledger) RenewMonthly(ctx context.Context, tenantID string) (*Result, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	now := l.now()
	period := monthStart(now)
	return l.apply(ctx, "renew", tenantID, func(cur Balance) (Balance, *Transaction, error) {
		if cur.Closed() {
			return cur, nil, ErrAccountClosed
		}
		if !cur.LastMonthlyReset.Before(period) {
			return cur, nil, ErrAlreadyRenewed
		}
		next := cur
		next.MonthlyCredits = cur.CreditCap
		next.LastMonthlyReset = now
		next.UpdatedAt = now

		delta := cur.CreditCap - cur.MonthlyCredits
		switch {
		case delta > 0:
			return next, l.newTransaction(tenantID, TxMonthlyRenewal, DirectionCredit, delta, "monthly credit renewal", next, Metadata{}, now), nil
		case delta < 0:
			return next, l.newTransaction(tenantID, TxMonthlyRenewal, DirectionDebit, -delta, "monthly credit renewal", next, Metadata{}, now), nil
		default:
			return next, nil, nil
		}
	})
}

// RenewDue renews every open account not yet reset this month and returns
// how many were renewed. Accounts are paged by tenant id, so one pass visits
// each due account once. Failures for individual tenants are joined into the
// returned error without stopping the sweep.
func (l *Ledger) RenewDue(ctx context.Context) (int, error) {
	period := monthStart(l.now())
	renewed := 0
	var errs []error

	after := ""
	for {
		ids, err := l.store.DueForRenewal(ctx, period, after, l.renewalBatch)
		if err != nil {
			return renewed, storeErr("credits: due for renewal", err)
		}
		for _, id := range ids {
			if _, err := l.RenewMonthly(ctx, id); err != nil {
				if !errors.Is(err, ErrAlreadyRenewed) {
					errs = append(errs, err)
				}
				continue
			}
			renewed++
		}
		if len(ids) == 0 || len(ids) < l.renewalBatch {
			break
		}
		after = ids[len(ids)-1]
	}

	if renewed > 0 {
		logging.L(ctx).Info("monthly credits renewed", "tenants", renewed, "failed", len(errs))
	}
	return renewed, errors.Join(errs...)
}

// SetCreditCap changes the monthly allowance used by the next renewal, for
// example after a plan change. The current monthly pool is left alone.
func (l *Ledger) SetCreditCap(ctx context.Context, tenantID string, creditCap int64) (*Result, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	if creditCap < 0 {
		return nil, apperr.Invalid("credit cap must not be negative, got %d", creditCap)
	}
	now := l.now()
	return l.apply(ctx, "set_cap", tenantID, func(cur Balance) (Balance, *Transaction, error) {
		if cur.Closed() {
			return cur, nil, ErrAccountClosed
		}
		next := cur
		next.CreditCap = creditCap
		next.UpdatedAt = now
		return next, nil, nil
	})
}

// CloseAccount soft-deletes the balance. Later movements fail with
// ErrAccountClosed; history stays readable. Closing twice is a no-op.
func (l *Ledger) CloseAccount(ctx context.Context, tenantID string) (*Result, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	now := l.now()
	return l.apply(ctx, "close", tenantID, func(cur Balance) (Balance, *Transaction, error) {
		if cur.Closed() {
			return cur, nil, nil
		}
		next := cur
		next.DeletedAt = &now
		next.UpdatedAt = now
		return next, nil, nil
	})
}

// GetBalance returns the tenant's balance.
func (l *Ledger) GetBalance(ctx context.Context, tenantID string) (*Balance, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	ctx, cancel := l.bound(ctx)
	defer cancel()
	bal, err := l.store.GetBalance(ctx, tenantID)
	return bal, storeErr("credits: get balance", err)
}

// History returns transactions newest first. Limit defaults to 50 and is
// capped at 1000.
func (l *Ledger) History(ctx context.Context, tenantID string, q HistoryQuery) ([]*Transaction, error) {
	limit, err := normalizeHistory(tenantID, q)
	if err != nil {
		return nil, err
	}
	q.Limit = limit
	return l.history(ctx, tenantID, q)
}

// HistoryPage is History with keyset pagination. The returned cursor feeds
// the next call's q.Cursor.
func (l *Ledger) HistoryPage(ctx context.Context, tenantID string, q HistoryQuery) (*pagination.Page[*Transaction], error) {
	limit, err := normalizeHistory(tenantID, q)
	if err != nil {
		return nil, err
	}
	q.Limit = limit + 1
	txns, err := l.history(ctx, tenantID, q)
	if err != nil {
		return nil, err
	}
	page := pagination.ComputePage(txns, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return &page, nil
}

func normalizeHistory(tenantID string, q HistoryQuery) (int, error) {
	if err := validateTenant(tenantID); err != nil {
		return 0, err
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && !q.Since.Before(q.Until) {
		return 0, apperr.Invalid("since must be before until")
	}
	switch {
	case q.Limit < 0:
		return 0, apperr.Invalid("limit must not be negative")
	case q.Limit == 0:
		return defaultHistoryLimit, nil
	case q.Limit > maxHistoryLimit:
		return maxHistoryLimit, nil
	}
	return q.Limit, nil
}

func (l *Ledger) history(ctx context.Context, tenantID string, q HistoryQuery) ([]*Transaction, error) {
	ctx, cancel := l.bound(ctx)
	defer cancel()
	txns, err := l.store.History(ctx, tenantID, q)
	return txns, storeErr("credits: history", err)
}

// Reconcile checks that the balance equals the signed sum of every
// transaction ever recorded, including purged ones. The balance and the sum
// come from one store snapshot.
func (l *Ledger) Reconcile(ctx context.Context, tenantID string) (*Reconciliation, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	ctx, cancel := l.bound(ctx)
	defer cancel()
	bal, sum, err := l.store.Snapshot(ctx, tenantID)
	if err != nil {
		return nil, storeErr("credits: reconcile", err)
	}

	rec := &Reconciliation{
		TenantID:    tenantID,
		Balance:     bal.Total(),
		LedgerSum:   bal.ArchivedNet + sum,
		ArchivedNet: bal.ArchivedNet,
	}
	rec.Drift = rec.Balance - rec.LedgerSum
	rec.Match = rec.Drift == 0
	if !rec.Match {
		logging.L(ctx).Error("credit ledger drift detected",
			"tenant_id", tenantID, "balance", rec.Balance, "ledger_sum", rec.LedgerSum)
	}
	return rec, nil
}

var exportHeader = []string{
	"id", "created_at", "type", "direction", "amount", "signed_amount",
	"balance_after", "description", "operation_id", "prompt_id", "model", "tokens_used",
}

// ExportCSV writes the tenant's transactions in q, oldest first, as CSV.
// A zero Limit exports everything retained.
func (l *Ledger) ExportCSV(ctx context.Context, tenantID string, q HistoryQuery, w io.Writer) error {
	if err := validateTenant(tenantID); err != nil {
		return err
	}
	ctx, cancel := l.bound(ctx)
	defer cancel()
	txns, err := l.store.History(ctx, tenantID, q)
	if err != nil {
		return storeErr("credits: export", err)
	}
	slices.Reverse(txns)

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, txn := range txns {
		record := []string{
			txn.ID,
			txn.CreatedAt.UTC().Format(time.RFC3339),
			string(txn.Type),
			string(txn.Direction),
			strconv.FormatInt(txn.Amount, 10),
			strconv.FormatInt(txn.SignedAmount(), 10),
			strconv.FormatInt(txn.BalanceAfter, 10),
			txn.Description,
			txn.Metadata.OperationID,
			txn.Metadata.PromptID,
			txn.Metadata.Model,
			strconv.FormatInt(txn.Metadata.TokensUsed, 10),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// PurgeTransactions removes transactions older than before. Balances and
// reconciliation are unaffected.
func (l *Ledger) PurgeTransactions(ctx context.Context, before time.Time) (n int64, err error) {
	if before.IsZero() {
		return 0, apperr.Invalid("purge cutoff is required")
	}
	done := observeOp("purge")
	defer func() { done(err) }()

	ctx, cancel := l.bound(ctx)
	defer cancel()
	n, err = l.store.PurgeTransactions(ctx, before)
	if err != nil {
		return 0, storeErr("credits: purge", err)
	}
	if n > 0 {
		logging.L(ctx).Info("credit transactions purged", "count", n, "before", before)
	}
	return n, nil
}
