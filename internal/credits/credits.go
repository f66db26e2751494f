// Package credits tracks per-tenant credit balances and the transaction
// ledger behind them.
//
// A tenant holds two pools: monthly credits, reset at the start of each
// calendar month to the plan's credit cap, and purchased credits, which
// never expire. Debits drain purchased credits first. Every balance change
// is recorded as exactly one Transaction in the same atomic step, so the
// sum of a tenant's signed transactions always equals its balance.
package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
	"github.com/Jrmromao/prompt-craft-sub007/internal/pagination"
)

var (
	ErrAccountNotFound = fmt.Errorf("credits: account %w", apperr.ErrNotFound)
	ErrAccountExists   = fmt.Errorf("credits: %w", apperr.Invalid("account already exists"))
	ErrAccountClosed   = fmt.Errorf("credits: %w", apperr.Invalid("account is closed"))
	ErrAlreadyRenewed  = fmt.Errorf("credits: %w", apperr.Invalid("monthly credits already renewed this period"))

	ErrOperationNotFound = fmt.Errorf("credits: operation %w", apperr.ErrNotFound)
	// ErrDuplicateOperation is returned by a store when a USAGE transaction
	// for the same tenant and operation id is already committed.
	ErrDuplicateOperation = fmt.Errorf("credits: %w", apperr.Invalid("operation already charged"))

	// ErrBalanceConstraint means a write would have driven a pool negative.
	// The ledger checks before writing, so seeing this is a bug.
	ErrBalanceConstraint = errors.New("credits: balance constraint violated")
)

// TxType classifies a transaction.
type TxType string

const (
	TxPurchase       TxType = "PURCHASE"
	TxMonthlyRenewal TxType = "MONTHLY_RENEWAL"
	TxUsage          TxType = "USAGE"
	TxBonus          TxType = "BONUS"
	TxRefund         TxType = "REFUND"
	TxInitial        TxType = "INITIAL"
)

// Valid reports whether t is a known transaction type.
func (t TxType) Valid() bool {
	switch t {
	case TxPurchase, TxMonthlyRenewal, TxUsage, TxBonus, TxRefund, TxInitial:
		return true
	}
	return false
}

// toMonthly reports whether credits of this type land in the monthly pool.
// Everything else that credits goes to the purchased pool.
func (t TxType) toMonthly() bool {
	return t == TxInitial || t == TxMonthlyRenewal
}

// Direction says whether a transaction added or removed credits.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// Metadata is free-form context attached to a transaction.
type Metadata struct {
	OperationID string            `json:"operationId,omitempty"`
	PromptID    string            `json:"promptId,omitempty"`
	Model       string            `json:"model,omitempty"`
	TokensUsed  int64             `json:"tokensUsed,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Transaction is an immutable ledger record. Amount is always positive;
// Direction carries the sign.
type Transaction struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	Type         TxType    `json:"type"`
	Direction    Direction `json:"direction"`
	Amount       int64     `json:"amount"`
	Description  string    `json:"description"`
	BalanceAfter int64     `json:"balanceAfter"`
	Metadata     Metadata  `json:"metadata"`
	CreatedAt    time.Time `json:"createdAt"`
}

// SignedAmount returns Amount negated for debits.
func (t *Transaction) SignedAmount() int64 {
	if t.Direction == DirectionDebit {
		return -t.Amount
	}
	return t.Amount
}

// Balance is a tenant's credit account.
type Balance struct {
	TenantID         string     `json:"tenantId"`
	MonthlyCredits   int64      `json:"monthlyCredits"`
	PurchasedCredits int64      `json:"purchasedCredits"`
	CreditCap        int64      `json:"creditCap"`
	LastMonthlyReset time.Time  `json:"lastMonthlyReset"`
	DeletedAt        *time.Time `json:"deletedAt,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`

	// ArchivedNet is the signed sum of transactions removed by retention
	// purges. It is maintained by the store.
	ArchivedNet int64 `json:"archivedNet"`
}

// Total returns the spendable balance.
func (b *Balance) Total() int64 {
	return b.MonthlyCredits + b.PurchasedCredits
}

// Closed reports whether the account was soft-deleted.
func (b *Balance) Closed() bool {
	return b.DeletedAt != nil
}

// Result is returned by every balance-changing operation. Replayed is set
// when a debit for the same operation id had already been committed and
// nothing new was charged.
type Result struct {
	Balance       *Balance `json:"balance"`
	TransactionID string   `json:"transactionId,omitempty"`
	Replayed      bool     `json:"replayed,omitempty"`
}

// HistoryQuery filters History. Zero Since/Until leave that end open.
// Results are ordered newest first; Cursor continues after a previous page.
type HistoryQuery struct {
	Limit  int
	Since  time.Time
	Until  time.Time
	Cursor *pagination.Cursor
}

// matches reports whether txn falls inside [Since, Until) and after Cursor.
func (q HistoryQuery) matches(txn *Transaction) bool {
	if !q.Since.IsZero() && txn.CreatedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !txn.CreatedAt.Before(q.Until) {
		return false
	}
	if c := q.Cursor; c != nil {
		if txn.CreatedAt.After(c.CreatedAt) {
			return false
		}
		if txn.CreatedAt.Equal(c.CreatedAt) && txn.ID >= c.ID {
			return false
		}
	}
	return true
}

// Reconciliation compares the stored balance against the ledger.
type Reconciliation struct {
	TenantID    string `json:"tenantId"`
	Balance     int64  `json:"balance"`
	LedgerSum   int64  `json:"ledgerSum"`
	ArchivedNet int64  `json:"archivedNet"`
	Drift       int64  `json:"drift"`
	Match       bool   `json:"match"`
}

// Mutation computes the next balance from the current one. It returns the
// transaction recording the change, or nil when nothing is recorded. A
// non-nil error aborts the write. Stores may call a Mutation more than once
// when retrying, so it must not have side effects.
type Mutation func(current Balance) (next Balance, txn *Transaction, err error)

// Store persists balances and transactions. Mutate is the only way to change
// an existing balance: implementations run it under a per-tenant lock and
// commit the balance and transaction together or not at all. A USAGE
// transaction whose Metadata.OperationID is already committed for the tenant
// is refused with ErrDuplicateOperation.
type Store interface {
	Create(ctx context.Context, bal *Balance, initial *Transaction) error
	GetBalance(ctx context.Context, tenantID string) (*Balance, error)
	Mutate(ctx context.Context, tenantID string, m Mutation) (*Balance, *Transaction, error)
	History(ctx context.Context, tenantID string, q HistoryQuery) ([]*Transaction, error)
	// FindOperation returns the USAGE transaction recorded for operationID,
	// or ErrOperationNotFound.
	FindOperation(ctx context.Context, tenantID, operationID string) (*Transaction, error)
	// Snapshot returns the balance and the signed sum of the tenant's
	// retained transactions as of one consistent point in time.
	Snapshot(ctx context.Context, tenantID string) (*Balance, int64, error)
	// DueForRenewal lists open accounts last reset before the given time,
	// ordered by tenant id and starting after the tenant id afterID.
	DueForRenewal(ctx context.Context, before time.Time, afterID string, limit int) ([]string, error)
	// PurgeTransactions deletes transactions created before the cutoff,
	// folding their signed sum into each tenant's ArchivedNet.
	PurgeTransactions(ctx context.Context, before time.Time) (int64, error)
}

// monthStart returns the first instant of t's calendar month in UTC.
func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
