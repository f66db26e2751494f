package credits

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
	"github.com/Jrmromao/prompt-craft-sub007/internal/retry"
)

// Postgres error codes the store reacts to.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
)

// usageOperationIndex is the unique index on (tenant_id, operationId) over
// USAGE transactions.
const usageOperationIndex = "idx_credit_tx_usage_operation"

const balanceColumns = `tenant_id, monthly_credits, purchased_credits, credit_cap,
	last_monthly_reset, archived_net, deleted_at, updated_at`

const transactionColumns = `id, tenant_id, type, direction, amount, description,
	balance_after, metadata, created_at`

// PostgresStore implements Store with PostgreSQL. Balance rows carry CHECK
// constraints that keep both pools non-negative.
type PostgresStore struct {
	db     *sql.DB
	policy retry.Policy
}

// NewPostgresStore creates a new PostgreSQL-backed credit store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, policy: retry.StorePolicy}
}

// WithRetryPolicy overrides the policy used for serialization conflicts.
func (p *PostgresStore) WithRetryPolicy(policy retry.Policy) *PostgresStore {
	p.policy = policy
	return p
}

func (p *PostgresStore) Create(ctx context.Context, bal *Balance, initial *Transaction) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Unavailable("credits: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_balances (`+balanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, 0, NULL, $6)
	`, bal.TenantID, bal.MonthlyCredits, bal.PurchasedCredits, bal.CreditCap,
		bal.LastMonthlyReset, bal.UpdatedAt)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return ErrAccountExists
		}
		return classify("credits: insert balance", err)
	}

	if initial != nil {
		if err := insertTransaction(ctx, tx, initial); err != nil {
			return classify("credits: insert transaction", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Unavailable("credits: commit", err)
	}
	return nil
}

func (p *PostgresStore) GetBalance(ctx context.Context, tenantID string) (*Balance, error) {
	bal, err := scanBalance(p.db.QueryRowContext(ctx, `
		SELECT `+balanceColumns+` FROM credit_balances WHERE tenant_id = $1
	`, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, apperr.Unavailable("credits: get balance", err)
	}
	return bal, nil
}

// Mutate locks the balance row with SELECT ... FOR UPDATE inside a
// serializable transaction. Serialization failures and deadlocks are retried
// with backoff; everything else fails immediately.
func (p *PostgresStore) Mutate(ctx context.Context, tenantID string, m Mutation) (*Balance, *Transaction, error) {
	var (
		bal *Balance
		txn *Transaction
	)
	err := p.policy.Do(ctx, func() error {
		b, t, err := p.mutateOnce(ctx, tenantID, m)
		if err != nil {
			if isConflict(err) {
				return err
			}
			return retry.Permanent(err)
		}
		bal, txn = b, t
		return nil
	})
	if err != nil {
		return nil, nil, classify("credits: mutate", err)
	}
	return bal, txn, nil
}

func (p *PostgresStore) mutateOnce(ctx context.Context, tenantID string, m Mutation) (*Balance, *Transaction, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanBalance(tx.QueryRowContext(ctx, `
		SELECT `+balanceColumns+` FROM credit_balances WHERE tenant_id = $1 FOR UPDATE
	`, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	next, txn, err := m(*current)
	if err != nil {
		return nil, nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE credit_balances SET
			monthly_credits    = $2,
			purchased_credits  = $3,
			credit_cap         = $4,
			last_monthly_reset = $5,
			deleted_at         = $6,
			updated_at         = $7
		WHERE tenant_id = $1
	`, tenantID, next.MonthlyCredits, next.PurchasedCredits, next.CreditCap,
		next.LastMonthlyReset, nullTime(next.DeletedAt), next.UpdatedAt)
	if err != nil {
		return nil, nil, err
	}

	if txn != nil {
		if err := insertTransaction(ctx, tx, txn); err != nil {
			if isDuplicateOperation(err) {
				return nil, nil, ErrDuplicateOperation
			}
			return nil, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	next.TenantID = tenantID
	next.ArchivedNet = current.ArchivedNet
	return &next, txn, nil
}

func (p *PostgresStore) History(ctx context.Context, tenantID string, q HistoryQuery) ([]*Transaction, error) {
	var (
		limit       sql.NullInt64
		cursorAt    sql.NullTime
		cursorAfter string
	)
	if q.Limit > 0 {
		limit = sql.NullInt64{Int64: int64(q.Limit), Valid: true}
	}
	if q.Cursor != nil {
		cursorAt = sql.NullTime{Time: q.Cursor.CreatedAt, Valid: true}
		cursorAfter = q.Cursor.ID
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM credit_transactions
		WHERE tenant_id = $1
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at < $3)
		  AND ($5::timestamptz IS NULL OR (created_at, id) < ($5, $6))
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, tenantID, optionalTime(q.Since), optionalTime(q.Until), limit, cursorAt, cursorAfter)
	if err != nil {
		return nil, apperr.Unavailable("credits: history", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, apperr.Unavailable("credits: scan transaction", err)
		}
		result = append(result, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Unavailable("credits: history", err)
	}

	if len(result) == 0 {
		if _, err := p.GetBalance(ctx, tenantID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (p *PostgresStore) FindOperation(ctx context.Context, tenantID, operationID string) (*Transaction, error) {
	txn, err := scanTransaction(p.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM credit_transactions
		WHERE tenant_id = $1 AND type = 'USAGE' AND metadata->>'operationId' = $2
	`, tenantID, operationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, apperr.Unavailable("credits: find operation", err)
	}
	return txn, nil
}

// Snapshot reads the balance row and the transaction sum in one statement,
// so both come from the same MVCC snapshot even while debits and purges
// commit concurrently.
func (p *PostgresStore) Snapshot(ctx context.Context, tenantID string) (*Balance, int64, error) {
	var (
		bal     Balance
		deleted sql.NullTime
		sum     int64
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT `+balanceColumns+`,
			COALESCE((
				SELECT SUM(CASE WHEN t.direction = 'credit' THEN t.amount ELSE -t.amount END)
				FROM credit_transactions t WHERE t.tenant_id = b.tenant_id
			), 0)
		FROM credit_balances b WHERE b.tenant_id = $1
	`, tenantID).Scan(&bal.TenantID, &bal.MonthlyCredits, &bal.PurchasedCredits, &bal.CreditCap,
		&bal.LastMonthlyReset, &bal.ArchivedNet, &deleted, &bal.UpdatedAt, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrAccountNotFound
	}
	if err != nil {
		return nil, 0, apperr.Unavailable("credits: snapshot", err)
	}
	if deleted.Valid {
		t := deleted.Time
		bal.DeletedAt = &t
	}
	return &bal, sum, nil
}

func (p *PostgresStore) DueForRenewal(ctx context.Context, before time.Time, afterID string, limit int) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT tenant_id FROM credit_balances
		WHERE deleted_at IS NULL AND last_monthly_reset < $1 AND tenant_id > $2
		ORDER BY tenant_id
		LIMIT $3
	`, before, afterID, limit)
	if err != nil {
		return nil, apperr.Unavailable("credits: due for renewal", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Unavailable("credits: scan tenant", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Unavailable("credits: due for renewal", err)
	}
	return ids, nil
}

// PurgeTransactions deletes old rows and folds them into archived_net in a
// single statement, so reconciliation holds across the purge.
func (p *PostgresStore) PurgeTransactions(ctx context.Context, before time.Time) (int64, error) {
	var purged int64
	err := p.db.QueryRowContext(ctx, `
		WITH purged AS (
			DELETE FROM credit_transactions WHERE created_at < $1
			RETURNING tenant_id, CASE WHEN direction = 'credit' THEN amount ELSE -amount END AS signed
		), totals AS (
			SELECT tenant_id, SUM(signed) AS net, COUNT(*) AS n FROM purged GROUP BY tenant_id
		), archived AS (
			UPDATE credit_balances b SET archived_net = b.archived_net + totals.net
			FROM totals WHERE b.tenant_id = totals.tenant_id
			RETURNING totals.n
		)
		SELECT COALESCE(SUM(n), 0) FROM archived
	`, before).Scan(&purged)
	if err != nil {
		return 0, apperr.Unavailable("credits: purge transactions", err)
	}
	return purged, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBalance(row scanner) (*Balance, error) {
	var (
		bal     Balance
		deleted sql.NullTime
	)
	err := row.Scan(&bal.TenantID, &bal.MonthlyCredits, &bal.PurchasedCredits, &bal.CreditCap,
		&bal.LastMonthlyReset, &bal.ArchivedNet, &deleted, &bal.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if deleted.Valid {
		t := deleted.Time
		bal.DeletedAt = &t
	}
	return &bal, nil
}

func scanTransaction(row scanner) (*Transaction, error) {
	var (
		txn  Transaction
		meta []byte
	)
	err := row.Scan(&txn.ID, &txn.TenantID, &txn.Type, &txn.Direction, &txn.Amount,
		&txn.Description, &txn.BalanceAfter, &meta, &txn.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &txn.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", txn.ID, err)
		}
	}
	return &txn, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, txn *Transaction) error {
	meta, err := json.Marshal(txn.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, txn.ID, txn.TenantID, string(txn.Type), string(txn.Direction), txn.Amount,
		txn.Description, txn.BalanceAfter, string(meta), txn.CreatedAt)
	return err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func optionalTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func pgCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func isDuplicateOperation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation &&
		pqErr.Constraint == usageOperationIndex
}

func isConflict(err error) bool {
	switch pgCode(err) {
	case pgSerializationFailure, pgDeadlockDetected:
		return true
	}
	return false
}

// classify passes domain errors through and wraps everything else as a
// store failure.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperr.ErrInsufficientCredits),
		errors.Is(err, apperr.ErrInvalidInput),
		errors.Is(err, apperr.ErrLimitExceeded),
		errors.Is(err, ErrBalanceConstraint):
		return err
	case pgCode(err) == pgCheckViolation:
		return fmt.Errorf("%w: %v", ErrBalanceConstraint, err)
	default:
		return apperr.Unavailable(op, err)
	}
}
