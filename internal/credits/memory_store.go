package credits

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
	"github.com/Jrmromao/prompt-craft-sub007/internal/syncutil"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]*Balance
	txns     map[string][]*Transaction // per tenant, oldest first
	failNext error

	locks *syncutil.TenantLock
}

// NewMemoryStore creates an in-memory credit store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		txns:     make(map[string][]*Transaction),
		locks:    syncutil.NewTenantLock(),
	}
}

// FailNext makes the next Mutate fail with err after the mutation has been
// computed but before anything is written. For testing.
func (m *MemoryStore) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *MemoryStore) Create(ctx context.Context, bal *Balance, initial *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.balances[bal.TenantID]; ok {
		return ErrAccountExists
	}
	cp := *bal
	m.balances[bal.TenantID] = &cp
	if initial != nil {
		txn := *initial
		m.txns[bal.TenantID] = append(m.txns[bal.TenantID], &txn)
	}
	return nil
}

func (m *MemoryStore) GetBalance(ctx context.Context, tenantID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bal, ok := m.balances[tenantID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *bal
	return &cp, nil
}

func (m *MemoryStore) Mutate(ctx context.Context, tenantID string, fn Mutation) (*Balance, *Transaction, error) {
	release, err := m.locks.Acquire(ctx, tenantID)
	if err != nil {
		return nil, nil, apperr.Unavailable("credits: lock tenant", err)
	}
	defer release()

	current, err := m.GetBalance(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}

	next, txn, err := fn(*current)
	if err != nil {
		return nil, nil, err
	}
	if next.MonthlyCredits < 0 || next.PurchasedCredits < 0 || next.CreditCap < 0 {
		return nil, nil, ErrBalanceConstraint
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, apperr.Unavailable("credits: commit", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if txn != nil && txn.Type == TxUsage && m.findOperation(tenantID, txn.Metadata.OperationID) != nil {
		return nil, nil, ErrDuplicateOperation
	}
	if injected := m.failNext; injected != nil {
		m.failNext = nil
		return nil, nil, apperr.Unavailable("credits: commit", injected)
	}

	stored := m.balances[tenantID]
	next.TenantID = tenantID
	next.ArchivedNet = stored.ArchivedNet
	*stored = next

	var recorded *Transaction
	if txn != nil {
		cp := *txn
		m.txns[tenantID] = append(m.txns[tenantID], &cp)
		out := cp
		recorded = &out
	}
	bal := *stored
	return &bal, recorded, nil
}

func (m *MemoryStore) History(ctx context.Context, tenantID string, q HistoryQuery) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.balances[tenantID]; !ok {
		return nil, ErrAccountNotFound
	}

	var result []*Transaction
	for _, txn := range m.txns[tenantID] {
		if q.matches(txn) {
			cp := *txn
			result = append(result, &cp)
		}
	}
	// Same order as the Postgres query: created_at DESC, id DESC.
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

// findOperation returns the USAGE transaction for operationID. Caller holds m.mu.
func (m *MemoryStore) findOperation(tenantID, operationID string) *Transaction {
	if operationID == "" {
		return nil
	}
	for _, txn := range m.txns[tenantID] {
		if txn.Type == TxUsage && txn.Metadata.OperationID == operationID {
			return txn
		}
	}
	return nil
}

func (m *MemoryStore) FindOperation(ctx context.Context, tenantID, operationID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.balances[tenantID]; !ok {
		return nil, ErrAccountNotFound
	}
	txn := m.findOperation(tenantID, operationID)
	if txn == nil {
		return nil, ErrOperationNotFound
	}
	cp := *txn
	return &cp, nil
}

// Snapshot reads the balance and the transactions under one read lock;
// commits and purges take the write lock, so both reads see the same state.
func (m *MemoryStore) Snapshot(ctx context.Context, tenantID string) (*Balance, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bal, ok := m.balances[tenantID]
	if !ok {
		return nil, 0, ErrAccountNotFound
	}
	var sum int64
	for _, txn := range m.txns[tenantID] {
		sum += txn.SignedAmount()
	}
	cp := *bal
	return &cp, sum, nil
}

func (m *MemoryStore) DueForRenewal(ctx context.Context, before time.Time, afterID string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []string
	for id, bal := range m.balances {
		if id > afterID && !bal.Closed() && bal.LastMonthlyReset.Before(before) {
			due = append(due, id)
		}
	}
	sort.Strings(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) PurgeTransactions(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for tenantID, all := range m.txns {
		kept := all[:0:0]
		for _, txn := range all {
			if txn.CreatedAt.Before(before) {
				m.balances[tenantID].ArchivedNet += txn.SignedAmount()
				purged++
				continue
			}
			kept = append(kept, txn)
		}
		m.txns[tenantID] = kept
	}
	return purged, nil
}
