package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]*Record // per tenant
}

// NewMemoryStore creates an in-memory usage store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]*Record)}
}

func (m *MemoryStore) Insert(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if op := r.Metadata.OperationID; op != "" {
		for _, existing := range m.records[r.TenantID] {
			if existing.Metadata.OperationID == op {
				return ErrDuplicateRecord
			}
		}
	}
	cp := *r
	m.records[r.TenantID] = append(m.records[r.TenantID], &cp)
	return nil
}

// each calls fn for the tenant's records in [from, to). Caller holds m.mu.
func (m *MemoryStore) each(tenantID string, from, to time.Time, fn func(*Record)) {
	for _, r := range m.records[tenantID] {
		if !r.CreatedAt.Before(from) && r.CreatedAt.Before(to) {
			fn(r)
		}
	}
}

func (m *MemoryStore) SumCost(ctx context.Context, tenantID string, from, to time.Time) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := decimal.Zero
	m.each(tenantID, from, to, func(r *Record) { sum = sum.Add(r.Cost) })
	return sum, nil
}

func (m *MemoryStore) Count(ctx context.Context, tenantID, feature string, from, to time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	m.each(tenantID, from, to, func(r *Record) {
		if feature == "" || r.Feature == feature {
			n++
		}
	})
	return n, nil
}

func (m *MemoryStore) Stats(ctx context.Context, tenantID string, from, to time.Time) (*WindowStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &WindowStats{TotalCost: decimal.Zero, MeanLatencyMs: decimal.Zero}
	var latency int64
	m.each(tenantID, from, to, func(r *Record) {
		stats.Count++
		if !r.Success {
			stats.Failed++
		}
		stats.TotalCost = stats.TotalCost.Add(r.Cost)
		stats.TotalTokens += r.TokensUsed
		latency += r.LatencyMs
	})
	if stats.Count > 0 {
		stats.MeanLatencyMs = decimal.NewFromInt(latency).Div(decimal.NewFromInt(stats.Count))
	}
	return stats, nil
}

func (m *MemoryStore) ByFeature(ctx context.Context, tenantID string, from, to time.Time) ([]FeatureSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byName := make(map[string]*FeatureSummary)
	m.each(tenantID, from, to, func(r *Record) {
		s, ok := byName[r.Feature]
		if !ok {
			s = &FeatureSummary{Feature: r.Feature, TotalCost: decimal.Zero}
			byName[r.Feature] = s
		}
		s.Count++
		s.TotalCost = s.TotalCost.Add(r.Cost)
		s.TotalTokens += r.TokensUsed
	})
	result := make([]FeatureSummary, 0, len(byName))
	for _, s := range byName {
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Feature < result[j].Feature })
	return result, nil
}

func (m *MemoryStore) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for tenantID, all := range m.records {
		kept := all[:0:0]
		for _, r := range all {
			if r.CreatedAt.Before(before) {
				purged++
				continue
			}
			kept = append(kept, r)
		}
		m.records[tenantID] = kept
	}
	return purged, nil
}
