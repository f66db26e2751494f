package alerts

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory ConfigStore for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string]*Config
}

// NewMemoryStore creates an in-memory alert config store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{configs: make(map[string]*Config)}
}

func (m *MemoryStore) Get(_ context.Context, tenantID string) (*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[tenantID]
	if !ok {
		return nil, ErrConfigNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (m *MemoryStore) Save(_ context.Context, cfg *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cfg
	m.configs[cfg.TenantID] = &cp
	return nil
}

func (m *MemoryStore) ListEnabled(_ context.Context) ([]*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Config
	for _, cfg := range m.configs {
		if cfg.AnyEnabled() {
			cp := *cfg
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TenantID < result[j].TenantID })
	return result, nil
}

var _ ConfigStore = (*MemoryStore)(nil)
