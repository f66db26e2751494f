// Package auth authenticates API callers.
//
// Tenant-scoped routes take an API key issued to that tenant
// ("Authorization: Bearer pk_..." or "X-API-Key: pk_..."). Keys are stored
// as SHA-256 hashes; the raw key is returned once, at creation. Admin routes
// take the shared X-Admin-Secret instead.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
	"github.com/Jrmromao/prompt-craft-sub007/internal/logging"
	"github.com/Jrmromao/prompt-craft-sub007/internal/plans"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("auth: API key required")
	ErrInvalidAPIKey = errors.New("auth: invalid or expired API key")
	ErrKeyNotFound   = fmt.Errorf("auth: API key %w", apperr.ErrNotFound)
)

// KeyPrefix starts every raw key.
const KeyPrefix = "pk_"

// APIKey is a stored key. Hash never leaves the server.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	TenantID  string     `json:"tenantId"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitzero"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Active reports whether the key can authenticate at t.
func (k *APIKey) Active(t time.Time) bool {
	return !k.Revoked && (k.ExpiresAt == nil || t.Before(*k.ExpiresAt))
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	// ListByTenant returns the tenant's keys, newest first.
	ListByTenant(ctx context.Context, tenantID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
}

// Tenants resolves live tenants; deleted or unknown ones are ErrNotFound.
type Tenants interface {
	PlanTier(ctx context.Context, id string) (plans.Tier, error)
}

// Manager issues and checks API keys.
type Manager struct {
	store   Store
	tenants Tenants
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTenants makes GenerateKey refuse unknown tenants.
func WithTenants(t Tenants) Option {
	return func(m *Manager) { m.tenants = t }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a new auth manager
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{store: store, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GenerateKey creates a key for tenantID. The raw key is only returned here.
func (m *Manager) GenerateKey(ctx context.Context, tenantID, name string, ttl time.Duration) (rawKey string, key *APIKey, err error) {
	if strings.TrimSpace(tenantID) == "" {
		return "", nil, apperr.Invalid("tenant id is required")
	}
	if ttl < 0 {
		return "", nil, apperr.Invalid("key ttl must not be negative")
	}
	if m.tenants != nil {
		if _, err := m.tenants.PlanTier(ctx, tenantID); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return "", nil, err
			}
			return "", nil, apperr.Unavailable("auth: lookup tenant", err)
		}
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, fmt.Errorf("auth: generate key: %w", err)
	}

	rawKey = KeyPrefix + hex.EncodeToString(b)
	now := m.now().UTC()
	key = &APIKey{
		ID:        "key_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		TenantID:  tenantID,
		Name:      name,
		CreatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, apperr.Unavailable("auth: create key", err)
	}
	logging.L(ctx).Info("api key issued", "tenant_id", tenantID, "key_id", key.ID)
	return rawKey, key, nil
}

// ValidateKey resolves a raw key, with or without a "Bearer " prefix.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, KeyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, apperr.Unavailable("auth: lookup key", err)
	}
	now := m.now()
	if !key.Active(now) {
		return nil, ErrInvalidAPIKey
	}

	touched := *key
	touched.LastUsed = now.UTC()
	go func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := m.store.Update(ctx, &touched); err != nil {
			logging.L(ctx).Warn("api key last_used update failed", "key_id", touched.ID, "error", err)
		}
	}(context.WithoutCancel(ctx))

	return key, nil
}

// ListKeys returns the tenant's keys.
func (m *Manager) ListKeys(ctx context.Context, tenantID string) ([]*APIKey, error) {
	keys, err := m.store.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, apperr.Unavailable("auth: list keys", err)
	}
	return keys, nil
}

// RevokeKey revokes one of the tenant's keys.
func (m *Manager) RevokeKey(ctx context.Context, tenantID, keyID string) error {
	keys, err := m.ListKeys(ctx, tenantID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID != keyID {
			continue
		}
		k.Revoked = true
		if err := m.store.Update(ctx, k); err != nil {
			return apperr.Unavailable("auth: revoke key", err)
		}
		logging.L(ctx).Info("api key revoked", "tenant_id", tenantID, "key_id", keyID)
		return nil
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
