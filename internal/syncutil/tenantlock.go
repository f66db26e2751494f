// Package syncutil provides the per-tenant lock used by the in-memory stores.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// TenantLock serializes work per tenant using a fixed pool of channel-based
// mutexes. Memory stays bounded regardless of tenant count; tenants hashing to
// the same shard share a lock.
//
// Acquisition honours context cancellation so a waiting mutation gives up
// when its deadline passes instead of blocking indefinitely.
type TenantLock struct {
	shards [shardCount]chan struct{}
}

// NewTenantLock creates an unlocked TenantLock.
func NewTenantLock() *TenantLock {
	l := &TenantLock{}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
		l.shards[i] <- struct{}{}
	}
	return l
}

// Acquire locks the shard for tenantID. On success the returned function
// releases it and must be called exactly once.
func (l *TenantLock) Acquire(ctx context.Context, tenantID string) (func(), error) {
	shard := l.shards[shardOf(tenantID)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
