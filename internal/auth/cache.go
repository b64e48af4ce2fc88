package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// KeyCache maps API keys to tenants with a TTL and stale-while-revalidate.
// Reads on the hot path are lock-free.
type KeyCache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	tenant     *Tenant
	expiresAt  time.Time
	refreshing atomic.Bool
}

// KeyCacheGetResult holds the result of a cache lookup.
type KeyCacheGetResult struct {
	Tenant       *Tenant
	Hit          bool
	NeedsRefresh bool
}

func NewKeyCache(ttl time.Duration) *KeyCache {
	return &KeyCache{ttl: ttl}
}

// Get never blocks. An expired entry is still returned; exactly one caller
// sees NeedsRefresh until the entry is replaced.
func (c *KeyCache) Get(apiKey string) KeyCacheGetResult {
	val, ok := c.store.Load(apiKey)
	if !ok {
		return KeyCacheGetResult{}
	}
	entry := val.(*cacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return KeyCacheGetResult{Tenant: entry.tenant, Hit: true}
	}
	return KeyCacheGetResult{
		Tenant:       entry.tenant,
		Hit:          true,
		NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
	}
}

func (c *KeyCache) Set(apiKey string, tenant *Tenant) {
	c.store.Store(apiKey, &cacheEntry{
		tenant:    tenant,
		expiresAt: time.Now().Add(c.ttl),
	})
}

func (c *KeyCache) Delete(apiKey string) {
	c.store.Delete(apiKey)
}
