package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
)

// DefinitionCache is a TTL-based in-memory cache with stale-while-revalidate for tool definitions.
// Uses sync.Map for lock-free reads on the hot path.
type DefinitionCache struct {
	store sync.Map // map[string]*definitionCacheEntry
	ttl   time.Duration
}

type definitionCacheEntry struct {
	def        *tool.Definition // nil = negative cache (tool not found)
	expiresAt  time.Time
	refreshing atomic.Bool
}

// CacheGetResult holds the result of a cache lookup.
type CacheGetResult struct {
	Definition   *tool.Definition // nil if not found or negative cache
	Hit          bool             // true if a value was found (fresh or stale)
	NeedsRefresh bool             // expired; the caller refreshes in the background
}

// NewDefinitionCache creates a cache with the given TTL.
func NewDefinitionCache(ttl time.Duration) *DefinitionCache {
	return &DefinitionCache{ttl: ttl}
}

func cacheKey(tenantID, toolID string) string {
	return tenantID + ":" + toolID
}

// Get performs a non-blocking cache lookup.
// Returns stale entries with NeedsRefresh=true when expired.
func (c *DefinitionCache) Get(tenantID, toolID string) CacheGetResult {
	val, ok := c.store.Load(cacheKey(tenantID, toolID))
	if !ok {
		return CacheGetResult{Hit: false}
	}

	entry := val.(*definitionCacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return CacheGetResult{Definition: entry.def, Hit: true}
	}

	// Stale: one goroutine wins the CAS and refreshes
	return CacheGetResult{
		Definition:   entry.def,
		Hit:          true,
		NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores a definition with a fresh TTL.
// Passing nil stores a negative cache entry (tool not found).
func (c *DefinitionCache) Set(tenantID, toolID string, def *tool.Definition) {
	c.store.Store(cacheKey(tenantID, toolID), &definitionCacheEntry{
		def:       def,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *DefinitionCache) Delete(tenantID, toolID string) {
	c.store.Delete(cacheKey(tenantID, toolID))
}
