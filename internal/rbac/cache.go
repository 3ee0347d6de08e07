package rbac

import (
	"context"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"tenantguard.org/internal/obs"
)

// DefaultCacheSize is the number of effective sets kept when no capacity is configured.
const DefaultCacheSize = 4096

// InvalidationNotifier carries invalidated role ids to other processes sharing the same store.
type InvalidationNotifier interface {
	PublishInvalidation(ctx context.Context, roleIDs []string) error
}

// Cache memoizes effective sets per role. Entries never expire; they are dropped when the role or
// any role on its recorded chain is invalidated, or when the LRU evicts them.
//
// Writers follow Get, Begin, compute, Put. Put is refused when an invalidation happened after Begin,
// so a set computed from pre-mutation state is never stored after the mutation's invalidation.
type Cache struct {
	mu         sync.Mutex
	lru        *simplelru.LRU[string, EffectiveSet]
	dependents map[string]map[string]struct{}
	epoch      uint64
}

// NewCache returns a cache holding up to size sets.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c := &Cache{dependents: make(map[string]map[string]struct{})}
	lru, err := simplelru.NewLRU[string, EffectiveSet](size, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = lru
	return c, nil
}

// onEvict runs under c.mu: every lru call happens with the lock held.
func (c *Cache) onEvict(roleID string, set EffectiveSet) {
	c.unindex(roleID, set.Chain)
}

func (c *Cache) index(roleID string, chain []string) {
	for _, id := range chain {
		deps, ok := c.dependents[id]
		if !ok {
			deps = make(map[string]struct{})
			c.dependents[id] = deps
		}
		deps[roleID] = struct{}{}
	}
}

func (c *Cache) unindex(roleID string, chain []string) {
	for _, id := range chain {
		deps, ok := c.dependents[id]
		if !ok {
			continue
		}
		delete(deps, roleID)
		if len(deps) == 0 {
			delete(c.dependents, id)
		}
	}
}

// Get returns the cached set for roleID.
func (c *Cache) Get(roleID string) (EffectiveSet, bool) {
	c.mu.Lock()
	set, ok := c.lru.Get(roleID)
	c.mu.Unlock()
	if !ok {
		obs.ObserveCacheEvent(obs.CacheMiss)
		return EffectiveSet{}, false
	}
	obs.ObserveCacheEvent(obs.CacheHit)
	return set.clone(), true
}

// Begin returns the token a later Put must present.
func (c *Cache) Begin() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Put stores set unless an invalidation happened since epoch was taken. It reports whether the set
// was stored.
func (c *Cache) Put(epoch uint64, set EffectiveSet) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		obs.ObserveCacheEvent(obs.CacheStalePut)
		return false
	}
	if old, ok := c.lru.Peek(set.RoleID); ok {
		c.unindex(set.RoleID, old.Chain)
	}
	set = set.clone()
	c.lru.Add(set.RoleID, set)
	c.index(set.RoleID, set.Chain)
	return true
}

// Invalidate drops every given role and each cached role whose chain contains one of them.
func (c *Cache) Invalidate(roleIDs ...string) {
	if len(roleIDs) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	for _, id := range roleIDs {
		var victims []string
		for dep := range c.dependents[id] {
			victims = append(victims, dep)
		}
		for _, dep := range victims {
			c.lru.Remove(dep)
		}
		c.lru.Remove(id)
		obs.ObserveCacheEvent(obs.CacheInvalidate)
	}
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.lru.Purge()
	c.dependents = make(map[string]map[string]struct{})
}

// Len reports the number of cached sets.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
