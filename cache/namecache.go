package cache

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"

	"github.com/chimera-nas/chimera-sub003/fh"
)

type nameEntry struct {
	parent fh.Handle
	child  fh.Handle
	expiry time.Time
}

func nameKey(parent fh.Handle, name string) string {
	return string(parent) + "\x00" + name
}

// NameCache is the TTL cache of (parent_fh, name) -> child_fh lookups
// (spec.md §3.4). It is invalidated by any mutating operation on the
// parent (spec.md §4.4, §8 scenario C).
type NameCache struct {
	ttl    time.Duration
	shards [numShards]*nameShard
}

type nameShard struct {
	mu    sync.Mutex
	c     *lru.Cache
	byDir map[string]map[string]struct{} // parent key -> set of full keys, for InvalidateParent
}

// newNameShard builds a shard whose LRU is capacity-bounded on its own
// (spec.md §4.4 "fixed capacity ... LRU eviction"). The onEvicted callback
// prunes byDir's bookkeeping whenever the LRU drops a key, whether that
// happens because we called Remove ourselves or because the LRU evicted it
// under capacity pressure; without it, byDir would grow without bound
// under sustained distinct-name traffic even though the LRU proper stays
// bounded.
func newNameShard(capacityPerShard int) *nameShard {
	shard := &nameShard{byDir: make(map[string]map[string]struct{})}
	c, err := lru.NewWithEvict(capacityPerShard, func(key, value interface{}) {
		entry := value.(*nameEntry)
		parentKey := string(entry.parent)
		if m := shard.byDir[parentKey]; m != nil {
			delete(m, key.(string))
			if len(m) == 0 {
				delete(shard.byDir, parentKey)
			}
		}
	})
	if err != nil {
		panic(err)
	}
	shard.c = c
	return shard
}

// NewNameCache builds a name cache with the given TTL and total capacity.
func NewNameCache(ttl time.Duration, capacity int) *NameCache {
	perShard := capacity / numShards
	if perShard < 1 {
		perShard = 1
	}
	nc := &NameCache{ttl: ttl}
	for i := range nc.shards {
		nc.shards[i] = newNameShard(perShard)
	}
	return nc
}

// Get returns the cached child handle for (parent, name) if present and
// unexpired.
func (nc *NameCache) Get(parent fh.Handle, name string) (fh.Handle, bool) {
	key := nameKey(parent, name)
	shard := nc.shards[shardIndex([]byte(key))]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	v, ok := shard.c.Get(key)
	if !ok {
		return nil, false
	}
	entry := v.(*nameEntry)
	if time.Now().After(entry.expiry) {
		shard.c.Remove(key)
		return nil, false
	}
	return entry.child, true
}

// Set caches child as the result of looking up name under parent.
func (nc *NameCache) Set(parent fh.Handle, name string, child fh.Handle) {
	key := nameKey(parent, name)
	shard := nc.shards[shardIndex([]byte(key))]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	shard.c.Add(key, &nameEntry{parent: parent, child: child, expiry: time.Now().Add(nc.ttl)})
	parentKey := string(parent)
	if shard.byDir[parentKey] == nil {
		shard.byDir[parentKey] = make(map[string]struct{})
	}
	shard.byDir[parentKey][key] = struct{}{}
}

// Invalidate removes the single (parent, name) entry, e.g. after a
// successful remove_at or rename_at target.
func (nc *NameCache) Invalidate(parent fh.Handle, name string) {
	key := nameKey(parent, name)
	shard := nc.shards[shardIndex([]byte(key))]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.c.Remove(key)
}

// InvalidateParent drops every cached child name under parent, the
// invalidation a mutating operation on a directory must perform (spec.md
// §4.4, §8 scenario C).
func (nc *NameCache) InvalidateParent(parent fh.Handle) {
	parentKey := string(parent)
	for _, shard := range nc.shards {
		shard.mu.Lock()
		for key := range shard.byDir[parentKey] {
			shard.c.Remove(key)
		}
		delete(shard.byDir, parentKey)
		shard.mu.Unlock()
	}
}
