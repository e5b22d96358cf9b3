package cache

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"

	"github.com/chimera-nas/chimera-sub003/fh"
	"github.com/chimera-nas/chimera-sub003/vfs"
)

// numShards is the default shard count for the attribute and name caches.
// Each shard has its own lock and its own fixed-capacity LRU, so lookup
// and invalidate traffic spreads across shards (spec.md §4.4 "single shard
// lock covers lookup/insert/invalidate").
const numShards = 16

type attrEntry struct {
	attr   vfs.Attr
	expiry time.Time
}

// AttrCache is the TTL cache of recent getattr results, keyed by file
// handle (spec.md §3.4).
type AttrCache struct {
	ttl    time.Duration
	shards [numShards]*lruShard
}

type lruShard struct {
	mu sync.Mutex
	c  *lru.Cache
}

func newShard(capacityPerShard int) *lruShard {
	c, err := lru.New(capacityPerShard)
	if err != nil {
		// Only returns an error for a non-positive size, which a
		// constant capacity never produces.
		panic(err)
	}
	return &lruShard{c: c}
}

func shardIndex(key []byte) int {
	return int(xxhash.Sum64(key) % numShards)
}

// NewAttrCache builds an attribute cache with the given TTL and total
// capacity (spread evenly across shards).
func NewAttrCache(ttl time.Duration, capacity int) *AttrCache {
	perShard := capacity / numShards
	if perShard < 1 {
		perShard = 1
	}
	ac := &AttrCache{ttl: ttl}
	for i := range ac.shards {
		ac.shards[i] = newShard(perShard)
	}
	return ac
}

// Get returns a cached attribute set for handle if present and unexpired.
// Entry contents are copied by value, so the result remains valid after
// the shard lock is dropped (spec.md §4.4).
func (ac *AttrCache) Get(handle fh.Handle) (vfs.Attr, bool) {
	shard := ac.shards[shardIndex(handle)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	v, ok := shard.c.Get(string(handle))
	if !ok {
		return vfs.Attr{}, false
	}
	entry := v.(*attrEntry)
	if time.Now().After(entry.expiry) {
		shard.c.Remove(string(handle))
		return vfs.Attr{}, false
	}
	return entry.attr, true
}

// Set stores attr for handle with the cache's configured TTL.
func (ac *AttrCache) Set(handle fh.Handle, attr vfs.Attr) {
	shard := ac.shards[shardIndex(handle)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.c.Add(string(handle), &attrEntry{attr: attr, expiry: time.Now().Add(ac.ttl)})
}

// Invalidate removes any cached entry for handle. The procedure layer calls
// this on the handles a mutating operation changes, where it knows them,
// before reporting success (spec.md §8 property 9); remove_at and rename_at
// know their target's handle only through the name cache.
func (ac *AttrCache) Invalidate(handle fh.Handle) {
	shard := ac.shards[shardIndex(handle)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.c.Remove(string(handle))
}
