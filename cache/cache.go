package cache

import (
	"sync/atomic"

	"github.com/IvanBrykalov/imgcache/internal/util"
)

// cache is a sharded in-memory KV store with LRU eviction.
// All methods are safe for concurrent use by multiple goroutines.
type cache[K comparable, V any] struct {
	shards []*shard[K, V]
	hash   util.Hasher[K]
	closed atomic.Bool
	sum    totals

	opt Options[K, V]
}

// New constructs a cache with the provided Options.
// It panics unless Capacity or MaxCost is positive.
func New[K comparable, V any](opt Options[K, V]) Cache[K, V] {
	if opt.Capacity < 0 || opt.MaxCost < 0 || (opt.Capacity == 0 && opt.MaxCost == 0) {
		panic("cache: Capacity or MaxCost must be > 0")
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}

	sh := util.ShardCount(opt.Shards)
	c := &cache[K, V]{
		shards: make([]*shard[K, V], sh),
		hash:   util.NewHasher[K](),
		opt:    opt,
	}

	perShardCap := 0
	if opt.Capacity > 0 {
		perShardCap = (opt.Capacity + sh - 1) / sh // ceil: count limits are soft per shard
	}
	var perShardCost int64
	if opt.MaxCost > 0 {
		perShardCost = opt.MaxCost / int64(sh) // floor: the byte bound is global and hard
		if perShardCost < 1 {
			perShardCost = 1
		}
	}
	for i := range c.shards {
		c.shards[i] = newShard[K, V](perShardCap, perShardCost, opt, &c.sum)
	}
	return c
}

// Set inserts or replaces k→v and promotes it according to LRU.
func (c *cache[K, V]) Set(k K, v V) bool {
	if c.closed.Load() {
		return false
	}
	return c.getShard(k).Set(k, v, c.costOf(v))
}

// Get returns the value for k and a presence flag, promoting on hit.
func (c *cache[K, V]) Get(k K) (V, bool) {
	if c.closed.Load() {
		var zero V
		return zero, false
	}
	return c.getShard(k).Get(k)
}

// Peek returns the value for k without promotion.
func (c *cache[K, V]) Peek(k K) (V, bool) {
	if c.closed.Load() {
		var zero V
		return zero, false
	}
	return c.getShard(k).Peek(k)
}

// Remove deletes k if present and returns true on success.
func (c *cache[K, V]) Remove(k K) bool {
	if c.closed.Load() {
		return false
	}
	return c.getShard(k).Remove(k)
}

// RemoveFunc deletes every entry matching pred.
func (c *cache[K, V]) RemoveFunc(pred func(k K, v V) bool) int {
	if pred == nil {
		return 0
	}
	total := 0
	for _, s := range c.shards {
		total += s.RemoveFunc(pred, EvictRemoved)
	}
	return total
}

// Purge deletes every entry. It also works on a closed cache.
func (c *cache[K, V]) Purge() int {
	total := 0
	for _, s := range c.shards {
		total += s.RemoveFunc(nil, EvictPurged)
	}
	return total
}

// Keys returns a snapshot of resident keys.
func (c *cache[K, V]) Keys() []K {
	var keys []K
	for _, s := range c.shards {
		keys = append(keys, s.Keys()...)
	}
	return keys
}

// Len returns the total number of resident entries across all shards.
func (c *cache[K, V]) Len() int {
	total := 0
	for _, s := range c.shards {
		total += s.Len()
	}
	return total
}

// Cost returns the total resident cost across all shards.
func (c *cache[K, V]) Cost() int64 {
	var total int64
	for _, s := range c.shards {
		total += s.Cost()
	}
	return total
}

// Close marks the cache as closed. Future operations are ignored.
func (c *cache[K, V]) Close() error {
	c.closed.Store(true)
	return nil
}

// ---- helpers ----

func (c *cache[K, V]) getShard(k K) *shard[K, V] {
	return c.shards[c.hash.Index(k, len(c.shards))]
}

// costOf computes the per-entry cost; negative costs count as 0.
func (c *cache[K, V]) costOf(v V) int64 {
	if c.opt.Cost == nil {
		return 0
	}
	if n := c.opt.Cost(v); n > 0 {
		return n
	}
	return 0
}
