// Package cache provides a generic, sharded in-memory LRU cache bounded by
// entry count and/or a user-defined cost (typically bytes).
//
// Design
//
//   - Concurrency: the cache is split into shards, each protected by a mutex.
//     Use Shards: 1 when a strict global LRU order matters.
//
//   - Storage: each shard keeps a map[K]*node for lookups and an intrusive
//     MRU↔LRU doubly linked list for ordering. All operations are O(1) expected.
//
//   - Cost/MaxCost: Options.Cost assigns a weight to each value at admission.
//     Shards split MaxCost with floor division, so the resident cost summed
//     over all shards never exceeds MaxCost. A single value heavier than the
//     shard budget is rejected instead of flushing the shard.
//
//   - Eviction hook: Options.OnEvict(k, v, reason) is called exactly once for
//     every value that leaves the cache, whatever the path (capacity, explicit
//     removal, replacement, purge, rejection). Reference-counted values rely on
//     this to give back their cache reference.
//
//   - Metrics: Options.Metrics receives Hit/Miss/Evict/Size signals.
//     By default NoopMetrics is used; see package metrics/prom.
//
// Basic usage
//
//	c := cache.New[string, []byte](cache.Options[string, []byte]{
//	    MaxCost: 64 << 20,
//	    Cost:    func(b []byte) int64 { return int64(len(b)) },
//	    Shards:  1,
//	})
//	c.Set("a", []byte("1"))
//	if v, ok := c.Get("a"); ok {
//	    _ = v
//	}
//	c.Remove("a")
package cache
