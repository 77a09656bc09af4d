package cache

// Cache is a sharded, in-memory key/value cache with LRU eviction bounded by
// entry count and/or total cost.
// All methods are safe for concurrent use by multiple goroutines.
type Cache[K comparable, V any] interface {
	// Set inserts or replaces k→v and promotes it to MRU. A replaced value is
	// reported to OnEvict with EvictReplaced. Returns false when the cache is
	// closed or the value alone exceeds the cost budget (reported as
	// EvictRejected).
	Set(k K, v V) bool

	// Get returns the value for k and promotes it on hit.
	Get(k K) (V, bool)

	// Peek returns the value for k without promoting it.
	Peek(k K) (V, bool)

	// Remove deletes k if present and returns true on success.
	Remove(k K) bool

	// RemoveFunc deletes every entry for which pred returns true and returns
	// the number of removed entries. pred runs under the shard lock.
	RemoveFunc(pred func(k K, v V) bool) int

	// Purge deletes every entry and returns how many were removed.
	Purge() int

	// Keys returns a snapshot of resident keys, MRU first within each shard.
	Keys() []K

	// Len returns the total number of resident entries across all shards.
	Len() int

	// Cost returns the total resident cost across all shards.
	Cost() int64

	// Close marks the cache closed; subsequent writes are ignored and reads miss.
	// Resident entries are left in place (use Purge to drop them).
	Close() error
}
