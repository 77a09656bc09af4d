package cache

// EvictReason explains why an entry left the cache.
type EvictReason int

const (
	// EvictCapacity: removed to satisfy the cost (byte) limit.
	EvictCapacity EvictReason = iota
	// EvictCount: removed to satisfy the entry count limit.
	EvictCount
	// EvictReplaced: displaced by a Set for the same key.
	EvictReplaced
	// EvictRemoved: removed explicitly (Remove / RemoveFunc).
	EvictRemoved
	// EvictPurged: removed by Purge.
	EvictPurged
	// EvictRejected: never admitted: its cost alone exceeds the shard budget.
	EvictRejected
)

// String returns a stable label for the reason.
func (r EvictReason) String() string {
	switch r {
	case EvictCapacity:
		return "capacity"
	case EvictCount:
		return "count"
	case EvictReplaced:
		return "replaced"
	case EvictRemoved:
		return "removed"
	case EvictPurged:
		return "purged"
	case EvictRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason EvictReason)
	Size(entries int, cost int64)
}

// Options configures the cache. Zero values are safe except that at least one
// of Capacity or MaxCost must be positive. Defaults applied in New():
//   - Shards <= 0  => auto (rounded up to power of two)
//   - nil Metrics  => NoopMetrics
type Options[K comparable, V any] struct {
	// Capacity is the entry count limit; 0 means unlimited (MaxCost must be set).
	Capacity int

	// Shards defines the number of shards. If 0, an automatic value is chosen
	// (≈ 2*GOMAXPROCS) and rounded to the next power of two.
	// Use 1 for a strict global LRU order.
	Shards int

	// Cost-based limiting (e.g., bytes). Each shard gets floor(MaxCost/shards),
	// so the sum over all shards never exceeds MaxCost.
	Cost    func(v V) int64 // nil = all entries cost 0
	MaxCost int64           // total cost limit; 0 disables cost limiting

	// OnEvict is called once for every value that leaves the cache, under the
	// shard lock. It must not call back into the cache.
	OnEvict func(k K, v V, reason EvictReason)

	Metrics Metrics
}
