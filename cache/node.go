package cache

// node is an intrusive doubly linked list element owned by a shard.
type node[K comparable, V any] struct {
	key K
	val V

	// head is MRU, tail is LRU.
	prev *node[K, V]
	next *node[K, V]

	// cost is fixed at admission; the shard keeps the running sum.
	cost int64
}
