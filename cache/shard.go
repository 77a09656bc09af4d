package cache

import (
	"sync"
	"sync/atomic"
)

// totals aggregates resident entries/cost across shards for metrics.
type totals struct {
	entries atomic.Int64
	cost    atomic.Int64
}

// shard is an independent partition of the cache with its own lock, map,
// and an intrusive doubly linked list (head=MRU, tail=LRU).
type shard[K comparable, V any] struct {
	// ---- guarded by mu ----
	mu      sync.Mutex
	m       map[K]*node[K, V]
	head    *node[K, V] // MRU
	tail    *node[K, V] // LRU
	len     int
	cost    int64
	cap     int   // entry limit (0 = unlimited)
	maxCost int64 // cost limit (0 = disabled)

	opt Options[K, V]
	sum *totals
}

func newShard[K comparable, V any](capacity int, maxCost int64, opt Options[K, V], sum *totals) *shard[K, V] {
	return &shard[K, V]{
		m:       make(map[K]*node[K, V]),
		cap:     capacity,
		maxCost: maxCost,
		opt:     opt,
		sum:     sum,
	}
}

// Set inserts or replaces an entry and promotes it to MRU.
func (s *shard[K, V]) Set(k K, v V, cost int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxCost > 0 && cost > s.maxCost {
		s.notify(k, v, EvictRejected)
		return false
	}

	if n, ok := s.m[k]; ok {
		old := n.val
		s.addCost(cost - n.cost)
		n.val = v
		n.cost = cost
		s.moveToFront(n)
		s.notify(k, old, EvictReplaced)
		s.enforceLimitsLocked()
		return true
	}

	n := &node[K, V]{key: k, val: v, cost: cost}
	s.m[k] = n
	s.insertFront(n)
	s.enforceLimitsLocked()
	return true
}

// Get returns the value and promotes the entry to MRU.
func (s *shard[K, V]) Get(k K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.m[k]
	if !ok {
		s.opt.Metrics.Miss()
		var zero V
		return zero, false
	}
	s.moveToFront(n)
	s.opt.Metrics.Hit()
	return n.val, true
}

// Peek returns the value without touching recency or hit/miss metrics.
func (s *shard[K, V]) Peek(k K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.m[k]; ok {
		return n.val, true
	}
	var zero V
	return zero, false
}

// Remove deletes an entry by key. Returns true if the entry existed.
func (s *shard[K, V]) Remove(k K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.m[k]
	if !ok {
		return false
	}
	s.evictNode(n, EvictRemoved)
	s.report()
	return true
}

// RemoveFunc evicts every node matching pred, walking LRU→MRU.
func (s *shard[K, V]) RemoveFunc(pred func(K, V) bool, reason EvictReason) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for n := s.tail; n != nil; {
		prev := n.prev
		if pred == nil || pred(n.key, n.val) {
			s.evictNode(n, reason)
			removed++
		}
		n = prev
	}
	if removed > 0 {
		s.report()
	}
	return removed
}

// Keys returns the resident keys, MRU first.
func (s *shard[K, V]) Keys() []K {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]K, 0, s.len)
	for n := s.head; n != nil; n = n.next {
		keys = append(keys, n.key)
	}
	return keys
}

// Len returns the number of resident entries in this shard.
func (s *shard[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.len
}

// Cost returns the resident cost of this shard.
func (s *shard[K, V]) Cost() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cost
}

// -------------------- internals (mu held) --------------------

// insertFront inserts n at MRU in O(1).
func (s *shard[K, V]) insertFront(n *node[K, V]) {
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
	s.len++
	s.sum.entries.Add(1)
	s.addCost(n.cost)
}

// moveToFront promotes n to MRU in O(1).
func (s *shard[K, V]) moveToFront(n *node[K, V]) {
	if n == s.head {
		return
	}
	s.unlink(n)
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
}

// unlink detaches n from the list without touching counters.
func (s *shard[K, V]) unlink(n *node[K, V]) {
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if s.head == n {
		s.head = n.next
	}
	if s.tail == n {
		s.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

func (s *shard[K, V]) addCost(delta int64) {
	s.cost += delta
	s.sum.cost.Add(delta)
}

// evictNode removes the node, updates counters and calls OnEvict.
func (s *shard[K, V]) evictNode(n *node[K, V], reason EvictReason) {
	s.unlink(n)
	delete(s.m, n.key)
	s.len--
	s.sum.entries.Add(-1)
	s.addCost(-n.cost)
	s.notify(n.key, n.val, reason)
}

func (s *shard[K, V]) notify(k K, v V, reason EvictReason) {
	s.opt.Metrics.Evict(reason)
	if cb := s.opt.OnEvict; cb != nil {
		cb(k, v, reason)
	}
}

// enforceLimitsLocked evicts LRU items until both count and cost limits hold.
func (s *shard[K, V]) enforceLimitsLocked() {
	for s.cap > 0 && s.len > s.cap && s.tail != nil {
		s.evictNode(s.tail, EvictCount)
	}
	for s.maxCost > 0 && s.cost > s.maxCost && s.tail != nil {
		s.evictNode(s.tail, EvictCapacity)
	}
	s.report()
}

func (s *shard[K, V]) report() {
	s.opt.Metrics.Size(int(s.sum.entries.Load()), s.sum.cost.Load())
}
