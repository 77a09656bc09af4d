// Package memcache implements the process-wide, byte-bounded memory tier for
// decoded images.
//
// Entries are *resource.Resource values. The cache owns exactly one cache
// reference per resident entry: Put takes it, and every removal path
// (eviction, replacement, explicit removal, memory-pressure trims) gives it
// back through the engine's eviction hook. View references are never touched.
package memcache

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/IvanBrykalov/imgcache/cache"
	"github.com/IvanBrykalov/imgcache/resource"
)

const (
	// DefaultFraction is the share of the process heap budget used when
	// Options.Fraction is unset.
	DefaultFraction = 1.0 / 8.0

	megabyte = 1 << 20
)

// Options configures a memory cache.
type Options struct {
	// Fraction of the heap budget to use, clamped to (0, 1].
	// 0 => DefaultFraction.
	Fraction float64

	// HeapMB is the process memory class in megabytes.
	// 0 => HeapBudgetMB() queried once at construction.
	HeapMB int

	// CapacityBytes overrides the fraction-based sizing when > 0.
	CapacityBytes int64

	Metrics cache.Metrics
	Logger  zerolog.Logger
}

// Cache is a thread-safe LRU of reference-counted resources bounded by their
// decoded pixel footprint.
type Cache struct {
	c        cache.Cache[string, *resource.Resource]
	capacity int64
	log      zerolog.Logger
}

// New builds a memory cache. Capacity is min(Fraction, 1) × HeapMB MiB.
func New(opt Options) *Cache {
	capacity := opt.CapacityBytes
	if capacity <= 0 {
		capacity = CapacityFor(opt.Fraction, opt.HeapMB)
	}

	m := &Cache{capacity: capacity, log: opt.Logger}
	m.c = cache.New[string, *resource.Resource](cache.Options[string, *resource.Resource]{
		MaxCost: capacity,
		Shards:  1, // strict global LRU
		Cost:    func(r *resource.Resource) int64 { return r.SizeOf() },
		OnEvict: m.onEvict,
		Metrics: opt.Metrics,
	})
	m.log.Debug().Int64("capacity", capacity).Msg("memory cache created")
	return m
}

// CapacityFor derives the byte capacity from a heap fraction and a memory
// class in MB. A zero heapMB queries HeapBudgetMB.
func CapacityFor(fraction float64, heapMB int) int64 {
	if fraction <= 0 || math.IsNaN(fraction) {
		fraction = DefaultFraction
	}
	fraction = math.Min(fraction, 1)
	if heapMB <= 0 {
		heapMB = HeapBudgetMB()
	}
	c := int64(math.Round(fraction * float64(heapMB) * megabyte))
	if c < 1 {
		c = 1
	}
	return c
}

// onEvict gives back the cache reference of every value leaving the cache.
func (m *Cache) onEvict(key string, r *resource.Resource, reason cache.EvictReason) {
	m.log.Debug().Str("key", key).Stringer("reason", reason).Msg("memory cache entry removed")
	r.MarkCached(false)
}

// Get returns the resource cached under key. Reference counts are untouched;
// binding to a display target is the caller's job.
func (m *Cache) Get(key string) (*resource.Resource, bool) {
	return m.c.Get(key)
}

// Put inserts r under r.Key(), taking a cache reference. Keyless or already
// released resources are refused. A resource larger than the whole capacity
// is refused too; its reference is given back immediately.
func (m *Cache) Put(r *resource.Resource) bool {
	if r == nil || r.Key() == "" || !r.IsValid() {
		return false
	}
	r.MarkCached(true)
	return m.c.Set(r.Key(), r)
}

// Remove drops the entry under key.
func (m *Cache) Remove(key string) bool { return m.c.Remove(key) }

// EvictAll removes every entry.
func (m *Cache) EvictAll() int { return m.c.Purge() }

// TrimToDisplayedOnly removes every entry not currently shown by a display
// target. On-screen content stays cached.
func (m *Cache) TrimToDisplayedOnly() int {
	return m.c.RemoveFunc(func(_ string, r *resource.Resource) bool {
		return !r.IsDisplayed()
	})
}

// OnLowMemory is the light memory-pressure response.
func (m *Cache) OnLowMemory() int {
	n := m.TrimToDisplayedOnly()
	m.log.Warn().Int("removed", n).Msg("running low on memory, trimmed memory cache")
	return n
}

// OnCriticalMemory drops everything.
func (m *Cache) OnCriticalMemory() int {
	n := m.EvictAll()
	m.log.Warn().Int("removed", n).Msg("critical memory pressure, evicted memory cache")
	return n
}

// Len returns the number of resident entries.
func (m *Cache) Len() int { return m.c.Len() }

// SizeBytes returns the resident pixel footprint.
func (m *Cache) SizeBytes() int64 { return m.c.Cost() }

// Capacity returns the byte budget.
func (m *Cache) Capacity() int64 { return m.capacity }

// Keys returns resident keys, most recently used first.
func (m *Cache) Keys() []string { return m.c.Keys() }
