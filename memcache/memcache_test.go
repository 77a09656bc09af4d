package memcache

import (
	"fmt"
	"image"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/imgcache/resource"
)

// square returns a resource whose footprint is exactly n*n*4 bytes.
func square(key string, n int) *resource.Resource {
	return resource.NewImage(key, image.NewRGBA(image.Rect(0, 0, n, n)))
}

func TestCapacityFor(t *testing.T) {
	t.Parallel()

	require.EqualValues(t, 8*megabyte, CapacityFor(0.125, 64))
	require.EqualValues(t, 64*megabyte, CapacityFor(3, 64), "fraction clamps to 1")
	require.EqualValues(t, 8*megabyte, CapacityFor(0, 64), "zero fraction uses the default")
	require.Positive(t, CapacityFor(0.5, 0), "heap budget is queried when unset")
}

func TestHeapBudgetMB(t *testing.T) {
	t.Parallel()
	require.Positive(t, HeapBudgetMB())
}

func TestMemcache_PutTakesCacheReference(t *testing.T) {
	t.Parallel()

	m := New(Options{CapacityBytes: 1 << 20})
	r := square("a", 8)

	require.True(t, m.Put(r))
	got, ok := m.Get("a")
	require.True(t, ok)
	require.Same(t, r, got)

	cacheRefs, viewRefs := r.Refs()
	require.Equal(t, 1, cacheRefs)
	require.Zero(t, viewRefs, "Get never binds")

	require.True(t, m.Remove("a"))
	require.False(t, r.IsValid(), "unbound resource is freed on removal")
}

func TestMemcache_RejectsKeylessAndReleased(t *testing.T) {
	t.Parallel()

	m := New(Options{CapacityBytes: 1 << 20})
	require.False(t, m.Put(square("", 4)))

	dead := square("dead", 4)
	dead.MarkCached(true)
	dead.MarkCached(false)
	require.False(t, dead.IsValid())
	require.False(t, m.Put(dead))
	require.Zero(t, m.Len())
}

// Displacing an entry under the same key returns its cache reference.
func TestMemcache_ReplaceReleasesOld(t *testing.T) {
	t.Parallel()

	m := New(Options{CapacityBytes: 1 << 20})
	old := square("k", 4)
	fresh := square("k", 4)

	m.Put(old)
	m.Put(fresh)

	require.False(t, old.IsValid())
	require.True(t, fresh.IsValid())
	require.Equal(t, 1, m.Len())

	// Re-putting the same instance keeps exactly one cache reference.
	m.Put(fresh)
	cacheRefs, _ := fresh.Refs()
	require.Equal(t, 1, cacheRefs)
}

// Inserting entries past capacity evicts exactly enough LRU entries, each
// losing exactly one cache reference, and the byte bound always holds.
func TestMemcache_EvictionCorrectness(t *testing.T) {
	t.Parallel()

	const entry = 10 * 10 * 4
	m := New(Options{CapacityBytes: 5 * entry})

	var all []*resource.Resource
	for i := 0; i < 8; i++ {
		r := square(fmt.Sprintf("k%d", i), 10)
		r.Bind() // keep payloads alive so ref counts stay observable
		all = append(all, r)
		m.Put(r)
		require.LessOrEqual(t, m.SizeBytes(), m.Capacity())
	}

	require.Equal(t, 5, m.Len())
	for i, r := range all {
		cacheRefs, viewRefs := r.Refs()
		require.Equal(t, 1, viewRefs)
		if i < 3 {
			require.Zero(t, cacheRefs, "k%d must be evicted", i)
		} else {
			require.Equal(t, 1, cacheRefs, "k%d must be resident", i)
		}
	}
	require.Equal(t, []string{"k7", "k6", "k5", "k4", "k3"}, m.Keys())
}

func TestMemcache_GetPromotes(t *testing.T) {
	t.Parallel()

	const entry = 4 * 4 * 4
	m := New(Options{CapacityBytes: 2 * entry})
	a, b, c := square("a", 4), square("b", 4), square("c", 4)
	m.Put(a)
	m.Put(b)
	_, ok := m.Get("a")
	require.True(t, ok)
	m.Put(c)

	_, ok = m.Get("b")
	require.False(t, ok, "b was least recently used")
	require.False(t, b.IsValid())
	require.True(t, a.IsValid())
}

func TestMemcache_OversizedIsRefused(t *testing.T) {
	t.Parallel()

	m := New(Options{CapacityBytes: 100})
	r := square("big", 10)
	require.False(t, m.Put(r))
	require.False(t, r.IsValid(), "refused and unreferenced resources are freed")
	require.Zero(t, m.SizeBytes())
}

func TestMemcache_TrimToDisplayedOnly(t *testing.T) {
	t.Parallel()

	m := New(Options{CapacityBytes: 1 << 20})
	shown, hidden := square("shown", 4), square("hidden", 4)
	shown.Bind()
	m.Put(shown)
	m.Put(hidden)

	require.Equal(t, 1, m.OnLowMemory())
	_, ok := m.Get("shown")
	require.True(t, ok)
	_, ok = m.Get("hidden")
	require.False(t, ok)
	require.False(t, hidden.IsValid())

	require.Equal(t, 1, m.OnCriticalMemory())
	require.Zero(t, m.Len())
	require.True(t, shown.IsValid(), "displayed resource survives EvictAll")
	cacheRefs, viewRefs := shown.Refs()
	require.Zero(t, cacheRefs)
	require.Equal(t, 1, viewRefs)

	shown.Unbind()
	require.False(t, shown.IsValid())
}
