package prom

import (
	"image"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/imgcache/cache"
	"github.com/IvanBrykalov/imgcache/loader"
	"github.com/IvanBrykalov/imgcache/memcache"
	"github.com/IvanBrykalov/imgcache/resource"
)

func solid(w, h int) *image.NRGBA { return image.NewNRGBA(image.Rect(0, 0, w, h)) }

func TestAdapter_CacheSignals(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg, "imgcache", "memory", nil)

	m := memcache.New(memcache.Options{CapacityBytes: 1 << 20, Metrics: a})
	r := resource.NewImage("k", solid(16, 16))
	require.True(t, m.Put(r))

	_, ok := m.Get("k")
	require.True(t, ok)
	_, ok = m.Get("missing")
	require.False(t, ok)
	require.True(t, m.Remove("k"))

	require.Equal(t, 1.0, testutil.ToFloat64(a.hits))
	require.Equal(t, 1.0, testutil.ToFloat64(a.misses))
	require.Equal(t, 1.0, testutil.ToFloat64(a.evicts.WithLabelValues(cache.EvictRemoved.String())))
	require.Equal(t, 0.0, testutil.ToFloat64(a.sizeEnt))
	require.Equal(t, 0.0, testutil.ToFloat64(a.sizeCost))
}

func TestAdapter_SizeGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg, "", "", prometheus.Labels{"tier": "memory"})

	a.Size(3, 4096)
	require.Equal(t, 3.0, testutil.ToFloat64(a.sizeEnt))
	require.Equal(t, 4096.0, testutil.ToFloat64(a.sizeCost))

	n, err := testutil.GatherAndCount(reg, "size_bytes")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestLoaderAdapter(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewLoader(reg, "imgcache", "loader", prometheus.Labels{"strategy": "network"})

	a.Request(loader.PathMemory)
	a.Request(loader.PathMiss)
	a.Request(loader.PathMiss)
	a.Disk(true)
	a.Disk(false)
	a.Fetch(loader.FetchOK)
	a.Outcome(loader.OutcomeBound)
	a.ResourceReleased()

	require.Equal(t, 1.0, testutil.ToFloat64(a.requests.WithLabelValues(loader.PathMemory)))
	require.Equal(t, 2.0, testutil.ToFloat64(a.requests.WithLabelValues(loader.PathMiss)))
	require.Equal(t, 1.0, testutil.ToFloat64(a.disk.WithLabelValues("hit")))
	require.Equal(t, 1.0, testutil.ToFloat64(a.disk.WithLabelValues("miss")))
	require.Equal(t, 1.0, testutil.ToFloat64(a.fetches.WithLabelValues(loader.FetchOK)))
	require.Equal(t, 1.0, testutil.ToFloat64(a.outcomes.WithLabelValues(loader.OutcomeBound)))
	require.Equal(t, 1.0, testutil.ToFloat64(a.released))

	// Duplicate registration on the same registry is a programming error.
	require.Panics(t, func() { NewLoader(reg, "imgcache", "loader", prometheus.Labels{"strategy": "network"}) })
}
