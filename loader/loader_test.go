package loader

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/imgcache/jobs"
	"github.com/IvanBrykalov/imgcache/memcache"
	"github.com/IvanBrykalov/imgcache/resource"
)

// fakeStrategy renders a solid w×h image per fetch.
type fakeStrategy struct {
	disk   string
	gate   chan struct{} // if set, fetches wait for it
	err    error
	absent bool
	calls  atomic.Int64
}

func (s *fakeStrategy) DiskCacheName() string { return s.disk }
func (s *fakeStrategy) Workers() int          { return 1 }

func (s *fakeStrategy) FetchAndDecode(ctx context.Context, id string, w, h int) (*Fetched, error) {
	s.calls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.absent {
		return nil, nil
	}
	img := solid(w, h)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return &Fetched{Payload: resource.NewBitmap(img), Encoded: buf.Bytes()}, nil
}

func (s *fakeStrategy) Decode(data []byte, w, h int) (resource.Payload, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return resource.NewBitmap(img), nil
}

func solid(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 0x20, G: 0x40, B: 0x80, A: 0xff})
		}
	}
	return img
}

// countingMetrics records loader signals.
type countingMetrics struct {
	mu       sync.Mutex
	counts   map[string]int
	released atomic.Int64
}

func (m *countingMetrics) inc(k string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = map[string]int{}
	}
	m.counts[k]++
}

func (m *countingMetrics) get(k string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[k]
}

func (m *countingMetrics) Request(p string) { m.inc("request:" + p) }
func (m *countingMetrics) Disk(hit bool) {
	if hit {
		m.inc("disk:hit")
	} else {
		m.inc("disk:miss")
	}
}
func (m *countingMetrics) Fetch(r string)    { m.inc("fetch:" + r) }
func (m *countingMetrics) Outcome(o string)  { m.inc("outcome:" + o) }
func (m *countingMetrics) ResourceReleased() { m.released.Add(1) }

var placeholder = image.NewGray(image.Rect(0, 0, 1, 1))

func newLoader(t *testing.T, s Strategy, mem *memcache.Cache, opt Options) (*Loader, *countingMetrics) {
	t.Helper()
	m := &countingMetrics{}
	opt.Memory = mem
	opt.Metrics = m
	opt.Placeholder = placeholder
	return New(s, opt), m
}

func idle(t *testing.T, l *Loader) {
	t.Helper()
	require.Eventually(t, func() bool { return l.Stats().InFlight == 0 }, 5*time.Second, time.Millisecond)
}

func TestNew_ContractViolations(t *testing.T) {
	t.Parallel()

	mem := memcache.New(memcache.Options{CapacityBytes: 1 << 20})
	require.Panics(t, func() { New(nil, Options{Memory: mem}) })
	require.Panics(t, func() { New(&fakeStrategy{}, Options{}) })

	l := New(&fakeStrategy{}, Options{Memory: mem})
	require.Panics(t, func() { l.Request(nil, "x") })
}

func TestDeriveKey(t *testing.T) {
	t.Parallel()

	k := DeriveKey("X", 100, 100)
	require.Len(t, k, KeyLength)
	require.Equal(t, k, DeriveKey("X", 100, 100))
	require.NotEqual(t, k, DeriveKey("X", 100, 101))
	require.NotEqual(t, k, DeriveKey("X", 101, 100))
	require.NotEqual(t, k, DeriveKey("Y", 100, 100))
	require.NotEqual(t, DeriveKey("a", 1, 11), DeriveKey("a", 11, 1))
	require.Regexp(t, `^[0-9a-f]{40}$`, k)

	seen := map[string]bool{}
	for w := 1; w <= 40; w++ {
		for h := 1; h <= 40; h++ {
			seen[DeriveKey("https://example.com/a.png", w, h)] = true
		}
	}
	require.Len(t, seen, 1600)
}

func TestLoader_RoundTrip(t *testing.T) {
	t.Parallel()

	s := &fakeStrategy{}
	mem := memcache.New(memcache.Options{CapacityBytes: 1 << 20})
	l, m := newLoader(t, s, mem, Options{})

	v := NewView(100, 100)
	tok := l.Request(v, "X")
	require.Equal(t, DeriveKey("X", 100, 100), tok.Key)
	require.NotZero(t, tok.Gen)

	idle(t, l)
	r := v.Resource()
	require.NotNil(t, r)
	require.Equal(t, DeriveKey("X", 100, 100), r.Key())
	require.True(t, r.IsDisplayed())
	require.True(t, r.IsCached())
	require.True(t, v.PendingToken().IsZero())
	require.Equal(t, 1, m.get("outcome:"+OutcomeBound))

	// Warm memory tier: bound synchronously, nothing dispatched.
	v2 := NewView(100, 100)
	tok2 := l.Request(v2, "X")
	require.Zero(t, tok2.Gen)
	require.Equal(t, tok.Key, tok2.Key, "a hit returns the key")
	require.True(t, v2.PendingToken().IsZero(), "a hit leaves no pending token")
	require.Same(t, r, v2.Resource())
	require.EqualValues(t, 1, s.calls.Load())
	require.Equal(t, 1, m.get("request:"+PathMemory))

	_, viewRefs := r.Refs()
	require.Equal(t, 2, viewRefs)

	// Another size is another key.
	v3 := NewView(50, 50)
	l.Request(v3, "X")
	idle(t, l)
	require.NotSame(t, r, v3.Resource())
	require.EqualValues(t, 2, s.calls.Load())
}

func TestLoader_EmptyIdentifierShowsPlaceholder(t *testing.T) {
	t.Parallel()

	s := &fakeStrategy{}
	l, m := newLoader(t, s, memcache.New(memcache.Options{CapacityBytes: 1 << 20}), Options{})
	v := NewView(10, 10)
	require.True(t, l.Request(v, "").IsZero())
	require.Same(t, placeholder, v.Placeholder())
	require.Equal(t, 1, m.get("request:"+PathPlaceholder))
	require.Zero(t, s.calls.Load())
}

// A target re-requested for another id must not receive the older result.
func TestLoader_StalenessGuard(t *testing.T) {
	t.Parallel()

	s := &fakeStrategy{gate: make(chan struct{})}
	mem := memcache.New(memcache.Options{CapacityBytes: 1 << 20})
	l, m := newLoader(t, s, mem, Options{})

	v := NewView(20, 20)
	tokA := l.Request(v, "A")
	tokB := l.Request(v, "B")
	require.NotEqual(t, tokA, tokB)
	require.Equal(t, tokB, v.PendingToken())

	close(s.gate)
	idle(t, l)

	require.NotNil(t, v.Resource())
	require.Equal(t, DeriveKey("B", 20, 20), v.Resource().Key())
	require.Equal(t, 1, m.get("outcome:"+OutcomeBound))
	require.Equal(t, 1, m.get("outcome:"+OutcomeAbandoned))

	// The stale result is cached but not displayed.
	a, ok := mem.Get(DeriveKey("A", 20, 20))
	require.True(t, ok)
	require.False(t, a.IsDisplayed())
	require.True(t, a.IsValid())
}

// Same id requested twice on one target: each request gets its own job and
// only the latest token binds.
func TestLoader_SameKeyNotDeduplicated(t *testing.T) {
	t.Parallel()

	s := &fakeStrategy{gate: make(chan struct{})}
	l, m := newLoader(t, s, memcache.New(memcache.Options{CapacityBytes: 1 << 20}), Options{})

	v := NewView(8, 8)
	first := l.Request(v, "same")
	second := l.Request(v, "same")
	require.Equal(t, first.Key, second.Key)
	require.NotEqual(t, first.Gen, second.Gen)

	close(s.gate)
	idle(t, l)
	require.EqualValues(t, 2, s.calls.Load())
	require.Equal(t, 1, m.get("outcome:"+OutcomeBound))
	require.Equal(t, 1, m.get("outcome:"+OutcomeAbandoned))
	require.NotNil(t, v.Resource())
}

func TestLoader_DetachedTargetNotBound(t *testing.T) {
	t.Parallel()

	s := &fakeStrategy{gate: make(chan struct{})}
	mem := memcache.New(memcache.Options{CapacityBytes: 1 << 20})
	l, _ := newLoader(t, s, mem, Options{})

	v := NewView(10, 10)
	tok := l.Request(v, "gone")
	v.Detach()
	close(s.gate)
	idle(t, l)

	require.Nil(t, v.Resource())
	r, ok := mem.Get(tok.Key)
	require.True(t, ok, "abandoned results stay cached")
	require.False(t, r.IsDisplayed())
}

func TestLoader_FailureKeepsPlaceholder(t *testing.T) {
	t.Parallel()

	for name, s := range map[string]*fakeStrategy{
		"error":  {err: errors.New(errors.CodeNetwork, "unreachable")},
		"absent": {absent: true},
	} {
		t.Run(name, func(t *testing.T) {
			mem := memcache.New(memcache.Options{CapacityBytes: 1 << 20})
			l, m := newLoader(t, s, mem, Options{})
			v := NewView(10, 10)
			l.Request(v, "x")
			idle(t, l)

			require.Nil(t, v.Resource())
			require.Same(t, placeholder, v.Image())
			require.Zero(t, mem.Len())
			require.Equal(t, 1, m.get("outcome:"+OutcomeFailed)+m.get("outcome:"+OutcomeAbsent))
		})
	}
}

func TestLoader_ReleaseIsOneShot(t *testing.T) {
	t.Parallel()

	s := &fakeStrategy{}
	mem := memcache.New(memcache.Options{CapacityBytes: 1 << 20})
	l, m := newLoader(t, s, mem, Options{})

	_, err := l.Prefetch(context.Background(), "warm", 10, 10)
	require.NoError(t, err)
	require.Equal(t, 1, mem.Len())

	require.NoError(t, l.Release(true))
	require.True(t, l.Released())
	require.Zero(t, mem.Len(), "evictAll empties the shared tier")
	require.ErrorIs(t, l.Release(true), ErrAlreadyReleased)
	require.ErrorIs(t, l.Release(false), ErrAlreadyReleased)

	// Reads behave like a miss for the caller but dispatch nothing.
	v := NewView(10, 10)
	require.True(t, l.Request(v, "warm").IsZero())
	require.Same(t, placeholder, v.Placeholder())
	require.Equal(t, 1, m.get("request:"+PathReleased))
	require.EqualValues(t, 1, s.calls.Load())

	// Internally the failure is distinct from a miss.
	_, err = l.Prefetch(context.Background(), "warm", 10, 10)
	require.ErrorIs(t, err, ErrReleased)
	require.ErrorIs(t, err, jobs.ErrInterrupted)
}

// Release while a job is in flight: the result is dropped silently and its
// payload is freed.
func TestLoader_ReleaseMidFlight(t *testing.T) {
	t.Parallel()

	s := &fakeStrategy{gate: make(chan struct{})}
	mem := memcache.New(memcache.Options{CapacityBytes: 1 << 20})
	pool := jobs.NewSerialPool(jobs.PoolOptions{})
	l, m := newLoader(t, s, mem, Options{Pool: pool})

	v := NewView(10, 10)
	l.Request(v, "late")
	require.Eventually(t, func() bool { return s.calls.Load() == 1 }, 5*time.Second, time.Millisecond)
	require.NoError(t, l.Release(false))
	close(s.gate)
	idle(t, l)

	require.Nil(t, v.Resource())
	require.Zero(t, mem.Len())
	require.Equal(t, 1, m.get("outcome:"+OutcomeAbandoned))
	require.Zero(t, m.get("outcome:"+OutcomeFailed))
	require.EqualValues(t, 1, m.released.Load())
	require.NoError(t, pool.Close(context.Background()))
}

func TestLoader_CallbacksOnLooper(t *testing.T) {
	t.Parallel()

	s := &fakeStrategy{}
	looper := jobs.NewLooper()
	l, _ := newLoader(t, s, memcache.New(memcache.Options{CapacityBytes: 1 << 20}), Options{Origin: looper})

	v := NewView(12, 12)
	l.Request(v, "loop")
	require.Eventually(t, func() bool { return looper.Pending() > 0 }, 5*time.Second, time.Millisecond)
	require.Nil(t, v.Resource(), "binding waits for the origin")

	require.Eventually(t, func() bool {
		looper.RunPending()
		return l.Stats().InFlight == 0
	}, 5*time.Second, time.Millisecond)
	require.NotNil(t, v.Resource())
}

func TestLoader_DiskTierPersists(t *testing.T) {
	t.Parallel()

	fs := memfs.New()
	opt := Options{DiskFS: fs, DiskDir: "cache"}

	first := &fakeStrategy{disk: "bitmaps/test"}
	l1, m1 := newLoader(t, first, memcache.New(memcache.Options{CapacityBytes: 1 << 20}), opt)
	require.True(t, l1.Stats().DiskEnabled)
	r, err := l1.Prefetch(context.Background(), "X", 16, 16)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 16, 16), r.Image().Bounds())
	require.Equal(t, 1, m1.get("disk:miss"))
	require.Positive(t, l1.Stats().DiskBytes)
	require.NoError(t, l1.Release(false))

	// Fresh memory tier, same disk: served without fetching.
	second := &fakeStrategy{disk: "bitmaps/test"}
	l2, m2 := newLoader(t, second, memcache.New(memcache.Options{CapacityBytes: 1 << 20}), opt)
	v := NewView(16, 16)
	l2.Request(v, "X")
	idle(t, l2)
	require.NotNil(t, v.Resource())
	require.Zero(t, second.calls.Load())
	require.Equal(t, 1, m2.get("disk:hit"))

	// A version bump invalidates the tier.
	opt.DiskVersion = 2
	third := &fakeStrategy{disk: "bitmaps/test"}
	require.NoError(t, l2.Release(false))
	l3, _ := newLoader(t, third, memcache.New(memcache.Options{CapacityBytes: 1 << 20}), opt)
	_, err = l3.Prefetch(context.Background(), "X", 16, 16)
	require.NoError(t, err)
	require.EqualValues(t, 1, third.calls.Load())
}

func TestLoader_NoDiskTierWithoutName(t *testing.T) {
	t.Parallel()

	l, m := newLoader(t, &fakeStrategy{}, memcache.New(memcache.Options{CapacityBytes: 1 << 20}),
		Options{DiskFS: memfs.New()})
	require.False(t, l.Stats().DiskEnabled)
	_, err := l.Prefetch(context.Background(), "x", 4, 4)
	require.NoError(t, err)
	require.Zero(t, m.get("disk:miss"))
}

func TestLoader_PrefetchErrors(t *testing.T) {
	t.Parallel()

	l, _ := newLoader(t, &fakeStrategy{absent: true}, memcache.New(memcache.Options{CapacityBytes: 1 << 20}), Options{})
	_, err := l.Prefetch(context.Background(), "", 4, 4)
	require.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
	_, err = l.Prefetch(context.Background(), "nothing", 4, 4)
	require.ErrorIs(t, err, ErrNotFound)

	tiny, _ := newLoader(t, &fakeStrategy{}, memcache.New(memcache.Options{CapacityBytes: 16}), Options{})
	_, err = tiny.Prefetch(context.Background(), "big", 100, 100)
	require.ErrorIs(t, err, ErrNotCached)
}

// A result too large for the memory tier is still shown.
func TestLoader_UncacheableResultStillBinds(t *testing.T) {
	t.Parallel()

	mem := memcache.New(memcache.Options{CapacityBytes: 16})
	l, _ := newLoader(t, &fakeStrategy{}, mem, Options{})
	v := NewView(50, 50)
	l.Request(v, "huge")
	idle(t, l)

	r := v.Resource()
	require.NotNil(t, r)
	require.True(t, r.IsValid())
	require.False(t, r.IsCached())
	require.Zero(t, mem.Len())

	v.Detach()
	require.False(t, r.IsValid())
}

func TestView_BindingTransitions(t *testing.T) {
	t.Parallel()

	v := NewView(3, 4)
	require.Equal(t, 3, v.Width())
	require.Equal(t, 4, v.Height())

	a := resource.NewImage("a", solid(2, 2))
	b := resource.NewImage("b", solid(2, 2))

	v.SetResource(a)
	v.SetResource(a)
	_, refs := a.Refs()
	require.Equal(t, 1, refs, "rebinding the same resource is a no-op")

	v.SetResource(b)
	require.False(t, a.IsValid(), "a lost its only reference")
	require.True(t, b.IsDisplayed())

	v.SetPlaceholder(placeholder)
	require.False(t, b.IsValid())
	require.Same(t, placeholder, v.Image())

	v.Resize(9, 9)
	require.Equal(t, 9, v.Width())
	require.True(t, v.Alive())
	v.Detach()
	require.False(t, v.Alive())
}
