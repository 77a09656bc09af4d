// Package loader binds images to display targets through a memory tier, an
// optional disk tier and a background fetch.
//
// Request is the entry point. A memory hit binds synchronously; a miss shows
// the placeholder, tags the target with a fresh Token and dispatches a job
// that consults the disk tier, then the Strategy. The job result is cached in
// memory and bound only if the target still carries the same token, so a
// target reused for another request never shows a stale image.
//
// Requests for the same key are not deduplicated: each gets its own job.
package loader

import (
	"context"
	"image"
	"sync"
	"sync/atomic"

	"github.com/go-git/go-billy/v5"
	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"

	"github.com/IvanBrykalov/imgcache/jobs"
	"github.com/IvanBrykalov/imgcache/memcache"
	"github.com/IvanBrykalov/imgcache/resource"
)

const (
	// DefaultDiskVersion tags the disk tier layout; bumping it wipes the tier.
	DefaultDiskVersion = 1
	// DefaultDiskMaxBytes bounds the disk tier of one loader.
	DefaultDiskMaxBytes = 10 << 20
)

// Options configures a Loader. Defaults applied in New():
//   - DiskVersion <= 0  => DefaultDiskVersion
//   - DiskMaxBytes <= 0 => DefaultDiskMaxBytes
//   - nil Pool          => a pool of Strategy.Workers() owned by the loader
//   - nil Origin        => jobs.Inline
//   - nil Metrics       => NoopMetrics
type Options struct {
	// Memory is the shared memory tier. Required.
	Memory *memcache.Cache

	// DiskFS enables the disk tier for strategies with a DiskCacheName. The
	// tier lives in DiskDir/<DiskCacheName>.
	DiskFS       billy.Filesystem
	DiskDir      string
	DiskVersion  int
	DiskMaxBytes int64

	Pool   *jobs.Pool
	Origin jobs.Origin

	// Placeholder is shown while loading and on failure (may be nil).
	Placeholder image.Image

	Logger  zerolog.Logger
	Metrics Metrics
}

// Loader coordinates the memory tier, the disk tier and a Strategy.
// All methods are safe for concurrent use.
type Loader struct {
	strategy    Strategy
	mem         *memcache.Cache
	disk        *diskTier
	pool        *jobs.Pool
	ownsPool    bool
	origin      jobs.Origin
	placeholder image.Image
	log         zerolog.Logger
	metrics     Metrics

	gen atomic.Uint64

	mu       sync.Mutex
	released bool
}

// New builds a loader around s. It panics if s or opt.Memory is nil.
// A disk tier that cannot be opened is logged and skipped.
func New(s Strategy, opt Options) *Loader {
	if s == nil {
		panic("loader: nil strategy")
	}
	if opt.Memory == nil {
		panic("loader: Options.Memory is required")
	}
	if opt.DiskVersion <= 0 {
		opt.DiskVersion = DefaultDiskVersion
	}
	if opt.DiskMaxBytes <= 0 {
		opt.DiskMaxBytes = DefaultDiskMaxBytes
	}
	if opt.Origin == nil {
		opt.Origin = jobs.Inline{}
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}

	l := &Loader{
		strategy:    s,
		mem:         opt.Memory,
		pool:        opt.Pool,
		origin:      opt.Origin,
		placeholder: opt.Placeholder,
		log:         opt.Logger,
		metrics:     opt.Metrics,
	}
	if l.pool == nil {
		l.pool = jobs.NewPool(jobs.PoolOptions{Name: "loader", Workers: s.Workers(), Logger: opt.Logger})
		l.ownsPool = true
	}
	if name := s.DiskCacheName(); name != "" && opt.DiskFS != nil {
		dir := opt.DiskFS.Join(opt.DiskDir, name)
		l.disk = openDiskTier(opt.DiskFS, dir, opt.DiskVersion, opt.DiskMaxBytes, opt.Logger)
	}
	return l
}

// Request shows id on t. It never blocks on I/O: a memory hit binds at once,
// anything else shows the placeholder and dispatches a job. When a job is
// dispatched the returned token is also stored on t as its pending token.
// A memory hit returns Token{Key: key} (Gen 0) and clears t's pending token;
// an empty id or a released loader returns the zero Token.
// It panics if t is nil.
func (l *Loader) Request(t Target, id string) Token {
	if t == nil {
		panic("loader: nil target")
	}
	if id == "" {
		l.showPlaceholder(t, Token{})
		l.metrics.Request(PathPlaceholder)
		return Token{}
	}

	w, h := t.Width(), t.Height()
	key := DeriveKey(id, w, h)

	r, err := l.memoryGet(key)
	if err != nil {
		// Same as a miss for the caller, but nothing is dispatched.
		l.showPlaceholder(t, Token{})
		l.metrics.Request(PathReleased)
		return Token{}
	}
	if r != nil && r.IsValid() {
		t.SetResource(r)
		// The entry may have been evicted and freed in between.
		if r.IsValid() {
			t.SetPendingToken(Token{})
			l.metrics.Request(PathMemory)
			return Token{Key: key}
		}
	}

	tok := Token{Key: key, Gen: l.gen.Add(1)}
	l.showPlaceholder(t, tok)
	l.metrics.Request(PathMiss)
	jobs.Submit[*resource.Resource](l.pool, l.origin, &fetchJob{
		l:      l,
		target: t,
		id:     id,
		w:      w,
		h:      h,
		tok:    tok,
	})
	return tok
}

// Prefetch loads id for a w×h target through the same tiers as Request and
// leaves the result in the memory tier. It runs on the calling goroutine.
// The returned resource is not bound: Bind it to keep it beyond eviction.
func (l *Loader) Prefetch(ctx context.Context, id string, w, h int) (*resource.Resource, error) {
	if id == "" {
		return nil, errors.New(errors.CodeInvalidInput, "loader: empty identifier")
	}
	key := DeriveKey(id, w, h)
	r, err := l.memoryGet(key)
	if err != nil {
		return nil, err
	}
	if r != nil && r.IsValid() {
		l.metrics.Request(PathMemory)
		return r, nil
	}
	l.metrics.Request(PathMiss)

	r, err = l.load(ctx, key, id, w, h)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, errors.Wrapf(ErrNotFound, errors.CodeNotFound, "loader: %s", id)
	}
	cached, err := l.memoryPut(r)
	if err != nil {
		r.Discard()
		return nil, err
	}
	if !cached {
		return nil, ErrNotCached
	}
	return r, nil
}

// Release retires the loader: no more cache writes, reads report a released
// loader, in-flight jobs end silently. evictAll also empties the shared
// memory tier. The disk tier is closed. A second call returns
// ErrAlreadyReleased.
func (l *Loader) Release(evictAll bool) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return ErrAlreadyReleased
	}
	l.released = true
	l.mu.Unlock()

	if evictAll {
		n := l.mem.EvictAll()
		l.log.Debug().Int("evicted", n).Msg("memory cache emptied on release")
	}
	l.disk.close()
	if l.ownsPool {
		// Jobs may still be delivering to the origin; do not wait here.
		go func() { _ = l.pool.Close(context.Background()) }()
	}
	return nil
}

// Released reports whether Release was called.
func (l *Loader) Released() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

// Stats is a point-in-time view of the loader tiers.
type Stats struct {
	MemoryEntries int
	MemoryBytes   int64
	DiskEnabled   bool
	DiskBytes     int64
	InFlight      int64
}

// Stats reports the current tier sizes.
func (l *Loader) Stats() Stats {
	return Stats{
		MemoryEntries: l.mem.Len(),
		MemoryBytes:   l.mem.SizeBytes(),
		DiskEnabled:   l.disk.enabled(),
		DiskBytes:     l.disk.size(),
		InFlight:      l.pool.InFlight(),
	}
}

func (l *Loader) showPlaceholder(t Target, tok Token) {
	t.SetPlaceholder(l.placeholder)
	t.SetPendingToken(tok)
}

func (l *Loader) checkLive() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return ErrReleased
	}
	return nil
}

func (l *Loader) memoryGet(key string) (*resource.Resource, error) {
	if err := l.checkLive(); err != nil {
		return nil, err
	}
	r, _ := l.mem.Get(key)
	return r, nil
}

// memoryPut caches r unless the loader is released. The lock is held across
// the insertion so nothing is cached after Release returns.
func (l *Loader) memoryPut(r *resource.Resource) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return false, ErrReleased
	}
	return l.mem.Put(r), nil
}

// load runs the tiered lookup below the memory tier. A nil resource with a
// nil error means the source has nothing for id.
func (l *Loader) load(ctx context.Context, key, id string, w, h int) (*resource.Resource, error) {
	if err := l.checkLive(); err != nil {
		return nil, err
	}

	if l.disk.enabled() {
		if data := l.disk.read(key); data != nil {
			p, err := l.strategy.Decode(data, w, h)
			if err == nil && p != nil {
				l.metrics.Disk(true)
				return l.wrap(key, p), nil
			}
			l.log.Debug().Err(err).Str("key", key).Msg("dropping undecodable disk entry")
			l.disk.remove(key)
		}
		l.metrics.Disk(false)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := l.checkLive(); err != nil {
		return nil, err
	}

	f, err := l.strategy.FetchAndDecode(ctx, id, w, h)
	if err != nil {
		l.metrics.Fetch(FetchError)
		return nil, err
	}
	if f == nil || f.Payload == nil {
		l.metrics.Fetch(FetchAbsent)
		return nil, nil
	}
	l.metrics.Fetch(FetchOK)

	if len(f.Encoded) > 0 && l.checkLive() == nil {
		l.disk.write(key, f.Encoded)
	}
	return l.wrap(key, f.Payload), nil
}

func (l *Loader) wrap(key string, p resource.Payload) *resource.Resource {
	r := resource.New(key, p)
	r.OnRelease(func(*resource.Resource) { l.metrics.ResourceReleased() })
	return r
}

// fetchJob is the background half of a Request miss.
type fetchJob struct {
	l      *Loader
	target Target
	id     string
	w, h   int
	tok    Token
}

func (j *fetchJob) Call(ctx context.Context) (*resource.Resource, error) {
	return j.l.load(ctx, j.tok.Key, j.id, j.w, j.h)
}

func (j *fetchJob) OnSuccess(r *resource.Resource) {
	l := j.l
	if r == nil {
		l.metrics.Outcome(OutcomeAbsent)
		return
	}

	// Hold a view reference while publishing so a result that cannot be
	// cached survives long enough to be shown.
	r.Bind()
	defer r.Unbind()

	if _, err := l.memoryPut(r); err != nil {
		l.metrics.Outcome(OutcomeAbandoned)
		l.log.Debug().Str("key", j.tok.Key).Msg("loader released, dropping result")
		return
	}
	if !j.target.Alive() || j.target.PendingToken() != j.tok {
		l.metrics.Outcome(OutcomeAbandoned)
		return
	}
	j.target.SetResource(r)
	j.target.SetPendingToken(Token{})
	l.metrics.Outcome(OutcomeBound)
}

func (j *fetchJob) OnException(err error) {
	var pe *jobs.PanicError
	if errors.As(err, &pe) {
		j.l.log.Error().Err(err).Str("key", j.tok.Key).Str("id", j.id).Bytes("stack", pe.Stack).Msg("image load panicked")
	} else {
		j.l.log.Debug().Err(err).Str("key", j.tok.Key).Str("id", j.id).Msg("image load failed")
	}
	j.l.metrics.Outcome(OutcomeFailed)
}

func (j *fetchJob) OnInterrupted(error) {
	j.l.metrics.Outcome(OutcomeAbandoned)
}

func (j *fetchJob) OnFinally() {}
