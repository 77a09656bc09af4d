package jobs

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultWorkers bounds the concurrency of a general purpose pool.
const DefaultWorkers = 25

// PoolOptions configures a Pool.
type PoolOptions struct {
	// Name tags log records.
	Name string
	// Workers is the number of jobs that may run at once. 0 => DefaultWorkers.
	Workers int
	Logger  zerolog.Logger
}

// Pool runs jobs on goroutines with bounded concurrency. Submissions never
// block: a job waits for a free slot on its own goroutine, and slots are
// handed out in submission order.
type Pool struct {
	name    string
	workers int
	sem     *semaphore.Weighted
	eg      errgroup.Group
	log     zerolog.Logger

	// ctx parents every job context; cancelled when Close gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	tail   chan struct{} // closed once the last submitted job was admitted

	inflight atomic.Int64
}

// NewPool returns a pool running at most opt.Workers jobs concurrently.
func NewPool(opt PoolOptions) *Pool {
	if opt.Workers <= 0 {
		opt.Workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	tail := make(chan struct{})
	close(tail)
	return &Pool{
		name:    opt.Name,
		workers: opt.Workers,
		sem:     semaphore.NewWeighted(int64(opt.Workers)),
		log:     opt.Logger.With().Str("pool", opt.Name).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		tail:    tail,
	}
}

// NewSerialPool returns a pool that runs one job at a time, in submission
// order.
func NewSerialPool(opt PoolOptions) *Pool {
	opt.Workers = 1
	return NewPool(opt)
}

// Workers returns the concurrency bound.
func (p *Pool) Workers() int { return p.workers }

// InFlight returns the number of submitted jobs that have not finished
// (queued or running).
func (p *Pool) InFlight() int64 { return p.inflight.Load() }

// run starts fn on a new goroutine once a slot is free. admitErr is non-nil
// when ctx ended before a slot was obtained. It returns false if the pool is
// closed.
func (p *Pool) run(ctx context.Context, fn func(admitErr error)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	prev, next := p.tail, make(chan struct{})
	p.tail = next
	p.inflight.Add(1)
	p.eg.Go(func() error {
		defer p.inflight.Add(-1)
		if err := p.admit(ctx, prev, next); err != nil {
			fn(err)
			return nil
		}
		defer p.sem.Release(1)
		fn(nil)
		return nil
	})
	return true
}

// admit waits for the previous submission to be admitted, then for a slot.
// Only one job at a time waits on the semaphore, which keeps admission FIFO.
func (p *Pool) admit(ctx context.Context, prev, next chan struct{}) error {
	select {
	case <-prev:
	case <-ctx.Done():
		go func() {
			<-prev
			close(next)
		}()
		return ctx.Err()
	}
	defer close(next)
	return p.sem.Acquire(ctx, 1)
}

// Close stops admitting jobs and waits for the submitted ones to finish. If
// ctx ends first, the remaining jobs are interrupted and ctx.Err() is
// returned. Close must not be called from an Origin goroutine the jobs post
// to.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = p.eg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		p.log.Debug().Int64("inflight", p.inflight.Load()).Msg("pool close timed out, interrupting jobs")
		return ctx.Err()
	}
}

// Closed reports whether Close was called.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
