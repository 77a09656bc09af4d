package jobs

import (
	"context"
	"sync"
)

// Origin is where job callbacks run. Post schedules fn and reports whether it
// was accepted; a refused callback is never run.
type Origin interface {
	Post(fn func()) bool
}

// Inline runs callbacks directly on the worker goroutine.
type Inline struct{}

// Post runs fn immediately.
func (Inline) Post(fn func()) bool {
	fn()
	return true
}

// Looper is a serial callback queue serviced by a single goroutine, either
// through Loop or by calling RunPending periodically. Callbacks run in the
// order they were posted.
type Looper struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
}

// NewLooper returns an idle looper.
func NewLooper() *Looper {
	return &Looper{wake: make(chan struct{}, 1)}
}

// Post enqueues fn. It returns false once the looper is stopped.
func (l *Looper) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.signal()
	return true
}

// RunPending runs every queued callback on the calling goroutine and returns
// how many ran. Callbacks posted while draining run in the same call.
func (l *Looper) RunPending() int {
	n := 0
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			return n
		}
		for _, fn := range batch {
			fn()
		}
		n += len(batch)
	}
}

// Loop services the queue until ctx is done or Stop is called. Callbacks
// accepted before the stop still run before Loop returns.
func (l *Looper) Loop(ctx context.Context) error {
	for {
		l.RunPending()
		if l.Stopped() {
			l.RunPending()
			return nil
		}
		select {
		case <-ctx.Done():
			l.Stop()
			l.RunPending()
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Stop refuses further posts and wakes Loop.
func (l *Looper) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.signal()
}

// Stopped reports whether Stop was called.
func (l *Looper) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Pending returns the number of queued callbacks.
func (l *Looper) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Looper) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
