// Package jobs runs background work and hands its outcome back to an origin
// (the goroutine that owns the UI-like state the work reports to).
//
// A job's Call runs on a pool worker. Each callback (OnSuccess, OnException
// or OnInterrupted, then OnFinally) is posted to the origin, and the worker
// waits until the callback has run before moving on. Callbacks therefore
// never overlap with the next job of a serial pool.
package jobs

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/jmgilman/go/errors"
)

var (
	// ErrInterrupted may be returned by Call to report a cooperative
	// interruption; it is routed to OnInterrupted.
	ErrInterrupted = errors.New(errors.CodeUnavailable, "jobs: interrupted")
	// ErrPoolClosed is delivered to OnInterrupted for jobs submitted to a
	// closed pool.
	ErrPoolClosed = errors.New(errors.CodeUnavailable, "jobs: pool closed")
)

// Job is a unit of background work producing a T.
type Job[T any] interface {
	Call(ctx context.Context) (T, error)
	OnSuccess(v T)
	OnException(err error)
	OnInterrupted(err error)
	OnFinally()
}

// Funcs adapts plain functions to Job. Nil callbacks are skipped; a nil
// Interrupted falls back to Exception.
type Funcs[T any] struct {
	Run         func(ctx context.Context) (T, error)
	Success     func(v T)
	Exception   func(err error)
	Interrupted func(err error)
	Finally     func()
}

func (f Funcs[T]) Call(ctx context.Context) (T, error) { return f.Run(ctx) }

func (f Funcs[T]) OnSuccess(v T) {
	if f.Success != nil {
		f.Success(v)
	}
}

func (f Funcs[T]) OnException(err error) {
	if f.Exception != nil {
		f.Exception(err)
	}
}

func (f Funcs[T]) OnInterrupted(err error) {
	if f.Interrupted != nil {
		f.Interrupted(err)
		return
	}
	f.OnException(err)
}

func (f Funcs[T]) OnFinally() {
	if f.Finally != nil {
		f.Finally()
	}
}

// PanicError carries a panic raised by Call.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("jobs: panic in job: %v", e.Value) }

// Unwrap exposes the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Handle tracks a submitted job.
type Handle struct {
	done   chan struct{}
	cancel context.CancelFunc
}

// Cancel interrupts the job. A job that already finished is unaffected.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed after the job's last callback ran.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job finished or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit schedules job on p and delivers its callbacks through origin (nil
// means Inline). It never blocks. A closed pool reports ErrPoolClosed to
// OnInterrupted.
func Submit[T any](p *Pool, origin Origin, job Job[T]) *Handle {
	if origin == nil {
		origin = Inline{}
	}
	ctx, cancel := context.WithCancel(p.ctx)
	h := &Handle{done: make(chan struct{}), cancel: cancel}

	accepted := p.run(ctx, func(admitErr error) {
		defer close(h.done)
		defer cancel()

		var (
			v   T
			err = admitErr
		)
		if err == nil {
			v, err = call(ctx, job)
		}
		switch {
		case err == nil:
			p.deliver(origin, "success", func() { job.OnSuccess(v) })
		case interrupted(ctx, err):
			p.deliver(origin, "interrupted", func() { job.OnInterrupted(err) })
		default:
			p.deliver(origin, "exception", func() { job.OnException(err) })
		}
		p.deliver(origin, "finally", job.OnFinally)
	})

	if !accepted {
		cancel()
		go func() {
			defer close(h.done)
			p.deliver(origin, "interrupted", func() { job.OnInterrupted(ErrPoolClosed) })
			p.deliver(origin, "finally", job.OnFinally)
		}()
	}
	return h
}

func call[T any](ctx context.Context, job Job[T]) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return job.Call(ctx)
}

func interrupted(ctx context.Context, err error) bool {
	if errors.Is(err, ErrInterrupted) || errors.Is(err, ErrPoolClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	return ctx.Err() != nil
}

// deliver posts fn to origin and waits until it ran. A refused post returns
// immediately.
func (p *Pool) deliver(origin Origin, what string, fn func()) {
	done := make(chan struct{})
	guarded := p.guard(what, fn)
	if origin.Post(func() {
		defer close(done)
		guarded()
	}) {
		<-done
	}
}

// guard recovers and logs a panicking callback.
func (p *Pool) guard(what string, fn func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error().
					Str("callback", what).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("job callback panicked")
			}
		}()
		fn()
	}
}
