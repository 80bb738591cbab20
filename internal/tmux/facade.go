package tmux

import (
	"context"
	"sync"

	"github.com/muxkeep/muxkeep/internal/config"
	"github.com/muxkeep/muxkeep/internal/errors"
)

// result carries a future's outcome.
type result[T any] struct {
	value T
	err   error
}

// Future is a handle to an in-flight backend call. Wait blocks until the
// call finishes or the caller's context is done. A Future resolves exactly
// once and may be waited on multiple times.
type Future[T any] struct {
	done chan struct{}
	res  result[T]
}

// BoolFuture resolves to a boolean (existence probes).
type BoolFuture = Future[bool]

// StringFuture resolves to a string (output capture).
type StringFuture = Future[string]

// PaneFuture resolves to pane liveness details.
type PaneFuture = Future[*Pane]

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// resolve records the outcome and releases waiters. Must be called once.
func (f *Future[T]) resolve(value T, err error) {
	f.res = result[T]{value: value, err: err}
	close(f.done)
}

func failedFuture[T any](err error) *Future[T] {
	f := newFuture[T]()
	var zero T
	f.resolve(zero, err)
	return f
}

// Wait blocks until the future resolves or ctx is done. Abandoning a future
// does not cancel the underlying backend call; it completes in the pool.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.res.value, f.res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Ready reports whether the future has resolved without blocking.
func (f *Future[T]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Async is the non-blocking front to the tmux Service. Latency-sensitive
// callers (the reconciler tick, the CLI watch loop) submit work here and
// receive futures instead of stalling on subprocess round-trips. A fixed
// worker pool bounds concurrent tmux invocations.
type Async struct {
	svc   *Service
	tasks chan func()
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewAsync wraps svc in a worker pool sized by cfg.
func NewAsync(svc *Service, cfg config.BackendConfig) *Async {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	queue := cfg.QueueSize
	if queue < 1 {
		queue = 1
	}

	a := &Async{
		svc:   svc,
		tasks: make(chan func(), queue),
	}
	for i := 0; i < workers; i++ {
		a.wg.Add(1)
		go a.worker()
	}
	return a
}

func (a *Async) worker() {
	defer a.wg.Done()
	for task := range a.tasks {
		task()
	}
}

// submit schedules fn on the pool and returns its future. If the facade is
// closed or the queue is full the future resolves immediately with an error;
// backpressure is surfaced rather than queued without bound.
func submit[T any](a *Async, fn func() (T, error)) *Future[T] {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return failedFuture[T](errors.ErrEngineClosed)
	}

	f := newFuture[T]()
	task := func() {
		value, err := fn()
		f.resolve(value, err)
	}

	select {
	case a.tasks <- task:
		return f
	default:
		return failedFuture[T](errors.NewBackendError("backend queue full", nil).WithOp("submit"))
	}
}

// Has asynchronously probes for session existence.
func (a *Async) Has(ctx context.Context, name string) *BoolFuture {
	return submit(a, func() (bool, error) {
		return a.svc.Has(ctx, name)
	})
}

// PaneInfo asynchronously fetches pane liveness details.
func (a *Async) PaneInfo(ctx context.Context, name string) *PaneFuture {
	return submit(a, func() (*Pane, error) {
		return a.svc.PaneInfo(ctx, name)
	})
}

// Capture asynchronously captures pane output.
func (a *Async) Capture(ctx context.Context, name string, lines int) *StringFuture {
	return submit(a, func() (string, error) {
		return a.svc.Capture(ctx, name, lines)
	})
}

// Kill asynchronously destroys a session. The future's value is always true
// on success.
func (a *Async) Kill(ctx context.Context, name string) *BoolFuture {
	return submit(a, func() (bool, error) {
		if err := a.svc.Kill(ctx, name); err != nil {
			return false, err
		}
		return true, nil
	})
}

// List asynchronously lists all sessions on the server.
func (a *Async) List(ctx context.Context) *Future[[]string] {
	return submit(a, func() ([]string, error) {
		return a.svc.List(ctx)
	})
}

// Close drains the pool. Tasks already queued run to completion; new
// submissions fail with ErrEngineClosed.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.tasks)
	a.mu.Unlock()

	a.wg.Wait()
}
