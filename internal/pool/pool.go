// Package pool provides the shared worker pool used for per-segment work:
// leaf production during index builds and segment scans and point-gets
// during queries.
//
// Tasks are fire-and-forget with a one-shot completion future. The pool
// bounds concurrency with a weighted semaphore rather than long-lived
// workers; each task runs on its own goroutine once a slot is acquired,
// which keeps blocking store I/O from pinning pool capacity bookkeeping.
package pool

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// Pool is a bounded scheduler for store-I/O tasks. It is safe for
// concurrent use and is typically shared by all index builds and queries
// in a process.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// New creates a pool admitting at most size concurrent tasks.
// If size <= 0, the number of available CPUs is used.
func New(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &Pool{
		sem:  semaphore.NewWeighted(int64(size)),
		size: size,
	}
}

// Size returns the concurrency bound of the pool.
func (p *Pool) Size() int {
	return p.size
}

type result[T any] struct {
	value T
	err   error
}

// Future is the one-shot receiving end of a submitted task.
// Wait may be called at most once.
type Future[T any] struct {
	ch chan result[T]
}

// Wait blocks until the task completes and returns its result.
// A panic inside the task surfaces as an error, not a crash.
func (f *Future[T]) Wait() (T, error) {
	r := <-f.ch
	return r.value, r.err
}

// Submit schedules fn on the pool and returns its completion future
// without blocking. The context only gates admission; a task that has
// started always runs to completion (queries have no cancellation
// contract).
func Submit[T any](ctx context.Context, p *Pool, fn func() (T, error)) *Future[T] {
	f := &Future[T]{ch: make(chan result[T], 1)}

	go func() {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			var zero T
			f.ch <- result[T]{value: zero, err: err}
			return
		}
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				var zero T
				f.ch <- result[T]{value: zero, err: fmt.Errorf("pool: task panic: %v", r)}
			}
		}()
		v, err := fn()
		f.ch <- result[T]{value: v, err: err}
	}()

	return f
}
