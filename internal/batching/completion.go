package batching

import (
	"context"
	"sync"
)

// NewCompletion returns the two ends of a single-assignment handle. The
// Promise is held by whoever produces the value, the Future by whoever waits.
func NewCompletion[T any]() (*Future[T], *Promise[T]) {
	s := &completionState[T]{done: make(chan struct{})}
	return &Future[T]{s: s}, &Promise[T]{s: s}
}

type completionState[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// Promise is the write side. Only the first Resolve or Fail takes effect.
type Promise[T any] struct {
	s *completionState[T]
}

// Resolve sets the value. It reports false if the handle was already settled.
func (p *Promise[T]) Resolve(v T) bool {
	return p.settle(v, nil)
}

// Fail settles the handle with err. It reports false if the handle was
// already settled.
func (p *Promise[T]) Fail(err error) bool {
	var zero T
	return p.settle(zero, err)
}

func (p *Promise[T]) settle(v T, err error) bool {
	settled := false
	p.s.once.Do(func() {
		p.s.val, p.s.err = v, err
		close(p.s.done)
		settled = true
	})
	return settled
}

// Future is the read side.
type Future[T any] struct {
	s *completionState[T]
}

// Done is closed once the handle is settled.
func (f *Future[T]) Done() <-chan struct{} { return f.s.done }

// Wait blocks until the handle is settled or ctx is done. Abandoning the wait
// does not retract the work that will eventually settle the handle.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.s.done:
		return f.s.val, f.s.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
