// Package queue provides the admission queue: an unbounded, order-preserving
// FIFO shared by many producers and many consumers.
//
// Producers never block. Consumers block until an item is available, their
// context is done, or the queue is closed. Items are handed directly to the
// longest-waiting consumer when one is parked, so a consumer that gives up
// (deadline or cancellation) never loses an item that was already handed to it.
package queue

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by Push after Close, and by Pop once the queue is
	// closed and empty.
	ErrClosed = errors.New("queue closed")
)

// Queue is an unbounded MPMC FIFO. The zero value is not usable; call New.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	waiters []chan T
	closed  bool
	done    chan struct{}
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{done: make(chan struct{})}
}

// Push appends v. It never blocks.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters[0] = nil
		q.waiters = q.waiters[1:]
		// buffered with capacity 1 and owned by exactly one waiter
		w <- v
		return nil
	}
	q.items = append(q.items, v)
	return nil
}

// Pop removes and returns the oldest item, blocking until one is available.
// It returns ctx.Err() if ctx is done first, or ErrClosed if the queue is
// closed and drained.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	q.mu.Lock()
	if v, ok := q.takeLocked(); ok {
		q.mu.Unlock()
		return v, nil
	}
	if q.closed {
		q.mu.Unlock()
		return zero, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		q.mu.Unlock()
		return zero, err
	}
	w := make(chan T, 1)
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case v := <-w:
		return v, nil
	case <-q.done:
		return q.abandon(w, ErrClosed)
	case <-ctx.Done():
		return q.abandon(w, ctx.Err())
	}
}

// TryPop returns the oldest item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.takeLocked()
}

// abandon deregisters w. If a producer handed w an item in the meantime the
// item is returned instead of err.
func (q *Queue[T]) abandon(w chan T, err error) (T, error) {
	q.mu.Lock()
	for i, x := range q.waiters {
		if x == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			q.mu.Unlock()
			var zero T
			return zero, err
		}
	}
	q.mu.Unlock()
	return <-w, nil
}

func (q *Queue[T]) takeLocked() (T, bool) {
	var zero T
	if q.head >= len(q.items) {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	// compact once the consumed prefix dominates
	if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return v, true
}

// Len reports the number of items waiting to be popped.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Close stops admission and wakes parked consumers. Items already queued can
// still be popped or drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Drain removes and returns every queued item.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, 0, len(q.items)-q.head)
	out = append(out, q.items[q.head:]...)
	q.items = nil
	q.head = 0
	return out
}
