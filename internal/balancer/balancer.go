// Package balancer distributes calls round-robin over a registry of handlers.
package balancer

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrUnavailable is returned when no handler is registered.
var ErrUnavailable = errors.New("no handlers available")

// RoundRobin hands out registered handlers in registration order, wrapping
// around. It is safe for concurrent use.
type RoundRobin[H any] struct {
	mu       sync.RWMutex
	handlers []H
	next     atomic.Uint64
}

// New returns a balancer over handlers.
func New[H any](handlers ...H) *RoundRobin[H] {
	rr := &RoundRobin[H]{}
	rr.handlers = append(rr.handlers, handlers...)
	return rr
}

// Register appends h to the rotation.
func (rr *RoundRobin[H]) Register(h H) {
	rr.mu.Lock()
	rr.handlers = append(rr.handlers, h)
	rr.mu.Unlock()
}

// Len returns the number of registered handlers.
func (rr *RoundRobin[H]) Len() int {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	return len(rr.handlers)
}

// Next returns the handler whose turn it is. It never blocks.
func (rr *RoundRobin[H]) Next() (H, error) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	if len(rr.handlers) == 0 {
		var zero H
		return zero, ErrUnavailable
	}
	i := rr.next.Add(1) - 1
	return rr.handlers[i%uint64(len(rr.handlers))], nil
}
