// Package autoscale owns the set of running batch workers and resizes it to
// follow queue depth.
package autoscale

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Worker is a batching loop the pool can start and stop.
type Worker interface {
	ID() int
	Run(ctx context.Context)
	// Stop must let an in-flight batch finish; the loop exits before its
	// next batch.
	Stop()
	Done() <-chan struct{}
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Min int
	Max int
	// New builds the worker that will run as pool member id.
	New func(id int) Worker
	// OnResize receives the pool size after every change.
	OnResize func(size int)
	Logger   zerolog.Logger
}

// Pool is an ordered set of running workers bounded by [Min, Max]. Members are
// added at the end and removed from the end.
//
// Start, Grow, Shrink and Close must be called from a single goroutine (the
// autoscaler's). Size may be called from anywhere.
type Pool struct {
	min, max int
	newW     func(int) Worker
	onResize func(int)
	log      zerolog.Logger

	ctx      context.Context
	workers  []Worker
	draining []Worker
	nextID   int
	size     atomic.Int32
}

// NewPool returns an empty pool. Bounds are normalized so that
// 0 <= Min <= Max and Max >= 1.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Max < 1 {
		cfg.Max = 1
	}
	if cfg.Min < 0 {
		cfg.Min = 0
	}
	if cfg.Min > cfg.Max {
		cfg.Min = cfg.Max
	}
	if cfg.OnResize == nil {
		cfg.OnResize = func(int) {}
	}
	return &Pool{
		min:      cfg.Min,
		max:      cfg.Max,
		newW:     cfg.New,
		onResize: cfg.OnResize,
		log:      cfg.Logger,
	}
}

// Min returns the lower bound.
func (p *Pool) Min() int { return p.min }

// Max returns the upper bound.
func (p *Pool) Max() int { return p.max }

// Size returns the number of active (non-draining) workers.
func (p *Pool) Size() int { return int(p.size.Load()) }

// Start launches initial workers, clamped into [Min, Max]. Workers run under
// ctx until removed or ctx is done.
func (p *Pool) Start(ctx context.Context, initial int) {
	p.ctx = ctx
	if initial < p.min {
		initial = p.min
	}
	if initial > p.max {
		initial = p.max
	}
	for i := 0; i < initial; i++ {
		p.Grow()
	}
}

// Grow appends one worker unless the pool is at Max.
func (p *Pool) Grow() bool {
	if len(p.workers) >= p.max {
		return false
	}
	if p.ctx == nil {
		p.ctx = context.Background()
	}
	w := p.newW(p.nextID)
	p.nextID++
	p.workers = append(p.workers, w)
	go w.Run(p.ctx)
	p.resized()
	p.log.Info().Int("worker", w.ID()).Int("workers", len(p.workers)).Msg("worker added")
	return true
}

// Shrink stops the most recently added worker unless the pool is at Min. The
// worker finishes any batch it is working on before it exits.
func (p *Pool) Shrink() bool {
	if len(p.workers) <= p.min {
		return false
	}
	last := len(p.workers) - 1
	w := p.workers[last]
	p.workers[last] = nil
	p.workers = p.workers[:last]
	w.Stop()
	p.draining = append(p.draining, w)
	p.reap()
	p.resized()
	p.log.Info().Int("worker", w.ID()).Int("workers", len(p.workers)).Msg("worker removed")
	return true
}

// Close stops every worker and waits for all of them, including ones still
// draining, to exit.
func (p *Pool) Close() {
	for len(p.workers) > 0 {
		last := len(p.workers) - 1
		p.workers[last].Stop()
		p.draining = append(p.draining, p.workers[last])
		p.workers = p.workers[:last]
	}
	p.resized()
	for _, w := range p.draining {
		<-w.Done()
	}
	p.draining = nil
}

// reap forgets draining workers that have exited.
func (p *Pool) reap() {
	kept := p.draining[:0]
	for _, w := range p.draining {
		select {
		case <-w.Done():
		default:
			kept = append(kept, w)
		}
	}
	clear(p.draining[len(kept):])
	p.draining = kept
}

func (p *Pool) resized() {
	p.size.Store(int32(len(p.workers)))
	p.onResize(len(p.workers))
}
