package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"batchd/internal/balancer"
	"batchd/internal/cache"
)

// Handler computes the output for one cache miss.
type Handler func(ctx context.Context, prompt string, maxNewTokens int) (string, error)

type Manager struct {
	cfg      ManagerConfig
	cache    *cache.Cache
	engines  []*Engine
	balancer *balancer.RoundRobin[Handler]
	inflight singleflight.Group
	obs      Observer
	pub      EventPublisher
	log      zerolog.Logger

	// workCtx outlives Start's ctx so that shutdown can let batches finish.
	workCtx    context.Context
	cancelWork context.CancelFunc

	mu        sync.Mutex
	stopRun   context.CancelFunc
	startTime time.Time
	started   atomic.Bool
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error

	requests atomic.Uint64
	failures atomic.Uint64
}

// New builds a manager with one engine per EngineSpec. Nothing runs until Start.
func New(cfg ManagerConfig) (*Manager, error) {
	if len(cfg.Engines) == 0 {
		return nil, errors.New("manager: at least one engine is required")
	}
	if cfg.Tokenizer == nil {
		return nil, errors.New("manager: tokenizer is required")
	}
	if cfg.MinWorkers < 0 {
		return nil, fmt.Errorf("manager: min workers must be >= 1, got %d", cfg.MinWorkers)
	}
	cfg.applyDefaults()
	m := &Manager{
		cfg:       cfg,
		balancer:  balancer.New[Handler](),
		obs:       cfg.Observer,
		pub:       cfg.Publisher,
		log:       cfg.Logger,
		startTime: time.Now(),
	}
	m.cache = cache.New(cache.Options{
		TTL:          cfg.CacheTTL,
		Clock:        cfg.Clock,
		OnSizeChange: m.obs.SetCacheSize,
		Logger:       cfg.Logger,
	})
	m.workCtx, m.cancelWork = context.WithCancel(context.Background())
	for _, spec := range cfg.Engines {
		if spec.Backend == nil {
			return nil, errors.New("manager: engine without backend")
		}
		e := newEngine(spec, cfg)
		m.engines = append(m.engines, e)
		m.balancer.Register(e.Submit)
	}
	return m, nil
}

// SetEventPublisher installs an EventPublisher. Passing nil restores the no-op
// publisher. Must be called before Start.
func (m *Manager) SetEventPublisher(p EventPublisher) {
	if p == nil {
		p = noopPublisher{}
	}
	m.pub = p
	for _, e := range m.engines {
		e.pub = p
	}
}

// Start launches every engine's workers and autoscaler plus the cache sweeper,
// and blocks until ctx is done. Workers keep running after that until Close.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closing.Load() {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	if !m.started.CompareAndSwap(false, true) {
		m.mu.Unlock()
		return errors.New("manager: already started")
	}
	ctx, m.stopRun = context.WithCancel(ctx)
	for _, e := range m.engines {
		e.started.Store(true)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range m.engines {
		g.Go(func() error {
			e.run(gctx, m.workCtx)
			return nil
		})
	}
	g.Go(func() error {
		m.cache.Run(gctx, m.cfg.CacheSweepInterval, func(removed int) {
			if removed > 0 {
				m.pub.Publish(Event{Name: EventCacheSwept, Fields: map[string]any{"removed": removed, "size": m.cache.Len()}})
			}
		})
		return nil
	})
	m.log.Info().Int("engines", len(m.engines)).Int("batch_size", m.cfg.Policy.BatchSize).
		Dur("max_wait", m.cfg.Policy.MaxWait).Msg("manager started")
	return g.Wait()
}

// Ready reports whether the manager accepts work.
func (m *Manager) Ready() bool {
	return m.started.Load() && !m.closing.Load() && m.balancer.Len() > 0
}

// Close stops the autoscalers and the cache sweeper, fails requests still
// queued with ErrShuttingDown and waits for in-flight batches. If ctx expires
// first, in-flight backend calls are cancelled and their batches fail.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closing.Store(true)
		if m.stopRun != nil {
			m.stopRun()
		}
		m.mu.Unlock()
		done := make(chan struct{})
		go func() {
			defer close(done)
			for _, e := range m.engines {
				if e.started.Load() {
					<-e.done
				}
				e.shutdown()
			}
		}()
		select {
		case <-done:
		case <-ctx.Done():
			m.log.Warn().Msg("shutdown grace period expired; cancelling in-flight batches")
			m.cancelWork()
			<-done
			m.closeErr = ctx.Err()
		}
		m.cancelWork()
		m.log.Info().Msg("manager closed")
	})
	return m.closeErr
}
