package manager

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"batchd/internal/autoscale"
	"batchd/internal/batching"
	"batchd/internal/queue"
)

// Engine serves one backend: an admission queue drained by a pool of batch
// workers whose size follows queue depth.
type Engine struct {
	name    string
	backend batching.Backend
	queue   *queue.Queue[*batching.GenerationRequest]
	pool    *autoscale.Pool
	scaler  *autoscale.Autoscaler
	initial int
	obs     Observer
	pub     EventPublisher
	log     zerolog.Logger

	batches atomic.Int64
	started atomic.Bool
	done    chan struct{}
}

func newEngine(spec EngineSpec, cfg ManagerConfig) *Engine {
	name := spec.Name
	if name == "" {
		name = spec.Backend.Name()
	}
	e := &Engine{
		name:    name,
		backend: spec.Backend,
		queue:   queue.New[*batching.GenerationRequest](),
		initial: cfg.InitialWorkers,
		obs:     cfg.Observer,
		pub:     cfg.Publisher,
		log:     cfg.Logger.With().Str("engine", name).Logger(),
		done:    make(chan struct{}),
	}
	eo := &engineObserver{Observer: cfg.Observer, e: e}
	e.pool = autoscale.NewPool(autoscale.PoolConfig{
		Min: cfg.MinWorkers,
		Max: cfg.MaxWorkers,
		New: func(id int) autoscale.Worker {
			return batching.NewWorker(batching.WorkerConfig{
				ID:        id,
				Queue:     e.queue,
				Backend:   spec.Backend,
				Tokenizer: cfg.Tokenizer,
				Policy:    cfg.Policy,
				Observer:  eo,
				Logger:    e.log,
			})
		},
		OnResize: func(n int) { e.obs.SetWorkers(e.name, n) },
		Logger:   e.log,
	})
	e.scaler = autoscale.New(e.pool, e.depth, autoscale.Config{
		Interval:     cfg.AutoscaleInterval,
		ScaleUpDepth: cfg.ScaleUpQueueDepth,
		OnDecision:   e.onDecision,
		Logger:       e.log,
	})
	return e
}

// Name returns the configured engine name.
func (e *Engine) Name() string { return e.name }

// Submit admits one request and waits for its completion. Abandoning ctx does
// not retract the request from the queue or from a batch.
func (e *Engine) Submit(ctx context.Context, prompt string, maxNewTokens int) (string, error) {
	req, fut := batching.NewRequest(prompt, maxNewTokens)
	if err := e.queue.Push(req); err != nil {
		return "", ErrShuttingDown
	}
	return fut.Wait(ctx)
}

// run starts the initial workers on workCtx and drives the autoscaler until
// ctx is done. It owns the pool until it returns.
func (e *Engine) run(ctx, workCtx context.Context) {
	defer close(e.done)
	e.pool.Start(workCtx, e.initial)
	e.scaler.Run(ctx)
}

// shutdown stops admission, fails everything still queued and waits for the
// workers to finish their in-flight batches. run must have returned.
func (e *Engine) shutdown() {
	e.queue.Close()
	pending := e.queue.Drain()
	for _, r := range pending {
		r.Fail(ErrShuttingDown)
	}
	if len(pending) > 0 {
		e.log.Warn().Int("pending", len(pending)).Msg("failed queued requests on shutdown")
	}
	e.pool.Close()
	if c, ok := e.backend.(io.Closer); ok {
		if err := c.Close(); err != nil {
			e.log.Error().Err(err).Msg("close backend")
		}
	}
}

func (e *Engine) depth() int {
	n := e.queue.Len()
	e.obs.SetQueueDepth(e.name, n)
	return n
}

func (e *Engine) onDecision(d autoscale.Decision, depth, workers int) {
	name := EventWorkerAdded
	if d == autoscale.ScaleDown {
		name = EventWorkerRemoved
	}
	e.pub.Publish(Event{Name: name, Engine: e.name, Fields: map[string]any{"queue_depth": depth, "workers": workers}})
}

// engineObserver counts batches per engine and turns failures into events.
type engineObserver struct {
	Observer
	e *Engine
}

func (o *engineObserver) ObserveBatch(backend string, size int) {
	o.e.batches.Add(1)
	o.Observer.ObserveBatch(backend, size)
}

func (o *engineObserver) ObserveBatchFailure(backend string) {
	o.Observer.ObserveBatchFailure(backend)
	o.e.pub.Publish(Event{Name: EventBatchFailed, Engine: o.e.name, Fields: map[string]any{"backend": backend, "at": time.Now()}})
}
