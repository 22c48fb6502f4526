package batching

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"batchd/internal/queue"
)

// Policy bounds batch formation: at most BatchSize members, and at most
// MaxWait between the first member being taken and the batch being dispatched.
type Policy struct {
	BatchSize int
	MaxWait   time.Duration
}

// WorkerConfig wires a worker to its queue and backend.
type WorkerConfig struct {
	ID        int
	Queue     *queue.Queue[*GenerationRequest]
	Backend   Backend
	Tokenizer Tokenizer
	Policy    Policy
	Observer  Observer
	Logger    zerolog.Logger
}

// Worker drains a shared queue into batches and runs one backend call per
// batch. Several workers may share the same queue.
type Worker struct {
	id      int
	queue   *queue.Queue[*GenerationRequest]
	backend Backend
	tok     Tokenizer
	policy  Policy
	obs     Observer
	log     zerolog.Logger

	stopping atomic.Bool
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}

	batches atomic.Int64
}

// NewWorker builds a worker; it does nothing until Run is called.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Policy.BatchSize < 1 {
		cfg.Policy.BatchSize = 1
	}
	if cfg.Policy.MaxWait < 0 {
		cfg.Policy.MaxWait = 0
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return &Worker{
		id:      cfg.ID,
		queue:   cfg.Queue,
		backend: cfg.Backend,
		tok:     cfg.Tokenizer,
		policy:  cfg.Policy,
		obs:     cfg.Observer,
		log:     cfg.Logger.With().Int("worker", cfg.ID).Str("backend", cfg.Backend.Name()).Logger(),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// ID returns the worker id assigned by its pool.
func (w *Worker) ID() int { return w.id }

// Batches returns the number of batches this worker dispatched.
func (w *Worker) Batches() int64 { return w.batches.Load() }

// Stop asks the worker not to start another batch. A batch being assembled or
// dispatched is finished first; an idle worker returns immediately.
func (w *Worker) Stop() {
	w.quitOnce.Do(func() {
		w.stopping.Store(true)
		close(w.quit)
	})
}

// Done is closed when Run has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Run executes the batching loop until Stop is called, ctx is done, or the
// queue is closed and empty.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	idle, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.quit:
			cancel()
		case <-idle.Done():
		}
	}()

	for !w.stopping.Load() {
		// unbounded wait for the head of the next batch
		first, err := w.queue.Pop(idle)
		if err != nil {
			return
		}
		w.dispatch(ctx, w.collect(ctx, first))
	}
}

// collect fills a batch behind first until the size cap or the window closes.
// Every wait is bounded by what is left of the window opened at first.
func (w *Worker) collect(ctx context.Context, first *GenerationRequest) []*GenerationRequest {
	batch := make([]*GenerationRequest, 1, w.policy.BatchSize)
	batch[0] = first
	opened := time.Now()
	for len(batch) < w.policy.BatchSize {
		remaining := w.policy.MaxWait - time.Since(opened)
		if remaining <= 0 {
			break
		}
		wctx, cancel := context.WithTimeout(ctx, remaining)
		next, err := w.queue.Pop(wctx)
		cancel()
		if err != nil {
			break
		}
		batch = append(batch, next)
	}
	return batch
}

func (w *Worker) dispatch(ctx context.Context, batch []*GenerationRequest) {
	name := w.backend.Name()
	dispatched := time.Now()
	for _, r := range batch {
		w.obs.ObserveQueueWait(name, dispatched.Sub(r.EnqueuedAt))
	}
	w.obs.ObserveBatch(name, len(batch))
	w.batches.Add(1)

	inputs := make([]Input, len(batch))
	budget := 0
	for i, r := range batch {
		inputs[i] = Input{Prompt: r.Prompt, PromptTokens: w.tok.Encode(r.Prompt), MaxNewTokens: r.MaxNewTokens}
		if r.MaxNewTokens > budget {
			budget = r.MaxNewTokens
		}
	}
	w.log.Debug().Int("batch_size", len(batch)).Int("max_new_tokens", budget).Msg("dispatch batch")

	outs, err := w.generate(ctx, inputs, budget)
	if err == nil && len(outs) != len(batch) {
		err = fmt.Errorf("returned %d sequences for %d inputs", len(outs), len(batch))
	}
	if err != nil {
		w.obs.ObserveBatchFailure(name)
		w.log.Error().Err(err).Int("batch_size", len(batch)).Msg("batch failed")
		berr := &BatchError{Backend: name, Size: len(batch), Err: err}
		for _, r := range batch {
			r.Fail(berr)
		}
		return
	}
	for i, r := range batch {
		r.resolve(w.decode(inputs[i], outs[i]))
	}
}

// generate calls the backend, converting a panic into a batch failure.
func (w *Worker) generate(ctx context.Context, inputs []Input, budget int) (outs [][]int, err error) {
	defer func() {
		if p := recover(); p != nil {
			outs, err = nil, fmt.Errorf("backend panic: %v", p)
		}
	}()
	return w.backend.Generate(ctx, inputs, budget)
}

// decode extracts a member's own continuation: its prompt tokens are skipped
// and the rest is capped at the member's budget.
func (w *Worker) decode(in Input, seq []int) string {
	n := len(in.PromptTokens)
	if n > len(seq) {
		n = len(seq)
	}
	gen := seq[n:]
	if len(gen) > in.MaxNewTokens {
		gen = gen[:in.MaxNewTokens]
	}
	return CleanOutput(w.tok.Decode(gen))
}

// CleanOutput trims leading newlines and spaces and any trailing whitespace.
func CleanOutput(s string) string {
	return strings.TrimRightFunc(strings.TrimLeft(s, "\n "), unicode.IsSpace)
}
