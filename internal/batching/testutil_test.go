package batching

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"batchd/internal/queue"
)

// runeTokenizer maps every rune to one token id.
type runeTokenizer struct{}

func (runeTokenizer) Encode(text string) []int {
	ids := make([]int, 0, len(text))
	for _, r := range text {
		ids = append(ids, int(r))
	}
	return ids
}

func (runeTokenizer) Decode(ids []int) string {
	rs := make([]rune, len(ids))
	for i, id := range ids {
		rs[i] = rune(id)
	}
	return string(rs)
}

type backendCall struct {
	size   int
	budget int
	at     time.Time
}

// fakeBackend echoes each prompt and appends budget copies of gen (or of
// genFor(prompt) when set).
type fakeBackend struct {
	mu     sync.Mutex
	calls  []backendCall
	gen    rune
	errs   []error // consumed one per call; nil entries succeed
	panics bool
	delay  time.Duration
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Generate(ctx context.Context, inputs []Input, maxNewTokens int) ([][]int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, backendCall{size: len(inputs), budget: maxNewTokens, at: time.Now()})
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	panics := f.panics
	gen := f.gen
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if panics {
		panic("boom")
	}
	if err != nil {
		return nil, err
	}
	if gen == 0 {
		gen = 'x'
	}
	out := make([][]int, len(inputs))
	for i, in := range inputs {
		seq := append([]int(nil), in.PromptTokens...)
		for j := 0; j < maxNewTokens; j++ {
			seq = append(seq, int(gen))
		}
		out[i] = seq
	}
	return out, nil
}

func (f *fakeBackend) snapshot() []backendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backendCall(nil), f.calls...)
}

type countingObserver struct {
	mu       sync.Mutex
	sizes    []int
	waits    []time.Duration
	failures int
}

func (o *countingObserver) ObserveBatch(_ string, n int) {
	o.mu.Lock()
	o.sizes = append(o.sizes, n)
	o.mu.Unlock()
}

func (o *countingObserver) ObserveQueueWait(_ string, d time.Duration) {
	o.mu.Lock()
	o.waits = append(o.waits, d)
	o.mu.Unlock()
}

func (o *countingObserver) ObserveBatchFailure(string) {
	o.mu.Lock()
	o.failures++
	o.mu.Unlock()
}

// startWorker runs a worker over a fresh queue and stops it on cleanup.
func startWorker(t *testing.T, be Backend, policy Policy, obs Observer) (*Worker, *queue.Queue[*GenerationRequest]) {
	t.Helper()
	q := queue.New[*GenerationRequest]()
	w := NewWorker(WorkerConfig{
		ID:        1,
		Queue:     q,
		Backend:   be,
		Tokenizer: runeTokenizer{},
		Policy:    policy,
		Observer:  obs,
		Logger:    zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(func() {
		w.Stop()
		cancel()
		<-w.Done()
	})
	return w, q
}

func submit(t *testing.T, q *queue.Queue[*GenerationRequest], prompt string, budget int) *Future[string] {
	t.Helper()
	r, fut := NewRequest(prompt, budget)
	if err := q.Push(r); err != nil {
		t.Fatalf("push: %v", err)
	}
	return fut
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return c
}
