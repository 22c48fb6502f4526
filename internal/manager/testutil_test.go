package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"batchd/internal/backend"
	"batchd/internal/batching"
	"batchd/internal/tokenizer"
)

// gateBackend blocks every call until release is closed or ctx is done, then
// echoes the prompt followed by maxNewTokens copies of its first token.
type gateBackend struct {
	release chan struct{}
	entered chan struct{}
	once    sync.Once
	calls   atomic.Int64
}

func newGate() *gateBackend {
	return &gateBackend{release: make(chan struct{}), entered: make(chan struct{})}
}

func (g *gateBackend) Name() string { return "gate" }

func (g *gateBackend) Generate(ctx context.Context, inputs []batching.Input, maxNewTokens int) ([][]int, error) {
	g.calls.Add(1)
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	out := make([][]int, len(inputs))
	for i, in := range inputs {
		seq := append([]int(nil), in.PromptTokens...)
		for j := 0; j < maxNewTokens; j++ {
			seq = append(seq, in.PromptTokens[0])
		}
		out[i] = seq
	}
	return out, nil
}

type failingBackend struct{ err error }

func (f failingBackend) Name() string { return "failing" }
func (f failingBackend) Generate(context.Context, []batching.Input, int) ([][]int, error) {
	return nil, f.err
}

var errBoom = errors.New("device lost")

// newTestManager builds a manager over backends, starts it and registers
// cleanup. Workers are fixed at one per engine unless cfg says otherwise.
func newTestManager(t *testing.T, cfg ManagerConfig, backends ...batching.Backend) *Manager {
	t.Helper()
	for i, be := range backends {
		cfg.Engines = append(cfg.Engines, EngineSpec{Name: be.Name() + "-" + string(rune('a'+i)), Backend: be})
	}
	if cfg.Tokenizer == nil {
		cfg.Tokenizer = tokenizer.NewWhitespace()
	}
	if cfg.Policy.BatchSize == 0 {
		cfg.Policy = batching.Policy{BatchSize: 1}
	}
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = 1
	}
	cfg.Logger = zerolog.Nop()
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan error, 1)
	go func() { started <- m.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		closeCtx, cc := context.WithTimeout(context.Background(), 2*time.Second)
		defer cc()
		_ = m.Close(closeCtx)
		<-started
	})
	waitFor(t, m.Ready)
	return m
}

func newSim() *backend.Sim { return backend.NewSim("sim", 0, 0) }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within 2s")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// fakeClock is a manually advanced clock for the result cache.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return c
}
