package autoscale

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"pgregory.net/rapid"
)

// stubWorker blocks in Run until stopped or cancelled.
type stubWorker struct {
	id   int
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func newStub(id int) *stubWorker {
	return &stubWorker{id: id, quit: make(chan struct{}), done: make(chan struct{})}
}

func (s *stubWorker) ID() int               { return s.id }
func (s *stubWorker) Done() <-chan struct{} { return s.done }
func (s *stubWorker) Stop()                 { s.once.Do(func() { close(s.quit) }) }
func (s *stubWorker) Run(ctx context.Context) {
	defer close(s.done)
	select {
	case <-ctx.Done():
	case <-s.quit:
	}
}

type stubFactory struct {
	mu      sync.Mutex
	workers []*stubWorker
}

func (f *stubFactory) New(id int) Worker {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := newStub(id)
	f.workers = append(f.workers, w)
	return w
}

func (f *stubFactory) get(i int) *stubWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workers[i]
}

func newTestPool(min, max int) (*Pool, *stubFactory) {
	f := &stubFactory{}
	return NewPool(PoolConfig{Min: min, Max: max, New: f.New, Logger: zerolog.Nop()}), f
}

func TestPool_StartClampsInitial(t *testing.T) {
	p, _ := newTestPool(2, 4)
	p.Start(context.Background(), 0)
	defer p.Close()
	if p.Size() != 2 {
		t.Fatalf("Size = %d, want min 2", p.Size())
	}

	p2, _ := newTestPool(1, 3)
	p2.Start(context.Background(), 10)
	defer p2.Close()
	if p2.Size() != 3 {
		t.Fatalf("Size = %d, want max 3", p2.Size())
	}
}

func TestPool_ShrinkRemovesNewestAndStopsIt(t *testing.T) {
	p, f := newTestPool(1, 3)
	p.Start(context.Background(), 3)

	if !p.Shrink() || p.Size() != 2 {
		t.Fatalf("Shrink left %d workers", p.Size())
	}
	select {
	case <-f.get(2).Done():
	case <-time.After(time.Second):
		t.Fatal("newest worker was not stopped")
	}
	select {
	case <-f.get(0).Done():
		t.Fatal("oldest worker stopped")
	default:
	}
	p.Close()
	for i := 0; i < 3; i++ {
		<-f.get(i).Done()
	}
}

func TestPool_RespectsBounds(t *testing.T) {
	var sizes []int
	f := &stubFactory{}
	p := NewPool(PoolConfig{Min: 1, Max: 2, New: f.New, OnResize: func(n int) { sizes = append(sizes, n) }, Logger: zerolog.Nop()})
	p.Start(context.Background(), 1)
	defer p.Close()

	if !p.Grow() || p.Grow() {
		t.Fatal("Grow must succeed once then stop at max")
	}
	if !p.Shrink() || p.Shrink() {
		t.Fatal("Shrink must succeed once then stop at min")
	}
	if len(sizes) != 3 || sizes[0] != 1 || sizes[1] != 2 || sizes[2] != 1 {
		t.Fatalf("resizes = %v, want [1 2 1]", sizes)
	}
}

func TestNewPool_NormalizesBounds(t *testing.T) {
	p, _ := newTestPool(5, 0)
	if p.Max() != 1 || p.Min() != 1 {
		t.Fatalf("bounds = [%d, %d], want [1, 1]", p.Min(), p.Max())
	}
}

func TestAutoscaler_TickDecisions(t *testing.T) {
	p, _ := newTestPool(1, 3)
	p.Start(context.Background(), 1)
	defer p.Close()

	depth := 0
	var events []Decision
	a := New(p, func() int { return depth }, Config{ScaleUpDepth: 2, Logger: zerolog.Nop(), OnDecision: func(d Decision, _, _ int) { events = append(events, d) }})

	steps := []struct {
		depth int
		want  Decision
	}{
		{2, Hold}, // at the mark
		{3, ScaleUp},
		{3, ScaleUp},
		{3, Hold}, // at max
		{1, Hold}, // non-empty queue does not shrink
		{0, ScaleDown},
		{0, ScaleDown},
		{0, Hold}, // at min
	}
	for i, s := range steps {
		depth = s.depth
		if got := a.Tick(); got != s.want {
			t.Fatalf("step %d depth %d: %s, want %s", i, s.depth, got, s.want)
		}
	}
	if p.Size() != 1 {
		t.Fatalf("Size = %d, want 1", p.Size())
	}
	want := []Decision{ScaleUp, ScaleUp, ScaleDown, ScaleDown}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestAutoscaler_ZeroDepthScalesOnAnyBacklog(t *testing.T) {
	p, _ := newTestPool(1, 2)
	p.Start(context.Background(), 1)
	defer p.Close()

	a := New(p, func() int { return 1 }, Config{ScaleUpDepth: 0, Logger: zerolog.Nop()})
	if d := a.Tick(); d != ScaleUp {
		t.Fatalf("depth 1 over mark 0: %s", d)
	}
}

func TestAutoscaler_RunStopsWithContext(t *testing.T) {
	p, _ := newTestPool(1, 4)
	p.Start(context.Background(), 1)
	defer p.Close()

	var depth atomic.Int32
	depth.Store(10)
	a := New(p, func() int { return int(depth.Load()) }, Config{Interval: 5 * time.Millisecond, Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { a.Run(ctx); close(done) }()

	deadline := time.Now().Add(time.Second)
	for p.Size() != 4 {
		if time.Now().After(deadline) {
			t.Fatalf("pool stuck at %d workers", p.Size())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestDecision_String(t *testing.T) {
	for d, want := range map[Decision]string{Hold: "hold", ScaleUp: "scale_up", ScaleDown: "scale_down"} {
		if d.String() != want {
			t.Fatalf("%d.String() = %q, want %q", int(d), d.String(), want)
		}
	}
}

// Any sequence of depths keeps the pool inside its bounds and changes it by at
// most one worker per tick.
func TestProperty_PoolStaysWithinBounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		min := rapid.IntRange(0, 4).Draw(rt, "min")
		max := rapid.IntRange(min, min+4).Draw(rt, "max")
		if max == 0 {
			max = 1
		}
		initial := rapid.IntRange(0, 10).Draw(rt, "initial")
		depths := rapid.SliceOfN(rapid.IntRange(0, 8), 1, 40).Draw(rt, "depths")

		p, _ := newTestPool(min, max)
		p.Start(context.Background(), initial)
		defer p.Close()

		i := 0
		a := New(p, func() int { return depths[i] }, Config{ScaleUpDepth: 2, Logger: zerolog.Nop()})
		for i = range depths {
			before := p.Size()
			a.Tick()
			after := p.Size()
			if after < p.Min() || after > p.Max() {
				rt.Fatalf("size %d outside [%d, %d]", after, p.Min(), p.Max())
			}
			if d := after - before; d > 1 || d < -1 {
				rt.Fatalf("size jumped from %d to %d", before, after)
			}
		}
	})
}
