package backend

import (
	"context"
	"sync/atomic"
	"time"

	"batchd/internal/batching"
)

// Sim is a deterministic stand-in for a model. Each call costs
// BatchOverhead + TokenLatency*maxNewTokens regardless of batch size, so
// larger batches amortize the same way a real accelerator does. The
// continuation cycles through the prompt's own token ids.
type Sim struct {
	name          string
	tokenLatency  time.Duration
	batchOverhead time.Duration
	calls         atomic.Int64
}

// NewSim returns a simulated backend.
func NewSim(name string, tokenLatency, batchOverhead time.Duration) *Sim {
	if name == "" {
		name = "sim"
	}
	return &Sim{name: name, tokenLatency: tokenLatency, batchOverhead: batchOverhead}
}

func (s *Sim) Name() string { return s.name }

// Calls returns how many batches were generated.
func (s *Sim) Calls() int64 { return s.calls.Load() }

func (s *Sim) Generate(ctx context.Context, inputs []batching.Input, maxNewTokens int) ([][]int, error) {
	if len(inputs) == 0 {
		return nil, errEmptyBatch
	}
	s.calls.Add(1)
	if d := s.batchOverhead + s.tokenLatency*time.Duration(maxNewTokens); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}
	gen := make([][]int, len(inputs))
	for i, in := range inputs {
		if len(in.PromptTokens) == 0 {
			continue
		}
		g := make([]int, maxNewTokens)
		for j := range g {
			g[j] = in.PromptTokens[j%len(in.PromptTokens)]
		}
		gen[i] = g
	}
	return withPrompts(inputs, gen), nil
}
