//go:build llama

package backend

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"batchd/internal/batching"
	"batchd/internal/registry"
)

// LlamaOptions configures the in-process llama.cpp backend.
type LlamaOptions struct {
	Name        string
	Model       string
	ModelsDir   string
	ContextSize int
	Threads     int
}

// Llama runs a GGUF model in-process. The runtime is not re-entrant, so the
// members of a batch are predicted one after another under a lock.
type Llama struct {
	name    string
	threads int
	tok     batching.Tokenizer

	mu    sync.Mutex
	model *llama.LLama
}

// NewLlama loads the model named by opts.
func NewLlama(opts LlamaOptions, tok batching.Tokenizer) (batching.Backend, error) {
	m, err := registry.Resolve(opts.Model, opts.ModelsDir)
	if err != nil {
		return nil, err
	}
	ctxSize := opts.ContextSize
	if ctxSize <= 0 {
		ctxSize = 2048
	}
	threads := opts.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	model, err := llama.New(m.Path, llama.SetContext(ctxSize))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", m.Path, err)
	}
	name := opts.Name
	if name == "" {
		name = "llama"
	}
	return &Llama{name: name, threads: threads, tok: tok, model: model}, nil
}

func (l *Llama) Name() string { return l.name }

func (l *Llama) Generate(ctx context.Context, inputs []batching.Input, maxNewTokens int) ([][]int, error) {
	if len(inputs) == 0 {
		return nil, errEmptyBatch
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.model == nil {
		return nil, fmt.Errorf("llama model closed")
	}
	l.model.SetTokenCallback(func(string) bool { return ctx.Err() == nil })
	gen := make([][]int, len(inputs))
	for i, in := range inputs {
		text, err := l.model.Predict(in.Prompt,
			llama.SetTokens(maxNewTokens),
			llama.SetThreads(l.threads),
		)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			return nil, fmt.Errorf("predict: %w", err)
		}
		gen[i] = l.tok.Encode(text)
	}
	return withPrompts(inputs, gen), nil
}

// Close frees the model.
func (l *Llama) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.model != nil {
		l.model.Free()
		l.model = nil
	}
	return nil
}
