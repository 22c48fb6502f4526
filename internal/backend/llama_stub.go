//go:build !llama

package backend

import "batchd/internal/batching"

// LlamaOptions configures the in-process llama.cpp backend.
type LlamaOptions struct {
	Name        string
	Model       string
	ModelsDir   string
	ContextSize int
	Threads     int
}

// NewLlama fails fast: this binary was built without the 'llama' tag.
func NewLlama(LlamaOptions, batching.Tokenizer) (batching.Backend, error) {
	return nil, ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}
