// Package backend holds the generation backends the batch workers call: a
// deterministic simulator, an OpenAI-compatible HTTP client and the in-process
// llama.cpp runtime.
package backend

import (
	"errors"
	"fmt"

	"batchd/internal/batching"
	"batchd/internal/config"
)

// errEmptyBatch is returned when Generate is called without inputs.
var errEmptyBatch = errors.New("empty batch")

// dependencyUnavailableError signals a missing runtime dependency (e.g. a
// binary built without llama support) so callers can report 503 instead of 500.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var e dependencyUnavailableError
	return errors.As(err, &e)
}

// FromConfig builds the backend described by cfg. tok re-tokenizes text
// returned by backends that speak in strings.
func FromConfig(cfg config.Backend, tok batching.Tokenizer) (batching.Backend, error) {
	switch cfg.Kind {
	case config.BackendSim, "":
		return NewSim(cfg.Name, cfg.TokenLatency.Std(), cfg.BatchOverhead.Std()), nil
	case config.BackendOpenAI:
		return NewOpenAI(OpenAIOptions{
			Name:    cfg.Name,
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
		}, tok), nil
	case config.BackendLlama:
		return NewLlama(LlamaOptions{
			Name:        cfg.Name,
			Model:       cfg.Model,
			ModelsDir:   cfg.ModelsDir,
			ContextSize: cfg.ContextSize,
			Threads:     cfg.Threads,
		}, tok)
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

// withPrompts prefixes every generated sequence with its input's prompt ids,
// which is the shape batching.Backend returns.
func withPrompts(inputs []batching.Input, generated [][]int) [][]int {
	out := make([][]int, len(inputs))
	for i, in := range inputs {
		seq := make([]int, 0, len(in.PromptTokens)+len(generated[i]))
		seq = append(seq, in.PromptTokens...)
		out[i] = append(seq, generated[i]...)
	}
	return out
}
