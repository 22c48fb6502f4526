package backend

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"batchd/internal/batching"
)

// OpenAIOptions configures an OpenAI-compatible completions backend such as a
// llama.cpp server or vLLM.
type OpenAIOptions struct {
	Name    string
	BaseURL string
	APIKey  string
	Model   string
}

// OpenAI sends each batch as one legacy completions request with an array
// prompt. Returned text is re-tokenized with the engine's tokenizer.
type OpenAI struct {
	name   string
	model  string
	client *openai.Client
	tok    batching.Tokenizer
}

// NewOpenAI returns a completions backend.
func NewOpenAI(opts OpenAIOptions, tok batching.Tokenizer) *OpenAI {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	name := opts.Name
	if name == "" {
		name = "openai"
	}
	return &OpenAI{name: name, model: opts.Model, client: openai.NewClientWithConfig(cfg), tok: tok}
}

func (o *OpenAI) Name() string { return o.name }

func (o *OpenAI) Generate(ctx context.Context, inputs []batching.Input, maxNewTokens int) ([][]int, error) {
	if len(inputs) == 0 {
		return nil, errEmptyBatch
	}
	prompts := make([]string, len(inputs))
	for i, in := range inputs {
		prompts[i] = in.Prompt
	}
	resp, err := o.client.CreateCompletion(ctx, openai.CompletionRequest{
		Model:     o.model,
		Prompt:    prompts,
		MaxTokens: maxNewTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("completions: %w", err)
	}
	gen := make([][]int, len(inputs))
	seen := make([]bool, len(inputs))
	for _, c := range resp.Choices {
		if c.Index < 0 || c.Index >= len(inputs) {
			return nil, fmt.Errorf("completions: choice index %d out of range for %d prompts", c.Index, len(inputs))
		}
		gen[c.Index] = o.tok.Encode(c.Text)
		seen[c.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("completions: no choice for prompt %d", i)
		}
	}
	return withPrompts(inputs, gen), nil
}
