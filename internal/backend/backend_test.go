package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchd/internal/batching"
	"batchd/internal/config"
	"batchd/internal/tokenizer"
)

func inputs(tok batching.Tokenizer, prompts ...string) []batching.Input {
	out := make([]batching.Input, len(prompts))
	for i, p := range prompts {
		out[i] = batching.Input{Prompt: p, PromptTokens: tok.Encode(p), MaxNewTokens: 4}
	}
	return out
}

func TestSim_EchoesPromptAndCycles(t *testing.T) {
	tok := tokenizer.NewWhitespace()
	s := NewSim("s", 0, 0)
	in := inputs(tok, "a b", "c")
	out, err := s.Generate(context.Background(), in, 3)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "a b a b a", tok.Decode(out[0]))
	assert.Equal(t, "c c c c", tok.Decode(out[1]))
	assert.Equal(t, int64(1), s.Calls())
}

func TestSim_CostIsPerBatch(t *testing.T) {
	tok := tokenizer.NewWhitespace()
	s := NewSim("s", 10*time.Millisecond, 20*time.Millisecond)
	start := time.Now()
	_, err := s.Generate(context.Background(), inputs(tok, "a", "b", "c", "d"), 3)
	require.NoError(t, err)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestSim_HonorsContext(t *testing.T) {
	s := NewSim("s", time.Second, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Generate(ctx, inputs(tokenizer.NewWhitespace(), "a"), 10)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = s.Generate(context.Background(), nil, 1)
	assert.Error(t, err)
}

func TestOpenAI_MapsChoicesByIndex(t *testing.T) {
	var got struct {
		Model     string   `json:"model"`
		Prompt    []string `json:"prompt"`
		MaxTokens int      `json:"max_tokens"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/completions" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		// out of order on purpose
		_, _ = w.Write([]byte(`{"id":"c1","object":"text_completion","model":"tiny","choices":[
			{"text":" two more","index":1,"finish_reason":"length"},
			{"text":" one","index":0,"finish_reason":"length"}]}`))
	}))
	defer srv.Close()

	tok := tokenizer.NewWhitespace()
	be := NewOpenAI(OpenAIOptions{Name: "remote", BaseURL: srv.URL + "/v1/", Model: "tiny"}, tok)
	assert.Equal(t, "remote", be.Name())

	out, err := be.Generate(context.Background(), inputs(tok, "first", "second prompt"), 8)
	require.NoError(t, err)
	assert.Equal(t, "tiny", got.Model)
	assert.Equal(t, []string{"first", "second prompt"}, got.Prompt)
	assert.Equal(t, 8, got.MaxTokens)
	assert.Equal(t, "first one", tok.Decode(out[0]))
	assert.Equal(t, "second prompt two more", tok.Decode(out[1]))
}

func TestOpenAI_MissingChoiceIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"text":"x","index":0}]}`))
	}))
	defer srv.Close()
	tok := tokenizer.NewWhitespace()
	be := NewOpenAI(OpenAIOptions{BaseURL: srv.URL, Model: "tiny"}, tok)
	_, err := be.Generate(context.Background(), inputs(tok, "a", "b"), 2)
	assert.ErrorContains(t, err, "no choice for prompt 1")
}

func TestOpenAI_ServerErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	tok := tokenizer.NewWhitespace()
	be := NewOpenAI(OpenAIOptions{BaseURL: srv.URL, Model: "tiny"}, tok)
	_, err := be.Generate(context.Background(), inputs(tok, "a"), 2)
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	tok := tokenizer.NewWhitespace()
	be, err := FromConfig(config.Backend{Kind: config.BackendSim, Name: "s0"}, tok)
	require.NoError(t, err)
	assert.Equal(t, "s0", be.Name())

	be, err = FromConfig(config.Backend{Kind: config.BackendOpenAI, Name: "o", BaseURL: "http://x"}, tok)
	require.NoError(t, err)
	assert.IsType(t, &OpenAI{}, be)

	_, err = FromConfig(config.Backend{Kind: "tpu"}, tok)
	assert.Error(t, err)
}
