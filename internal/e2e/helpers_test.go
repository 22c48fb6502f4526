package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"batchd/internal/backend"
	"batchd/internal/batching"
	"batchd/internal/httpapi"
	"batchd/internal/manager"
	"batchd/internal/tokenizer"
	"batchd/pkg/types"
)

// newServer runs a manager over the given simulated backends behind the real
// HTTP mux. Everything is torn down on test cleanup.
func newServer(t *testing.T, cfg manager.ManagerConfig, sims ...*backend.Sim) (*httptest.Server, *manager.Manager) {
	t.Helper()
	for _, s := range sims {
		cfg.Engines = append(cfg.Engines, manager.EngineSpec{Name: s.Name(), Backend: s})
	}
	cfg.Tokenizer = tokenizer.NewWhitespace()
	cfg.Logger = zerolog.Nop()
	if cfg.Policy.BatchSize == 0 {
		cfg.Policy = batching.Policy{BatchSize: 1}
	}
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = 1
	}
	mgr, err := manager.New(cfg)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mgr.Start(ctx)
	}()
	srv := httptest.NewServer(httpapi.NewMux(mgr))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		closeCtx, cc := context.WithTimeout(context.Background(), 2*time.Second)
		defer cc()
		_ = mgr.Close(closeCtx)
		<-done
	})
	deadline := time.Now().Add(2 * time.Second)
	for !mgr.Ready() {
		if time.Now().After(deadline) {
			t.Fatal("manager not ready")
		}
		time.Sleep(2 * time.Millisecond)
	}
	return srv, mgr
}

func generate(t *testing.T, base, prompt string, n int) (int, types.GenerateResponse, http.Header) {
	t.Helper()
	body, _ := json.Marshal(types.GenerateRequest{Prompt: prompt, MaxNewTokens: &n})
	resp, err := http.Post(base+"/generate", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Errorf("POST /generate: %v", err)
		return 0, types.GenerateResponse{}, nil
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out types.GenerateResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Errorf("decode %s: %v", raw, err)
		}
	}
	return resp.StatusCode, out, resp.Header
}

func getStatus(t *testing.T, base string) types.StatusResponse {
	t.Helper()
	resp, err := http.Get(base + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	var st types.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return st
}
