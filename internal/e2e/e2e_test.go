package e2e

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"batchd/internal/backend"
	"batchd/internal/batching"
	"batchd/internal/loadgen"
	"batchd/internal/manager"
)

func TestE2E_GenerateThenCacheHit(t *testing.T) {
	sim := backend.NewSim("sim-0", 0, 0)
	srv, _ := newServer(t, manager.ManagerConfig{CacheTTL: time.Minute}, sim)

	code, first, hdr := generate(t, srv.URL, "Once upon a time", 6)
	if code != http.StatusOK {
		t.Fatalf("status=%d", code)
	}
	if first.CacheHit || first.Output != "Once upon a time Once upon" {
		t.Fatalf("first=%+v", first)
	}
	if hdr.Get("X-Request-Latency") == "" {
		t.Fatal("missing X-Request-Latency")
	}
	code, second, _ := generate(t, srv.URL, "Once upon a time", 6)
	if code != http.StatusOK || !second.CacheHit || second.Output != first.Output {
		t.Fatalf("second=%d %+v", code, second)
	}
	if sim.Calls() != 1 {
		t.Fatalf("backend calls=%d", sim.Calls())
	}
}

// Concurrent requests arriving inside one window share a backend call, and
// each member is cut to its own budget.
func TestE2E_ConcurrentRequestsShareABatch(t *testing.T) {
	sim := backend.NewSim("sim-0", time.Millisecond, 5*time.Millisecond)
	srv, _ := newServer(t, manager.ManagerConfig{
		Policy: batching.Policy{BatchSize: 4, MaxWait: 200 * time.Millisecond},
	}, sim)

	prompts := []string{"a b", "c d", "e f", "g h"}
	outs := make([]string, len(prompts))
	var wg sync.WaitGroup
	for i, p := range prompts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, res, _ := generate(t, srv.URL, p, i+1)
			if code != http.StatusOK {
				t.Errorf("%s: status=%d", p, code)
			}
			outs[i] = res.Output
		}()
	}
	wg.Wait()
	if sim.Calls() != 1 {
		t.Fatalf("backend calls=%d, want one batch", sim.Calls())
	}
	want := []string{"a", "c d", "e f e", "g h g h"}
	for i := range want {
		if outs[i] != want[i] {
			t.Fatalf("output[%d]=%q, want %q", i, outs[i], want[i])
		}
	}
}

func TestE2E_ValidationAndStatus(t *testing.T) {
	srv, _ := newServer(t, manager.ManagerConfig{MaxNewTokensLimit: 16}, backend.NewSim("sim-0", 0, 0), backend.NewSim("sim-1", 0, 0))

	if code, _, _ := generate(t, srv.URL, "", 4); code != http.StatusBadRequest {
		t.Fatalf("empty prompt: %d", code)
	}
	if code, _, _ := generate(t, srv.URL, "hi", 17); code != http.StatusBadRequest {
		t.Fatalf("over limit: %d", code)
	}
	generate(t, srv.URL, "one", 1)
	generate(t, srv.URL, "two", 1)

	st := getStatus(t, srv.URL)
	if len(st.Engines) != 2 {
		t.Fatalf("engines=%d", len(st.Engines))
	}
	if st.Engines[0].Batches != 1 || st.Engines[1].Batches != 1 {
		t.Fatalf("round robin not observed: %+v", st.Engines)
	}
	if st.RequestsTotal != 4 || st.Cache.Size != 2 {
		t.Fatalf("status=%+v", st)
	}
}

func TestE2E_ShutdownRejectsNewWork(t *testing.T) {
	srv, mgr := newServer(t, manager.ManagerConfig{}, backend.NewSim("sim-0", 0, 0))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := mgr.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if code, _, _ := generate(t, srv.URL, "late", 1); code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", code)
	}
	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz=%d", resp.StatusCode)
	}
}

func TestE2E_LoadgenSeesCacheHits(t *testing.T) {
	srv, _ := newServer(t, manager.ManagerConfig{CacheTTL: time.Minute, MaxWorkers: 2}, backend.NewSim("sim-0", 0, time.Millisecond))

	rep, err := loadgen.Run(context.Background(), loadgen.Options{
		URL:          srv.URL,
		Clients:      1,
		Requests:     6,
		MaxNewTokens: 4,
		Prompts:      []string{"Prompt 0", "Prompt 1", "Prompt 2"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Errors != 0 || rep.CacheMisses != 3 || rep.CacheHits != 3 {
		t.Fatalf("report=%+v", rep)
	}
}
