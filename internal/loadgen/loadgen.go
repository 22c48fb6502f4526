// Package loadgen drives concurrent /generate traffic at a batchd server and
// summarizes latency and cache behaviour.
package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"batchd/pkg/types"
)

// DefaultPrompts mirrors the prompt set used for cache experiments.
var DefaultPrompts = []string{
	"Hello world",
	"Once upon a time",
	"Write a poem about AI",
	"Explain the theory of relativity",
	"Summarize machine learning",
}

// Options configures a run.
type Options struct {
	URL          string
	Clients      int
	Requests     int // per client
	MaxNewTokens int
	Prompts      []string
	// RepeatProb is the chance that a client resends one of the prompts it has
	// already sent instead of taking the next one in rotation.
	RepeatProb float64
	// Delay is slept between a client's requests.
	Delay   time.Duration
	Seed    uint64
	Timeout time.Duration
	Client  *http.Client
	Logger  zerolog.Logger
}

// Sample is one request's outcome.
type Sample struct {
	Client    int       `json:"client"`
	Seq       int       `json:"seq"`
	Prompt    string    `json:"prompt"`
	LatencyMS float64   `json:"latency_ms"`
	CacheHit  bool      `json:"cache_hit"`
	Status    int       `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Report aggregates a run.
type Report struct {
	Total       int      `json:"total"`
	OK          int      `json:"ok"`
	Errors      int      `json:"errors"`
	CacheHits   int      `json:"cache_hits"`
	CacheMisses int      `json:"cache_misses"`
	AvgMS       float64  `json:"avg_ms"`
	MinMS       float64  `json:"min_ms"`
	MaxMS       float64  `json:"max_ms"`
	P50MS       float64  `json:"p50_ms"`
	P95MS       float64  `json:"p95_ms"`
	WallSeconds float64  `json:"wall_seconds"`
	RPS         float64  `json:"rps"`
	Samples     []Sample `json:"samples"`
}

func (o *Options) normalize() error {
	if o.URL == "" {
		return errors.New("url is required")
	}
	if !strings.HasSuffix(o.URL, "/generate") {
		o.URL = strings.TrimRight(o.URL, "/") + "/generate"
	}
	if o.Clients <= 0 {
		o.Clients = 1
	}
	if o.Requests <= 0 {
		o.Requests = 1
	}
	if o.MaxNewTokens <= 0 {
		o.MaxNewTokens = 20
	}
	if len(o.Prompts) == 0 {
		o.Prompts = DefaultPrompts
	}
	if o.RepeatProb < 0 || o.RepeatProb > 1 {
		return fmt.Errorf("repeat probability %v outside [0,1]", o.RepeatProb)
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: o.Timeout}
	}
	return nil
}

// Run sends Clients*Requests requests and returns the aggregated report.
// Per-request failures are recorded in the report, not returned.
func Run(ctx context.Context, opts Options) (Report, error) {
	if err := opts.normalize(); err != nil {
		return Report{}, err
	}
	var (
		mu      sync.Mutex
		samples = make([]Sample, 0, opts.Clients*opts.Requests)
	)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for c := 0; c < opts.Clients; c++ {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(opts.Seed, uint64(c)))
			var seen []string
			for i := 0; i < opts.Requests; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				prompt := opts.Prompts[i%len(opts.Prompts)]
				if len(seen) > 0 && rng.Float64() < opts.RepeatProb {
					prompt = seen[rng.IntN(len(seen))]
				} else {
					seen = append(seen, prompt)
				}
				s := send(gctx, opts, prompt)
				s.Client, s.Seq = c, i
				opts.Logger.Debug().Int("client", c).Int("seq", i).Int("status", s.Status).
					Float64("latency_ms", s.LatencyMS).Bool("cache_hit", s.CacheHit).Msg("request")
				mu.Lock()
				samples = append(samples, s)
				mu.Unlock()
				if opts.Delay > 0 {
					select {
					case <-time.After(opts.Delay):
					case <-gctx.Done():
						return gctx.Err()
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}
	return summarize(samples, time.Since(start)), nil
}

func send(ctx context.Context, opts Options, prompt string) Sample {
	s := Sample{Prompt: prompt, Timestamp: time.Now()}
	n := opts.MaxNewTokens
	body, _ := json.Marshal(types.GenerateRequest{Prompt: prompt, MaxNewTokens: &n})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.URL, bytes.NewReader(body))
	if err != nil {
		s.Error = err.Error()
		return s
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	start := time.Now()
	resp, err := opts.Client.Do(req)
	if err != nil {
		s.LatencyMS = msSince(start)
		s.Error = err.Error()
		return s
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	s.LatencyMS = msSince(start)
	s.Status = resp.StatusCode
	if err != nil {
		s.Error = err.Error()
		return s
	}
	if resp.StatusCode != http.StatusOK {
		var e types.ErrorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			s.Error = e.Error
		} else {
			s.Error = http.StatusText(resp.StatusCode)
		}
		return s
	}
	var out types.GenerateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		s.Error = fmt.Sprintf("decode response: %v", err)
		return s
	}
	s.CacheHit = out.CacheHit
	return s
}

func msSince(t time.Time) float64 { return float64(time.Since(t).Microseconds()) / 1000 }

func summarize(samples []Sample, wall time.Duration) Report {
	r := Report{Total: len(samples), Samples: samples, WallSeconds: wall.Seconds()}
	lat := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.Error != "" {
			r.Errors++
			continue
		}
		r.OK++
		if s.CacheHit {
			r.CacheHits++
		} else {
			r.CacheMisses++
		}
		lat = append(lat, s.LatencyMS)
	}
	if wall > 0 {
		r.RPS = float64(r.Total) / wall.Seconds()
	}
	if len(lat) == 0 {
		return r
	}
	sort.Float64s(lat)
	var sum float64
	for _, v := range lat {
		sum += v
	}
	r.AvgMS = sum / float64(len(lat))
	r.MinMS, r.MaxMS = lat[0], lat[len(lat)-1]
	r.P50MS = percentile(lat, 50)
	r.P95MS = percentile(lat, 95)
	return r
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	return sorted[max(0, min(rank, len(sorted)-1))]
}

// WriteSummary prints the human-readable summary.
func WriteSummary(w io.Writer, r Report) {
	fmt.Fprintf(w, "Total requests: %d (ok %d, errors %d)\n", r.Total, r.OK, r.Errors)
	fmt.Fprintf(w, "Avg latency: %.1fms\n", r.AvgMS)
	fmt.Fprintf(w, "Min latency: %.1fms, Max latency: %.1fms\n", r.MinMS, r.MaxMS)
	fmt.Fprintf(w, "p50: %.1fms, p95: %.1fms\n", r.P50MS, r.P95MS)
	fmt.Fprintf(w, "Cache hits: %d, Cache misses: %d\n", r.CacheHits, r.CacheMisses)
	fmt.Fprintf(w, "Wall: %.2fs, %.1f req/s\n", r.WallSeconds, r.RPS)
}
