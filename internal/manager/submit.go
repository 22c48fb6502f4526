package manager

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Submit returns the output for (prompt, maxNewTokens): from the result cache
// when a fresh entry exists, otherwise by admitting the request to an engine
// and caching what it produces.
func (m *Manager) Submit(ctx context.Context, prompt string, maxNewTokens int) (Result, error) {
	start := time.Now()
	res, err := m.submit(ctx, prompt, maxNewTokens)
	m.requests.Add(1)
	outcome := "ok"
	switch {
	case err == nil:
	case IsInvalidRequest(err):
		outcome = "invalid"
	case ctx.Err() != nil:
		outcome = "cancelled"
	default:
		outcome = "error"
		m.failures.Add(1)
	}
	m.obs.ObserveRequest(outcome, res.CacheHit, time.Since(start))
	return res, err
}

func (m *Manager) submit(ctx context.Context, prompt string, maxNewTokens int) (Result, error) {
	if err := m.validate(prompt, maxNewTokens); err != nil {
		return Result{}, err
	}
	if m.closing.Load() {
		return Result{}, ErrShuttingDown
	}
	if out, ok := m.cache.Get(prompt, maxNewTokens); ok {
		m.obs.ObserveCacheLookup(true)
		return Result{Output: out, CacheHit: true}, nil
	}
	m.obs.ObserveCacheLookup(false)
	if !m.cfg.DedupeInflight {
		return m.compute(ctx, prompt, maxNewTokens)
	}
	// The shared computation is detached from any one caller; the request
	// cannot be retracted once admitted anyway.
	ch := m.inflight.DoChan(fingerprint(prompt, maxNewTokens), func() (any, error) {
		return m.compute(context.WithoutCancel(ctx), prompt, maxNewTokens)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		return r.Val.(Result), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// compute routes a miss to the next engine and caches a successful result.
func (m *Manager) compute(ctx context.Context, prompt string, maxNewTokens int) (Result, error) {
	h, err := m.balancer.Next()
	if err != nil {
		return Result{}, err
	}
	out, err := h(ctx, prompt, maxNewTokens)
	if err != nil {
		return Result{}, err
	}
	m.cache.Set(prompt, maxNewTokens, out)
	return Result{Output: out}, nil
}

func (m *Manager) validate(prompt string, maxNewTokens int) error {
	if strings.TrimSpace(prompt) == "" {
		return invalidRequestError{msg: "prompt is required"}
	}
	if maxNewTokens < 1 {
		return invalidRequestError{msg: "max_new_tokens must be a positive integer"}
	}
	if maxNewTokens > m.cfg.MaxNewTokensLimit {
		return invalidRequestError{msg: fmt.Sprintf("max_new_tokens must be at most %d", m.cfg.MaxNewTokensLimit)}
	}
	return nil
}

func fingerprint(prompt string, maxNewTokens int) string {
	return strconv.Itoa(maxNewTokens) + "\x00" + prompt
}
