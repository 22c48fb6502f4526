// Package config loads batchd runtime parameters from a file, the environment
// and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend kinds.
const (
	BackendSim    = "sim"
	BackendOpenAI = "openai"
	BackendLlama  = "llama"
)

// Duration is a time.Duration that reads and writes as a Go duration string
// ("250ms", "1m30s") in every supported file format.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// Config holds runtime parameters for the service.
type Config struct {
	Addr string `json:"addr" yaml:"addr" toml:"addr"`

	// Batching window.
	BatchSize int `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	MaxWaitMS int `json:"max_wait_ms" yaml:"max_wait_ms" toml:"max_wait_ms"`

	// Worker pool bounds and the autoscaler's high-water mark.
	MinWorkers        int      `json:"min_workers" yaml:"min_workers" toml:"min_workers"`
	MaxWorkers        int      `json:"max_workers" yaml:"max_workers" toml:"max_workers"`
	InitialWorkers    int      `json:"initial_workers" yaml:"initial_workers" toml:"initial_workers"`
	ScaleUpQueueDepth int      `json:"scale_up_queue_depth" yaml:"scale_up_queue_depth" toml:"scale_up_queue_depth"`
	AutoscaleInterval Duration `json:"autoscale_interval" yaml:"autoscale_interval" toml:"autoscale_interval"`

	CacheTTL           Duration `json:"cache_ttl" yaml:"cache_ttl" toml:"cache_ttl"`
	CacheSweepInterval Duration `json:"cache_sweep_interval" yaml:"cache_sweep_interval" toml:"cache_sweep_interval"`
	DedupeInflight     bool     `json:"dedupe_inflight" yaml:"dedupe_inflight" toml:"dedupe_inflight"`

	DefaultMaxNewTokens int `json:"default_max_new_tokens" yaml:"default_max_new_tokens" toml:"default_max_new_tokens"`
	MaxNewTokensLimit   int `json:"max_new_tokens_limit" yaml:"max_new_tokens_limit" toml:"max_new_tokens_limit"`

	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`

	MaxBodyBytes   int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout" toml:"request_timeout"`
	CORS           CORS     `json:"cors" yaml:"cors" toml:"cors"`

	Tokenizer Tokenizer `json:"tokenizer" yaml:"tokenizer" toml:"tokenizer"`
	Backends  []Backend `json:"backends" yaml:"backends" toml:"backends"`
}

// CORS configures cross-origin access to the HTTP API.
type CORS struct {
	Enabled        bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods" yaml:"allowed_methods" toml:"allowed_methods"`
	AllowedHeaders []string `json:"allowed_headers" yaml:"allowed_headers" toml:"allowed_headers"`
	MaxAge         int      `json:"max_age" yaml:"max_age" toml:"max_age"`
}

// Tokenizer selects the token encoder. Kind is "whitespace" or "tiktoken".
type Tokenizer struct {
	Kind     string `json:"kind" yaml:"kind" toml:"kind"`
	Encoding string `json:"encoding,omitempty" yaml:"encoding,omitempty" toml:"encoding,omitempty"`
}

// Backend describes one generation backend. Each backend gets its own
// admission queue and worker pool.
type Backend struct {
	Kind string `json:"kind" yaml:"kind" toml:"kind"`
	Name string `json:"name" yaml:"name" toml:"name"`

	// sim
	TokenLatency  Duration `json:"token_latency,omitempty" yaml:"token_latency,omitempty" toml:"token_latency,omitempty"`
	BatchOverhead Duration `json:"batch_overhead,omitempty" yaml:"batch_overhead,omitempty" toml:"batch_overhead,omitempty"`

	// openai
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty" toml:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty" toml:"api_key,omitempty"`

	// openai model name, or llama model file (a path, or a file name inside ModelsDir)
	Model string `json:"model,omitempty" yaml:"model,omitempty" toml:"model,omitempty"`

	// llama
	ModelsDir   string `json:"models_dir,omitempty" yaml:"models_dir,omitempty" toml:"models_dir,omitempty"`
	ContextSize int    `json:"context_size,omitempty" yaml:"context_size,omitempty" toml:"context_size,omitempty"`
	Threads     int    `json:"threads,omitempty" yaml:"threads,omitempty" toml:"threads,omitempty"`
}

// Defaults returns the configuration used when nothing is specified.
func Defaults() Config {
	return Config{
		Addr:                ":8000",
		BatchSize:           1,
		MaxWaitMS:           20,
		MinWorkers:          1,
		MaxWorkers:          4,
		InitialWorkers:      1,
		ScaleUpQueueDepth:   2,
		AutoscaleInterval:   Duration(time.Second),
		CacheTTL:            Duration(300 * time.Second),
		CacheSweepInterval:  Duration(60 * time.Second),
		DefaultMaxNewTokens: 64,
		MaxNewTokensLimit:   2048,
		LogLevel:            "info",
		LogFormat:           "console",
		MaxBodyBytes:        1 << 20,
		CORS: CORS{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "X-Request-ID", "X-Log-Level"},
			MaxAge:         300,
		},
		Tokenizer: Tokenizer{Kind: "whitespace"},
	}
}

// MaxWait returns the batching window as a duration.
func (c Config) MaxWait() time.Duration { return time.Duration(c.MaxWaitMS) * time.Millisecond }

// normalize fills per-backend defaults. A config without backends serves from
// a single simulated backend.
func (c *Config) normalize() {
	if len(c.Backends) == 0 {
		c.Backends = []Backend{{Kind: BackendSim}}
	}
	for i := range c.Backends {
		b := &c.Backends[i]
		b.Kind = strings.ToLower(strings.TrimSpace(b.Kind))
		if b.Kind == "" {
			b.Kind = BackendSim
		}
		if b.Name == "" {
			b.Name = fmt.Sprintf("%s-%d", b.Kind, i)
		}
	}
}

// Finalize applies environment overrides, then flags (if not nil), then
// backend defaults, and validates the result.
func (c *Config) Finalize(flags func(*Config)) error {
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return err
	}
	if flags != nil {
		flags(c)
	}
	c.normalize()
	return c.Validate()
}

// Validate reports every constraint the configuration violates.
func (c Config) Validate() error {
	var errs []error
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch_size must be >= 1, got %d", c.BatchSize))
	}
	if c.MaxWaitMS < 0 {
		errs = append(errs, fmt.Errorf("max_wait_ms must be >= 0, got %d", c.MaxWaitMS))
	}
	if c.MinWorkers < 1 || c.MinWorkers > c.InitialWorkers || c.InitialWorkers > c.MaxWorkers {
		errs = append(errs, fmt.Errorf("workers must satisfy 1 <= min (%d) <= initial (%d) <= max (%d)", c.MinWorkers, c.InitialWorkers, c.MaxWorkers))
	}
	if c.ScaleUpQueueDepth < 0 {
		errs = append(errs, fmt.Errorf("scale_up_queue_depth must be >= 0, got %d", c.ScaleUpQueueDepth))
	}
	for name, d := range map[string]Duration{
		"autoscale_interval":   c.AutoscaleInterval,
		"cache_ttl":            c.CacheTTL,
		"cache_sweep_interval": c.CacheSweepInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("request_timeout must be >= 0, got %s", c.RequestTimeout))
	}
	if c.DefaultMaxNewTokens < 1 || c.DefaultMaxNewTokens > c.MaxNewTokensLimit {
		errs = append(errs, fmt.Errorf("default_max_new_tokens must be in [1, %d], got %d", c.MaxNewTokensLimit, c.DefaultMaxNewTokens))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_body_bytes must be positive, got %d", c.MaxBodyBytes))
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be console or json, got %q", c.LogFormat))
	}
	if len(c.Backends) == 0 {
		errs = append(errs, errors.New("at least one backend is required"))
	}
	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		switch b.Kind {
		case BackendSim:
		case BackendOpenAI:
			if b.BaseURL == "" {
				errs = append(errs, fmt.Errorf("backends[%d]: openai requires base_url", i))
			}
		case BackendLlama:
			if b.Model == "" {
				errs = append(errs, fmt.Errorf("backends[%d]: llama requires model", i))
			}
		default:
			errs = append(errs, fmt.Errorf("backends[%d]: unknown kind %q", i, b.Kind))
		}
		if seen[b.Name] {
			errs = append(errs, fmt.Errorf("backends[%d]: duplicate name %q", i, b.Name))
		}
		seen[b.Name] = true
	}
	return errors.Join(errs...)
}

// ApplyEnv overrides fields from BATCHD_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok && v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}
	str("BATCHD_ADDR", &c.Addr)
	num("BATCHD_BATCH_SIZE", &c.BatchSize)
	num("BATCHD_MAX_WAIT_MS", &c.MaxWaitMS)
	num("BATCHD_MIN_WORKERS", &c.MinWorkers)
	num("BATCHD_MAX_WORKERS", &c.MaxWorkers)
	num("BATCHD_INITIAL_WORKERS", &c.InitialWorkers)
	dur("BATCHD_CACHE_TTL", &c.CacheTTL)
	dur("BATCHD_REQUEST_TIMEOUT", &c.RequestTimeout)
	str("BATCHD_LOG_LEVEL", &c.LogLevel)
	str("BATCHD_LOG_FORMAT", &c.LogFormat)
	if v, ok := lookup("BATCHD_DEDUPE_INFLIGHT"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("BATCHD_DEDUPE_INFLIGHT: %w", err))
		} else {
			c.DedupeInflight = b
		}
	}
	return errors.Join(errs...)
}
