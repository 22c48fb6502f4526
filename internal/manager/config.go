package manager

import (
	"time"

	"github.com/rs/zerolog"

	"batchd/internal/batching"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultMaxWorkers         = 4
	defaultScaleUpQueueDepth  = 2
	defaultAutoscaleInterval  = time.Second
	defaultCacheSweepInterval = 60 * time.Second
	defaultMaxNewTokensLimit  = 2048
)

// EngineSpec names one backend to serve from.
type EngineSpec struct {
	Name    string
	Backend batching.Backend
}

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	Engines   []EngineSpec
	Tokenizer batching.Tokenizer
	Policy    batching.Policy

	// Worker bounds per engine. MinWorkers is at least 1 so every engine can
	// drain its own queue; 0 selects 1 and a negative value is rejected by New.
	// MaxWorkers 0 selects 4; InitialWorkers 0 starts at MinWorkers.
	MinWorkers     int
	MaxWorkers     int
	InitialWorkers int
	// ScaleUpQueueDepth is the high-water mark: a deeper queue adds a worker.
	// 0 scales up on any backlog; a negative value selects 2.
	ScaleUpQueueDepth int
	AutoscaleInterval time.Duration

	CacheTTL           time.Duration
	CacheSweepInterval time.Duration
	// Clock overrides time.Now for the result cache (tests).
	Clock func() time.Time

	MaxNewTokensLimit int
	// DedupeInflight makes concurrent misses on the same fingerprint share one
	// admission instead of each computing and overwriting the cached value.
	DedupeInflight bool

	Observer  Observer
	Publisher EventPublisher
	Logger    zerolog.Logger
}

func (c *ManagerConfig) applyDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = defaultMaxWorkers
	}
	if c.MinWorkers == 0 {
		c.MinWorkers = 1
	}
	if c.MinWorkers > c.MaxWorkers {
		c.MinWorkers = c.MaxWorkers
	}
	if c.InitialWorkers <= 0 {
		c.InitialWorkers = c.MinWorkers
	}
	if c.ScaleUpQueueDepth < 0 {
		c.ScaleUpQueueDepth = defaultScaleUpQueueDepth
	}
	if c.AutoscaleInterval <= 0 {
		c.AutoscaleInterval = defaultAutoscaleInterval
	}
	if c.CacheSweepInterval <= 0 {
		c.CacheSweepInterval = defaultCacheSweepInterval
	}
	if c.MaxNewTokensLimit <= 0 {
		c.MaxNewTokensLimit = defaultMaxNewTokensLimit
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	if c.Publisher == nil {
		c.Publisher = noopPublisher{}
	}
}
