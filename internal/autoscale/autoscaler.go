package autoscale

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Defaults applied when Config fields are unset.
const (
	defaultInterval     = time.Second
	defaultScaleUpDepth = 2
)

// Decision is the outcome of one control tick.
type Decision int

const (
	Hold Decision = iota
	ScaleUp
	ScaleDown
)

func (d Decision) String() string {
	switch d {
	case ScaleUp:
		return "scale_up"
	case ScaleDown:
		return "scale_down"
	default:
		return "hold"
	}
}

// Config tunes the control loop.
type Config struct {
	Interval time.Duration
	// ScaleUpDepth is the high-water mark: a queue deeper than this adds a worker.
	ScaleUpDepth int
	// OnDecision, if set, is called after every tick that changed the pool.
	OnDecision func(d Decision, depth, workers int)
	Logger     zerolog.Logger
}

// Autoscaler resizes a Pool by at most one worker per tick: it adds a worker
// when queue depth exceeds the high-water mark and removes the newest one when
// the queue is empty. It is the only mutator of its pool.
type Autoscaler struct {
	pool  *Pool
	depth func() int
	cfg   Config
	log   zerolog.Logger
}

// New builds an autoscaler over pool. depth reports the current queue depth.
func New(pool *Pool, depth func() int, cfg Config) *Autoscaler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.ScaleUpDepth < 0 {
		cfg.ScaleUpDepth = defaultScaleUpDepth
	}
	return &Autoscaler{pool: pool, depth: depth, cfg: cfg, log: cfg.Logger}
}

// Tick runs one control step and reports what it did.
func (a *Autoscaler) Tick() Decision {
	depth := a.depth()
	d := Hold
	switch {
	case depth > a.cfg.ScaleUpDepth && a.pool.Size() < a.pool.Max():
		if a.pool.Grow() {
			d = ScaleUp
		}
	case depth == 0 && a.pool.Size() > a.pool.Min():
		if a.pool.Shrink() {
			d = ScaleDown
		}
	}
	if d != Hold {
		a.log.Info().Str("decision", d.String()).Int("queue_depth", depth).Int("workers", a.pool.Size()).Msg("autoscale")
		if a.cfg.OnDecision != nil {
			a.cfg.OnDecision(d, depth, a.pool.Size())
		}
	} else {
		a.log.Debug().Int("queue_depth", depth).Int("workers", a.pool.Size()).Msg("autoscale hold")
	}
	return d
}

// Run ticks every Interval until ctx is done.
func (a *Autoscaler) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Tick()
		}
	}
}
