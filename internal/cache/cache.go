// Package cache holds completed generation results keyed by their
// fingerprint, the (prompt, max_new_tokens) pair, for a fixed time-to-live.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTTL applies when Options.TTL is unset.
const DefaultTTL = 300 * time.Second

// Key is a request fingerprint.
type Key struct {
	Prompt       string
	MaxNewTokens int
}

type entry struct {
	value    string
	storedAt time.Time
}

// Options configures a Cache.
type Options struct {
	TTL time.Duration
	// Clock overrides time.Now (tests).
	Clock func() time.Time
	// OnSizeChange is called with the entry count after every mutation,
	// while the cache lock is held. It must not call back into the cache.
	OnSizeChange func(int)
	Logger       zerolog.Logger
}

// Cache is a TTL map safe for concurrent use. Entries are immutable; a repeated
// Set for the same key replaces the previous value.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]entry

	ttl    time.Duration
	now    func() time.Time
	onSize func(int)
	log    zerolog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New returns an empty cache.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.OnSizeChange == nil {
		opts.OnSizeChange = func(int) {}
	}
	return &Cache{
		entries: make(map[Key]entry),
		ttl:     opts.TTL,
		now:     opts.Clock,
		onSize:  opts.OnSizeChange,
		log:     opts.Logger,
	}
}

// TTL returns the configured time-to-live.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns the value stored for (prompt, maxNewTokens) if it is younger
// than the TTL. An expired entry is removed and reported as a miss.
func (c *Cache) Get(prompt string, maxNewTokens int) (string, bool) {
	k := Key{Prompt: prompt, MaxNewTokens: maxNewTokens}
	c.mu.Lock()
	e, ok := c.entries[k]
	if ok && c.now().Sub(e.storedAt) < c.ttl {
		c.mu.Unlock()
		c.hits.Add(1)
		return e.value, true
	}
	if ok {
		delete(c.entries, k)
		c.onSize(len(c.entries))
	}
	c.mu.Unlock()
	c.misses.Add(1)
	return "", false
}

// Set stores value for (prompt, maxNewTokens), stamped with the current time.
func (c *Cache) Set(prompt string, maxNewTokens int, value string) {
	k := Key{Prompt: prompt, MaxNewTokens: maxNewTokens}
	c.mu.Lock()
	c.entries[k] = entry{value: value, storedAt: c.now()}
	c.onSize(len(c.entries))
	c.mu.Unlock()
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if now.Sub(e.storedAt) >= c.ttl {
			delete(c.entries, k)
			removed++
		}
	}
	c.onSize(len(c.entries))
	c.mu.Unlock()
	return removed
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Size   int
	Hits   int64
	Misses int64
}

// Stats returns hit/miss counters and the current size.
func (c *Cache) Stats() Stats {
	return Stats{Size: c.Len(), Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Run sweeps every interval until ctx is done. onSweep, if not nil, receives
// the number of entries removed by each sweep.
func (c *Cache) Run(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := c.Sweep()
			if removed > 0 {
				c.log.Debug().Int("removed", removed).Int("size", c.Len()).Msg("cache sweep")
			}
			if onSweep != nil {
				onSweep(removed)
			}
		}
	}
}
