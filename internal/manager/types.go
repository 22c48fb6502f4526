package manager

import (
	"time"

	"batchd/internal/batching"
)

// Result is what Submit returns for a successful request.
type Result struct {
	Output   string
	CacheHit bool
}

// Observer receives request, pool and cache measurements in addition to the
// per-batch ones the workers report.
type Observer interface {
	batching.Observer
	ObserveRequest(outcome string, cacheHit bool, d time.Duration)
	ObserveCacheLookup(hit bool)
	SetCacheSize(n int)
	SetWorkers(engine string, n int)
	SetQueueDepth(engine string, n int)
}

type nopObserver struct{}

func (nopObserver) ObserveBatch(string, int)                   {}
func (nopObserver) ObserveQueueWait(string, time.Duration)     {}
func (nopObserver) ObserveBatchFailure(string)                 {}
func (nopObserver) ObserveRequest(string, bool, time.Duration) {}
func (nopObserver) ObserveCacheLookup(bool)                    {}
func (nopObserver) SetCacheSize(int)                           {}
func (nopObserver) SetWorkers(string, int)                     {}
func (nopObserver) SetQueueDepth(string, int)                  {}
