// Package metrics exports batching, autoscaling and cache activity as
// Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "batchd"

// Collectors groups every core metric. It implements batching.Observer.
type Collectors struct {
	Requests       *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	BatchSize      *prometheus.HistogramVec
	QueueWait      *prometheus.HistogramVec
	BatchFailures  *prometheus.CounterVec
	ActiveWorkers  *prometheus.GaugeVec
	QueueDepth     *prometheus.GaugeVec
	CacheSize      prometheus.Gauge
	CacheLookups   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generate_requests_total",
			Help:      "Total number of generate requests by outcome",
		}, []string{"outcome"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generate_request_latency_seconds",
			Help:      "Latency of generate requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"cache_hit"}),
		BatchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of requests processed in a batch",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}, []string{"backend"}),
		QueueWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_time_seconds",
			Help:      "Time each request spends in the admission queue before its batch is dispatched",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"backend"}),
		BatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_failures_total",
			Help:      "Batches whose backend call failed",
		}, []string{"backend"}),
		ActiveWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Number of running batch workers",
		}, []string{"engine"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Requests waiting in the admission queue, sampled by the autoscaler",
		}, []string{"engine"}),
		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Number of entries in the result cache",
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Result cache lookups by result",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(c.Requests, c.RequestLatency, c.BatchSize, c.QueueWait, c.BatchFailures,
			c.ActiveWorkers, c.QueueDepth, c.CacheSize, c.CacheLookups)
	}
	return c
}

func (c *Collectors) ObserveBatch(backend string, size int) {
	c.BatchSize.WithLabelValues(backend).Observe(float64(size))
}

func (c *Collectors) ObserveQueueWait(backend string, d time.Duration) {
	c.QueueWait.WithLabelValues(backend).Observe(d.Seconds())
}

func (c *Collectors) ObserveBatchFailure(backend string) {
	c.BatchFailures.WithLabelValues(backend).Inc()
}

// ObserveRequest records one finished Submit.
func (c *Collectors) ObserveRequest(outcome string, cacheHit bool, d time.Duration) {
	c.Requests.WithLabelValues(outcome).Inc()
	hit := "false"
	if cacheHit {
		hit = "true"
	}
	c.RequestLatency.WithLabelValues(hit).Observe(d.Seconds())
}

// ObserveCacheLookup counts a hit or a miss.
func (c *Collectors) ObserveCacheLookup(hit bool) {
	if hit {
		c.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	c.CacheLookups.WithLabelValues("miss").Inc()
}

// SetCacheSize reports the result cache's entry count.
func (c *Collectors) SetCacheSize(n int) { c.CacheSize.Set(float64(n)) }

// SetWorkers reports an engine's pool size.
func (c *Collectors) SetWorkers(engine string, n int) {
	c.ActiveWorkers.WithLabelValues(engine).Set(float64(n))
}

// SetQueueDepth reports an engine's admission queue depth.
func (c *Collectors) SetQueueDepth(engine string, n int) {
	c.QueueDepth.WithLabelValues(engine).Set(float64(n))
}
