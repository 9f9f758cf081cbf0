package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all Pensieve metrics
const (
	Namespace = "pensieve"
)

// Allocation outcomes recorded per shard copy.
const (
	OutcomeAssigned  = "assigned"
	OutcomeForced    = "forced"
	OutcomeThrottled = "throttled"
	OutcomeDeferred  = "deferred"
)

// Collector aggregates the metrics of a Pensieve component.
type Collector struct {
	// HTTP metrics (admin API)
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Allocation metrics
	ReroutesTotal    prometheus.Counter
	RerouteDuration  prometheus.Histogram
	AllocationsTotal *prometheus.CounterVec

	// Fan-out metrics
	FanOutsTotal        *prometheus.CounterVec
	FanOutFailuresTotal *prometheus.CounterVec
	FanOutDuration      *prometheus.HistogramVec

	// Cache metrics
	CacheShards *prometheus.GaugeVec
}

// NewCollector creates a collector for a component. Collectors register on
// the default registry, so create at most one per process.
func NewCollector(component string) *Collector {
	return &Collector{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		ReroutesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "reroutes_total",
				Help:      "Total number of reroute passes",
			},
		),
		RerouteDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "reroute_duration_seconds",
				Help:      "Reroute pass duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		AllocationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "allocations_total",
				Help:      "Shard allocation decisions by outcome",
			},
			[]string{"outcome", "primary"},
		),
		FanOutsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "fanouts_total",
				Help:      "Total number of list fan-outs to data nodes",
			},
			[]string{"action"},
		),
		FanOutFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "fanout_node_failures_total",
				Help:      "Per-node failures during list fan-outs",
			},
			[]string{"action"},
		),
		FanOutDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "fanout_duration_seconds",
				Help:      "List fan-out duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		CacheShards: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "allocator_cache_shards",
				Help:      "Number of shard entries held by the allocator caches",
			},
			[]string{"cache"},
		),
	}
}

// RecordHTTPRequest records one admin API request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordReroute records one reroute pass.
func (c *Collector) RecordReroute(duration time.Duration) {
	if c == nil {
		return
	}
	c.ReroutesTotal.Inc()
	c.RerouteDuration.Observe(duration.Seconds())
}

// RecordAllocation records one per-shard allocation decision.
func (c *Collector) RecordAllocation(outcome string, primary bool) {
	if c == nil {
		return
	}
	c.AllocationsTotal.WithLabelValues(outcome, strconv.FormatBool(primary)).Inc()
}

// RecordFanOut records one list fan-out and its per-node failure count.
func (c *Collector) RecordFanOut(action string, failures int, duration time.Duration) {
	if c == nil {
		return
	}
	c.FanOutsTotal.WithLabelValues(action).Inc()
	c.FanOutFailuresTotal.WithLabelValues(action).Add(float64(failures))
	c.FanOutDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// SetCacheShards updates the shard-entry gauge of one allocator cache.
func (c *Collector) SetCacheShards(cache string, n int) {
	if c == nil {
		return
	}
	c.CacheShards.WithLabelValues(cache).Set(float64(n))
}
