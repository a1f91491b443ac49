// Package metrics provides Prometheus metrics collection for imgrelay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for imgrelay.
type Collector struct {
	// Registry gathers this collector's metrics for the /metrics endpoint.
	// Nil when the collector was registered on an external registerer.
	Registry *prometheus.Registry

	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Cache metrics
	CacheHits    prometheus.Counter
	CacheMisses  prometheus.Counter
	CacheEntries prometheus.Gauge
	CacheBytes   prometheus.Gauge

	// Origin fetch metrics
	FetchDuration *prometheus.HistogramVec
	FetchErrors   *prometheus.CounterVec
	FetchBlocked  *prometheus.CounterVec

	// Usage aggregation metrics
	EventsDropped prometheus.Counter
	FlushTotal    *prometheus.CounterVec
	FlushAlerts   prometheus.Counter
	ActiveActors  prometheus.Gauge
}

// New creates a new metrics collector registered on its own registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := NewWithRegistry(reg)
	c.Registry = reg
	return c
}

// NewWithRegistry creates a collector registered on reg. Tests pass a fresh
// registry so collectors never collide.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := func(c prometheus.Collector) prometheus.Collector {
		reg.MustRegister(c)
		return c
	}

	c := &Collector{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "imgrelay",
				Name:      "requests_total",
				Help:      "Total number of requests processed",
			},
			[]string{"method", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "imgrelay",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "imgrelay",
				Name:      "requests_in_flight",
				Help:      "Number of requests currently being processed",
			},
		),
		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "imgrelay",
				Name:      "cache_hits_total",
				Help:      "Total number of cache hits",
			},
		),
		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "imgrelay",
				Name:      "cache_misses_total",
				Help:      "Total number of cache misses",
			},
		),
		CacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "imgrelay",
				Name:      "cache_entries",
				Help:      "Number of entries in the cache store",
			},
		),
		CacheBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "imgrelay",
				Name:      "cache_bytes",
				Help:      "Total bytes stored in the cache store",
			},
		),
		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "imgrelay",
				Name:      "origin_fetch_duration_seconds",
				Help:      "Origin fetch duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"domain"},
		),
		FetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "imgrelay",
				Name:      "origin_fetch_errors_total",
				Help:      "Total number of failed origin fetches",
			},
			[]string{"reason"},
		),
		FetchBlocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "imgrelay",
				Name:      "origin_fetch_blocked_total",
				Help:      "Total number of origin responses classified as blocked",
			},
			[]string{"reason"},
		),
		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "imgrelay",
				Name:      "usage_events_dropped_total",
				Help:      "Usage events dropped because an actor queue was full",
			},
		),
		FlushTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "imgrelay",
				Name:      "usage_flush_total",
				Help:      "Total number of usage flush attempts",
			},
			[]string{"result"},
		),
		FlushAlerts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "imgrelay",
				Name:      "usage_flush_alerts_total",
				Help:      "Alerts raised after consecutive flush failures",
			},
		),
		ActiveActors: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "imgrelay",
				Name:      "usage_active_actors",
				Help:      "Number of resident per-site aggregator actors",
			},
		),
	}

	factory(c.RequestsTotal)
	factory(c.RequestDuration)
	factory(c.RequestsInFlight)
	factory(c.CacheHits)
	factory(c.CacheMisses)
	factory(c.CacheEntries)
	factory(c.CacheBytes)
	factory(c.FetchDuration)
	factory(c.FetchErrors)
	factory(c.FetchBlocked)
	factory(c.EventsDropped)
	factory(c.FlushTotal)
	factory(c.FlushAlerts)
	factory(c.ActiveActors)

	return c
}
