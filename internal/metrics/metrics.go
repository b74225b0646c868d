// Package metrics exposes Prometheus instrumentation for the cache router
// and the retry queue. Every method is safe to call on a nil *Collector.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for the agent.
type Collector struct {
	registry *prometheus.Registry

	CacheHits    *prometheus.CounterVec
	CacheMisses  *prometheus.CounterVec
	Evictions    *prometheus.CounterVec
	Strategy     *prometheus.CounterVec
	QueueDepth   prometheus.Gauge
	SyncOutcomes *prometheus.CounterVec
	Invalidated  *prometheus.CounterVec
}

// NewCollector creates metrics under namespace on a private registry.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache lookups answered from a namespace",
		}, []string{"namespace"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache lookups that found nothing usable",
		}, []string{"namespace"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Entries removed by sweep or capacity eviction",
		}, []string{"namespace"}),
		Strategy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_requests_total",
			Help:      "Requests handled per caching strategy and outcome",
		}, []string{"strategy", "source"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Writes waiting for delivery",
		}),
		SyncOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_attempts_total",
			Help:      "Delivery attempts by result",
		}, []string{"result"}),
		Invalidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidations_total",
			Help:      "Smart invalidations by mutation domain",
		}, []string{"domain"}),
	}
	c.registry.MustRegister(
		c.CacheHits, c.CacheMisses, c.Evictions, c.Strategy,
		c.QueueDepth, c.SyncOutcomes, c.Invalidated,
	)
	return c
}

// Registry returns the registry metrics are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Hit(namespace string) {
	if c != nil {
		c.CacheHits.WithLabelValues(namespace).Inc()
	}
}

func (c *Collector) Miss(namespace string) {
	if c != nil {
		c.CacheMisses.WithLabelValues(namespace).Inc()
	}
}

func (c *Collector) Evicted(namespace string) {
	if c != nil {
		c.Evictions.WithLabelValues(namespace).Inc()
	}
}

// Served records which source answered a routed request:
// "cache", "network", "fallback", "unavailable" or "passthrough".
func (c *Collector) Served(strategy, source string) {
	if c != nil {
		c.Strategy.WithLabelValues(strategy, source).Inc()
	}
}

func (c *Collector) SetQueueDepth(n int) {
	if c != nil {
		c.QueueDepth.Set(float64(n))
	}
}

// Attempt records a delivery result: "success", "retry" or "failed".
func (c *Collector) Attempt(result string) {
	if c != nil {
		c.SyncOutcomes.WithLabelValues(result).Inc()
	}
}

func (c *Collector) Invalidation(domain string) {
	if c != nil {
		c.Invalidated.WithLabelValues(domain).Inc()
	}
}
