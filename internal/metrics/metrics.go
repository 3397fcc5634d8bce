// Package metrics exposes proxy metrics in the Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultBuckets are the request duration buckets in seconds.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Unmatched labels requests that matched no rule.
const Unmatched = "none"

// Collector tracks proxy metrics in its own registry.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDurations *prometheus.HistogramVec
	unmatchedTotal   prometheus.Counter
	ruleReloads      *prometheus.CounterVec
}

// NewCollector creates a collector. Go runtime and process metrics are
// registered alongside the proxy's.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "requests_total",
			Help:      "Total number of proxied requests",
		}, []string{"rule", "method", "status"}),
		requestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds",
			Buckets:   DefaultBuckets,
		}, []string{"rule"}),
		unmatchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "unmatched_requests_total",
			Help:      "Requests that matched no rule",
		}),
		ruleReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "rule_reloads_total",
			Help:      "Rule reloads by result",
		}, []string{"result"}),
	}
	reg.MustRegister(
		c.requestsTotal,
		c.requestDurations,
		c.unmatchedTotal,
		c.ruleReloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// RecordRequest records a completed request served under rule.
func (c *Collector) RecordRequest(rule, method string, statusCode int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(rule, method, strconv.Itoa(statusCode)).Inc()
	c.requestDurations.WithLabelValues(rule).Observe(duration.Seconds())
}

// RecordUnmatched counts a request that matched no rule.
func (c *Collector) RecordUnmatched() {
	c.unmatchedTotal.Inc()
}

// RecordReload counts a rule reload.
func (c *Collector) RecordReload(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	c.ruleReloads.WithLabelValues(result).Inc()
}

// Registry returns the registry the collector writes to.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
