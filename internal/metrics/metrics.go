// Package metrics exposes gateway counters for operators in the Prometheus
// exposition format. Internal failure sub-reasons live here and in the logs,
// never in client responses.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edgegateway"

// Circuit breaker states as exported by the breaker state gauge.
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector tracks gateway metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDurations *prometheus.HistogramVec
	rateLimitRejects *prometheus.CounterVec
	authFailures     *prometheus.CounterVec
	upstreamErrors   *prometheus.CounterVec
	retryTotal       *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	reloads          *prometheus.CounterVec
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
	}

	c.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests by route, method and status",
		},
		[]string{"route", "method", "status"},
	)

	c.requestDurations = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds",
			Buckets:   DefaultBuckets,
		},
		[]string{"route"},
	)

	c.rateLimitRejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejected_total",
			Help:      "Requests rejected by a rate limit zone",
		},
		[]string{"zone"},
	)

	c.authFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "failures_total",
			Help:      "Authentication failures by internal reason",
		},
		[]string{"reason"},
	)

	c.upstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "errors_total",
			Help:      "Upstream failures by route and kind",
		},
		[]string{"route", "kind"},
	)

	c.retryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "retries_total",
			Help:      "Total retry attempts",
		},
		[]string{"route"},
	)

	c.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"name"},
	)

	c.reloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "reloads_total",
			Help:      "Configuration reload attempts by result",
		},
		[]string{"result"},
	)

	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDurations,
		c.rateLimitRejects,
		c.authFailures,
		c.upstreamErrors,
		c.retryTotal,
		c.breakerState,
		c.reloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// RecordRequest records a completed request. Unmatched requests use an
// empty route label.
func (c *Collector) RecordRequest(route, method string, statusCode int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(route, method, strconv.Itoa(statusCode)).Inc()
	c.requestDurations.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordRateLimitReject records a request rejected by zone.
func (c *Collector) RecordRateLimitReject(zone string) {
	c.rateLimitRejects.WithLabelValues(zone).Inc()
}

// RecordAuthFailure records an authentication failure by sub-reason.
func (c *Collector) RecordAuthFailure(reason string) {
	c.authFailures.WithLabelValues(reason).Inc()
}

// RecordUpstreamError records an upstream failure of the given kind.
func (c *Collector) RecordUpstreamError(route, kind string) {
	c.upstreamErrors.WithLabelValues(route, kind).Inc()
}

// RecordRetry records retries performed for one request.
func (c *Collector) RecordRetry(route string, n int) {
	if n > 0 {
		c.retryTotal.WithLabelValues(route).Add(float64(n))
	}
}

// SetCircuitBreakerState sets the circuit breaker state for name.
func (c *Collector) SetCircuitBreakerState(name string, state int) {
	c.breakerState.WithLabelValues(name).Set(float64(state))
}

// BreakerStateValue maps a breaker state name to its gauge value.
func BreakerStateValue(state string) int {
	switch state {
	case "open":
		return BreakerOpen
	case "half-open", "half_open":
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}

// RecordReload records a configuration reload attempt.
func (c *Collector) RecordReload(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	c.reloads.WithLabelValues(result).Inc()
}

// Registry returns the Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
