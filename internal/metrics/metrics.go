// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec

	PoolSize           prometheus.Gauge
	RefreshTotal       *prometheus.CounterVec
	RefreshDuration    prometheus.Histogram
	LastRefreshSuccess prometheus.Gauge
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_rotator_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proxy_rotator_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_rotator_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proxy_rotator_upstream_request_duration_seconds",
			Help:    "Latency of requests sent through upstream proxies, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_rotator_upstream_responses_total",
			Help: "Total responses received through upstream proxies by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_rotator_upstream_errors_total",
			Help: "Total transport failures talking to upstream proxies.",
		}, []string{"method"}),

		PoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_rotator_pool_size",
			Help: "Number of upstream proxies currently in the pool.",
		}),

		RefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_rotator_refresh_total",
			Help: "Pool refresh attempts by result.",
		}, []string{"result"}),

		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "proxy_rotator_refresh_duration_seconds",
			Help:    "Duration of pool refresh attempts in seconds.",
			Buckets: defaultBuckets,
		}),

		LastRefreshSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_rotator_last_refresh_success_timestamp_seconds",
			Help: "Unix time of the last successful pool refresh.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.PoolSize,
		m.RefreshTotal,
		m.RefreshDuration,
		m.LastRefreshSuccess,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true, "CONNECT": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// RouteForward is the route label for requests relayed to an origin server.
const RouteForward = "forward"

// knownPrefixes lists the allowed admin route label values (bounded cardinality).
var knownPrefixes = []string{"/healthz", "/proxy/status", "/proxy/refresh", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}

// RouteLabel returns the route label for r. Absolute-form requests are
// forward-proxy traffic regardless of their path.
func RouteLabel(r *http.Request) string {
	if r.URL.Host != "" {
		return RouteForward
	}
	return NormalizePath(r.URL.Path)
}
