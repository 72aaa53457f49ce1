// Package metrics exposes the Prometheus registry of the proxy and the
// inbound HTTP metrics. Component metrics are defined in their own packages
// (client, cache, ratelimit) to avoid circular dependencies.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all metrics are registered with via promauto.
var Registry = prometheus.DefaultRegisterer

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "movierec_http_requests_total",
		Help: "Total inbound HTTP requests by route, method and status",
	}, []string{"route", "method", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "movierec_http_request_duration_seconds",
		Help:    "Inbound HTTP request duration by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// Handler serves the default gatherer in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one inbound request. route is the route pattern,
// not the raw path, to keep label cardinality bounded.
func ObserveRequest(route, method string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	httpRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// Metrics Documentation
//
// HTTP Metrics (pkg/metrics):
//   - movierec_http_requests_total{route, method, status} (Counter)
//   - movierec_http_request_duration_seconds{route} (Histogram)
//
// Cache Metrics (pkg/cache):
//   - movierec_cache_hits_total{backend} (Counter): Store hits
//   - movierec_cache_misses_total{backend} (Counter): Store misses
//   - movierec_cache_errors_total{backend, operation} (Counter): Store errors
//   - movierec_cache_lookups_total{endpoint, outcome} (Counter): hit, miss, bypass
//   - movierec_cache_absorbed_errors_total{operation} (Counter): Swallowed store failures
//   - movierec_cache_coalesced_fetches_total{endpoint} (Counter): Shared in-flight fetches
//
// Upstream Metrics (pkg/client):
//   - movierec_upstream_requests_total{endpoint, status} (Counter): Attempts by HTTP status
//   - movierec_upstream_request_duration_seconds{endpoint} (Histogram): Call duration incl. retries
//   - movierec_upstream_errors_total{class} (Counter): Errors by class
//   - movierec_upstream_retries_total{error_class} (Counter): Retry attempts
//   - movierec_upstream_retry_backoff_seconds{error_class} (Histogram): Backoff before retries
//   - movierec_upstream_retry_exhausted_total{error_class} (Counter): Calls that ran out of attempts
//   - movierec_upstream_breaker_state{name} (Gauge): 0 closed, 1 half-open, 2 open
//
// Rate Limit Metrics (pkg/ratelimit):
//   - movierec_ratelimit_decisions_total{result} (Counter): allowed, limited, degraded
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(movierec_cache_lookups_total{outcome="hit"}[5m])) /
//   sum(rate(movierec_cache_lookups_total{outcome=~"hit|miss"}[5m]))
//
//   # Upstream Error Rate
//   rate(movierec_upstream_errors_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(movierec_http_request_duration_seconds_bucket[5m]))
