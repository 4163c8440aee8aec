// Package metrics exposes Prometheus collectors for the country cache service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	upstreamAttemptsTotal      *prometheus.CounterVec
	upstreamOutcomesTotal      *prometheus.CounterVec
	upstreamRetriesTotal       *prometheus.CounterVec
	upstreamDurationSeconds    *prometheus.HistogramVec
	cacheLookupsTotal          *prometheus.CounterVec
	recordsPersistedTotal      *prometheus.CounterVec
	inflightFetches            prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"method", "route"},
		)

		upstreamAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "countrycache_upstream_attempts_total",
				Help: "Upstream HTTP attempts, labeled by request type and status class.",
			},
			[]string{"request_type", "status_class"},
		)

		upstreamOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "countrycache_upstream_outcomes_total",
				Help: "Final outcome per request type after retries.",
			},
			[]string{"request_type", "outcome"},
		)

		upstreamRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "countrycache_upstream_retries_total",
				Help: "Retries scheduled by the request dispatcher, labeled by cause.",
			},
			[]string{"request_type", "cause"},
		)

		upstreamDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "countrycache_upstream_duration_seconds",
				Help:    "Wall time per request type including retries.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"request_type"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "countrycache_cache_lookups_total",
				Help: "Cache gateway lookups, labeled by result (hit, miss, joined).",
			},
			[]string{"result"},
		)

		recordsPersistedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "countrycache_records_persisted_total",
				Help: "Country records written after a fan-out, labeled by result.",
			},
			[]string{"result"},
		)

		inflightFetches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "countrycache_inflight_fetches",
				Help: "Number of country fan-outs currently running.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "countrycache_rate_limit_delays_seconds",
				Help:    "Histogram of outbound rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// StatusClass groups an HTTP status code; zero means the attempt never got a response.
func StatusClass(code int) string {
	switch {
	case code == 0:
		return "error"
	case code == http.StatusTooManyRequests:
		return "429"
	case code >= 200 && code < 600:
		return strconv.Itoa(code/100) + "xx"
	default:
		return "other"
	}
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveAttempt records one upstream HTTP attempt.
func ObserveAttempt(requestType string, statusCode int) {
	Init()
	upstreamAttemptsTotal.WithLabelValues(requestType, StatusClass(statusCode)).Inc()
}

// ObserveRetry records a scheduled retry.
func ObserveRetry(requestType, cause string) {
	Init()
	upstreamRetriesTotal.WithLabelValues(requestType, cause).Inc()
}

// ObserveOutcome records the final outcome of a request type.
func ObserveOutcome(requestType, outcome string, duration time.Duration) {
	Init()
	upstreamOutcomesTotal.WithLabelValues(requestType, outcome).Inc()
	upstreamDurationSeconds.WithLabelValues(requestType).Observe(duration.Seconds())
}

// ObserveCacheLookup records a cache gateway lookup result.
func ObserveCacheLookup(result string) {
	Init()
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObservePersist records what happened to a fan-out result.
func ObservePersist(result string) {
	Init()
	recordsPersistedTotal.WithLabelValues(result).Inc()
}

// IncInflightFetches increments the in-flight fan-out gauge.
func IncInflightFetches() {
	Init()
	inflightFetches.Inc()
}

// DecInflightFetches decrements the in-flight fan-out gauge.
func DecInflightFetches() {
	Init()
	inflightFetches.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}
