// Package metrics exposes Prometheus collectors for the scraper.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_requests_total",
			Help: "Total number of upstream HTTP requests, labeled by host and code.",
		},
		[]string{"host", "code"},
	)

	requestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scraper_request_duration_seconds",
			Help:    "Histogram of upstream request latencies, labeled by host.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_retries_total",
			Help: "Total number of scheduled request retries, labeled by reason.",
		},
		[]string{"reason"},
	)

	cooldownsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_cooldowns_total",
			Help: "Total number of forced scheduler cooldowns.",
		},
	)

	inFlightRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scraper_in_flight_requests",
			Help: "Number of scheduled requests currently dispatched.",
		},
	)

	queuedRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scraper_queued_requests",
			Help: "Number of scheduled requests waiting for a slot.",
		},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scraper_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	unitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_units_total",
			Help: "Total number of scraped units (site, page, version, diff, content), labeled by outcome.",
		},
		[]string{"kind", "outcome"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_http_requests_total",
			Help: "Total number of status server requests, labeled by method, route and code.",
		},
		[]string{"method", "route", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scraper_http_request_duration_seconds",
			Help:    "Histogram of status server latencies, labeled by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// SanitizeSite extracts a lowercase hostname from a URL, or "unknown".
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one upstream request. A zero code means the request
// failed before a response arrived.
func ObserveRequest(rawURL string, code int, duration time.Duration) {
	host := SanitizeSite(rawURL)
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	requestsTotal.WithLabelValues(host, label).Inc()
	requestDurationSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveRetry records a retry and why it happened.
func ObserveRetry(reason string) {
	retriesTotal.WithLabelValues(reason).Inc()
}

// ObserveCooldown records a forced scheduler pause.
func ObserveCooldown() {
	cooldownsTotal.Inc()
}

// SetSchedulerLoad publishes the current in-flight and queued counts.
func SetSchedulerLoad(inFlight, queued int) {
	inFlightRequests.Set(float64(inFlight))
	queuedRequests.Set(float64(queued))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveUnit records the outcome of one scraped unit.
func ObserveUnit(kind, outcome string) {
	unitsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveHTTP records one request served by the status server.
func ObserveHTTP(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(route).Observe(duration.Seconds())
}
