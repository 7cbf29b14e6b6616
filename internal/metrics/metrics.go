// Package metrics exposes Prometheus collectors for the collector service.
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
	coalesceCallsTotal         *prometheus.CounterVec
	coalesceInFlight           *prometheus.GaugeVec
	userRefreshTotal           *prometheus.CounterVec
	walkPages                  prometheus.Histogram
	catalogRefreshTotal        *prometheus.CounterVec
	catalogItems               prometheus.Gauge
	jobAttemptsTotal           *prometheus.CounterVec
	backgroundTasks            prometheus.Gauge
	fetchTotal                 *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		coalesceCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_coalesce_calls_total",
				Help: "Calls into a coalescer, labeled by coalescer and whether the result was shared.",
			},
			[]string{"group", "shared"},
		)

		coalesceInFlight = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "collector_coalesce_in_flight",
				Help: "Producers currently holding a permit, labeled by coalescer.",
			},
			[]string{"group"},
		)

		userRefreshTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_user_refresh_total",
				Help: "User refreshes, labeled by kind (profile, names) and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		walkPages = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "collector_name_walk_pages",
				Help:    "Timeline pages fetched per name history walk.",
				Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200},
			},
		)

		catalogRefreshTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_catalog_refresh_total",
				Help: "On-air catalog refreshes, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		catalogItems = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "collector_catalog_items",
				Help: "Items written by the last catalog flush.",
			},
		)

		jobAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_job_attempts_total",
				Help: "Scheduled job attempts, labeled by job and status.",
			},
			[]string{"job", "status"},
		)

		backgroundTasks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "collector_background_tasks",
				Help: "Background refresh tasks currently running.",
			},
		)

		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_fetch_total",
				Help: "Outbound fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collector_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
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

// ObserveCoalesce counts one call into the named coalescer.
func ObserveCoalesce(group string, shared bool) {
	Init()
	coalesceCallsTotal.WithLabelValues(group, strconv.FormatBool(shared)).Inc()
}

// IncCoalesceInFlight marks a producer as running.
func IncCoalesceInFlight(group string) {
	Init()
	coalesceInFlight.WithLabelValues(group).Inc()
}

// DecCoalesceInFlight marks a producer as finished.
func DecCoalesceInFlight(group string) {
	Init()
	coalesceInFlight.WithLabelValues(group).Dec()
}

// ObserveUserRefresh counts a profile or name history refresh.
func ObserveUserRefresh(kind, outcome string) {
	Init()
	userRefreshTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveWalkPages records how many pages a name walk fetched.
func ObserveWalkPages(pages int) {
	Init()
	walkPages.Observe(float64(pages))
}

// ObserveCatalogRefresh counts a catalog refresh outcome (unchanged, flushed, failed).
func ObserveCatalogRefresh(outcome string, items int) {
	Init()
	catalogRefreshTotal.WithLabelValues(outcome).Inc()
	if outcome == "flushed" {
		catalogItems.Set(float64(items))
	}
}

// ObserveJobAttempt counts one scheduled job attempt.
func ObserveJobAttempt(job, status string) {
	Init()
	jobAttemptsTotal.WithLabelValues(job, status).Inc()
}

// IncBackgroundTasks increments the background task gauge.
func IncBackgroundTasks() {
	Init()
	backgroundTasks.Inc()
}

// DecBackgroundTasks decrements the background task gauge.
func DecBackgroundTasks() {
	Init()
	backgroundTasks.Dec()
}

// ObserveFetch increments the outbound fetch metrics.
func ObserveFetch(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
