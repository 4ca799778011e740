// Package metrics exposes Prometheus collectors for the webmention listener.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	webmentionClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webmention_claims_total",
			Help: "Total number of webmention claims processed, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	listenerFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listener_fetches_total",
			Help: "Total number of outbound fetches, labeled by method and status code.",
		},
		[]string{"method", "code"},
	)

	listenerFetchBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "listener_fetch_bytes_total",
			Help: "Total number of body bytes fetched.",
		},
	)

	vouchProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webmention_vouch_probes_total",
			Help: "Total number of vouch checks, labeled by result.",
		},
		[]string{"result"},
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
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
		},
		[]string{"method", "route"},
	)

	listenerJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listener_jobs_total",
			Help: "Total number of async verification jobs, labeled by final status.",
		},
		[]string{"status"},
	)

	listenerActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "listener_active_workers",
			Help: "Number of workers currently verifying a claim.",
		},
	)

	listenerRateLimitDelaysSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "listener_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)
)

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

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, rec.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveClaim counts a finished claim by its outcome label.
func ObserveClaim(outcome string) {
	webmentionClaimsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetch records an outbound fetch. code 0 means the request never completed.
// Fetched urls come from claim senders, so hosts stay out of the labels.
func ObserveFetch(method string, code int, bytesFetched int) {
	listenerFetchesTotal.WithLabelValues(method, fetchCode(code)).Inc()
	if bytesFetched > 0 {
		listenerFetchBytesTotal.Add(float64(bytesFetched))
	}
}

// fetchCode keeps the code label to the standard status range.
func fetchCode(code int) string {
	if code < 100 || code > 599 {
		return "0"
	}
	return strconv.Itoa(code)
}

// ObserveVouchProbe counts a vouch check by result (allowlisted, probed, rejected, cached).
func ObserveVouchProbe(result string) {
	vouchProbesTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	listenerJobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	listenerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	listenerActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	listenerRateLimitDelaysSeconds.Observe(duration.Seconds())
}
