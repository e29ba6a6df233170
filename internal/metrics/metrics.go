// Package metrics exposes Prometheus collectors for the linkback service.
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
	inboundPingsTotal          *prometheus.CounterVec
	outboundPingsTotal         *prometheus.CounterVec
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	moderationTotal            *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		inboundPingsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkback_inbound_pings_total",
				Help: "Total number of inbound pings, labeled by protocol and result.",
			},
			[]string{"protocol", "result"},
		)

		outboundPingsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkback_outbound_pings_total",
				Help: "Total number of outbound ping attempts, labeled by protocol and status.",
			},
			[]string{"protocol", "status"},
		)

		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkback_fetches_total",
				Help: "Total number of remote fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkback_fetch_bytes_total",
				Help: "Total number of body bytes read, labeled by site.",
			},
			[]string{"site"},
		)

		moderationTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkback_moderation_total",
				Help: "Total number of moderation changes, labeled by new status.",
			},
			[]string{"status"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "linkback_fetch_rate_limit_delay_seconds",
				Help:    "Time spent waiting for a per-host fetch permit, labeled by site.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
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

// The Observe functions are no-ops until Init has run, so library code can
// report unconditionally.

// ObserveInboundPing counts a processed inbound ping. result is "registered"
// or the name of the rejecting fault.
func ObserveInboundPing(protocol, result string) {
	if inboundPingsTotal == nil {
		return
	}
	inboundPingsTotal.WithLabelValues(protocol, result).Inc()
}

// ObserveOutboundPing counts an outbound ping attempt by final status.
func ObserveOutboundPing(protocol, status string) {
	if outboundPingsTotal == nil {
		return
	}
	outboundPingsTotal.WithLabelValues(protocol, status).Inc()
}

// ObserveFetch counts a remote fetch and the bytes it returned.
func ObserveFetch(site string, status string, bytesFetched int) {
	if fetchesTotal == nil {
		return
	}
	sanitizedSite := SanitizeSite(site)
	fetchesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveModeration counts a moderation status change.
func ObserveModeration(status string) {
	if moderationTotal == nil {
		return
	}
	moderationTotal.WithLabelValues(status).Inc()
}

// ObserveRateLimitDelay records how long a fetch waited for its host's
// permit.
func ObserveRateLimitDelay(site string, delay time.Duration) {
	if rateLimitDelaySeconds == nil {
		return
	}
	rateLimitDelaySeconds.WithLabelValues(SanitizeSite(site)).Observe(delay.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
