// Package metrics exposes Prometheus collectors for the event discovery service.
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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "techevents_http_requests_total",
			Help: "Total number of HTTP requests, labeled by method, route and code.",
		},
		[]string{"method", "route", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "techevents_http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60, 120},
		},
		[]string{"method", "route"},
	)

	rateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "techevents_rate_limited_total",
			Help: "Requests rejected by the sliding window limiter, labeled by class.",
		},
		[]string{"class"},
	)

	cacheFallbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "techevents_cache_fallback_total",
			Help: "Remote cache operations served by the local fallback, labeled by op.",
		},
		[]string{"op"},
	)

	crawlsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "techevents_crawls_total",
			Help: "Crawl adapter calls, labeled by platform, backend and outcome.",
		},
		[]string{"platform", "backend", "outcome"},
	)

	crawlRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "techevents_crawl_records_total",
			Help: "Raw records returned by crawl backends.",
		},
		[]string{"platform", "backend"},
	)

	searchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "techevents_searches_total",
			Help: "Completed searches, labeled by result source and timeout flag.",
		},
		[]string{"source", "timeout"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "techevents_crawl_rate_limit_delay_seconds",
			Help:    "Histogram of per-domain politeness waits.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SanitizeSite extracts a lowercase hostname from a URL.
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

// ObserveHTTPRequest records one served request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimited records a 429.
func ObserveRateLimited(class string) {
	rateLimitedTotal.WithLabelValues(class).Inc()
}

// ObserveCacheFallback records a remote cache failure served locally.
func ObserveCacheFallback(op string) {
	cacheFallbackTotal.WithLabelValues(op).Inc()
}

// ObserveCrawl records a backend attempt and how many records it produced.
func ObserveCrawl(platform, backend, outcome string, records int) {
	crawlsTotal.WithLabelValues(platform, backend, outcome).Inc()
	if records > 0 {
		crawlRecordsTotal.WithLabelValues(platform, backend).Add(float64(records))
	}
}

// ObserveSearch records a finished search stream.
func ObserveSearch(source string, timedOut bool) {
	searchesTotal.WithLabelValues(source, strconv.FormatBool(timedOut)).Inc()
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
