// Package metrics exposes Prometheus collectors for the scraper service.
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

// Label values shared by the scrape and broadcast collectors.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

var (
	scrapesTotal               *prometheus.CounterVec
	scrapeDurationSeconds      *prometheus.HistogramVec
	fetchBytesTotal            *prometheus.CounterVec
	broadcastSendsTotal        *prometheus.CounterVec
	subscribers                prometheus.Gauge
	queueDepth                 prometheus.Gauge
	triggersTotal              *prometheus.CounterVec
	lastSuccessTimestamp       prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_scrapes_total",
				Help: "Total number of scrape runs, labeled by result.",
			},
			[]string{"result"},
		)

		scrapeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_scrape_duration_seconds",
				Help:    "Histogram of scrape durations, labeled by result.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"result"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		broadcastSendsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_broadcast_sends_total",
				Help: "Total number of sends to subscribers, labeled by result.",
			},
			[]string{"result"},
		)

		subscribers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_subscribers",
				Help: "Number of currently registered subscribers.",
			},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_queue_depth",
				Help: "Number of pending scrape triggers.",
			},
		)

		triggersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_triggers_total",
				Help: "Total number of enqueued scrape triggers, labeled by source.",
			},
			[]string{"source"},
		)

		lastSuccessTimestamp = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_last_success_timestamp_seconds",
				Help: "Unix time of the last successful scrape.",
			},
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

// ObserveScrape records one scrape run and, on success, the completion time.
func ObserveScrape(result string, duration time.Duration, finished time.Time) {
	Init()
	scrapesTotal.WithLabelValues(result).Inc()
	scrapeDurationSeconds.WithLabelValues(result).Observe(duration.Seconds())
	if result == ResultSuccess {
		lastSuccessTimestamp.Set(float64(finished.Unix()))
	}
}

// ObserveFetch records the bytes fetched from a site.
func ObserveFetch(site string, bytesFetched int) {
	Init()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(bytesFetched))
	}
}

// ObserveBroadcastSend records the outcome of one send to a subscriber.
func ObserveBroadcastSend(result string) {
	Init()
	broadcastSendsTotal.WithLabelValues(result).Inc()
}

// SetSubscribers updates the subscriber gauge.
func SetSubscribers(n int) {
	Init()
	subscribers.Set(float64(n))
}

// SetQueueDepth updates the pending trigger gauge.
func SetQueueDepth(n int) {
	Init()
	queueDepth.Set(float64(n))
}

// ObserveTrigger counts one enqueued trigger.
func ObserveTrigger(source string) {
	Init()
	triggersTotal.WithLabelValues(source).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
