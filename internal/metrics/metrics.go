// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// File outcomes recorded by ObserveFile.
const (
	FilePersisted = "persisted"
	FileDuplicate = "duplicate"
	FileFailed    = "failed"
	FileDiscarded = "dry_run"
)

var (
	crawlerRunsTotal                *prometheus.CounterVec
	crawlerRetailersTotal           *prometheus.CounterVec
	crawlerFilesTotal               *prometheus.CounterVec
	crawlerBytesTotal               *prometheus.CounterVec
	crawlerActiveSlots              prometheus.Gauge
	crawlerRetailerDurationSeconds  *prometheus.HistogramVec
	crawlerStorageWriteRetriesTotal prometheus.Counter
	crawlerRateLimitDelaySeconds    *prometheus.HistogramVec
	httpRequestsTotal               *prometheus.CounterVec
	httpRequestDurationSeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_runs_total",
				Help: "Total number of crawl runs finished, labeled by terminal status.",
			},
			[]string{"status"},
		)

		crawlerRetailersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_retailers_total",
				Help: "Total number of retailer crawls finished, labeled by status and reason.",
			},
			[]string{"status", "reason"},
		)

		crawlerFilesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_files_total",
				Help: "Total number of discovered files processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of price-file bytes persisted, labeled by retailer.",
			},
			[]string{"retailer"},
		)

		crawlerActiveSlots = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_slots",
				Help: "Number of scheduler slots currently held by a retailer crawl.",
			},
		)

		crawlerRetailerDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_retailer_duration_seconds",
				Help:    "Histogram of retailer crawl durations, labeled by platform.",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"platform"},
		)

		crawlerStorageWriteRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_storage_write_retries_total",
				Help: "Total number of blob writes that needed more than one attempt.",
			},
		)

		crawlerRateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delay_seconds",
				Help:    "Time spent waiting for a per-host rate limit token.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"host"},
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

func label(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "none"
	}
	return v
}

// ObserveRun counts a finished run.
func ObserveRun(status string) {
	Init()
	crawlerRunsTotal.WithLabelValues(label(status)).Inc()
}

// ObserveRetailer counts a sealed retailer result and its duration.
func ObserveRetailer(platform, status, reason string, duration time.Duration) {
	Init()
	crawlerRetailersTotal.WithLabelValues(label(status), label(reason)).Inc()
	if duration > 0 {
		crawlerRetailerDurationSeconds.WithLabelValues(label(platform)).Observe(duration.Seconds())
	}
}

// ObserveFile counts one discovered link by outcome and adds persisted bytes.
func ObserveFile(retailer, outcome string, bytesPersisted int) {
	Init()
	crawlerFilesTotal.WithLabelValues(outcome).Inc()
	if bytesPersisted > 0 {
		crawlerBytesTotal.WithLabelValues(label(retailer)).Add(float64(bytesPersisted))
	}
}

// ObserveStorageRetry counts a blob write that took more than one attempt.
func ObserveStorageRetry() {
	Init()
	crawlerStorageWriteRetriesTotal.Inc()
}

// ObserveRateLimitDelay records how long a fetch waited for its host's limiter.
func ObserveRateLimitDelay(host string, delay time.Duration) {
	Init()
	crawlerRateLimitDelaySeconds.WithLabelValues(label(host)).Observe(delay.Seconds())
}

// IncActiveSlots increments the active slots gauge.
func IncActiveSlots() {
	Init()
	crawlerActiveSlots.Inc()
}

// DecActiveSlots decrements the active slots gauge.
func DecActiveSlots() {
	Init()
	crawlerActiveSlots.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
