// Package metrics exposes Prometheus collectors for the monitoring service.
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

// Archive outcomes.
const (
	ArchiveStored       = "stored"
	ArchiveDeduplicated = "deduplicated"
	ArchiveTrusted      = "trusted"
	ArchiveError        = "error"
)

var (
	archiveResultsTotal        *prometheus.CounterVec
	archiveBytesTotal          prometheus.Counter
	fetchRetriesTotal          *prometheus.CounterVec
	importRowsTotal            *prometheus.CounterVec
	importsTotal               *prometheus.CounterVec
	settlementFlipsTotal       prometheus.Counter
	annotationsTotal           prometheus.Counter
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		archiveResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webmonitor_archive_results_total",
				Help: "Total number of archive calls, labeled by outcome.",
			},
			[]string{"result"},
		)

		archiveBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "webmonitor_archive_bytes_total",
				Help: "Total number of body bytes written to the archive store.",
			},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webmonitor_fetch_retries_total",
				Help: "Total number of retried fetches, labeled by site.",
			},
			[]string{"site"},
		)

		importRowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webmonitor_import_rows_total",
				Help: "Total number of imported rows, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		importsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webmonitor_imports_total",
				Help: "Total number of import batches processed, labeled by status.",
			},
			[]string{"status"},
		)

		settlementFlipsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "webmonitor_settlement_flips_total",
				Help: "Total number of version difference flags changed by settlement.",
			},
		)

		annotationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "webmonitor_annotations_total",
				Help: "Total number of annotations written.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "webmonitor_active_workers",
				Help: "Number of workers currently processing an import.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webmonitor_rate_limit_delays_seconds",
				Help:    "Histogram of per-host fetch throttling waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
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

// ObserveArchive records one archive call outcome and the bytes it wrote.
func ObserveArchive(result string, bytesWritten int64) {
	Init()
	archiveResultsTotal.WithLabelValues(result).Inc()
	if bytesWritten > 0 {
		archiveBytesTotal.Add(float64(bytesWritten))
	}
}

// ObserveFetchRetry increments the retry counter for the URL's host.
func ObserveFetchRetry(rawURL string) {
	Init()
	fetchRetriesTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveImportRow increments the row counter for outcome.
func ObserveImportRow(outcome string) {
	Init()
	importRowsTotal.WithLabelValues(outcome).Inc()
}

// ObserveImport increments the batch counter for status.
func ObserveImport(status string) {
	Init()
	importsTotal.WithLabelValues(status).Inc()
}

// ObserveSettlementFlips adds n flipped difference flags.
func ObserveSettlementFlips(n int) {
	Init()
	if n > 0 {
		settlementFlipsTotal.Add(float64(n))
	}
}

// ObserveAnnotation increments the annotation counter.
func ObserveAnnotation() {
	Init()
	annotationsTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records how long a fetch waited for its host's turn.
func ObserveRateLimitDelay(host string, d time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
