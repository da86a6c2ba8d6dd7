// Package metrics exposes Prometheus collectors for the watcher service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	checksTotal          *prometheus.CounterVec
	checkDurationSeconds prometheus.Histogram
	changesTotal         *prometheus.CounterVec
	catalogModels        prometheus.Gauge
	cacheEventsTotal     *prometheus.CounterVec
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		checksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelwatch_checks_total",
				Help: "Total number of catalog checks, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		checkDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "modelwatch_check_duration_seconds",
				Help:    "Histogram of catalog check durations.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		changesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelwatch_changes_total",
				Help: "Total number of detected catalog changes, labeled by type.",
			},
			[]string{"type"},
		)

		catalogModels = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "modelwatch_catalog_models",
				Help: "Number of models in the latest catalog snapshot.",
			},
		)

		cacheEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelwatch_cache_events_total",
				Help: "Total number of response cache lookups, labeled by event.",
			},
			[]string{"event"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCheck records one catalog check with its outcome and duration.
func ObserveCheck(outcome string, duration time.Duration) {
	checksTotal.WithLabelValues(outcome).Inc()
	checkDurationSeconds.Observe(duration.Seconds())
}

// ObserveCheckSkipped counts a check that was skipped because the
// previous one was still running.
func ObserveCheckSkipped() {
	checksTotal.WithLabelValues("skipped").Inc()
}

// ObserveChanges records detected change events by type.
func ObserveChanges(added, changed, removed int) {
	if added > 0 {
		changesTotal.WithLabelValues("added").Add(float64(added))
	}
	if changed > 0 {
		changesTotal.WithLabelValues("changed").Add(float64(changed))
	}
	if removed > 0 {
		changesTotal.WithLabelValues("removed").Add(float64(removed))
	}
}

// SetModelCount sets the current snapshot size gauge.
func SetModelCount(n int) {
	catalogModels.Set(float64(n))
}

// ObserveCacheEvent counts one response cache lookup: "hit", "miss", or
// "bypass".
func ObserveCacheEvent(event string) {
	cacheEventsTotal.WithLabelValues(event).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
