// Package metrics exposes Prometheus collectors for the update cycle.
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
	cyclesTotal                *prometheus.CounterVec
	cycleDurationSeconds       prometheus.Histogram
	cycleRunning               prometheus.Gauge
	sourcesCheckedTotal        *prometheus.CounterVec
	chaptersUpdatedTotal       prometheus.Counter
	notificationsTotal         prometheus.Counter
	throttleWaitSeconds        prometheus.Histogram
	breakerTripsTotal          *prometheus.CounterVec
	browserLaunchesTotal       *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		cyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chapterbot_cycles_total",
				Help: "Total number of update cycles, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		cycleDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chapterbot_cycle_duration_seconds",
				Help:    "Wall time of update cycles.",
				Buckets: []float64{1, 10, 30, 60, 120, 300, 600, 1200},
			},
		)

		cycleRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "chapterbot_cycle_running",
				Help: "1 while an update cycle or manual check holds the guard.",
			},
		)

		sourcesCheckedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chapterbot_sources_checked_total",
				Help: "Sources attempted, labeled by result.",
			},
			[]string{"result"},
		)

		chaptersUpdatedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "chapterbot_chapters_updated_total",
				Help: "Sources whose latest chapter advanced.",
			},
		)

		notificationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "chapterbot_notifications_total",
				Help: "Reader notifications created.",
			},
		)

		throttleWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chapterbot_throttle_wait_seconds",
				Help:    "Time spent waiting for the origin request gap.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		breakerTripsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chapterbot_breaker_trips_total",
				Help: "Circuit breaker trips, labeled by reason.",
			},
			[]string{"reason"},
		)

		browserLaunchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chapterbot_browser_launches_total",
				Help: "Headless browser launches, labeled by result.",
			},
			[]string{"result"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chapterbot_fetch_duration_seconds",
				Help:    "Page fetch latency, labeled by engine.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"engine"},
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

// ObserveCycle records a finished cycle.
func ObserveCycle(outcome string, duration time.Duration) {
	Init()
	cyclesTotal.WithLabelValues(outcome).Inc()
	cycleDurationSeconds.Observe(duration.Seconds())
}

// SetCycleRunning flips the running gauge.
func SetCycleRunning(running bool) {
	Init()
	if running {
		cycleRunning.Set(1)
		return
	}
	cycleRunning.Set(0)
}

// ObserveSourceChecked counts one attempted source.
func ObserveSourceChecked(result string) {
	Init()
	sourcesCheckedTotal.WithLabelValues(result).Inc()
}

// ObserveChapterUpdated counts an advanced source and the notifications it produced.
func ObserveChapterUpdated(notified int) {
	Init()
	chaptersUpdatedTotal.Inc()
	if notified > 0 {
		notificationsTotal.Add(float64(notified))
	}
}

// ObserveThrottleWait records the duration of a throttle wait.
func ObserveThrottleWait(duration time.Duration) {
	Init()
	throttleWaitSeconds.Observe(duration.Seconds())
}

// ObserveBreakerTrip counts a breaker trip.
func ObserveBreakerTrip(reason string) {
	Init()
	breakerTripsTotal.WithLabelValues(reason).Inc()
}

// ObserveBrowserLaunch counts a launch attempt.
func ObserveBrowserLaunch(result string) {
	Init()
	browserLaunchesTotal.WithLabelValues(result).Inc()
}

// ObserveFetch records fetch latency for an engine.
func ObserveFetch(engine string, duration time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(engine).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
