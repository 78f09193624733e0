// Package metrics exposes Prometheus collectors for the spider service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	spiderRequestsTotal        *prometheus.CounterVec
	spiderFetchDurationSeconds *prometheus.HistogramVec
	spiderItemsTotal           *prometheus.CounterVec
	spiderItemsRejectedTotal   *prometheus.CounterVec
	spiderTasksTotal           *prometheus.CounterVec
	spiderConcurrencyLimit     *prometheus.GaugeVec
	spiderRequestDelaySeconds  *prometheus.GaugeVec
	spiderPoolAvailable        *prometheus.GaugeVec
	spiderActiveWorkers        prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		spiderRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spider_requests_total",
				Help: "Total fetch attempts, labeled by source and result.",
			},
			[]string{"source", "result"},
		)

		spiderFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spider_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by source.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
			},
			[]string{"source"},
		)

		spiderItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spider_items_total",
				Help: "Total records committed, labeled by kind.",
			},
			[]string{"kind"},
		)

		spiderItemsRejectedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spider_items_rejected_total",
				Help: "Total records rejected in normalization, labeled by kind.",
			},
			[]string{"kind"},
		)

		spiderTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spider_tasks_total",
				Help: "Total tasks finished, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		spiderConcurrencyLimit = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "spider_concurrency_limit",
				Help: "Current adaptive concurrency limit per source.",
			},
			[]string{"source"},
		)

		spiderRequestDelaySeconds = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "spider_request_delay_seconds",
				Help: "Current adaptive inter-request delay per source.",
			},
			[]string{"source"},
		)

		spiderPoolAvailable = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "spider_pool_available",
				Help: "Resources currently eligible for checkout, per pool.",
			},
			[]string{"pool"},
		)

		spiderActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "spider_active_workers",
				Help: "Number of worker loops currently processing a task.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one fetch attempt.
func ObserveRequest(source, result string, duration time.Duration) {
	spiderRequestsTotal.WithLabelValues(source, result).Inc()
	spiderFetchDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveItems counts committed records.
func ObserveItems(kind string, n int) {
	if n > 0 {
		spiderItemsTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// ObserveRejected counts rejected records.
func ObserveRejected(kind string, n int) {
	if n > 0 {
		spiderItemsRejectedTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// ObserveTask counts one finished task by outcome (acked, requeued, dropped).
func ObserveTask(source, outcome string) {
	spiderTasksTotal.WithLabelValues(source, outcome).Inc()
}

// SetThrottle publishes the controller's current limits for a source.
func SetThrottle(source string, concurrency int, delay time.Duration) {
	spiderConcurrencyLimit.WithLabelValues(source).Set(float64(concurrency))
	spiderRequestDelaySeconds.WithLabelValues(source).Set(delay.Seconds())
}

// SetPoolAvailable publishes a pool's eligible-resource count.
func SetPoolAvailable(pool string, n int) {
	spiderPoolAvailable.WithLabelValues(pool).Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	spiderActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	spiderActiveWorkers.Dec()
}
