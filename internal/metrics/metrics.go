// Package metrics exposes Prometheus collectors for the gateway and
// the crawler.
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
	gatewayRequestsTotal          *prometheus.CounterVec
	gatewayRequestDurationSeconds *prometheus.HistogramVec
	presignDecisionsTotal         *prometheus.CounterVec
	crawlTasksTotal               *prometheus.CounterVec
	crawlStageDurationSeconds     *prometheus.HistogramVec
	reportDeliveriesTotal         *prometheus.CounterVec

	once sync.Once
)

// Presign decision labels.
const (
	DecisionIssued     = "issued"
	DecisionConflict   = "conflict"
	DecisionAuthFailed = "auth_failed"
	DecisionBadRequest = "bad_request"
	DecisionBadDOI     = "bad_doi"
	DecisionError      = "error"
)

// Init initializes the Prometheus collectors. Safe to call repeatedly.
func Init() {
	once.Do(func() {
		gatewayRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total gateway HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		gatewayRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Histogram of gateway request latencies, labeled by route.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"route"},
		)

		presignDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_presign_decisions_total",
				Help: "Presign request outcomes, labeled by decision.",
			},
			[]string{"decision"},
		)

		crawlTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_tasks_total",
				Help: "Task attempt outcomes, labeled by result.",
			},
			[]string{"result"},
		)

		crawlStageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawl_stage_duration_seconds",
				Help:    "Histogram of per-stage attempt durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"stage"},
		)

		reportDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "report_deliveries_total",
				Help: "Telemetry report deliveries, labeled by outcome.",
			},
			[]string{"outcome"},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveGatewayRequest records one completed gateway request.
func ObserveGatewayRequest(method, route string, code int, duration time.Duration) {
	gatewayRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	gatewayRequestDurationSeconds.WithLabelValues(route).Observe(duration.Seconds())
}

// ObservePresignDecision counts one presign outcome.
func ObservePresignDecision(decision string) {
	presignDecisionsTotal.WithLabelValues(decision).Inc()
}

// ObserveTaskResult counts one task attempt result.
func ObserveTaskResult(result string) {
	crawlTasksTotal.WithLabelValues(result).Inc()
}

// ObserveStage records the duration of one attempt stage.
func ObserveStage(stage string, duration time.Duration) {
	crawlStageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveReportDelivery counts one telemetry delivery outcome.
func ObserveReportDelivery(outcome string) {
	reportDeliveriesTotal.WithLabelValues(outcome).Inc()
}
