package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Claim/execute metrics

	MissionClaimLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "panel",
		Name:      "mission_claim_latency_seconds",
		Help:      "Time the claim query takes to run.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	AttemptExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "panel",
		Name:      "attempt_execution_duration_seconds",
		Help:      "Duration of a mission's ExecuteMission call.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
	}, []string{"handler"})

	AttemptsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "panel",
		Name:      "attempts_in_flight",
		Help:      "Number of attempts currently being executed.",
	})

	AttemptsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "panel",
		Name:      "attempts_completed_total",
		Help:      "Total attempts finished, by outcome.",
	}, []string{"outcome"})

	// Reclamation metrics — a stale Attempt becoming claimable again

	ReclaimedAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "panel",
		Name:      "reclaimed_attempts_total",
		Help:      "Total missions reclaimed from a stale attempt, by handler.",
	}, []string{"handler"})

	// Handler lifecycle

	HandlerStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "panel",
		Name:      "handler_start_time_seconds",
		Help:      "Unix timestamp when the handler started.",
	})

	HandlerShutdownsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "panel",
		Name:      "handler_shutdowns_total",
		Help:      "Number of times the handler has shut down.",
	})

	// HTTP metrics — the optional read-only panel-server

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "panel",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "panel",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})
)

// Register registers every metric with the default Prometheus registry.
func Register() {
	prometheus.MustRegister(
		MissionClaimLatency,
		AttemptExecutionDuration,
		AttemptsInFlight,
		AttemptsCompletedTotal,
		ReclaimedAttemptsTotal,
		HandlerStartTime,
		HandlerShutdownsTotal,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

// NewServer returns a standalone metrics server exposing /metrics.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
