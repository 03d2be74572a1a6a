package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Acquisition metrics

	JobsAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobexec",
		Name:      "jobs_acquired_total",
		Help:      "Total jobs leased by this node.",
	})

	AcquisitionCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "jobexec",
		Name:      "acquisition_cycle_duration_seconds",
		Help:      "Time taken for one acquisition cycle.",
		Buckets:   prometheus.DefBuckets,
	})

	TimersPromotedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobexec",
		Name:      "timers_promoted_total",
		Help:      "Timer jobs moved to the executable table on reaching their due date.",
	})

	// Execution metrics

	JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobexec",
		Name:      "jobs_in_flight",
		Help:      "Jobs currently being executed by this node.",
	})

	JobsExecutedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobexec",
		Name:      "jobs_executed_total",
		Help:      "Job executions finished, by outcome.",
	}, []string{"outcome"})

	JobExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jobexec",
		Name:      "job_execution_duration_seconds",
		Help:      "Duration of resume-callback execution.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"outcome"})

	// Retry metrics

	RetriesScheduledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobexec",
		Name:      "retries_scheduled_total",
		Help:      "Failed jobs moved back to the timer table for another attempt.",
	})

	JobsDeadLetteredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobexec",
		Name:      "jobs_dead_lettered_total",
		Help:      "Jobs whose retry budget was exhausted.",
	})

	// Event metrics

	EventsDispatchedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobexec",
		Name:      "events_dispatched_total",
		Help:      "Domain events dispatched, by type.",
	}, []string{"type"})

	// HTTP metrics

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jobexec",
		Name:      "http_request_duration_seconds",
		Help:      "Ops API request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobexec",
		Name:      "http_requests_total",
		Help:      "Total ops API requests.",
	}, []string{"method", "path", "status"})
)

func Register() {
	prometheus.MustRegister(
		JobsAcquiredTotal,
		AcquisitionCycleDuration,
		TimersPromotedTotal,
		JobsInFlight,
		JobsExecutedTotal,
		JobExecutionDuration,
		RetriesScheduledTotal,
		JobsDeadLetteredTotal,
		EventsDispatchedTotal,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

// HealthHandler is satisfied by health.Checker.
type HealthHandler interface {
	LivenessHandler() http.HandlerFunc
	ReadinessHandler() http.HandlerFunc
}

func NewServer(addr string, checker HealthHandler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if checker != nil {
		mux.HandleFunc("/healthz", checker.LivenessHandler())
		mux.HandleFunc("/readyz", checker.ReadinessHandler())
	}
	return &http.Server{Addr: addr, Handler: mux}
}
