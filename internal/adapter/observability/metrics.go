// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// CollaboratorRequestsTotal counts outbound calls to the bundler, renderer,
	// storage, and fetch collaborators by operation.
	CollaboratorRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collaborator_requests_total",
			Help: "Total number of requests to external render pipeline collaborators",
		},
		[]string{"collaborator", "operation"},
	)
	// CollaboratorRequestDuration records durations of collaborator calls.
	CollaboratorRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collaborator_request_duration_seconds",
			Help:    "Duration of external render pipeline collaborator calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"collaborator", "operation"},
	)

	// JobsEnqueuedTotal counts jobs enqueued by tier.
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of render jobs enqueued",
		},
		[]string{"tier"},
	)
	// JobsProcessing is a gauge of the number of currently processing jobs by tier.
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of render jobs currently processing",
		},
		[]string{"tier"},
	)
	// JobsCompletedTotal counts jobs completed by tier.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of render jobs completed",
		},
		[]string{"tier"},
	)
	// JobsFailedTotal counts jobs failed by tier and error kind.
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of render jobs failed",
		},
		[]string{"tier", "error_kind"},
	)

	// RenderDuration is the histogram of successful render wall-clock time.
	RenderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "render_duration_seconds",
			Help:    "Duration of a completed render job from lease to completion",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"tier"},
	)

	// ProgressEmissionsTotal counts progress events actually emitted by the
	// reporter (after throttling), by stage.
	ProgressEmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "progress_emissions_total",
			Help: "Total number of progress events emitted after throttling",
		},
		[]string{"stage"},
	)

	// CreditLedgerOperationsTotal counts ledger operations by kind and result.
	CreditLedgerOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_ledger_operations_total",
			Help: "Total credit ledger operations",
		},
		[]string{"operation", "result"},
	)

	// CircuitBreakerStatus tracks circuit breaker state.
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service", "operation"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(CollaboratorRequestsTotal)
	prometheus.MustRegister(CollaboratorRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(RenderDuration)
	prometheus.MustRegister(ProgressEmissionsTotal)
	prometheus.MustRegister(CreditLedgerOperationsTotal)
	prometheus.MustRegister(CircuitBreakerStatus)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// EnqueueJob increments the enqueued jobs counter for the given tier.
func EnqueueJob(tier string) {
	JobsEnqueuedTotal.WithLabelValues(tier).Inc()
}

// StartProcessingJob increments the processing gauge for the given tier.
func StartProcessingJob(tier string) {
	JobsProcessing.WithLabelValues(tier).Inc()
}

// CompleteJob marks a job complete: decrements the processing gauge,
// increments the completed counter, and records its render duration.
func CompleteJob(tier string, duration time.Duration) {
	JobsProcessing.WithLabelValues(tier).Dec()
	JobsCompletedTotal.WithLabelValues(tier).Inc()
	RenderDuration.WithLabelValues(tier).Observe(duration.Seconds())
}

// FailJob marks a job failed: decrements the processing gauge and
// increments the failed counter for the error kind.
func FailJob(tier, errorKind string) {
	JobsProcessing.WithLabelValues(tier).Dec()
	JobsFailedTotal.WithLabelValues(tier, errorKind).Inc()
}

// RecordProgressEmission records a progress event that survived throttling.
func RecordProgressEmission(stage string) {
	ProgressEmissionsTotal.WithLabelValues(stage).Inc()
}

// RecordLedgerOperation records a credit ledger deduct/refund/balance call.
func RecordLedgerOperation(operation, result string) {
	CreditLedgerOperationsTotal.WithLabelValues(operation, result).Inc()
}

// RecordCircuitBreakerStatus records circuit breaker state.
func RecordCircuitBreakerStatus(service, operation string, status int) {
	CircuitBreakerStatus.WithLabelValues(service, operation).Set(float64(status))
}
