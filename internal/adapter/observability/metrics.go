// Package observability provides logging, metrics, and tracing.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	TasksDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_dispatched_total",
			Help: "Total number of tasks published to the broker",
		},
		[]string{"operation", "queue"},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of task executions by outcome",
		},
		[]string{"operation", "outcome"},
	)
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"operation"},
	)

	JobStatusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_status_total",
			Help: "Terminal job transitions by status",
		},
		[]string{"status"},
	)
	JobEndToEndSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "job_end_to_end_seconds",
			Help:    "Latency from submission dispatch to finalize completion",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook delivery attempts by result",
		},
		[]string{"result"},
	)
	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_breaker_transitions_total",
			Help: "Circuit breaker state transitions per destination host",
		},
		[]string{"host", "from", "to"},
	)

	JobsPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_pruned_total",
			Help: "Jobs deleted by the maintenance scheduler",
		},
	)
)

// InitMetrics registers all Prometheus collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(TasksDispatchedTotal)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(JobStatusTotal)
	prometheus.MustRegister(JobEndToEndSeconds)
	prometheus.MustRegister(WebhookDeliveriesTotal)
	prometheus.MustRegister(BreakerTransitionsTotal)
	prometheus.MustRegister(JobsPrunedTotal)
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
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

// DispatchTask records a task publish.
func DispatchTask(operation, queue string) {
	TasksDispatchedTotal.WithLabelValues(operation, queue).Inc()
}

// ObserveTask records one task execution.
func ObserveTask(operation, outcome string, dur time.Duration) {
	TasksCompletedTotal.WithLabelValues(operation, outcome).Inc()
	TaskDuration.WithLabelValues(operation).Observe(dur.Seconds())
}

// ObserveTerminal records a terminal job transition and end-to-end latency.
func ObserveTerminal(status string, enqueuedAt time.Time) {
	JobStatusTotal.WithLabelValues(status).Inc()
	if !enqueuedAt.IsZero() {
		JobEndToEndSeconds.Observe(time.Since(enqueuedAt).Seconds())
	}
}

// ObserveWebhook records one delivery result (delivered, skipped, failed).
func ObserveWebhook(result string) {
	WebhookDeliveriesTotal.WithLabelValues(result).Inc()
}

// ObserveBreakerTransition records a circuit breaker state change.
func ObserveBreakerTransition(host, from, to string) {
	BreakerTransitionsTotal.WithLabelValues(host, from, to).Inc()
}
