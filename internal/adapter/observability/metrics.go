package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fairyhunter13/mahavishnu/internal/domain"
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

	WorkflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflows_total",
			Help: "Workflows finished by terminal status",
		},
		[]string{"status"},
	)
	WorkflowDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "workflow_duration_seconds",
			Help:    "End-to-end workflow execution duration",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
	)
	RepoResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_repo_results_total",
			Help: "Per-repository outcomes inside workflows",
		},
		[]string{"outcome"},
	)

	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"to"},
	)
	DLQDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dlq_depth",
			Help: "Number of entries in the dead letter queue",
		},
	)
	DLQEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dlq_enqueued_total",
			Help: "Entries dead-lettered",
		},
	)

	PoolWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_workers",
			Help: "Workers per pool by status",
		},
		[]string{"pool_id", "status"},
	)
	WorkerEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_events_total",
			Help: "Worker lifecycle events",
		},
		[]string{"event"},
	)

	SagasTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagas_total",
			Help: "Sagas finished by terminal status",
		},
		[]string{"status"},
	)
	SagaStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_steps_total",
			Help: "Saga step outcomes",
		},
		[]string{"outcome"},
	)
)

// InitMetrics registers every collector with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(WorkflowsTotal)
	prometheus.MustRegister(WorkflowDuration)
	prometheus.MustRegister(RepoResultsTotal)
	prometheus.MustRegister(BreakerTransitionsTotal)
	prometheus.MustRegister(DLQDepth)
	prometheus.MustRegister(DLQEnqueuedTotal)
	prometheus.MustRegister(PoolWorkers)
	prometheus.MustRegister(WorkerEventsTotal)
	prometheus.MustRegister(SagasTotal)
	prometheus.MustRegister(SagaStepsTotal)
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
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// EventCollector translates lifecycle events from the bus into metrics.
// Subscribe it once at startup.
func EventCollector(e domain.Event) {
	switch e.Type {
	case domain.EventWorkflowSucceeded, domain.EventWorkflowPartial,
		domain.EventWorkflowFailed, domain.EventWorkflowCancelled:
		WorkflowsTotal.WithLabelValues(e.Fields["status"]).Inc()
	case domain.EventRepoSucceeded:
		RepoResultsTotal.WithLabelValues("success").Inc()
	case domain.EventRepoFailed:
		RepoResultsTotal.WithLabelValues("failure").Inc()
	case domain.EventBreakerOpened:
		BreakerTransitionsTotal.WithLabelValues("open").Inc()
	case domain.EventBreakerClosed:
		BreakerTransitionsTotal.WithLabelValues("closed").Inc()
	case domain.EventBreakerHalfOpen:
		BreakerTransitionsTotal.WithLabelValues("half_open").Inc()
	case domain.EventDLQEnqueued:
		DLQEnqueuedTotal.Inc()
		DLQDepth.Inc()
	case domain.EventDLQReplayed:
		DLQDepth.Dec()
	case domain.EventWorkerSpawned:
		WorkerEventsTotal.WithLabelValues("spawned").Inc()
	case domain.EventWorkerUnhealthy:
		WorkerEventsTotal.WithLabelValues("unhealthy").Inc()
	case domain.EventWorkerDead:
		WorkerEventsTotal.WithLabelValues("dead").Inc()
	case domain.EventSagaCompleted:
		SagasTotal.WithLabelValues("completed").Inc()
	case domain.EventSagaFailed:
		SagasTotal.WithLabelValues("failed").Inc()
	case domain.EventSagaStepSucceeded:
		SagaStepsTotal.WithLabelValues("success").Inc()
	case domain.EventSagaStepFailed:
		SagaStepsTotal.WithLabelValues("failure").Inc()
	}
}
