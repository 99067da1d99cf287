package http

import (
	"strconv"
	"strings"
	"time"

	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Job metrics
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_total",
			Help: "Total number of jobs by terminal status",
		},
		[]string{"status"},
	)

	jobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_active",
			Help: "Number of jobs currently running or waiting on approval",
		},
	)

	jobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Job execution duration from queued to terminal, in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 900, 1200, 1800},
		},
	)

	// Permission Policy Engine metrics
	permissionDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "permission_decisions_total",
			Help: "Total number of automated permission decisions by outcome",
		},
		[]string{"decision"},
	)

	// Skill Router metrics
	skillSelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skill_selections_total",
			Help: "Total number of skill selections by resolved skill code",
		},
		[]string{"skill_code"},
	)

	skillFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "skill_fallbacks_total",
			Help: "Total number of requests routed to the fallback skill",
		},
	)

	// Agent Client metrics
	agentClientErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_client_errors_total",
			Help: "Total number of errors returned by the external agent server, by class",
		},
		[]string{"class"},
	)

	// Queue metrics
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of job_ids waiting in the durable queue",
		},
	)

	deadLetterDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dead_letter_queue_depth",
			Help: "Number of jobs parked in the dead letter queue",
		},
	)
)

// MetricsMiddleware records HTTP request metrics
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// SSE streams stay open for the life of the job; they would otherwise
		// dominate the duration buckets and never contribute a status code.
		if strings.HasSuffix(r.URL.Path, "/events") {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// MetricsHandler returns the Prometheus metrics handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordJobTerminal records a job reaching a terminal status, with its
// wall-clock duration from queued to terminal.
func RecordJobTerminal(status string, duration time.Duration) {
	jobsTotal.WithLabelValues(status).Inc()
	jobDuration.Observe(duration.Seconds())
}

// SetActiveJobs sets the current number of running/waiting_approval jobs
func SetActiveJobs(count int) {
	jobsActive.Set(float64(count))
}

// RecordPermissionDecision increments the automated decision counter
func RecordPermissionDecision(decision string) {
	permissionDecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordSkillSelection increments the skill-router outcome counters
func RecordSkillSelection(skillCode string, fallback bool) {
	skillSelectionsTotal.WithLabelValues(skillCode).Inc()
	if fallback {
		skillFallbacksTotal.Inc()
	}
}

// RecordAgentClientError increments the agent-client error counter by class
func RecordAgentClientError(class string) {
	agentClientErrorsTotal.WithLabelValues(class).Inc()
}

// SetQueueDepth sets the current queue depth
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// SetDeadLetterDepth sets the current dead letter queue depth
func SetDeadLetterDepth(depth int) {
	deadLetterDepth.Set(float64(depth))
}
