// Package metrics exposes the process-wide Prometheus collectors for the
// webhook service.
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

// Labels for ObserveEvent.
const (
	EventAccepted  = "accepted"
	EventDuplicate = "duplicate"
	EventMalformed = "malformed"
	EventRejected  = "rejected"
)

// Labels for ObserveSubmission.
const (
	SubmissionEnqueued  = "enqueued"
	SubmissionRetried   = "retried"
	SubmissionExhausted = "exhausted"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	eventsTotal                *prometheus.CounterVec
	submissionsTotal           *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	jobDurationSeconds         *prometheus.HistogramVec
	jobAttempts                prometheus.Histogram
	activeWorkers              prometheus.Gauge
	queueDepth                 prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call
// multiple times; every Observe helper calls it.
func Init() {
	once.Do(func() {
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
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"method", "route"},
		)

		eventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_events_total",
				Help: "Inbound webhook events, labeled by intake outcome.",
			},
			[]string{"outcome"},
		)

		submissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_submissions_total",
				Help: "Work item submissions to the worker pool, labeled by result.",
			},
			[]string{"result"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_jobs_total",
				Help: "Job units executed, labeled by final result.",
			},
			[]string{"result"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhook_job_duration_seconds",
				Help:    "Wall time per job unit including retries.",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
			},
			[]string{"result"},
		)

		jobAttempts = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "webhook_job_attempts",
				Help:    "Attempts needed per job unit.",
				Buckets: []float64{1, 2, 3, 5, 8},
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "webhook_active_workers",
				Help: "Number of workers currently executing a job unit.",
			},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "webhook_queue_depth",
				Help: "Work items waiting in the pool queue.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhook_fetch_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the fetch rate limiter.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"backend"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveEvent counts one inbound event by intake outcome.
func ObserveEvent(outcome string) {
	Init()
	eventsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSubmission counts one submission attempt result.
func ObserveSubmission(result string) {
	Init()
	submissionsTotal.WithLabelValues(result).Inc()
}

// ObserveJob records the final result of a job unit.
func ObserveJob(result string, attempts int, duration time.Duration) {
	Init()
	jobsTotal.WithLabelValues(result).Inc()
	jobDurationSeconds.WithLabelValues(result).Observe(duration.Seconds())
	if attempts > 0 {
		jobAttempts.Observe(float64(attempts))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// SetQueueDepth records the current queue length.
func SetQueueDepth(n int) {
	Init()
	queueDepth.Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(backend string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(backend).Observe(duration.Seconds())
}
