package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freshtrack_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "freshtrack_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freshtrack_jobs_enqueued_total",
			Help: "Jobs persisted to the queue store",
		},
		[]string{"queue", "job_name"},
	)

	jobsEnqueueSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freshtrack_jobs_enqueue_skipped_total",
			Help: "Submissions that did not create a job (store disabled or duplicate id)",
		},
		[]string{"queue", "reason"},
	)

	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freshtrack_jobs_processed_total",
			Help: "Processor invocations by outcome",
		},
		[]string{"queue", "outcome"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "freshtrack_job_duration_seconds",
			Help:    "Processor run time",
			Buckets: []float64{.01, .05, .1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"queue"},
	)

	jobsStalled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freshtrack_jobs_stalled_total",
			Help: "Jobs whose lease expired, by what happened to them",
		},
		[]string{"queue", "result"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "freshtrack_queue_jobs",
			Help: "Jobs per queue and state at the last health snapshot",
		},
		[]string{"queue", "state"},
	)

	queueStoreEnabled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "freshtrack_queue_store_enabled",
			Help: "1 when the producer is connected to the queue store",
		},
	)

	alertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freshtrack_alerts_created_total",
			Help: "Alerts opened by the evaluator",
		},
		[]string{"alert_type", "severity"},
	)

	alertContinuations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freshtrack_alert_continuations_total",
			Help: "Breaches that matched an already open alert",
		},
		[]string{"alert_type"},
	)

	alertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freshtrack_alert_transitions_total",
			Help: "Alert status transitions",
		},
		[]string{"status"},
	)

	evaluationsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freshtrack_evaluations_skipped_total",
			Help: "Readings that could not be evaluated",
		},
		[]string{"reason"},
	)

	notificationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freshtrack_notifications_enqueued_total",
			Help: "Notification jobs enqueued by channel and event",
		},
		[]string{"channel", "event"},
	)

	notificationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freshtrack_notification_outcomes_total",
			Help: "Delivery attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	notificationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "freshtrack_notification_latency_seconds",
			Help:    "Time from alert event to delivery",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "freshtrack_delivery_dedup_hits_total",
			Help: "Deliveries skipped because the same alert event was already sent",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freshtrack_rate_limit_rejections_total",
			Help: "Requests or deliveries rejected by a rate limiter",
		},
		[]string{"scope"},
	)

	gapsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freshtrack_monitoring_gaps_total",
			Help: "Monitoring gaps recorded by type",
		},
		[]string{"gap_type"},
	)

	gapEventsFiltered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "freshtrack_gap_events_filtered_total",
			Help: "State-change events that did not qualify as a gap",
		},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "freshtrack_sqs_messages_in_flight",
			Help: "Reading messages currently being bridged from SQS",
		},
	)

	sqsMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freshtrack_sqs_messages_total",
			Help: "Reading messages received from SQS by outcome",
		},
		[]string{"outcome"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "freshtrack_circuit_breaker_state",
			Help: "0 closed, 1 open, 2 half-open",
		},
		[]string{"name"},
	)

	auditEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freshtrack_audit_events_total",
			Help: "Alert lifecycle events published to the audit topic",
		},
		[]string{"outcome"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func RecordJobEnqueued(queue, jobName string) {
	jobsEnqueued.WithLabelValues(queue, jobName).Inc()
}

func RecordJobEnqueueSkipped(queue, reason string) {
	jobsEnqueueSkipped.WithLabelValues(queue, reason).Inc()
}

// RecordJobProcessed records one processor invocation. outcome is one of
// completed, retried, postponed, failed, lock_lost, abandoned.
func RecordJobProcessed(queue, outcome string, duration time.Duration) {
	jobsProcessed.WithLabelValues(queue, outcome).Inc()
	jobDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

func RecordJobsStalled(queue string, requeued, failed int) {
	if requeued > 0 {
		jobsStalled.WithLabelValues(queue, "requeued").Add(float64(requeued))
	}
	if failed > 0 {
		jobsStalled.WithLabelValues(queue, "failed").Add(float64(failed))
	}
}

// SetQueueDepth publishes the non-terminal counts of a queue.
func SetQueueDepth(queue string, waiting, active, delayed, failed int64) {
	queueDepth.WithLabelValues(queue, "waiting").Set(float64(waiting))
	queueDepth.WithLabelValues(queue, "active").Set(float64(active))
	queueDepth.WithLabelValues(queue, "delayed").Set(float64(delayed))
	queueDepth.WithLabelValues(queue, "failed").Set(float64(failed))
}

func SetQueueStoreEnabled(enabled bool) {
	if enabled {
		queueStoreEnabled.Set(1)
		return
	}
	queueStoreEnabled.Set(0)
}

func RecordAlertCreated(alertType, severity string) {
	alertsCreated.WithLabelValues(alertType, severity).Inc()
}

// RecordAlertContinuation counts a repeated breach on an open alert.
func RecordAlertContinuation(alertType string) {
	alertContinuations.WithLabelValues(alertType).Inc()
}

func RecordAlertTransition(status string) {
	alertTransitions.WithLabelValues(status).Inc()
}

func RecordEvaluationSkipped(reason string) {
	evaluationsSkipped.WithLabelValues(reason).Inc()
}

func RecordNotificationEnqueued(channel, event string) {
	notificationsEnqueued.WithLabelValues(channel, event).Inc()
}

func RecordNotificationOutcome(channel, outcome string) {
	notificationOutcomes.WithLabelValues(channel, outcome).Inc()
}

// RecordNotificationLatency records end-to-end notification delivery time
func RecordNotificationLatency(channel string, latency time.Duration) {
	notificationLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

func RecordGapRecorded(gapType string) {
	gapsRecorded.WithLabelValues(gapType).Inc()
}

func RecordGapFiltered() {
	gapEventsFiltered.Inc()
}

func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

func RecordSQSMessage(outcome string) {
	sqsMessages.WithLabelValues(outcome).Inc()
}

func SetCircuitState(name string, state int) {
	circuitState.WithLabelValues(name).Set(float64(state))
}

func RecordAuditEvent(outcome string) {
	auditEvents.WithLabelValues(outcome).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
