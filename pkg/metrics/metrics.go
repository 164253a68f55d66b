package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     = true

	// Pipeline metrics
	MessagesTotal   *prometheus.CounterVec
	RejectionsTotal *prometheus.CounterVec
	ProcessingTime  *prometheus.HistogramVec

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionDuration *prometheus.HistogramVec
	SessionHijacks  prometheus.Counter

	// Authentication metrics
	ChallengesIssued prometheus.Counter
	NoncesConsumed   prometheus.Counter
	NoncesExpired    prometheus.Counter
	AuthFailures     *prometheus.CounterVec

	// Rate limiting metrics
	PenaltiesImposed prometheus.Counter
	PenaltiesActive  prometheus.Gauge

	// Media metrics
	CandidatesAccepted prometheus.Counter
	CandidatesRejected *prometheus.CounterVec
	BandwidthThrottles prometheus.Counter
	QualityAlerts      *prometheus.CounterVec

	// AMQP metrics
	AMQPPublishedMessages *prometheus.CounterVec
	AMQPConnectionErrors  *prometheus.CounterVec
	AMQPReconnectAttempts *prometheus.CounterVec
	AMQPConnectionStatus  prometheus.Gauge
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		// Initialize pipeline metrics
		MessagesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipgate_messages_total",
				Help: "Total number of signaling messages processed",
			},
			[]string{"method", "status"},
		)

		RejectionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipgate_rejections_total",
				Help: "Total number of rejected signaling messages",
			},
			[]string{"reason"},
		)

		ProcessingTime = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sipgate_processing_time_seconds",
				Help:    "Time taken to run a message through the gateway pipeline",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10), // From 0.1ms to ~100ms
			},
			[]string{"method"},
		)

		// Initialize session metrics
		SessionsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sipgate_sessions_active",
				Help: "Number of active signaling sessions",
			},
		)

		SessionDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sipgate_session_duration_seconds",
				Help:    "Duration of signaling sessions",
				Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1s to ~9 hours
			},
			[]string{"end_reason"},
		)

		SessionHijacks = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sipgate_session_hijack_attempts_total",
				Help: "Total number of rejected session ownership conflicts",
			},
		)

		// Initialize authentication metrics
		ChallengesIssued = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sipgate_auth_challenges_issued_total",
				Help: "Total number of digest challenges issued",
			},
		)

		NoncesConsumed = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sipgate_auth_nonces_consumed_total",
				Help: "Total number of nonces consumed by successful authentication",
			},
		)

		NoncesExpired = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sipgate_auth_nonces_expired_total",
				Help: "Total number of nonces that expired unused",
			},
		)

		AuthFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipgate_auth_failures_total",
				Help: "Total number of failed authentication attempts",
			},
			[]string{"reason"},
		)

		// Initialize rate limiting metrics
		PenaltiesImposed = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sipgate_penalties_imposed_total",
				Help: "Total number of penalties imposed on flooding sources",
			},
		)

		PenaltiesActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sipgate_penalties_active",
				Help: "Number of sources currently under penalty",
			},
		)

		// Initialize media metrics
		CandidatesAccepted = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sipgate_ice_candidates_accepted_total",
				Help: "Total number of ICE candidates accepted",
			},
		)

		CandidatesRejected = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipgate_ice_candidates_rejected_total",
				Help: "Total number of ICE candidates rejected",
			},
			[]string{"reason"},
		)

		BandwidthThrottles = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sipgate_bandwidth_throttles_total",
				Help: "Total number of sessions with clamped bandwidth requests",
			},
		)

		QualityAlerts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipgate_quality_alerts_total",
				Help: "Total number of high severity quality advisories",
			},
			[]string{"metric"},
		)

		// Initialize AMQP metrics
		AMQPPublishedMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipgate_amqp_published_messages_total",
				Help: "Total number of messages published to AMQP",
			},
			[]string{"queue", "status"},
		)

		AMQPConnectionErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipgate_amqp_connection_errors_total",
				Help: "Total number of AMQP connection errors",
			},
			[]string{"error_type"},
		)

		AMQPReconnectAttempts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipgate_amqp_reconnect_attempts_total",
				Help: "Total number of AMQP reconnection attempts",
			},
			[]string{"status"},
		)

		AMQPConnectionStatus = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sipgate_amqp_connection_status",
				Help: "Status of AMQP connection (1 = connected, 0 = disconnected)",
			},
		)

		// Register all metrics
		registry.MustRegister(
			// Pipeline metrics
			MessagesTotal,
			RejectionsTotal,
			ProcessingTime,

			// Session metrics
			SessionsActive,
			SessionDuration,
			SessionHijacks,

			// Authentication metrics
			ChallengesIssued,
			NoncesConsumed,
			NoncesExpired,
			AuthFailures,

			// Rate limiting metrics
			PenaltiesImposed,
			PenaltiesActive,

			// Media metrics
			CandidatesAccepted,
			CandidatesRejected,
			BandwidthThrottles,
			QualityAlerts,

			// AMQP metrics
			AMQPPublishedMessages,
			AMQPConnectionErrors,
			AMQPReconnectAttempts,
			AMQPConnectionStatus,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	return registry
}

// SetMetricsPath sets the HTTP path for metrics endpoint
func SetMetricsPath(path string) {
	defaultMetricsPath = path
}

// EnableMetrics enables or disables metrics collection
func EnableMetrics(enabled bool) {
	metricsEnabled = enabled
}

// IsMetricsEnabled returns whether metrics are enabled
func IsMetricsEnabled() bool {
	return metricsEnabled
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if metricsEnabled {
		handler := promhttp.HandlerFor(
			registry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          registry,
			},
		)
		mux.Handle(defaultMetricsPath, handler)
	}
}

// StartMetrics initializes the metrics service
func StartMetrics(logger *logrus.Logger, enabled bool) {
	if !enabled {
		EnableMetrics(false)
		logger.Info("Metrics collection is disabled")
		return
	}

	Init(logger)
	EnableMetrics(true)
	logger.WithField("metrics_path", defaultMetricsPath).Info("Metrics endpoint initialized")
}

// RecordMessage records a processed signaling message and its final status
func RecordMessage(method string, status int) {
	if metricsEnabled && MessagesTotal != nil {
		MessagesTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	}
}

// RecordRejection records a rejected signaling message by reason
func RecordRejection(reason string) {
	if metricsEnabled && RejectionsTotal != nil {
		RejectionsTotal.WithLabelValues(reason).Inc()
	}
}

// ObserveProcessing records pipeline latency with a timer function
func ObserveProcessing(method string) func() {
	if !metricsEnabled || ProcessingTime == nil {
		return func() {}
	}

	start := time.Now()
	return func() {
		duration := time.Since(start)
		ProcessingTime.WithLabelValues(method).Observe(duration.Seconds())
	}
}

// StartSessionTimer returns a function that records the session duration when called
func StartSessionTimer() func(endReason string) {
	if !metricsEnabled || SessionsActive == nil {
		return func(string) {}
	}

	SessionsActive.Inc()
	start := time.Now()
	return func(endReason string) {
		if SessionsActive != nil {
			SessionsActive.Dec()
		}
		if SessionDuration != nil {
			duration := time.Since(start)
			SessionDuration.WithLabelValues(endReason).Observe(duration.Seconds())
		}
	}
}

// RecordSessionHijack records a rejected ownership conflict
func RecordSessionHijack() {
	if metricsEnabled && SessionHijacks != nil {
		SessionHijacks.Inc()
	}
}

// RecordChallenge records an issued digest challenge
func RecordChallenge() {
	if metricsEnabled && ChallengesIssued != nil {
		ChallengesIssued.Inc()
	}
}

// RecordNonceConsumed records a nonce consumed by successful authentication
func RecordNonceConsumed() {
	if metricsEnabled && NoncesConsumed != nil {
		NoncesConsumed.Inc()
	}
}

// RecordNonceExpired records a nonce that expired unused
func RecordNonceExpired() {
	if metricsEnabled && NoncesExpired != nil {
		NoncesExpired.Inc()
	}
}

// RecordAuthFailure records a failed authentication attempt by reason
func RecordAuthFailure(reason string) {
	if metricsEnabled && AuthFailures != nil {
		AuthFailures.WithLabelValues(reason).Inc()
	}
}

// RecordPenalty records a newly imposed penalty
func RecordPenalty() {
	if metricsEnabled && PenaltiesImposed != nil {
		PenaltiesImposed.Inc()
	}
}

// SetPenaltiesActive sets the number of sources currently under penalty
func SetPenaltiesActive(count int) {
	if metricsEnabled && PenaltiesActive != nil {
		PenaltiesActive.Set(float64(count))
	}
}

// RecordCandidateAccepted records an accepted ICE candidate
func RecordCandidateAccepted() {
	if metricsEnabled && CandidatesAccepted != nil {
		CandidatesAccepted.Inc()
	}
}

// RecordCandidateRejected records a rejected ICE candidate by reason
func RecordCandidateRejected(reason string) {
	if metricsEnabled && CandidatesRejected != nil {
		CandidatesRejected.WithLabelValues(reason).Inc()
	}
}

// RecordBandwidthThrottle records a session whose bandwidth request was clamped
func RecordBandwidthThrottle() {
	if metricsEnabled && BandwidthThrottles != nil {
		BandwidthThrottles.Inc()
	}
}

// RecordQualityAlert records a high severity quality advisory by metric
func RecordQualityAlert(metric string) {
	if metricsEnabled && QualityAlerts != nil {
		QualityAlerts.WithLabelValues(metric).Inc()
	}
}

// RecordAMQPPublish records metrics for an AMQP publish
func RecordAMQPPublish(queue, status string) {
	if metricsEnabled && AMQPPublishedMessages != nil {
		AMQPPublishedMessages.WithLabelValues(queue, status).Inc()
	}
}

// RecordAMQPConnectionError records an AMQP connection error
func RecordAMQPConnectionError(errorType string) {
	if metricsEnabled && AMQPConnectionErrors != nil {
		AMQPConnectionErrors.WithLabelValues(errorType).Inc()
	}
}

// RecordAMQPReconnectAttempt records an AMQP reconnection attempt
func RecordAMQPReconnectAttempt(status string) {
	if metricsEnabled && AMQPReconnectAttempts != nil {
		AMQPReconnectAttempts.WithLabelValues(status).Inc()
	}
}

// SetAMQPConnectionStatus sets the AMQP connection status
func SetAMQPConnectionStatus(connected bool) {
	if metricsEnabled && AMQPConnectionStatus != nil {
		if connected {
			AMQPConnectionStatus.Set(1)
		} else {
			AMQPConnectionStatus.Set(0)
		}
	}
}
