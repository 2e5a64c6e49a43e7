package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API metrics
	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docforge_api_request_duration_seconds",
			Help:    "Generation API request duration in seconds by model",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"model", "status"},
	)

	rateLimiterWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docforge_rate_limiter_wait_duration_seconds",
			Help:    "Rate limiter wait duration in seconds by model",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"model"},
	)

	// Coordinator metrics
	attemptsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docforge_attempts_started_total",
			Help: "Total number of speculative generation attempts started",
		},
	)

	attemptOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docforge_attempt_outcomes_total",
			Help: "Attempt outcomes",
		},
		[]string{"outcome"}, // "ready", "error", "discarded", "declined"
	)

	attemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docforge_attempt_duration_seconds",
			Help:    "Attempt duration from start to commit or discard",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"outcome"},
	)

	cancellations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docforge_cancellations_total",
			Help: "Cancellations by reason",
		},
		[]string{"reason"},
	)

	rendezvousOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docforge_rendezvous_total",
			Help: "AwaitResult outcomes",
		},
		[]string{"outcome"}, // "hit", "awaited", "timeout", "miss"
	)

	reverifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docforge_reverifications_total",
			Help: "Verification renewals by result",
		},
		[]string{"result"}, // "renewed", "declined", "abandoned", "failed"
	)

	inFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docforge_attempts_in_flight",
			Help: "Attempts currently bound to a live token (0 or 1)",
		},
	)
)

// Collector provides convenience methods for recording metrics
type Collector struct {
	logger *slog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{
		logger: logger,
	}
}

// RecordAPIRequest records an API request duration
func (c *Collector) RecordAPIRequest(model string, duration time.Duration, success bool) {
	apiRequestDuration.WithLabelValues(model, statusLabel(success)).Observe(duration.Seconds())
}

// RecordRateLimiterWait records rate limiter wait time
func (c *Collector) RecordRateLimiterWait(model string, duration time.Duration) {
	rateLimiterWaitDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// AttemptStarted counts a new attempt
func (c *Collector) AttemptStarted() {
	attemptsStarted.Inc()
}

// RecordAttempt records how an attempt ended and how long it ran
func (c *Collector) RecordAttempt(outcome string, duration time.Duration) {
	attemptOutcomes.WithLabelValues(outcome).Inc()
	attemptDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordCancel counts a cancellation
func (c *Collector) RecordCancel(reason string) {
	cancellations.WithLabelValues(reason).Inc()
}

// RecordRendezvous counts an AwaitResult outcome
func (c *Collector) RecordRendezvous(outcome string) {
	rendezvousOutcomes.WithLabelValues(outcome).Inc()
}

// RecordReverification counts a verification renewal
func (c *Collector) RecordReverification(result string) {
	reverifications.WithLabelValues(result).Inc()
}

// SetInFlight sets the in-flight gauge
func (c *Collector) SetInFlight(n int) {
	inFlight.Set(float64(n))
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
