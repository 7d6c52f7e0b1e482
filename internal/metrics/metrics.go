// Package metrics owns the named time series exported over the pull
// endpoint (spec §4.2, §6.3). Series names are part of the external
// contract and MUST stay stable across versions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streams_active",
		Help: "Number of channels with observed_state=running.",
	})

	StreamListeners = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stream_listeners",
		Help: "Last-known voice-chat participant count, excluding the worker itself.",
	}, []string{"channel_id"})

	QueueSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_size",
		Help: "Items in a channel's playback queue.",
	}, []string{"channel_id"})

	QueueOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_operations_total",
		Help: "Successful queue mutations by operation.",
	}, []string{"channel_id", "op"})

	TracksPlayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracks_played_total",
		Help: "Incremented once per item transitioning to played.",
	})

	AutoEndTriggeredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auto_end_triggered_total",
		Help: "Incremented when an auto-end timer fires and tears down a stream.",
	}, []string{"channel_id", "reason"})

	WebsocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "websocket_connections",
		Help: "Live subscribers on the event hub.",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests by method, normalized path template and status class.",
	}, []string{"method", "path_template", "status_class"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency by method and normalized path template.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path_template"})

	RateLimiterRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limiter_rejections_total",
		Help: "Requests rejected by the rate limiter, by bucket.",
	}, []string{"bucket"})

	RateLimiterFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rate_limiter_fallback_total",
		Help: "Times the rate limiter failed open because the shared store was unavailable.",
	})

	HubDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_drops_total",
		Help: "Events dropped from a subscriber's buffer because it was full.",
	}, []string{"subscriber_id"})

	CircuitBreakerStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_status",
		Help: "Circuit breaker state as an integer (0=closed, 1=open, 2=half-open).",
	}, []string{"name"})

	CircuitBreakerTripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Times a circuit breaker tripped open, by name and reason.",
	}, []string{"name", "reason"})

	WorkerRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_restarts_total",
		Help: "Worker process restarts requested by the controller, by channel.",
	}, []string{"channel_id"})

	SchedulerFiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_fires_total",
		Help: "Scheduler trigger firings, by trigger and outcome.",
	}, []string{"trigger_id", "outcome"})
)

// SetCircuitBreakerState records the named breaker's state as a gauge.
func SetCircuitBreakerState(name string, state int) {
	CircuitBreakerStatus.WithLabelValues(name).Set(float64(state))
}

// RecordCircuitBreakerTrip increments the trip counter for name/reason.
func RecordCircuitBreakerTrip(name, reason string) {
	CircuitBreakerTripsTotal.WithLabelValues(name, reason).Inc()
}

// QueueOp is the closed set of queue mutation kinds counted in QueueOperationsTotal.
type QueueOp string

const (
	OpAdd         QueueOp = "add"
	OpRemove      QueueOp = "remove"
	OpMove        QueueOp = "move"
	OpClear       QueueOp = "clear"
	OpSkip        QueueOp = "skip"
	OpPriorityAdd QueueOp = "priority_add"
)

// IncQueueOp records a successful queue mutation for a channel.
func IncQueueOp(channelID string, op QueueOp) {
	QueueOperationsTotal.WithLabelValues(channelID, string(op)).Inc()
}
