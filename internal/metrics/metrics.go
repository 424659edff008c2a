// Package metrics exposes the Prometheus instrumentation shared across
// the dispatcher's components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics
var (
	MessagesAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_messages_admitted_total",
			Help: "Total number of inbound messages accepted by admission control",
		},
		[]string{"source", "decision"},
	)

	MessagesQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_messages_queued_total",
			Help: "Total number of messages enqueued, by priority",
		},
		[]string{"priority"},
	)

	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_messages_processed_total",
			Help: "Total number of messages processed by a worker, by outcome",
		},
		[]string{"outcome"},
	)

	MessageProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatcher_message_processing_duration_seconds",
			Help:    "Duration of end-to-end worker message processing in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatcher_queue_depth",
			Help: "Current number of items queued, by priority",
		},
		[]string{"priority"},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_active_workers",
			Help: "Current number of running workers in the pool",
		},
	)

	CoalescedBursts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatcher_coalesced_bursts_total",
			Help: "Total number of burst buffers flushed as a single coalesced message",
		},
	)

	CacheTierHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_cache_tier_hits_total",
			Help: "Cache hits/misses by tier (l1, l2, l3)",
		},
		[]string{"tier", "result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatcher_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"breaker"},
	)

	AgentInferenceDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatcher_agent_inference_duration_seconds",
			Help:    "Duration of agent InferReply calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	FollowupsScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_followups_scheduled_total",
			Help: "Total number of follow-up jobs scheduled, by stage",
		},
		[]string{"stage"},
	)

	FollowupsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_followups_sent_total",
			Help: "Total number of follow-up jobs sent, by outcome",
		},
		[]string{"outcome"},
	)

	BotPauseChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_bot_pause_changes_total",
			Help: "Total number of supervisory pause/resume transitions, by source",
		},
		[]string{"source", "action"},
	)

	TransportRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_transport_retries_total",
			Help: "Total number of outbound transport retry attempts",
		},
		[]string{"transport"},
	)
)

// Timer wraps prometheus.NewTimer for the common "observe a stage
// duration on defer" pattern used throughout the worker pipeline.
func Timer(stage string) *prometheus.Timer {
	return prometheus.NewTimer(MessageProcessingDuration.WithLabelValues(stage))
}
