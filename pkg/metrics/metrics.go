// Package metrics provides Prometheus metrics for pipeline runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal tracks runner operations by outcome
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "runner",
			Name:      "runs_total",
			Help:      "Total number of pipeline operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// RunDuration tracks runner operation duration in seconds
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "runner",
			Name:      "run_duration_seconds",
			Help:      "Duration of pipeline operations in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900},
		},
		[]string{"operation"},
	)

	// RunsInFlight tracks operations holding a run lock
	RunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "runner",
			Name:      "runs_in_flight",
			Help:      "Number of pipeline operations currently running",
		},
	)

	// LockContentions tracks runs refused because the pipeline was locked
	LockContentions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "runner",
			Name:      "lock_contentions_total",
			Help:      "Total number of runs refused because another run held the pipeline",
		},
	)

	// ActionAppliesTotal tracks action applies by kind and status
	ActionAppliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "action",
			Name:      "applies_total",
			Help:      "Total number of action applies by kind and status",
		},
		[]string{"kind", "status"},
	)

	// ActionApplyDuration tracks action apply duration
	ActionApplyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "action",
			Name:      "apply_duration_seconds",
			Help:      "Duration of action applies in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	// RollbackFailures tracks per-action rollback failures
	RollbackFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "action",
			Name:      "rollback_failures_total",
			Help:      "Total number of action rollbacks that failed",
		},
		[]string{"kind"},
	)

	// OrphansDeleted tracks nodes removed by the post-rollback sweep
	OrphansDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "rollback",
			Name:      "orphans_deleted_total",
			Help:      "Total number of detached nodes deleted after rollback",
		},
	)

	// TransformCallsTotal tracks transformation service calls
	TransformCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "transform",
			Name:      "calls_total",
			Help:      "Total number of transformation service calls",
		},
		[]string{"status_code"},
	)

	// TransformCallDuration tracks transformation service latency
	TransformCallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "transform",
			Name:      "call_duration_seconds",
			Help:      "Duration of transformation service calls in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)
)

// RecordRun records a runner operation
func RecordRun(operation, status string, durationSeconds float64) {
	RunsTotal.WithLabelValues(operation, status).Inc()
	RunDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordActionApply records one action apply
func RecordActionApply(kind, status string, durationSeconds float64) {
	ActionAppliesTotal.WithLabelValues(kind, status).Inc()
	ActionApplyDuration.WithLabelValues(kind).Observe(durationSeconds)
}

// RecordRollbackFailure records a failed action rollback
func RecordRollbackFailure(kind string) {
	RollbackFailures.WithLabelValues(kind).Inc()
}

// RecordOrphansDeleted records the size of an orphan sweep
func RecordOrphansDeleted(n int) {
	OrphansDeleted.Add(float64(n))
}

// RecordTransformCall records a transformation service call
func RecordTransformCall(statusCode string, durationSeconds float64) {
	TransformCallsTotal.WithLabelValues(statusCode).Inc()
	TransformCallDuration.Observe(durationSeconds)
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string, durationSeconds float64) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(durationSeconds)
}
