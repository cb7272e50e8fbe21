// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the bandit runtime:
// - serve pipeline latency, outcomes, and fallbacks
// - reward attribution and state updates
// - queue publishes and failures
// - guardrail check status and rollbacks
// - API endpoint latency and throughput

var (
	// Serve pipeline

	ServeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "serve_duration_seconds",
			Help:    "End-to-end serve latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.12, 0.25, 0.5, 1},
		},
		[]string{"experiment", "policy"},
	)

	ServesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "serves_total",
			Help: "Total serves by experiment, policy, and outcome",
		},
		[]string{"experiment", "policy", "outcome"}, // ok, timeout, fallback, dropped
	)

	PolicyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_errors_total",
			Help: "Policy selection errors by kind",
		},
		[]string{"experiment", "kind"}, // no_eligible_arm, invalid_state, unknown_policy, timeout
	)

	// Reward attribution

	RewardsAttributed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewards_attributed_total",
			Help: "Rewards written to serve events",
		},
		[]string{"experiment", "source"}, // signal, window_close
	)

	AttributionRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attribution_rejected_total",
			Help: "Reward writes rejected after window close or duplicate",
		},
		[]string{"reason"}, // closed, duplicate
	)

	StateUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "state_updates_total",
			Help: "Policy state updates applied",
		},
		[]string{"policy"},
	)

	StateConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "state_conflicts_total",
			Help: "Optimistic concurrency conflicts on state rows",
		},
		[]string{"policy"},
	)

	// Queue

	QueuePublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_publishes_total",
			Help: "Messages published to the event stream",
		},
		[]string{"topic"},
	)

	QueuePublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_publish_errors_total",
			Help: "Failed publishes to the event stream",
		},
		[]string{"topic"},
	)

	ServeEventsPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "serve_events_persisted_total",
			Help: "Serve events appended to storage by the consumer",
		},
	)

	// Guardrails and decisions

	GuardrailStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guardrail_status",
			Help: "Latest guardrail status per check (0=pass, 1=warn, 2=fail)",
		},
		[]string{"experiment", "check"},
	)

	GuardrailRollbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardrail_rollbacks_total",
			Help: "Experiments rolled back by the guardrail monitor",
		},
		[]string{"experiment", "check"},
	)

	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decisions_total",
			Help: "Decision engine verdicts",
		},
		[]string{"experiment", "verdict"},
	)

	// API

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordServe observes one serve call.
func RecordServe(experiment, policy, outcome string, duration time.Duration) {
	ServeDuration.WithLabelValues(experiment, policy).Observe(duration.Seconds())
	ServesTotal.WithLabelValues(experiment, policy, outcome).Inc()
}

// RecordPolicyError counts one policy failure.
func RecordPolicyError(experiment, kind string) {
	PolicyErrors.WithLabelValues(experiment, kind).Inc()
}

// RecordRewardAttributed counts one successful attribution.
func RecordRewardAttributed(experiment, source string) {
	RewardsAttributed.WithLabelValues(experiment, source).Inc()
}

// RecordAttributionRejected counts one rejected reward write.
func RecordAttributionRejected(reason string) {
	AttributionRejected.WithLabelValues(reason).Inc()
}

// RecordStateUpdate counts one applied state update.
func RecordStateUpdate(policy string) {
	StateUpdates.WithLabelValues(policy).Inc()
}

// RecordStateConflict counts one CAS conflict.
func RecordStateConflict(policy string) {
	StateConflicts.WithLabelValues(policy).Inc()
}

// RecordQueuePublish counts one successful publish.
func RecordQueuePublish(topic string) {
	QueuePublishes.WithLabelValues(topic).Inc()
}

// RecordQueuePublishError counts one failed publish.
func RecordQueuePublishError(topic string) {
	QueuePublishErrors.WithLabelValues(topic).Inc()
}

// RecordServeEventPersisted counts one consumer append.
func RecordServeEventPersisted() {
	ServeEventsPersisted.Inc()
}

// SetGuardrailStatus exports the latest check status.
func SetGuardrailStatus(experiment, check string, status float64) {
	GuardrailStatus.WithLabelValues(experiment, check).Set(status)
}

// RecordRollback counts one guardrail rollback.
func RecordRollback(experiment, check string) {
	GuardrailRollbacks.WithLabelValues(experiment, check).Inc()
}

// RecordDecision counts one verdict.
func RecordDecision(experiment, verdict string) {
	DecisionsTotal.WithLabelValues(experiment, verdict).Inc()
}

// RecordAPIRequest observes one HTTP request.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
