// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package models

import "time"

// APIResponse is the uniform envelope for API payloads.
type APIResponse struct {
	Status   string      `json:"status"`
	Data     interface{} `json:"data,omitempty"`
	Error    *APIError   `json:"error,omitempty"`
	Metadata Metadata    `json:"metadata"`
}

// APIError carries a machine-readable code alongside the human message.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Metadata is attached to every API response.
type Metadata struct {
	Timestamp   time.Time `json:"timestamp"`
	QueryTimeMS int64     `json:"query_time_ms,omitempty"`
	Page        int       `json:"page,omitempty"`
	PageSize    int       `json:"page_size,omitempty"`
	Total       int       `json:"total,omitempty"`
}

// ServeResult is one entry of a Recommend response.
type ServeResult struct {
	ArmID        string  `json:"arm_id"`
	Position     int     `json:"position"`
	Propensity   float64 `json:"propensity"`
	Score        float64 `json:"score"`
	ExperimentID string  `json:"experiment_id,omitempty"`
	PolicyID     string  `json:"policy_id"`
	EventID      string  `json:"event_id"`
}

// ExperimentSummary aggregates one experiment for the analytics surface.
type ExperimentSummary struct {
	Experiment     *Experiment              `json:"experiment"`
	TotalServes    int64                    `json:"total_serves"`
	UniqueUsers    int64                    `json:"unique_users"`
	AttributedPct  float64                  `json:"attributed_pct"`
	MeanLatencyMS  float64                  `json:"mean_latency_ms"`
	P95LatencyMS   float64                  `json:"p95_latency_ms"`
	PolicySummary  []PolicyPerformance      `json:"policies"`
	LatestDecision *Decision                `json:"latest_decision,omitempty"`
	Guardrails     map[string]GuardrailCheck `json:"guardrails,omitempty"`
}

// PolicyPerformance summarizes one policy's observed performance.
type PolicyPerformance struct {
	PolicyID    string  `json:"policy_id"`
	Kind        string  `json:"kind"`
	Serves      int64   `json:"serves"`
	Attributed  int64   `json:"attributed"`
	MeanReward  float64 `json:"mean_reward"`
	RewardStd   float64 `json:"reward_std"`
	CTR         float64 `json:"ctr"`
}

// ArmStats summarizes one arm inside an experiment.
type ArmStats struct {
	ArmID      string  `json:"arm_id"`
	PolicyID   string  `json:"policy_id"`
	Pulls      int64   `json:"pulls"`
	Successes  int64   `json:"successes"`
	Failures   int64   `json:"failures"`
	MeanReward float64 `json:"mean_reward"`
	Alpha      float64 `json:"alpha,omitempty"`
	Beta       float64 `json:"beta,omitempty"`
	ShareOfServes float64 `json:"share_of_serves"`
}

// TimeseriesPoint is one bucket of a metric timeseries.
type TimeseriesPoint struct {
	Bucket time.Time `json:"bucket"`
	Value  float64   `json:"value"`
	Count  int64     `json:"count"`
}

// CohortStats is one row of a cohort breakdown.
type CohortStats struct {
	Cohort     string  `json:"cohort"`
	Serves     int64   `json:"serves"`
	MeanReward float64 `json:"mean_reward"`
	CTR        float64 `json:"ctr"`
}
