// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

// Package models defines the entities shared across the runtime: experiments,
// policies, assignments, serve events, reward events, guardrail checks, and
// decisions. Entities reference each other by id only; there are no
// back-pointers.
package models

import (
	"time"

	"github.com/tomtom215/armature/internal/assign"
	"github.com/tomtom215/armature/internal/bandit"
)

// ServeEventSchemaVersion is the current serve_events row format version.
const ServeEventSchemaVersion = 1

// ExperimentStatus enumerates the experiment lifecycle states.
type ExperimentStatus string

// Experiment lifecycle states.
const (
	StatusDraft  ExperimentStatus = "draft"
	StatusActive ExperimentStatus = "active"
	StatusPaused ExperimentStatus = "paused"
	StatusEnded  ExperimentStatus = "ended"
	StatusKilled ExperimentStatus = "killed"
)

// RewardMapping enumerates how downstream signals compose into a reward.
type RewardMapping string

// Reward mapping modes.
const (
	MappingBinaryClick  RewardMapping = "binary_click"
	MappingScaledRating RewardMapping = "scaled_rating"
	MappingComposite    RewardMapping = "composite"
)

// GuardrailThresholds are the per-experiment safety limits. The experiment
// manager resolves zero values to the server defaults at creation time, so a
// persisted experiment always carries its effective thresholds.
type GuardrailThresholds struct {
	MaxErrorRate        float64 `json:"max_error_rate"`
	MaxLatencyP95MS     float64 `json:"max_latency_p95_ms"`
	MaxArmConcentration float64 `json:"max_arm_concentration"`
	MaxRewardDrop       float64 `json:"max_reward_drop"`
	SampleRatioPValue   float64 `json:"sample_ratio_p_value"`
}

// DecisionCriteria are the per-experiment ship/kill thresholds, resolved the
// same way as guardrail thresholds.
type DecisionCriteria struct {
	MinUplift     float64       `json:"min_uplift"`
	MinConfidence float64       `json:"min_confidence"`
	MinWindow     time.Duration `json:"min_window"`
	MaxWindow     time.Duration `json:"max_window"`
	MinEvents     int           `json:"min_events"`
	AutoShip      bool          `json:"auto_ship"`
	AutoKill      bool          `json:"auto_kill"`
}

// Experiment is one bandit experiment with its traffic plan and config.
type Experiment struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Surface         string           `json:"surface"`
	Priority        int              `json:"priority"`
	Status          ExperimentStatus `json:"status"`
	Salt            string           `json:"salt"`
	StartAt         time.Time        `json:"start_at"`
	EndAt           *time.Time       `json:"end_at,omitempty"`
	TrafficFraction float64          `json:"traffic_fraction"`
	TrafficPlan     assign.Plan      `json:"traffic_plan"`
	DefaultPolicyID string           `json:"default_policy_id"`
	CatalogVersion  int              `json:"catalog_version"`
	// RecognizedKeys is the declared context-key list; unknown keys in a
	// request context are ignored.
	RecognizedKeys    []string            `json:"recognized_keys,omitempty"`
	RewardMapping     RewardMapping       `json:"reward_mapping"`
	AttributionWindow time.Duration       `json:"attribution_window"`
	Guardrails        GuardrailThresholds `json:"guardrail_config"`
	Decision          DecisionCriteria    `json:"decision_config"`
	Notes             string              `json:"notes,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// Active reports whether the experiment admits serves.
func (e *Experiment) Active() bool { return e.Status == StatusActive }

// Terminal reports whether the experiment can no longer transition.
func (e *Experiment) Terminal() bool {
	return e.Status == StatusEnded || e.Status == StatusKilled
}

// Policy binds a policy id inside an experiment to a bandit kind and its
// parameter record.
type Policy struct {
	ID           string        `json:"id"`
	ExperimentID string        `json:"experiment_id"`
	Kind         string        `json:"kind"`
	Params       bandit.Params `json:"params"`
}

// Assignment memoizes one (user, experiment) -> policy routing for audit.
// The hash in internal/assign remains the source of truth.
type Assignment struct {
	UserID       string    `json:"user_id"`
	ExperimentID string    `json:"experiment_id"`
	PolicyID     string    `json:"policy_id"`
	Bucket       float64   `json:"bucket"`
	AssignedAt   time.Time `json:"assigned_at"`
	Sticky       bool      `json:"sticky"`
}

// ServeEvent is one logged serve. Rows are append-only; only the reward
// fields are written after insert, exactly once, guarded by
// AttributionVersion.
type ServeEvent struct {
	SchemaVersion int            `json:"schema_version"`
	EventID       string         `json:"event_id"`
	ExperimentID  string         `json:"experiment_id"`
	UserID        string         `json:"user_id"`
	PolicyID      string         `json:"policy_id"`
	ArmID         string         `json:"arm_id"`
	Position      int            `json:"position"`
	Context       bandit.Context `json:"context,omitempty"`
	ContextKey    string         `json:"context_key,omitempty"`
	Propensity    float64        `json:"propensity"`
	Score         float64        `json:"score"`
	LatencyMS     int            `json:"latency_ms"`
	ServedAt      time.Time      `json:"served_at"`

	Reward             *float64   `json:"reward,omitempty"`
	RewardAt           *time.Time `json:"reward_at,omitempty"`
	AttributionVersion int        `json:"attribution_version"`

	// PolicyTimeout marks serves that fell back to control on deadline.
	PolicyTimeout bool `json:"policy_timeout,omitempty"`
	// ErrorKind classifies a degraded serve for the guardrail error-rate
	// check; empty for clean serves.
	ErrorKind string `json:"error_kind,omitempty"`
	// Dropped marks events whose durable append failed on every path.
	Dropped bool `json:"dropped,omitempty"`
}

// Attributed reports whether a reward has been written.
func (e *ServeEvent) Attributed() bool { return e.Reward != nil }

// RewardKind enumerates downstream signal types.
type RewardKind string

// Reward signal kinds.
const (
	RewardClick      RewardKind = "click"
	RewardRating     RewardKind = "rating"
	RewardThumbsUp   RewardKind = "thumbs_up"
	RewardThumbsDown RewardKind = "thumbs_down"
	RewardCustom     RewardKind = "custom"
)

// RewardEvent is one downstream user signal, keyed to a serve either directly
// by event id or by (user, arm, time) correlation.
type RewardEvent struct {
	EventID string     `json:"event_id,omitempty"`
	UserID  string     `json:"user_id,omitempty"`
	ArmID   string     `json:"arm_id,omitempty"`
	Kind    RewardKind `json:"kind"`
	Value   float64    `json:"value"`
	At      time.Time  `json:"at"`
}

// Verdict enumerates decision outcomes.
type Verdict string

// Decision verdicts.
const (
	VerdictShip     Verdict = "ship"
	VerdictIterate  Verdict = "iterate"
	VerdictKill     Verdict = "kill"
	VerdictContinue Verdict = "continue"
)

// Decision is one periodic decision-engine evaluation. Rows are append-only.
type Decision struct {
	ExperimentID   string             `json:"experiment_id"`
	EvaluatedAt    time.Time          `json:"evaluated_at"`
	Verdict        Verdict            `json:"verdict"`
	WinnerPolicyID string             `json:"winner_policy_id,omitempty"`
	Uplift         float64            `json:"uplift"`
	Confidence     float64            `json:"confidence"`
	Estimators     map[string]float64 `json:"estimators,omitempty"`
	Notes          string             `json:"notes,omitempty"`
}

// GuardrailStatus enumerates check outcomes.
type GuardrailStatus string

// Guardrail statuses.
const (
	GuardrailPass GuardrailStatus = "pass"
	GuardrailWarn GuardrailStatus = "warn"
	GuardrailFail GuardrailStatus = "fail"
)

// GuardrailAction enumerates what a check outcome triggered.
type GuardrailAction string

// Guardrail actions.
const (
	ActionNone     GuardrailAction = "none"
	ActionAlert    GuardrailAction = "alert"
	ActionRollback GuardrailAction = "rollback"
)

// GuardrailCheck is one recorded check. Rows are append-only.
type GuardrailCheck struct {
	ExperimentID string          `json:"experiment_id"`
	At           time.Time       `json:"at"`
	Name         string          `json:"name"`
	Value        float64         `json:"value"`
	Threshold    float64         `json:"threshold"`
	Status       GuardrailStatus `json:"status"`
	Action       GuardrailAction `json:"action"`
}
