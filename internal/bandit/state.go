// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package bandit

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// StateSchemaVersion is the current snapshot format version.
const StateSchemaVersion = 1

// ArmState holds the sufficient statistics for one
// (experiment, policy, arm, context_key) row.
//
// Counters are monotonic: Pulls, Successes, and Failures never decrease.
// Alpha and Beta are only meaningful for Thompson; other kinds persist the
// seeded priors untouched. Version is the storage layer's optimistic
// concurrency token and is not part of the statistics.
type ArmState struct {
	Pulls       int64     `json:"pulls"`
	Successes   int64     `json:"successes"`
	Failures    int64     `json:"failures"`
	SumReward   float64   `json:"sum_reward"`
	SumRewardSq float64   `json:"sum_reward_sq"`
	Alpha       float64   `json:"alpha"`
	Beta        float64   `json:"beta"`
	Version     int64     `json:"-"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Mean returns the observed mean reward, 0 for an unpulled arm.
func (s *ArmState) Mean() float64 {
	if s.Pulls == 0 {
		return 0
	}
	return s.SumReward / float64(s.Pulls)
}

// Variance returns the sample variance of observed rewards.
func (s *ArmState) Variance() float64 {
	if s.Pulls < 2 {
		return 0
	}
	n := float64(s.Pulls)
	mean := s.SumReward / n
	v := (s.SumRewardSq - n*mean*mean) / (n - 1)
	if v < 0 {
		// Floating-point cancellation can push tiny variances below zero.
		return 0
	}
	return v
}

// observe folds one reward into the common counters. Rewards of exactly 1
// count as successes and exactly 0 as failures; everything in between is
// neutral, so pulls == successes + failures + neutrals holds by construction.
// Thompson additionally applies the Beta-parameter updates in its Update.
func (s *ArmState) observe(reward float64, now time.Time) {
	s.Pulls++
	s.SumReward += reward
	s.SumRewardSq += reward * reward
	switch reward {
	case 1:
		s.Successes++
	case 0:
		s.Failures++
	}
	s.UpdatedAt = now
}

// State is a policy's view of the sufficient statistics for one context key
// across all arms of a candidate set.
type State struct {
	ContextKey string               `json:"context_key,omitempty"`
	Arms       map[string]*ArmState `json:"arms"`
}

// NewState creates an empty state for the given context key.
func NewState(contextKey string) *State {
	return &State{ContextKey: contextKey, Arms: make(map[string]*ArmState)}
}

// Arm returns the statistics row for an arm, creating a zero row with the
// given priors on first access.
func (s *State) Arm(id string, alpha0, beta0 float64) *ArmState {
	if s.Arms == nil {
		s.Arms = make(map[string]*ArmState)
	}
	st, ok := s.Arms[id]
	if !ok {
		st = &ArmState{Alpha: alpha0, Beta: beta0}
		s.Arms[id] = st
	}
	return st
}

// snapshotEnvelope versions the serialized state.
type snapshotEnvelope struct {
	SchemaVersion int    `json:"schema_version"`
	State         *State `json:"state"`
}

// Snapshot serializes the state for persistence and replay.
func (s *State) Snapshot() ([]byte, error) {
	data, err := json.Marshal(snapshotEnvelope{SchemaVersion: StateSchemaVersion, State: s})
	if err != nil {
		return nil, fmt.Errorf("snapshot state: %w", err)
	}
	return data, nil
}

// RestoreState deserializes a snapshot produced by Snapshot.
func RestoreState(data []byte) (*State, error) {
	var env snapshotEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("restore state: %w", err)
	}
	if env.SchemaVersion != StateSchemaVersion {
		return nil, fmt.Errorf("restore state: unsupported schema version %d", env.SchemaVersion)
	}
	if env.State == nil {
		return nil, fmt.Errorf("restore state: empty snapshot")
	}
	if env.State.Arms == nil {
		env.State.Arms = make(map[string]*ArmState)
	}
	return env.State, nil
}

// validateReward rejects rewards outside [0, 1].
func validateReward(reward float64) error {
	if reward < 0 || reward > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidReward, reward)
	}
	return nil
}
