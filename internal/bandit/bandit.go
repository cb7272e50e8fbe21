// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

// Package bandit implements the policy engine: a uniform interface over
// exploration/exploitation strategies that select arms and emit propensity
// scores.
//
// # Policies
//
//   - Thompson: Beta-Bernoulli sampling with Monte-Carlo propensity estimation
//   - EpsilonGreedy: exploit the best mean with probability 1-ε, explore uniformly with ε
//   - UCB1: upper confidence bounds with deterministic cold start
//   - Control: fixed arm, stateless baseline
//
// # Propensity Semantics
//
// Select returns the probability that the policy would have emitted the chosen
// arm over the exact candidate set at the current state. Distribution exposes
// the full probability vector; it always sums to 1 within 1e-6. Off-policy
// estimators (IPS/DR) depend on these values being recorded exactly as
// computed at serve time.
//
// # Thread Safety
//
// Policies are safe for concurrent use. State values are not shared between
// goroutines; callers load a state snapshot, select against it, and persist
// updates through the storage layer's per-key serialization.
package bandit

import (
	"errors"
	"sort"
	"time"
)

// Policy kinds accepted by New.
const (
	KindThompson = "thompson"
	KindEGreedy  = "egreedy"
	KindUCB      = "ucb"
	KindControl  = "control"
)

// Sentinel errors surfaced by the policy engine.
var (
	// ErrNoEligibleArm indicates an empty or fully ineligible candidate set.
	ErrNoEligibleArm = errors.New("no eligible arm in candidate set")

	// ErrUnknownPolicy indicates an unrecognized policy kind.
	ErrUnknownPolicy = errors.New("unknown policy kind")

	// ErrInvalidState indicates corrupted sufficient statistics (e.g. alpha <= 0).
	ErrInvalidState = errors.New("invalid policy state")

	// ErrInvalidReward indicates a reward outside the accepted [0, 1] range.
	ErrInvalidReward = errors.New("reward outside [0, 1]")
)

// Arm is a discrete action the policy can choose: a recommendation algorithm
// variant or a candidate item. Metadata is opaque to the engine.
type Arm struct {
	ID            string            `json:"arm_id"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	EligibleFrom  *time.Time        `json:"eligible_from,omitempty"`
	EligibleUntil *time.Time        `json:"eligible_until,omitempty"`
}

// EligibleAt reports whether the arm may be served at the given instant.
func (a Arm) EligibleAt(t time.Time) bool {
	if a.EligibleFrom != nil && t.Before(*a.EligibleFrom) {
		return false
	}
	if a.EligibleUntil != nil && !t.Before(*a.EligibleUntil) {
		return false
	}
	return true
}

// Selection is the result of one policy call.
type Selection struct {
	ArmID      string  `json:"arm_id"`
	Propensity float64 `json:"propensity"`
	Score      float64 `json:"score"`
}

// Policy is the uniform contract all bandit strategies implement.
//
// Select chooses an arm from the candidate set and reports its propensity at
// the given state. Distribution returns the selection probability of every
// candidate arm (sums to 1). Update folds one observed reward into the
// sufficient statistics; it mutates st in place and is a pure function of
// (state, arm, reward).
type Policy interface {
	Kind() string
	Select(arms []Arm, st *State) (Selection, error)
	Distribution(arms []Arm, st *State) (map[string]float64, error)
	Update(st *State, armID string, reward float64) error
}

// Params carries kind-specific policy parameters as a single tagged record.
// Only the fields for the configured kind are consulted.
type Params struct {
	// Thompson priors; both default to 1 (uniform).
	Alpha0 float64 `json:"alpha0,omitempty"`
	Beta0  float64 `json:"beta0,omitempty"`
	// PropensityDraws is the Monte-Carlo sample count for Thompson
	// propensity estimation. Minimum 500.
	PropensityDraws int `json:"propensity_draws,omitempty"`

	// Epsilon is the ε-greedy exploration rate in [0, 1].
	Epsilon float64 `json:"epsilon,omitempty"`

	// C scales the UCB1 confidence bound; defaults to 1.
	C float64 `json:"c,omitempty"`
	// ExplorationFloor, when positive, spreads that much probability mass
	// uniformly over the candidates in UCB1's recorded propensities so
	// IPS weights stay bounded.
	ExplorationFloor float64 `json:"exploration_floor,omitempty"`

	// ArmID pins the Control policy to a fixed arm. Empty selects the
	// lowest eligible arm id.
	ArmID string `json:"arm_id,omitempty"`
}

// sortArms returns the candidates ordered by arm id, dropping entries with an
// empty id. Deterministic ordering is load-bearing: tie-breaks and cold-start
// round-robins depend on it. Eligibility windows are applied by the serve
// pipeline before the candidate set reaches a policy.
func sortArms(arms []Arm) []Arm {
	out := make([]Arm, 0, len(arms))
	for _, a := range arms {
		if a.ID == "" {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
