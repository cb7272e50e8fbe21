// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package bandit

import (
	"fmt"
	"math"
	"time"
)

// defaultUCBC is the confidence-bound scale when none is configured.
const defaultUCBC = 1.0

// coldStartScore is the recorded bound for an unpulled arm: maximally
// optimistic but finite, so serve events stay JSON-encodable.
const coldStartScore = math.MaxFloat64

// UCB1 picks the arm maximizing mean + c*sqrt(2*ln(N)/n). Unpulled arms are
// served first, round-robin by arm id, so the cold start is fully
// deterministic.
//
// UCB1 is a deterministic policy: the propensity of the chosen arm is 1. Off-
// policy estimators that need bounded IPS weights can configure an
// exploration floor f, which records propensities as if mass f were spread
// uniformly over the candidates: p(chosen) = (1-f) + f/K, p(other) = f/K. The
// floor only affects the recorded values, not the selection.
type UCB1 struct {
	c     float64
	floor float64
}

// NewUCB1 creates a UCB1 policy.
func NewUCB1(p Params) (*UCB1, error) {
	c := p.C
	if c == 0 {
		c = defaultUCBC
	}
	if c < 0 {
		return nil, fmt.Errorf("ucb confidence scale must be positive, got %v", p.C)
	}
	if p.ExplorationFloor < 0 || p.ExplorationFloor >= 1 {
		return nil, fmt.Errorf("exploration floor must be in [0, 1), got %v", p.ExplorationFloor)
	}
	return &UCB1{c: c, floor: p.ExplorationFloor}, nil
}

// Kind returns the policy kind identifier.
func (u *UCB1) Kind() string { return KindUCB }

// Select returns the arm with the highest upper confidence bound.
func (u *UCB1) Select(arms []Arm, st *State) (Selection, error) {
	candidates := sortArms(arms)
	if len(candidates) == 0 {
		return Selection{}, ErrNoEligibleArm
	}

	chosen, score := u.pick(candidates, st)
	k := float64(len(candidates))
	propensity := 1.0
	if u.floor > 0 {
		propensity = (1 - u.floor) + u.floor/k
	}
	return Selection{ArmID: chosen, Propensity: propensity, Score: score}, nil
}

// Distribution reports the recorded probabilities for the current state: all
// mass on the arm Select would return, minus any configured floor.
func (u *UCB1) Distribution(arms []Arm, st *State) (map[string]float64, error) {
	candidates := sortArms(arms)
	if len(candidates) == 0 {
		return nil, ErrNoEligibleArm
	}
	chosen, _ := u.pick(candidates, st)
	k := float64(len(candidates))

	dist := make(map[string]float64, len(candidates))
	for _, a := range candidates {
		if a.ID == chosen {
			dist[a.ID] = 1 - u.floor + u.floor/k
		} else {
			dist[a.ID] = u.floor / k
		}
	}
	return dist, nil
}

// Update folds the reward into the arm's running statistics.
func (u *UCB1) Update(st *State, armID string, reward float64) error {
	if err := validateReward(reward); err != nil {
		return err
	}
	st.Arm(armID, 0, 0).observe(reward, time.Now().UTC())
	return nil
}

// pick returns the winning arm id and its bound value. Candidates arrive
// sorted, so the first unpulled arm implements the cold-start round-robin and
// ties break to the lowest arm id.
//
// Cold-start picks report coldStartScore, not +Inf: the score is recorded on
// the serve event and an infinite float cannot survive JSON encoding, which
// would fail the serve response and the queue publish.
func (u *UCB1) pick(candidates []Arm, st *State) (string, float64) {
	var total int64
	for _, a := range candidates {
		total += st.Arm(a.ID, 0, 0).Pulls
	}

	for _, a := range candidates {
		if st.Arm(a.ID, 0, 0).Pulls == 0 {
			return a.ID, coldStartScore
		}
	}

	bestID := candidates[0].ID
	bestBound := math.Inf(-1)
	lnTotal := math.Log(float64(total))
	for _, a := range candidates {
		row := st.Arm(a.ID, 0, 0)
		bound := row.Mean() + u.c*math.Sqrt(2*lnTotal/float64(row.Pulls))
		if bound > bestBound {
			bestID, bestBound = a.ID, bound
		}
	}
	return bestID, bestBound
}
