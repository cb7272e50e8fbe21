// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package bandit

import "time"

// Control is the stateless baseline policy: it always serves a fixed arm with
// propensity 1. When no arm is pinned it serves the lowest arm id, which
// models delegating to the incumbent ranker.
type Control struct {
	armID string
}

// NewControl creates a control policy, optionally pinned to an arm id.
func NewControl(p Params) *Control {
	return &Control{armID: p.ArmID}
}

// Kind returns the policy kind identifier.
func (c *Control) Kind() string { return KindControl }

// Select returns the fixed arm with propensity 1.
func (c *Control) Select(arms []Arm, st *State) (Selection, error) {
	chosen, err := c.pick(arms)
	if err != nil {
		return Selection{}, err
	}
	return Selection{ArmID: chosen, Propensity: 1, Score: st.Arm(chosen, 0, 0).Mean()}, nil
}

// Distribution puts all mass on the fixed arm.
func (c *Control) Distribution(arms []Arm, st *State) (map[string]float64, error) {
	chosen, err := c.pick(arms)
	if err != nil {
		return nil, err
	}
	dist := make(map[string]float64, len(arms))
	for _, a := range sortArms(arms) {
		dist[a.ID] = 0
	}
	dist[chosen] = 1
	return dist, nil
}

// Update records the reward for reporting; control has no learnable state.
func (c *Control) Update(st *State, armID string, reward float64) error {
	if err := validateReward(reward); err != nil {
		return err
	}
	st.Arm(armID, 0, 0).observe(reward, time.Now().UTC())
	return nil
}

// pick resolves the pinned arm against the candidate set.
func (c *Control) pick(arms []Arm) (string, error) {
	candidates := sortArms(arms)
	if len(candidates) == 0 {
		return "", ErrNoEligibleArm
	}
	if c.armID == "" {
		return candidates[0].ID, nil
	}
	for _, a := range candidates {
		if a.ID == c.armID {
			return a.ID, nil
		}
	}
	return "", ErrNoEligibleArm
}
