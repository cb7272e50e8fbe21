// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package bandit

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// EpsilonGreedy exploits the highest observed mean reward with probability
// 1-ε and explores uniformly with probability ε. Ties on the best mean break
// to the lowest arm id, so the propensity has an exact closed form:
//
//	p(best)  = (1-ε) + ε/K
//	p(other) = ε/K
type EpsilonGreedy struct {
	epsilon float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewEpsilonGreedy creates an ε-greedy policy. Epsilon outside [0, 1] is
// rejected. An epsilon of 0 is pure greedy and 1 is uniform exploration; no
// default is applied, so an omitted epsilon is 0.
func NewEpsilonGreedy(p Params, rng *rand.Rand) (*EpsilonGreedy, error) {
	eps := p.Epsilon
	if eps < 0 || eps > 1 {
		return nil, fmt.Errorf("epsilon must be in [0, 1], got %v", p.Epsilon)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &EpsilonGreedy{epsilon: eps, rng: rng}, nil
}

// Kind returns the policy kind identifier.
func (e *EpsilonGreedy) Kind() string { return KindEGreedy }

// Select picks exploit or explore and reports the exact propensity.
func (e *EpsilonGreedy) Select(arms []Arm, st *State) (Selection, error) {
	candidates := sortArms(arms)
	if len(candidates) == 0 {
		return Selection{}, ErrNoEligibleArm
	}
	eps := e.epsilon
	k := float64(len(candidates))
	bestID, bestMean := e.best(candidates, st)

	e.mu.Lock()
	explore := e.rng.Float64() < eps
	var chosen Arm
	if explore {
		chosen = candidates[e.rng.Intn(len(candidates))]
	}
	e.mu.Unlock()

	if !explore {
		chosen = Arm{ID: bestID}
	}

	propensity := eps / k
	if chosen.ID == bestID {
		propensity = (1 - eps) + eps/k
	}
	score := bestMean
	if chosen.ID != bestID {
		score = st.Arm(chosen.ID, 0, 0).Mean()
	}
	return Selection{ArmID: chosen.ID, Propensity: propensity, Score: score}, nil
}

// Distribution returns the closed-form selection probabilities.
func (e *EpsilonGreedy) Distribution(arms []Arm, st *State) (map[string]float64, error) {
	candidates := sortArms(arms)
	if len(candidates) == 0 {
		return nil, ErrNoEligibleArm
	}
	eps := e.epsilon
	k := float64(len(candidates))
	bestID, _ := e.best(candidates, st)

	dist := make(map[string]float64, len(candidates))
	for _, a := range candidates {
		if a.ID == bestID {
			dist[a.ID] = (1 - eps) + eps/k
		} else {
			dist[a.ID] = eps / k
		}
	}
	return dist, nil
}

// Update folds the reward into the running mean.
func (e *EpsilonGreedy) Update(st *State, armID string, reward float64) error {
	if err := validateReward(reward); err != nil {
		return err
	}
	st.Arm(armID, 0, 0).observe(reward, time.Now().UTC())
	return nil
}

// best returns the arm with the highest observed mean; candidates arrive
// sorted, so the first maximum is the lowest arm id.
func (e *EpsilonGreedy) best(candidates []Arm, st *State) (string, float64) {
	bestID := candidates[0].ID
	bestMean := st.Arm(candidates[0].ID, 0, 0).Mean()
	for _, a := range candidates[1:] {
		if m := st.Arm(a.ID, 0, 0).Mean(); m > bestMean {
			bestID, bestMean = a.ID, m
		}
	}
	return bestID, bestMean
}
