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

// Default Thompson parameters.
const (
	defaultAlpha0          = 1.0
	defaultBeta0           = 1.0
	defaultPropensityDraws = 1000
	minPropensityDraws     = 500
)

// Thompson implements Beta-Bernoulli Thompson sampling.
//
// Selection draws one theta per arm from Beta(alpha, beta) and returns the
// argmax. The propensity of the chosen arm is estimated by Monte-Carlo: run N
// independent selection rounds and count wins, then floor each probability at
// eps = 1/(N + K*N) and renormalize so the recorded propensity is never zero.
type Thompson struct {
	alpha0 float64
	beta0  float64
	draws  int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewThompson creates a Thompson sampling policy. A nil rng seeds from the
// global source; replay injects a seeded generator for determinism.
func NewThompson(p Params, rng *rand.Rand) (*Thompson, error) {
	alpha0, beta0 := p.Alpha0, p.Beta0
	if alpha0 == 0 {
		alpha0 = defaultAlpha0
	}
	if beta0 == 0 {
		beta0 = defaultBeta0
	}
	if alpha0 < 0 || beta0 < 0 {
		return nil, fmt.Errorf("%w: priors alpha0=%v beta0=%v", ErrInvalidState, alpha0, beta0)
	}
	draws := p.PropensityDraws
	if draws == 0 {
		draws = defaultPropensityDraws
	}
	if draws < minPropensityDraws {
		draws = minPropensityDraws
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Thompson{alpha0: alpha0, beta0: beta0, draws: draws, rng: rng}, nil
}

// Kind returns the policy kind identifier.
func (t *Thompson) Kind() string { return KindThompson }

// Select draws one sample per arm and returns the argmax with its
// Monte-Carlo propensity.
func (t *Thompson) Select(arms []Arm, st *State) (Selection, error) {
	candidates := sortArms(arms)
	if len(candidates) == 0 {
		return Selection{}, ErrNoEligibleArm
	}
	if err := t.checkState(candidates, st); err != nil {
		return Selection{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	best := -1
	var bestSample float64
	for i, a := range candidates {
		row := st.Arm(a.ID, t.alpha0, t.beta0)
		sample := sampleBeta(t.rng, row.Alpha, row.Beta)
		// Strict greater keeps the lowest arm id on exact ties.
		if best < 0 || sample > bestSample {
			best = i
			bestSample = sample
		}
	}

	dist := t.distributionLocked(candidates, st)
	chosen := candidates[best]
	return Selection{ArmID: chosen.ID, Propensity: dist[chosen.ID], Score: bestSample}, nil
}

// Distribution estimates the selection probability of every candidate arm.
func (t *Thompson) Distribution(arms []Arm, st *State) (map[string]float64, error) {
	candidates := sortArms(arms)
	if len(candidates) == 0 {
		return nil, ErrNoEligibleArm
	}
	if err := t.checkState(candidates, st); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.distributionLocked(candidates, st), nil
}

// distributionLocked runs the Monte-Carlo win count. Caller holds t.mu.
func (t *Thompson) distributionLocked(candidates []Arm, st *State) map[string]float64 {
	k := len(candidates)
	wins := make([]int, k)
	for d := 0; d < t.draws; d++ {
		best := -1
		var bestSample float64
		for i, a := range candidates {
			row := st.Arm(a.ID, t.alpha0, t.beta0)
			sample := sampleBeta(t.rng, row.Alpha, row.Beta)
			if best < 0 || sample > bestSample {
				best = i
				bestSample = sample
			}
		}
		wins[best]++
	}

	eps := 1.0 / float64(t.draws+k*t.draws)
	probs := make([]float64, k)
	var total float64
	for i, w := range wins {
		p := float64(w) / float64(t.draws)
		if p < eps {
			p = eps
		}
		probs[i] = p
		total += p
	}

	dist := make(map[string]float64, k)
	for i, a := range candidates {
		dist[a.ID] = probs[i] / total
	}
	return dist
}

// Update applies a reward in [0, 1] with fractional Beta updates.
func (t *Thompson) Update(st *State, armID string, reward float64) error {
	if err := validateReward(reward); err != nil {
		return err
	}
	row := st.Arm(armID, t.alpha0, t.beta0)
	if row.Alpha <= 0 || row.Beta <= 0 {
		return fmt.Errorf("%w: arm %s alpha=%v beta=%v", ErrInvalidState, armID, row.Alpha, row.Beta)
	}
	row.observe(reward, time.Now().UTC())
	row.Alpha += reward
	row.Beta += 1 - reward
	return nil
}

// checkState rejects corrupted Beta parameters before any sampling.
func (t *Thompson) checkState(candidates []Arm, st *State) error {
	for _, a := range candidates {
		row := st.Arm(a.ID, t.alpha0, t.beta0)
		if row.Alpha <= 0 || row.Beta <= 0 {
			return fmt.Errorf("%w: arm %s alpha=%v beta=%v", ErrInvalidState, a.ID, row.Alpha, row.Beta)
		}
	}
	return nil
}
