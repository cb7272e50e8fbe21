// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

// Package replay evaluates candidate policies offline against a logged event
// stream, using the same Select/Update code path as online serving.
//
// Scoring follows the replay method for off-policy evaluation: every logged
// event contributes to the IPS/DR estimates through the candidate policy's
// propensity on the logged arm, and the candidate's state advances only on
// events where its own choice matches the logged arm (so the logged reward
// is valid for the chosen action). Given identical inputs and seeds, all
// outputs are bit-reproducible.
package replay

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/tomtom215/armature/internal/bandit"
)

// LoggedEvent is one historical serve with its logged propensity and reward.
type LoggedEvent struct {
	EventID    string         `json:"event_id"`
	UserID     string         `json:"user_id"`
	Context    bandit.Context `json:"context,omitempty"`
	ArmID      string         `json:"arm_id"`
	Propensity float64        `json:"propensity"`
	Reward     float64        `json:"reward"`
	At         time.Time      `json:"at"`
}

// PolicyConfig names one candidate policy for a replay run.
type PolicyConfig struct {
	ID     string        `json:"id"`
	Kind   string        `json:"kind"`
	Params bandit.Params `json:"params"`
}

// Options tunes a replay run.
type Options struct {
	// Seed fixes all stochastic policy draws.
	Seed int64
	// PropensityFloor clips logged propensities from below to bound IPS
	// variance.
	PropensityFloor float64
	// CurvePoints bounds the length of the emitted temporal curves; 0
	// keeps every step.
	CurvePoints int
	// RecognizedKeys partitions state by context, matching the online
	// experiment's declared key list.
	RecognizedKeys []string
}

// Result is one policy's replay outcome.
type Result struct {
	PolicyID string  `json:"policy_id"`
	Events   int     `json:"events"`
	Matched  int     `json:"matched"`
	IPS      float64 `json:"ips"`
	DR       float64 `json:"dr"`
	// MatchedMeanReward is the mean logged reward over matched serves.
	MatchedMeanReward float64 `json:"matched_mean_reward"`
	// RegretCurve is cumulative regret vs the best arm in hindsight, on
	// matched serves.
	RegretCurve []float64 `json:"regret_curve,omitempty"`
	// RewardCurve is the cumulative matched reward over time.
	RewardCurve []float64 `json:"reward_curve,omitempty"`
}

// Run replays the events through each candidate policy with fresh state.
func Run(events []LoggedEvent, policies []PolicyConfig, opts Options) (map[string]*Result, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("no events to replay")
	}
	if opts.PropensityFloor <= 0 {
		opts.PropensityFloor = 0.01
	}

	ordered := make([]LoggedEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].At.Before(ordered[j].At) })

	// The candidate set is every arm observed in the log, fixed for the
	// whole run so propensities are comparable across time.
	armSet := make(map[string]bool)
	for _, ev := range ordered {
		armSet[ev.ArmID] = true
	}
	arms := make([]bandit.Arm, 0, len(armSet))
	for id := range armSet {
		arms = append(arms, bandit.Arm{ID: id})
	}
	sort.Slice(arms, func(i, j int) bool { return arms[i].ID < arms[j].ID })

	// qhat for DR: per-arm mean logged reward.
	armSum := make(map[string]float64)
	armCount := make(map[string]float64)
	for _, ev := range ordered {
		armSum[ev.ArmID] += ev.Reward
		armCount[ev.ArmID]++
	}
	qhat := func(armID string) float64 {
		if armCount[armID] == 0 {
			return 0
		}
		return armSum[armID] / armCount[armID]
	}

	// Best arm in hindsight, for the regret baseline.
	bestMean := 0.0
	for id := range armSet {
		if m := qhat(id); m > bestMean {
			bestMean = m
		}
	}

	results := make(map[string]*Result, len(policies))
	for _, cfg := range policies {
		res, err := replayOne(ordered, arms, cfg, opts, qhat, bestMean)
		if err != nil {
			return nil, fmt.Errorf("replay policy %s: %w", cfg.ID, err)
		}
		results[cfg.ID] = res
	}
	return results, nil
}

// replayOne runs a single policy over the stream.
func replayOne(events []LoggedEvent, arms []bandit.Arm, cfg PolicyConfig, opts Options, qhat func(string) float64, bestMean float64) (*Result, error) {
	rng := rand.New(rand.NewSource(opts.Seed))
	policy, err := bandit.New(cfg.Kind, cfg.Params, rng)
	if err != nil {
		return nil, err
	}

	states := make(map[string]*bandit.State)
	stateFor := func(key string) *bandit.State {
		st, ok := states[key]
		if !ok {
			st = bandit.NewState(key)
			states[key] = st
		}
		return st
	}

	res := &Result{PolicyID: cfg.ID}
	var ipsSum, drCorrection, matchedReward, cumRegret float64

	for _, ev := range events {
		contextKey := ev.Context.Key(opts.RecognizedKeys)
		st := stateFor(contextKey)

		dist, err := policy.Distribution(arms, st)
		if err != nil {
			return nil, err
		}
		target := dist[ev.ArmID]
		logged := ev.Propensity
		if logged < opts.PropensityFloor {
			logged = opts.PropensityFloor
		}
		w := target / logged
		ipsSum += ev.Reward * w
		drCorrection += (w - 1) * qhat(ev.ArmID)
		res.Events++

		// Advance state only when the candidate would have served the
		// logged arm; the logged reward is only valid for that action.
		sel, err := policy.Select(arms, st)
		if err != nil {
			return nil, err
		}
		if sel.ArmID == ev.ArmID {
			updateReward := ev.Reward
			if updateReward < 0 {
				updateReward = 0
			} else if updateReward > 1 {
				updateReward = 1
			}
			if err := policy.Update(st, ev.ArmID, updateReward); err != nil {
				return nil, err
			}
			res.Matched++
			matchedReward += ev.Reward
			cumRegret += bestMean - ev.Reward
			res.RewardCurve = append(res.RewardCurve, matchedReward)
			res.RegretCurve = append(res.RegretCurve, cumRegret)
		}
	}

	n := float64(res.Events)
	if n > 0 {
		res.IPS = ipsSum / n
		res.DR = res.IPS - drCorrection/n
	}
	if res.Matched > 0 {
		res.MatchedMeanReward = matchedReward / float64(res.Matched)
	}
	res.RewardCurve = downsample(res.RewardCurve, opts.CurvePoints)
	res.RegretCurve = downsample(res.RegretCurve, opts.CurvePoints)
	return res, nil
}

// downsample keeps at most n evenly spaced points, always including the last.
func downsample(curve []float64, n int) []float64 {
	if n <= 0 || len(curve) <= n {
		return curve
	}
	out := make([]float64, 0, n)
	step := float64(len(curve)-1) / float64(n-1)
	for i := 0; i < n; i++ {
		out = append(out, curve[int(float64(i)*step)])
	}
	return out
}
