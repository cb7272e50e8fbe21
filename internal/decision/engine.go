// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

// Package decision periodically evaluates experiments with off-policy
// estimates and significance tests, emitting ship / iterate / kill /
// continue verdicts.
//
// Estimators per policy, against the logged events of the analysis window:
//
//	IPS: (1/N) sum r_i * pi(a_i|x_i) / p_i, with p_i clipped from below
//	DR:  IPS - (1/N) sum (w_i - 1) * qhat(a_i), qhat = per-arm mean reward
//
// Verdicts are advisory unless the experiment opts into auto_ship or
// auto_kill.
package decision

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/tomtom215/armature/internal/bandit"
	"github.com/tomtom215/armature/internal/config"
	"github.com/tomtom215/armature/internal/database"
	"github.com/tomtom215/armature/internal/logging"
	"github.com/tomtom215/armature/internal/metrics"
	"github.com/tomtom215/armature/internal/models"
)

// Lifecycle is the subset of the experiment manager the engine can act
// through when auto actions are configured.
type Lifecycle interface {
	Kill(ctx context.Context, id, reason string) error
	End(ctx context.Context, id string) error
	Resolve(ctx context.Context, experimentID, policyID string) (bandit.Policy, error)
	Catalog(ctx context.Context, exp *models.Experiment) ([]bandit.Arm, error)
}

// Engine computes decisions.
type Engine struct {
	db        *database.DB
	lifecycle Lifecycle
	cfg       config.DecisionConfig
	seed      int64
}

// NewEngine wires the engine. The seed fixes bootstrap resampling so a
// re-evaluation over identical events is bit-reproducible.
func NewEngine(db *database.DB, lifecycle Lifecycle, cfg config.DecisionConfig, seed int64) *Engine {
	return &Engine{db: db, lifecycle: lifecycle, cfg: cfg, seed: seed}
}

// EvaluateAll runs the decision sweep over every active experiment.
func (e *Engine) EvaluateAll(ctx context.Context) {
	experiments, err := e.db.ListExperiments(ctx, models.StatusActive)
	if err != nil {
		logging.Error().Err(err).Msg("decision sweep: list experiments failed")
		return
	}
	for _, exp := range experiments {
		decision, err := e.EvaluateExperiment(ctx, exp)
		if err != nil {
			logging.Error().Err(err).Str("experiment", exp.ID).Msg("decision evaluation failed")
			continue
		}
		if decision != nil {
			e.apply(ctx, exp, decision)
		}
	}
}

// EvaluateExperiment computes one decision and records it. Returns nil when
// there is nothing to evaluate yet.
func (e *Engine) EvaluateExperiment(ctx context.Context, exp *models.Experiment) (*models.Decision, error) {
	now := time.Now().UTC()
	windowDays := now.Sub(exp.StartAt)
	analysisFrom := exp.StartAt
	if windowDays > exp.Decision.MaxWindow {
		analysisFrom = now.Add(-exp.Decision.MaxWindow)
	}

	events, err := e.db.AttributedEventsSince(ctx, exp.ID, analysisFrom)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	perf, err := e.estimate(ctx, exp, events)
	if err != nil {
		return nil, err
	}

	decision := e.verdict(exp, perf, windowDays, now)
	if err := e.db.InsertDecision(ctx, decision); err != nil {
		return nil, err
	}
	metrics.RecordDecision(exp.ID, string(decision.Verdict))

	logging.Info().
		Str("experiment", exp.ID).
		Str("verdict", string(decision.Verdict)).
		Str("winner", decision.WinnerPolicyID).
		Float64("uplift", decision.Uplift).
		Float64("confidence", decision.Confidence).
		Msg("decision recorded")
	return decision, nil
}

// policyPerf is one policy's evaluation over the analysis window.
type policyPerf struct {
	policyID string
	kind     string
	rewards  []float64
	ips      float64
	dr       float64
	ciLo     float64
	ciHi     float64
}

// estimate computes IPS/DR and bootstrap CIs per policy over the logged
// events. The logged events of ALL policies form the behavior data; each
// policy's target propensities come from the shared Distribution code path at
// its current state.
func (e *Engine) estimate(ctx context.Context, exp *models.Experiment, events []*models.ServeEvent) (map[string]*policyPerf, error) {
	policies, err := e.db.ListPolicies(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	arms, err := e.lifecycle.Catalog(ctx, exp)
	if err != nil {
		return nil, err
	}

	// qhat: per-arm mean observed reward, the DR direct model.
	armSum := make(map[string]float64)
	armCount := make(map[string]float64)
	for _, ev := range events {
		armSum[ev.ArmID] += *ev.Reward
		armCount[ev.ArmID]++
	}
	qhat := func(armID string) float64 {
		if armCount[armID] == 0 {
			return 0
		}
		return armSum[armID] / armCount[armID]
	}

	rng := rand.New(rand.NewSource(e.seed))
	perf := make(map[string]*policyPerf, len(policies))

	for _, record := range policies {
		policy, err := e.lifecycle.Resolve(ctx, exp.ID, record.ID)
		if err != nil {
			return nil, err
		}

		// Distribution is a function of (state, context_key); cache per
		// context key so N events cost K distribution computations.
		distCache := make(map[string]map[string]float64)
		distFor := func(contextKey string) (map[string]float64, error) {
			if d, ok := distCache[contextKey]; ok {
				return d, nil
			}
			st, err := e.db.LoadPolicyState(ctx, exp.ID, record.ID, contextKey)
			if err != nil {
				return nil, err
			}
			d, err := policy.Distribution(arms, st)
			if err != nil {
				return nil, err
			}
			distCache[contextKey] = d
			return d, nil
		}

		p := &policyPerf{policyID: record.ID, kind: record.Kind}
		var ipsSum, drCorrection float64
		n := 0
		for _, ev := range events {
			dist, err := distFor(ev.ContextKey)
			if err != nil {
				return nil, err
			}
			target := dist[ev.ArmID]
			logged := ev.Propensity
			if logged < e.cfg.PropensityFloor {
				logged = e.cfg.PropensityFloor
			}
			w := target / logged
			ipsSum += *ev.Reward * w
			drCorrection += (w - 1) * qhat(ev.ArmID)
			n++

			if ev.PolicyID == record.ID {
				p.rewards = append(p.rewards, *ev.Reward)
			}
		}
		if n > 0 {
			p.ips = ipsSum / float64(n)
			p.dr = p.ips - drCorrection/float64(n)
		}
		p.ciLo, p.ciHi = bootstrapCI(rng, p.rewards, e.cfg.BootstrapRounds, exp.Decision.MinConfidence)
		perf[record.ID] = p
	}
	return perf, nil
}

// verdict applies the decision criteria to the estimates.
func (e *Engine) verdict(exp *models.Experiment, perf map[string]*policyPerf, window time.Duration, now time.Time) *models.Decision {
	decision := &models.Decision{
		ExperimentID: exp.ID,
		EvaluatedAt:  now,
		Verdict:      models.VerdictContinue,
		Estimators:   make(map[string]float64, len(perf)*2),
	}

	var control *policyPerf
	for _, p := range perf {
		decision.Estimators["ips_"+p.policyID] = p.ips
		decision.Estimators["dr_"+p.policyID] = p.dr
		if p.kind == bandit.KindControl {
			control = p
		}
	}
	if control == nil {
		control = perf[exp.DefaultPolicyID]
	}
	if control == nil || len(control.rewards) == 0 {
		decision.Notes = "no control data; continuing"
		return decision
	}

	// Best treatment by observed mean reward.
	var best *policyPerf
	for _, p := range perf {
		if p.policyID == control.policyID || len(p.rewards) == 0 {
			continue
		}
		if best == nil || mean(p.rewards) > mean(best.rewards) {
			best = p
		}
	}
	if best == nil {
		decision.Notes = "no treatment data; continuing"
		return decision
	}

	controlMean := mean(control.rewards)
	bestMean := mean(best.rewards)
	if controlMean != 0 {
		decision.Uplift = (bestMean - controlMean) / controlMean
	}
	decision.WinnerPolicyID = best.policyID

	welch := welchTTest(bestMean, variance(best.rewards), len(best.rewards),
		controlMean, variance(control.rewards), len(control.rewards))
	decision.Confidence = 1 - welch.POneSided
	decision.Estimators["welch_t"] = welch.T
	decision.Estimators["welch_p"] = welch.POneSided

	criteria := exp.Decision
	enoughEvents := len(best.rewards) >= criteria.MinEvents && len(control.rewards) >= criteria.MinEvents

	// Lower bound of the relative uplift from the treatment CI vs the
	// control mean; used for the kill rule.
	lowerUplift := decision.Uplift
	if controlMean != 0 {
		lowerUplift = (best.ciLo - controlMean) / controlMean
	}

	switch {
	case window >= criteria.MinWindow && enoughEvents &&
		decision.Uplift >= criteria.MinUplift && decision.Confidence >= criteria.MinConfidence:
		decision.Verdict = models.VerdictShip
		decision.Notes = fmt.Sprintf("uplift %.1f%% at %.1f%% confidence over %d events",
			decision.Uplift*100, decision.Confidence*100, len(best.rewards))

	case lowerUplift < -0.05 && (1-welch.POneSided) <= 1-criteria.MinConfidence:
		// The treatment is credibly worse: its CI lower bound trails
		// control by more than 5% and the test favors control.
		decision.Verdict = models.VerdictKill
		decision.Notes = fmt.Sprintf("uplift lower bound %.1f%%", lowerUplift*100)

	case window >= criteria.MaxWindow:
		decision.Verdict = models.VerdictIterate
		decision.Notes = "max window reached without ship or kill"

	default:
		decision.Notes = "insufficient evidence; continuing"
	}
	return decision
}

// apply executes auto actions when the experiment opted in.
func (e *Engine) apply(ctx context.Context, exp *models.Experiment, decision *models.Decision) {
	switch decision.Verdict {
	case models.VerdictKill:
		if exp.Decision.AutoKill {
			if err := e.lifecycle.Kill(ctx, exp.ID, "decision engine: "+decision.Notes); err != nil {
				logging.Error().Err(err).Str("experiment", exp.ID).Msg("auto-kill failed")
			}
		}
	case models.VerdictShip:
		if exp.Decision.AutoShip {
			// Shipping concludes the experiment; promotion of the
			// winner into the production plan is an operator step.
			if err := e.lifecycle.End(ctx, exp.ID); err != nil {
				logging.Error().Err(err).Str("experiment", exp.ID).Msg("auto-ship end failed")
			}
		}
	}
}
