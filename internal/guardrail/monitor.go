// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

// Package guardrail evaluates experiment safety checks on a fixed cadence
// and auto-rolls back experiments that breach their thresholds.
//
// Checks over the trailing window (sample_ratio instead counts every
// assignment recorded for the experiment):
//
//	error_rate        serves with storage/policy errors over total    critical
//	latency_p95       p95 of serve latency                            critical
//	arm_concentration largest single-arm share of serves              2-window
//	reward_drop       treatment mean reward vs control, relative      rollback
//	sample_ratio      observed vs planned policy split (chi-square)   alert
//
// Rollback kills the experiment: it stops governing its surface immediately,
// for new and already assigned users alike. Its default policy is not served
// in its place.
// Rollbacks are rate-limited per experiment unless a critical check fails.
package guardrail

import (
	"context"
	"time"

	"github.com/tomtom215/armature/internal/bandit"
	"github.com/tomtom215/armature/internal/config"
	"github.com/tomtom215/armature/internal/database"
	"github.com/tomtom215/armature/internal/logging"
	"github.com/tomtom215/armature/internal/metrics"
	"github.com/tomtom215/armature/internal/models"
)

// Check names.
const (
	CheckErrorRate        = "error_rate"
	CheckLatencyP95       = "latency_p95"
	CheckArmConcentration = "arm_concentration"
	CheckRewardDrop       = "reward_drop"
	CheckSampleRatio      = "sample_ratio"
)

// concentrationWindows is how many consecutive failing windows the
// concentration check tolerates before rollback.
const concentrationWindows = 2

// Killer terminates an experiment; implemented by the experiment manager.
type Killer interface {
	Kill(ctx context.Context, id, reason string) error
}

// Monitor runs the guardrail checks.
type Monitor struct {
	db     *database.DB
	killer Killer
	cfg    config.GuardrailConfig
}

// NewMonitor wires the monitor.
func NewMonitor(db *database.DB, killer Killer, cfg config.GuardrailConfig) *Monitor {
	return &Monitor{db: db, killer: killer, cfg: cfg}
}

// CheckAll evaluates every active experiment once.
func (m *Monitor) CheckAll(ctx context.Context) {
	experiments, err := m.db.ListExperiments(ctx, models.StatusActive)
	if err != nil {
		logging.Error().Err(err).Msg("guardrail sweep: list experiments failed")
		return
	}
	for _, exp := range experiments {
		if err := m.CheckExperiment(ctx, exp); err != nil {
			logging.Error().Err(err).Str("experiment", exp.ID).Msg("guardrail check failed")
		}
	}
}

// CheckExperiment evaluates all checks for one experiment, records the
// results, and rolls back when warranted. Re-running on an identical input
// window yields identical verdicts: every check is a pure function of the
// window's data.
func (m *Monitor) CheckExperiment(ctx context.Context, exp *models.Experiment) error {
	now := time.Now().UTC()
	from := now.Add(-m.cfg.Window)

	stats, err := m.db.ServeStatsWindow(ctx, exp.ID, from, now)
	if err != nil {
		return err
	}
	if stats.Total == 0 {
		// Nothing served in the window; nothing to judge.
		return nil
	}

	checks := make([]models.GuardrailCheck, 0, 5)

	errorRate := float64(stats.Errors+stats.Dropped) / float64(stats.Total)
	checks = append(checks, m.evaluate(exp, now, CheckErrorRate, errorRate,
		exp.Guardrails.MaxErrorRate, errorRate > exp.Guardrails.MaxErrorRate, models.ActionRollback))

	checks = append(checks, m.evaluate(exp, now, CheckLatencyP95, stats.P95Latency,
		exp.Guardrails.MaxLatencyP95MS, stats.P95Latency > exp.Guardrails.MaxLatencyP95MS, models.ActionRollback))

	conc, err := m.db.ArmConcentration(ctx, exp.ID, from, now)
	if err != nil {
		return err
	}
	checks = append(checks, m.evaluate(exp, now, CheckArmConcentration, conc,
		exp.Guardrails.MaxArmConcentration, conc > exp.Guardrails.MaxArmConcentration, models.ActionAlert))

	drop, hasDrop, err := m.rewardDrop(ctx, exp, from, now)
	if err != nil {
		return err
	}
	if hasDrop {
		checks = append(checks, m.evaluate(exp, now, CheckRewardDrop, drop,
			-exp.Guardrails.MaxRewardDrop, drop < -exp.Guardrails.MaxRewardDrop, models.ActionRollback))
	}

	ratio, hasRatio, err := m.sampleRatio(ctx, exp)
	if err != nil {
		return err
	}
	if hasRatio {
		checks = append(checks, m.evaluate(exp, now, CheckSampleRatio, ratio,
			exp.Guardrails.SampleRatioPValue, ratio < exp.Guardrails.SampleRatioPValue, models.ActionAlert))
	}

	return m.record(ctx, exp, checks)
}

// evaluate builds one check result and exports its status gauge.
func (m *Monitor) evaluate(exp *models.Experiment, at time.Time, name string, value, threshold float64, breached bool, onFail models.GuardrailAction) models.GuardrailCheck {
	check := models.GuardrailCheck{
		ExperimentID: exp.ID,
		At:           at,
		Name:         name,
		Value:        value,
		Threshold:    threshold,
		Status:       models.GuardrailPass,
		Action:       models.ActionNone,
	}
	if breached {
		check.Status = models.GuardrailFail
		check.Action = onFail
	}

	statusValue := 0.0
	if breached {
		statusValue = 2
	}
	metrics.SetGuardrailStatus(exp.ID, name, statusValue)
	return check
}

// record persists the checks and applies rollback semantics.
func (m *Monitor) record(ctx context.Context, exp *models.Experiment, checks []models.GuardrailCheck) error {
	rollbackCheck := ""
	critical := false

	for i := range checks {
		check := &checks[i]

		if check.Status == models.GuardrailFail {
			logging.Warn().
				Str("experiment", exp.ID).
				Str("check", check.Name).
				Float64("value", check.Value).
				Float64("threshold", check.Threshold).
				Msg("guardrail check failed")
		}

		// Concentration rolls back only after consecutive failing
		// windows; its first failures downgrade to alert.
		if check.Name == CheckArmConcentration && check.Status == models.GuardrailFail {
			prior, err := m.db.ConsecutiveFails(ctx, exp.ID, CheckArmConcentration, concentrationWindows)
			if err != nil {
				return err
			}
			if prior+1 >= concentrationWindows {
				check.Action = models.ActionRollback
			}
		}

		if check.Status == models.GuardrailFail && check.Action == models.ActionRollback {
			if rollbackCheck == "" {
				rollbackCheck = check.Name
			}
			if check.Name == CheckErrorRate || check.Name == CheckLatencyP95 {
				critical = true
				rollbackCheck = check.Name
			}
		}
	}

	if rollbackCheck != "" && !critical {
		// Non-critical rollbacks are rate-limited.
		last, err := m.db.LastRollbackAt(ctx, exp.ID)
		if err != nil {
			return err
		}
		if !last.IsZero() && time.Since(last) < m.cfg.RollbackCooldown {
			logging.Warn().
				Str("experiment", exp.ID).
				Str("check", rollbackCheck).
				Msg("rollback suppressed by cooldown")
			for i := range checks {
				if checks[i].Name == rollbackCheck {
					checks[i].Action = models.ActionAlert
				}
			}
			rollbackCheck = ""
		}
	}

	for i := range checks {
		if err := m.db.InsertGuardrailCheck(ctx, &checks[i]); err != nil {
			return err
		}
	}

	if rollbackCheck != "" {
		metrics.RecordRollback(exp.ID, rollbackCheck)
		if err := m.killer.Kill(ctx, exp.ID, "guardrail "+rollbackCheck+" breached"); err != nil {
			return err
		}
	}
	return nil
}

// rewardDrop computes the relative mean-reward delta of treatment policies
// vs control. Returns false when either side lacks attributed data.
func (m *Monitor) rewardDrop(ctx context.Context, exp *models.Experiment, from, to time.Time) (float64, bool, error) {
	stats, err := m.db.PolicyRewardStatsWindow(ctx, exp.ID, from, to)
	if err != nil {
		return 0, false, err
	}

	controlID, err := m.controlPolicy(ctx, exp)
	if err != nil {
		return 0, false, err
	}
	control, ok := stats[controlID]
	if !ok || control.Attributed == 0 || control.MeanReward == 0 {
		return 0, false, nil
	}

	var treatSum float64
	var treatCount int64
	for policyID, s := range stats {
		if policyID == controlID || s.Attributed == 0 {
			continue
		}
		treatSum += s.MeanReward * float64(s.Attributed)
		treatCount += s.Attributed
	}
	if treatCount == 0 {
		return 0, false, nil
	}

	treatMean := treatSum / float64(treatCount)
	return (treatMean - control.MeanReward) / control.MeanReward, true, nil
}

// sampleRatio runs a chi-square test of observed assignment counts against
// the planned split. Returns the p-value, or false when there is not enough
// data for the test to mean anything.
func (m *Monitor) sampleRatio(ctx context.Context, exp *models.Experiment) (float64, bool, error) {
	counts, err := m.db.AssignmentCounts(ctx, exp.ID)
	if err != nil {
		return 0, false, err
	}
	var total int64
	for _, c := range counts {
		total += c
	}
	if total < 100 || len(exp.TrafficPlan) < 2 {
		return 0, false, nil
	}

	var stat float64
	for _, share := range exp.TrafficPlan {
		expected := share.Fraction * float64(total)
		if expected <= 0 {
			continue
		}
		observed := float64(counts[share.PolicyID])
		diff := observed - expected
		stat += diff * diff / expected
	}
	p := ChiSquarePValue(stat, len(exp.TrafficPlan)-1)
	return p, true, nil
}

// controlPolicy finds the experiment's control policy id, preferring a
// policy of kind control and falling back to the default policy.
func (m *Monitor) controlPolicy(ctx context.Context, exp *models.Experiment) (string, error) {
	policies, err := m.db.ListPolicies(ctx, exp.ID)
	if err != nil {
		return "", err
	}
	for _, p := range policies {
		if p.Kind == bandit.KindControl {
			return p.ID, nil
		}
	}
	return exp.DefaultPolicyID, nil
}
