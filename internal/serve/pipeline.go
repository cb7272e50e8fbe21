// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

// Package serve is the per-request pipeline: experiment selection, policy
// assignment, arm selection, and event logging.
//
// Policy timeouts and logic errors degrade to the experiment's default
// policy, and the serve event is still emitted. The absence of an active
// experiment, a failure to load experiments, and an unavailable arm catalog
// surface as errors for the host to fall back on. Reads are bounded-stale through the
// snapshot cache, and nothing on this path waits on reward-side machinery.
package serve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tomtom215/armature/internal/assign"
	"github.com/tomtom215/armature/internal/bandit"
	"github.com/tomtom215/armature/internal/cache"
	"github.com/tomtom215/armature/internal/config"
	"github.com/tomtom215/armature/internal/database"
	"github.com/tomtom215/armature/internal/experiment"
	"github.com/tomtom215/armature/internal/logging"
	"github.com/tomtom215/armature/internal/metrics"
	"github.com/tomtom215/armature/internal/models"
)

// Failure kinds surfaced to the host recommender.
var (
	// ErrNoActiveExperiment indicates no experiment governs the surface;
	// the host falls back to its own default ranker.
	ErrNoActiveExperiment = errors.New("no active experiment for surface")

	// ErrUnavailableArmCatalog indicates the pinned catalog could not be
	// loaded.
	ErrUnavailableArmCatalog = errors.New("arm catalog unavailable")
)

// EventPublisher is the queue-side sink for serve events.
type EventPublisher interface {
	PublishServeEvent(ctx context.Context, ev *models.ServeEvent) error
}

// Request is one recommendation request from the host.
type Request struct {
	UserID  string
	Surface string
	Context bandit.Context
	K       int
}

// fallbackAppendRate bounds direct storage appends when the queue is down,
// so a queue outage cannot turn the hot path into an unbounded writer storm.
const fallbackAppendRate = 500

// Pipeline executes the serve flow.
type Pipeline struct {
	mgr       *experiment.Manager
	db        *database.DB
	publisher EventPublisher
	cache     *cache.Cache
	cfg       config.ServeConfig
	limiter   *rate.Limiter
}

// NewPipeline wires the serve pipeline. publisher may be nil, in which case
// events append directly to storage without the fallback limiter.
func NewPipeline(mgr *experiment.Manager, db *database.DB, publisher EventPublisher, c *cache.Cache, cfg config.ServeConfig) *Pipeline {
	return &Pipeline{
		mgr:       mgr,
		db:        db,
		publisher: publisher,
		cache:     c,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(fallbackAppendRate), 2*fallbackAppendRate),
	}
}

// Recommend runs the serve pipeline and returns up to K ranked results.
func (p *Pipeline) Recommend(ctx context.Context, req Request) ([]models.ServeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestDeadline)
	defer cancel()
	started := time.Now()

	exp, err := p.pickExperiment(ctx, req.Surface)
	if err != nil {
		return nil, err
	}

	policyID, inExperiment := p.assignPolicy(ctx, exp, req.UserID)

	arms, err := p.mgr.Catalog(ctx, exp)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailableArmCatalog, err)
	}
	now := time.Now().UTC()
	eligible := make([]bandit.Arm, 0, len(arms))
	for _, a := range arms {
		if a.EligibleAt(now) {
			eligible = append(eligible, a)
		}
	}

	k := req.K
	if k <= 0 {
		k = p.cfg.DefaultK
	}
	if k > len(eligible) {
		k = len(eligible)
	}

	contextKey := req.Context.Key(exp.RecognizedKeys)
	results := make([]models.ServeResult, 0, k)
	candidates := eligible

	for position := 1; position <= k && len(candidates) > 0; position++ {
		sel, usedPolicyID, timedOut, errKind := p.selectArm(ctx, exp, policyID, contextKey, candidates)

		latency := int(time.Since(started).Milliseconds())
		ev := &models.ServeEvent{
			SchemaVersion: models.ServeEventSchemaVersion,
			EventID:       uuid.New().String(),
			ExperimentID:  exp.ID,
			UserID:        req.UserID,
			PolicyID:      usedPolicyID,
			ArmID:         sel.ArmID,
			Position:      position,
			Context:       req.Context,
			ContextKey:    contextKey,
			Propensity:    sel.Propensity,
			Score:         sel.Score,
			LatencyMS:     latency,
			ServedAt:      now,
			PolicyTimeout: timedOut,
			ErrorKind:     errKind,
		}
		outcome := p.logEvent(ctx, ev)

		switch {
		case timedOut:
			metrics.RecordServe(exp.ID, usedPolicyID, "timeout", time.Since(started))
		case outcome != "":
			metrics.RecordServe(exp.ID, usedPolicyID, outcome, time.Since(started))
		default:
			metrics.RecordServe(exp.ID, usedPolicyID, "ok", time.Since(started))
		}

		results = append(results, models.ServeResult{
			ArmID:        sel.ArmID,
			Position:     position,
			Propensity:   sel.Propensity,
			Score:        sel.Score,
			ExperimentID: exp.ID,
			PolicyID:     usedPolicyID,
			EventID:      ev.EventID,
		})

		// Ranked lists select without replacement; state is fixed at
		// serve time, so propensities stay correct per remaining set.
		next := make([]bandit.Arm, 0, len(candidates)-1)
		for _, a := range candidates {
			if a.ID != sel.ArmID {
				next = append(next, a)
			}
		}
		candidates = next
	}

	if !inExperiment && len(results) > 0 {
		logging.Ctx(ctx).Debug().
			Str("experiment", exp.ID).
			Str("user", req.UserID).
			Msg("out-of-experiment serve on default policy")
	}
	return results, nil
}

// pickExperiment loads the experiment governing this surface: highest
// priority, then most recent.
func (p *Pipeline) pickExperiment(ctx context.Context, surface string) (*models.Experiment, error) {
	if surface == "" {
		surface = "default"
	}
	exps, err := p.mgr.ActiveForSurface(ctx, surface)
	if err != nil {
		return nil, fmt.Errorf("load experiments: %w", err)
	}
	if len(exps) == 0 {
		return nil, ErrNoActiveExperiment
	}
	return exps[0], nil
}

// assignPolicy routes the user, memoizing in-experiment assignments. Users
// without a stable identity bypass the experiment onto the default policy.
func (p *Pipeline) assignPolicy(ctx context.Context, exp *models.Experiment, userID string) (string, bool) {
	if userID == "" {
		return exp.DefaultPolicyID, false
	}

	res, err := assign.Route(exp.Salt, userID, exp.TrafficFraction, exp.TrafficPlan)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("experiment", exp.ID).Msg("assignment routing failed")
		return exp.DefaultPolicyID, false
	}
	if !res.InExperiment {
		return exp.DefaultPolicyID, false
	}

	// Memoize for audit; first write wins and the hash remains the source
	// of truth, so a write failure only costs the audit row.
	if _, err := p.db.PutAssignment(ctx, &models.Assignment{
		UserID:       userID,
		ExperimentID: exp.ID,
		PolicyID:     res.PolicyID,
		Bucket:       res.Bucket,
		AssignedAt:   time.Now().UTC(),
		Sticky:       true,
	}); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("experiment", exp.ID).Msg("assignment memoization failed")
	}
	return res.PolicyID, true
}

// selectArm runs the assigned policy under the policy deadline, degrading to
// the default policy on timeout or logic error. It returns the selection, the
// policy that actually served, the timeout flag, and an error kind for the
// guardrail error-rate counter.
func (p *Pipeline) selectArm(ctx context.Context, exp *models.Experiment, policyID, contextKey string, candidates []bandit.Arm) (bandit.Selection, string, bool, string) {
	type outcome struct {
		sel bandit.Selection
		err error
	}

	policyCtx, cancel := context.WithTimeout(ctx, p.cfg.PolicyDeadline)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		policy, err := p.mgr.Resolve(policyCtx, exp.ID, policyID)
		if err != nil {
			ch <- outcome{err: err}
			return
		}
		st, err := p.loadState(policyCtx, exp.ID, policyID, contextKey)
		if err != nil {
			ch <- outcome{err: err}
			return
		}
		sel, err := policy.Select(candidates, st)
		ch <- outcome{sel: sel, err: err}
	}()

	select {
	case <-policyCtx.Done():
		metrics.RecordPolicyError(exp.ID, "timeout")
		sel := p.fallbackSelection(ctx, exp, contextKey, candidates)
		return sel, exp.DefaultPolicyID, true, ""
	case out := <-ch:
		if out.err == nil {
			return out.sel, policyID, false, ""
		}
		kind := classifyPolicyError(out.err)
		metrics.RecordPolicyError(exp.ID, kind)
		logging.Ctx(ctx).Error().Err(out.err).
			Str("experiment", exp.ID).
			Str("policy", policyID).
			Msg("policy selection failed, degrading to default")
		sel := p.fallbackSelection(ctx, exp, contextKey, candidates)
		return sel, exp.DefaultPolicyID, false, kind
	}
}

// fallbackSelection serves via the default policy; if even that fails it
// pins the first candidate with propensity 1 so the request still succeeds.
func (p *Pipeline) fallbackSelection(ctx context.Context, exp *models.Experiment, contextKey string, candidates []bandit.Arm) bandit.Selection {
	policy, err := p.mgr.Resolve(ctx, exp.ID, exp.DefaultPolicyID)
	if err == nil {
		st, stateErr := p.loadState(ctx, exp.ID, exp.DefaultPolicyID, contextKey)
		if stateErr == nil {
			if sel, selErr := policy.Select(candidates, st); selErr == nil {
				return sel
			}
		}
	}
	return bandit.Selection{ArmID: candidates[0].ID, Propensity: 1}
}

// loadState reads policy state through the snapshot cache; staleness is
// bounded by the configured TTL.
func (p *Pipeline) loadState(ctx context.Context, experimentID, policyID, contextKey string) (*bandit.State, error) {
	key := "state:" + experimentID + ":" + policyID + ":" + contextKey
	if cached, ok := p.cache.Get(key); ok {
		return cached.(*bandit.State), nil
	}
	st, err := p.db.LoadPolicyState(ctx, experimentID, policyID, contextKey)
	if err != nil {
		return nil, err
	}
	p.cache.SetWithTTL(key, st, p.cfg.SnapshotTTL)
	return st, nil
}

// logEvent emits the serve event: queue first, direct append as fallback. A
// failure on both paths marks the event dropped; serving never blocks on the
// reward side. Returns a non-ok outcome label, or "".
func (p *Pipeline) logEvent(ctx context.Context, ev *models.ServeEvent) string {
	viaFallback := false
	if p.publisher != nil {
		if err := p.publisher.PublishServeEvent(ctx, ev); err == nil {
			return ""
		}
		// Best-effort direct append, bounded so the hot path cannot
		// flood storage during a queue outage.
		viaFallback = true
		if !p.limiter.Allow() {
			ev.Dropped = true
			return "dropped"
		}
	}
	if err := p.db.AppendServeEvent(ctx, ev); err == nil {
		if viaFallback {
			return "fallback"
		}
		return ""
	}

	ev.Dropped = true
	logging.Ctx(ctx).Error().
		Str("event", ev.EventID).
		Str("experiment", ev.ExperimentID).
		Msg("serve event dropped: queue and storage both unavailable")
	return "dropped"
}

// classifyPolicyError maps policy failures onto guardrail error kinds.
func classifyPolicyError(err error) string {
	switch {
	case errors.Is(err, bandit.ErrNoEligibleArm):
		return "no_eligible_arm"
	case errors.Is(err, bandit.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, bandit.ErrUnknownPolicy):
		return "unknown_policy"
	case errors.Is(err, database.ErrNotFound):
		return "missing_state"
	default:
		return "storage"
	}
}
