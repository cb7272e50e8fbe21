// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

// Package experiment owns the experiment lifecycle: creation, the status
// state machine, traffic plan changes, prior seeding, and policy resolution.
//
// Transitions are atomic: a from-status guard in storage makes concurrent
// admin calls race-safe, and cached snapshots are invalidated on every
// transition so the serve path converges within its TTL.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/tomtom215/armature/internal/assign"
	"github.com/tomtom215/armature/internal/bandit"
	"github.com/tomtom215/armature/internal/cache"
	"github.com/tomtom215/armature/internal/config"
	"github.com/tomtom215/armature/internal/database"
	"github.com/tomtom215/armature/internal/logging"
	"github.com/tomtom215/armature/internal/models"
)

// Sentinel errors for lifecycle and configuration failures.
var (
	// ErrInvalidTransition indicates a status change the state machine
	// does not allow.
	ErrInvalidTransition = errors.New("invalid experiment transition")

	// ErrConfiguration indicates an invalid experiment configuration,
	// rejected at admin time.
	ErrConfiguration = errors.New("invalid experiment configuration")

	// ErrTrafficShrink indicates an attempt to lower traffic_fraction on
	// an active experiment; ramps may only grow.
	ErrTrafficShrink = errors.New("traffic fraction may only grow while active")
)

// Manager coordinates experiment lifecycle against storage and the snapshot
// cache.
type Manager struct {
	db        *database.DB
	cache     *cache.Cache
	validate  *validator.Validate
	guardrail config.GuardrailConfig
	decision  config.DecisionConfig
	reward    config.RewardConfig
}

// NewManager creates a manager with the server-level default configs used to
// resolve per-experiment zero values.
func NewManager(db *database.DB, c *cache.Cache, guardrail config.GuardrailConfig, decision config.DecisionConfig, reward config.RewardConfig) *Manager {
	return &Manager{
		db:        db,
		cache:     c,
		validate:  validator.New(),
		guardrail: guardrail,
		decision:  decision,
		reward:    reward,
	}
}

// CreateRequest is the admin payload for a new experiment.
type CreateRequest struct {
	Name            string          `json:"name" validate:"required"`
	Surface         string          `json:"surface"`
	Priority        int             `json:"priority"`
	Salt            string          `json:"salt" validate:"required"`
	StartAt         time.Time       `json:"start_at"`
	TrafficFraction float64         `json:"traffic_fraction" validate:"gte=0,lte=1"`
	TrafficPlan     assign.Plan     `json:"traffic_plan" validate:"required,min=1"`
	Policies        []models.Policy `json:"policies" validate:"required,min=1"`
	DefaultPolicyID string          `json:"default_policy_id" validate:"required"`
	Arms            []bandit.Arm    `json:"arms" validate:"required,min=1"`
	RecognizedKeys  []string        `json:"recognized_keys"`

	RewardMapping     models.RewardMapping `json:"reward_mapping"`
	AttributionWindow time.Duration        `json:"attribution_window"`

	Guardrails *models.GuardrailThresholds `json:"guardrail_config"`
	Decision   *models.DecisionCriteria    `json:"decision_config"`
	Notes      string                      `json:"notes"`
}

// Create validates the request and persists a draft experiment with its
// policies and catalog version 1.
func (m *Manager) Create(ctx context.Context, req *CreateRequest) (*models.Experiment, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConfiguration, err)
	}
	if err := req.TrafficPlan.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConfiguration, err)
	}

	policyIDs := make(map[string]bool, len(req.Policies))
	for _, p := range req.Policies {
		if p.ID == "" {
			return nil, fmt.Errorf("%w: policy with empty id", ErrConfiguration)
		}
		if policyIDs[p.ID] {
			return nil, fmt.Errorf("%w: duplicate policy id %q", ErrConfiguration, p.ID)
		}
		policyIDs[p.ID] = true
		// Constructing the policy validates kind and params in one shot.
		if _, err := bandit.New(p.Kind, p.Params, nil); err != nil {
			return nil, fmt.Errorf("%w: policy %q: %s", ErrConfiguration, p.ID, err)
		}
	}
	if !policyIDs[req.DefaultPolicyID] {
		return nil, fmt.Errorf("%w: default policy %q not in policy set", ErrConfiguration, req.DefaultPolicyID)
	}
	for _, share := range req.TrafficPlan {
		if !policyIDs[share.PolicyID] {
			return nil, fmt.Errorf("%w: traffic plan references unknown policy %q", ErrConfiguration, share.PolicyID)
		}
	}
	armIDs := make(map[string]bool, len(req.Arms))
	for _, a := range req.Arms {
		if a.ID == "" {
			return nil, fmt.Errorf("%w: arm with empty id", ErrConfiguration)
		}
		if armIDs[a.ID] {
			return nil, fmt.Errorf("%w: duplicate arm id %q", ErrConfiguration, a.ID)
		}
		armIDs[a.ID] = true
	}

	now := time.Now().UTC()
	exp := &models.Experiment{
		ID:              uuid.New().String(),
		Name:            req.Name,
		Surface:         defaultString(req.Surface, "default"),
		Priority:        req.Priority,
		Status:          models.StatusDraft,
		Salt:            req.Salt,
		StartAt:         req.StartAt,
		TrafficFraction: req.TrafficFraction,
		TrafficPlan:     req.TrafficPlan.Normalized(),
		DefaultPolicyID: req.DefaultPolicyID,
		CatalogVersion:  1,
		RecognizedKeys:  req.RecognizedKeys,
		RewardMapping:   req.RewardMapping,
		Notes:           req.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if exp.StartAt.IsZero() {
		exp.StartAt = now
	}
	if exp.RewardMapping == "" {
		exp.RewardMapping = models.MappingComposite
	}
	exp.AttributionWindow = req.AttributionWindow
	if exp.AttributionWindow <= 0 {
		exp.AttributionWindow = m.reward.AttributionWindow
	}
	exp.Guardrails = m.resolveGuardrails(req.Guardrails)
	exp.Decision = m.resolveDecision(req.Decision)

	if err := m.db.CreateExperiment(ctx, exp); err != nil {
		return nil, err
	}
	for i := range req.Policies {
		req.Policies[i].ExperimentID = exp.ID
	}
	if err := m.db.UpsertPolicies(ctx, exp.ID, req.Policies); err != nil {
		return nil, err
	}
	if err := m.db.PutArmCatalog(ctx, exp.ID, 1, req.Arms); err != nil {
		return nil, err
	}

	logging.Info().
		Str("experiment", exp.ID).
		Str("name", exp.Name).
		Float64("traffic_fraction", exp.TrafficFraction).
		Int("policies", len(req.Policies)).
		Int("arms", len(req.Arms)).
		Msg("experiment created")
	return exp, nil
}

// Start transitions draft -> active and seeds priors for every (policy, arm).
func (m *Manager) Start(ctx context.Context, id string) error {
	exp, err := m.db.GetExperiment(ctx, id)
	if err != nil {
		return err
	}
	if exp.Status != models.StatusDraft {
		return fmt.Errorf("%w: %s -> active", ErrInvalidTransition, exp.Status)
	}

	policies, err := m.db.ListPolicies(ctx, id)
	if err != nil {
		return err
	}
	arms, err := m.db.GetArmCatalog(ctx, id, exp.CatalogVersion)
	if err != nil {
		return err
	}

	// Seed priors before the transition so the first serve observes a
	// fully seeded state. Thompson priors come from its params; other
	// kinds keep the (1, 1) placeholder the schema defaults.
	for _, p := range policies {
		alpha0, beta0 := p.Params.Alpha0, p.Params.Beta0
		if alpha0 == 0 {
			alpha0 = 1
		}
		if beta0 == 0 {
			beta0 = 1
		}
		if err := m.db.SeedPolicyArmState(ctx, id, []string{p.ID}, arms, alpha0, beta0); err != nil {
			return err
		}
	}

	if err := m.db.TransitionExperiment(ctx, id, models.StatusDraft, models.StatusActive, nil); err != nil {
		return err
	}
	m.invalidate(id)
	logging.Info().Str("experiment", id).Msg("experiment started")
	return nil
}

// Pause transitions active -> paused.
func (m *Manager) Pause(ctx context.Context, id string) error {
	if err := m.db.TransitionExperiment(ctx, id, models.StatusActive, models.StatusPaused, nil); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: pause requires active", ErrInvalidTransition)
		}
		return err
	}
	m.invalidate(id)
	logging.Info().Str("experiment", id).Msg("experiment paused")
	return nil
}

// Resume transitions paused -> active.
func (m *Manager) Resume(ctx context.Context, id string) error {
	if err := m.db.TransitionExperiment(ctx, id, models.StatusPaused, models.StatusActive, nil); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: resume requires paused", ErrInvalidTransition)
		}
		return err
	}
	m.invalidate(id)
	logging.Info().Str("experiment", id).Msg("experiment resumed")
	return nil
}

// End transitions active -> ended. No further serves are recorded.
func (m *Manager) End(ctx context.Context, id string) error {
	now := time.Now().UTC()
	if err := m.db.TransitionExperiment(ctx, id, models.StatusActive, models.StatusEnded, &now); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: end requires active", ErrInvalidTransition)
		}
		return err
	}
	m.invalidate(id)
	logging.Info().Str("experiment", id).Msg("experiment ended")
	return nil
}

// Kill transitions active or paused -> killed and records a final kill
// decision. The experiment stops governing its surface immediately, for new
// and already assigned users alike; its default policy is not served in its
// place.
func (m *Manager) Kill(ctx context.Context, id, reason string) error {
	now := time.Now().UTC()
	err := m.db.TransitionExperiment(ctx, id, models.StatusActive, models.StatusKilled, &now)
	if errors.Is(err, database.ErrNotFound) {
		err = m.db.TransitionExperiment(ctx, id, models.StatusPaused, models.StatusKilled, &now)
	}
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: kill requires active or paused", ErrInvalidTransition)
		}
		return err
	}

	if err := m.db.InsertDecision(ctx, &models.Decision{
		ExperimentID: id,
		EvaluatedAt:  now,
		Verdict:      models.VerdictKill,
		Notes:        reason,
	}); err != nil {
		logging.Warn().Err(err).Str("experiment", id).Msg("record kill decision failed")
	}

	m.invalidate(id)
	logging.Warn().Str("experiment", id).Str("reason", reason).Msg("experiment killed")
	return nil
}

// UpdateTraffic changes traffic_fraction, traffic_plan, and/or salt. While
// the experiment is active the fraction may only grow (ramp); changing the
// salt resets all memoized assignments.
func (m *Manager) UpdateTraffic(ctx context.Context, id string, fraction *float64, plan assign.Plan, salt string) error {
	exp, err := m.db.GetExperiment(ctx, id)
	if err != nil {
		return err
	}
	if exp.Terminal() {
		return fmt.Errorf("%w: experiment is %s", ErrInvalidTransition, exp.Status)
	}

	if fraction != nil {
		if *fraction < 0 || *fraction > 1 {
			return fmt.Errorf("%w: traffic fraction %v", ErrConfiguration, *fraction)
		}
		if exp.Status == models.StatusActive && *fraction < exp.TrafficFraction {
			return ErrTrafficShrink
		}
		exp.TrafficFraction = *fraction
	}
	if plan != nil {
		if err := plan.Validate(); err != nil {
			return fmt.Errorf("%w: %s", ErrConfiguration, err)
		}
		policies, err := m.db.ListPolicies(ctx, id)
		if err != nil {
			return err
		}
		known := make(map[string]bool, len(policies))
		for _, p := range policies {
			known[p.ID] = true
		}
		for _, share := range plan {
			if !known[share.PolicyID] {
				return fmt.Errorf("%w: traffic plan references unknown policy %q", ErrConfiguration, share.PolicyID)
			}
		}
		exp.TrafficPlan = plan.Normalized()
	}
	saltChanged := salt != "" && salt != exp.Salt
	if saltChanged {
		exp.Salt = salt
	}

	exp.UpdatedAt = time.Now().UTC()
	if err := m.db.UpdateExperiment(ctx, exp); err != nil {
		return err
	}
	if saltChanged {
		if err := m.db.ClearAssignments(ctx, id); err != nil {
			return err
		}
		logging.Warn().Str("experiment", id).Msg("salt changed, assignments reset")
	}
	m.invalidate(id)
	return nil
}

// UpdateConfig changes reward mapping, attribution window, guardrail
// thresholds, or decision criteria on a non-terminal experiment.
func (m *Manager) UpdateConfig(ctx context.Context, id string, mapping models.RewardMapping, window time.Duration, guardrails *models.GuardrailThresholds, decision *models.DecisionCriteria) error {
	exp, err := m.db.GetExperiment(ctx, id)
	if err != nil {
		return err
	}
	if exp.Terminal() {
		return fmt.Errorf("%w: experiment is %s", ErrInvalidTransition, exp.Status)
	}

	if mapping != "" {
		switch mapping {
		case models.MappingBinaryClick, models.MappingScaledRating, models.MappingComposite:
			exp.RewardMapping = mapping
		default:
			return fmt.Errorf("%w: unknown reward mapping %q", ErrConfiguration, mapping)
		}
	}
	if window > 0 {
		exp.AttributionWindow = window
	}
	if guardrails != nil {
		exp.Guardrails = m.resolveGuardrails(guardrails)
	}
	if decision != nil {
		exp.Decision = m.resolveDecision(decision)
	}

	exp.UpdatedAt = time.Now().UTC()
	if err := m.db.UpdateExperiment(ctx, exp); err != nil {
		return err
	}
	m.invalidate(id)
	return nil
}

// Get returns one experiment, read through the snapshot cache.
func (m *Manager) Get(ctx context.Context, id string) (*models.Experiment, error) {
	key := "exp:" + id + ":config"
	if cached, ok := m.cache.Get(key); ok {
		return cached.(*models.Experiment), nil
	}
	exp, err := m.db.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	m.cache.Set(key, exp)
	return exp, nil
}

// ActiveForSurface returns the active experiments governing a surface,
// highest precedence first, read through the snapshot cache.
func (m *Manager) ActiveForSurface(ctx context.Context, surface string) ([]*models.Experiment, error) {
	key := "active:" + surface
	if cached, ok := m.cache.Get(key); ok {
		return cached.([]*models.Experiment), nil
	}
	exps, err := m.db.ActiveExperimentsForSurface(ctx, surface)
	if err != nil {
		return nil, err
	}
	m.cache.Set(key, exps)
	return exps, nil
}

// Catalog returns the pinned arm catalog, read through the snapshot cache.
func (m *Manager) Catalog(ctx context.Context, exp *models.Experiment) ([]bandit.Arm, error) {
	key := fmt.Sprintf("exp:%s:catalog:%d", exp.ID, exp.CatalogVersion)
	if cached, ok := m.cache.Get(key); ok {
		return cached.([]bandit.Arm), nil
	}
	arms, err := m.db.GetArmCatalog(ctx, exp.ID, exp.CatalogVersion)
	if err != nil {
		return nil, err
	}
	m.cache.Set(key, arms)
	return arms, nil
}

// Resolve builds the policy instance for (experiment, policy). It implements
// the event processor's PolicyResolver so serving, state updates, and replay
// share one construction path.
func (m *Manager) Resolve(ctx context.Context, experimentID, policyID string) (bandit.Policy, error) {
	record, err := m.policyRecord(ctx, experimentID, policyID)
	if err != nil {
		return nil, err
	}
	return bandit.New(record.Kind, record.Params, nil)
}

// policyRecord loads one policy row through the cache.
func (m *Manager) policyRecord(ctx context.Context, experimentID, policyID string) (*models.Policy, error) {
	key := "exp:" + experimentID + ":policy:" + policyID
	if cached, ok := m.cache.Get(key); ok {
		return cached.(*models.Policy), nil
	}
	record, err := m.db.GetPolicy(ctx, experimentID, policyID)
	if err != nil {
		return nil, err
	}
	m.cache.Set(key, record)
	return record, nil
}

// invalidate drops all cached snapshots for an experiment plus the active
// lists, which may have changed membership.
func (m *Manager) invalidate(id string) {
	m.cache.DeletePrefix("exp:" + id + ":")
	m.cache.DeletePrefix("active:")
}

// resolveGuardrails fills zero thresholds from the server defaults.
func (m *Manager) resolveGuardrails(in *models.GuardrailThresholds) models.GuardrailThresholds {
	out := models.GuardrailThresholds{
		MaxErrorRate:        m.guardrail.MaxErrorRate,
		MaxLatencyP95MS:     m.guardrail.MaxLatencyP95MS,
		MaxArmConcentration: m.guardrail.MaxArmConcentration,
		MaxRewardDrop:       m.guardrail.MaxRewardDrop,
		SampleRatioPValue:   m.guardrail.SampleRatioPValue,
	}
	if in == nil {
		return out
	}
	if in.MaxErrorRate > 0 {
		out.MaxErrorRate = in.MaxErrorRate
	}
	if in.MaxLatencyP95MS > 0 {
		out.MaxLatencyP95MS = in.MaxLatencyP95MS
	}
	if in.MaxArmConcentration > 0 {
		out.MaxArmConcentration = in.MaxArmConcentration
	}
	if in.MaxRewardDrop > 0 {
		out.MaxRewardDrop = in.MaxRewardDrop
	}
	if in.SampleRatioPValue > 0 {
		out.SampleRatioPValue = in.SampleRatioPValue
	}
	return out
}

// resolveDecision fills zero criteria from the server defaults.
func (m *Manager) resolveDecision(in *models.DecisionCriteria) models.DecisionCriteria {
	out := models.DecisionCriteria{
		MinUplift:     m.decision.MinUplift,
		MinConfidence: m.decision.MinConfidence,
		MinWindow:     m.decision.MinWindow,
		MaxWindow:     m.decision.MaxWindow,
		MinEvents:     m.decision.MinEvents,
	}
	if in == nil {
		return out
	}
	if in.MinUplift > 0 {
		out.MinUplift = in.MinUplift
	}
	if in.MinConfidence > 0 {
		out.MinConfidence = in.MinConfidence
	}
	if in.MinWindow > 0 {
		out.MinWindow = in.MinWindow
	}
	if in.MaxWindow > 0 {
		out.MaxWindow = in.MaxWindow
	}
	if in.MinEvents > 0 {
		out.MinEvents = in.MinEvents
	}
	out.AutoShip = in.AutoShip
	out.AutoKill = in.AutoKill
	return out
}

// defaultString returns fallback when s is empty.
func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
