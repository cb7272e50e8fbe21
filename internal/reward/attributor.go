// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package reward

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/armature/internal/config"
	"github.com/tomtom215/armature/internal/database"
	"github.com/tomtom215/armature/internal/eventprocessor"
	"github.com/tomtom215/armature/internal/logging"
	"github.com/tomtom215/armature/internal/metrics"
	"github.com/tomtom215/armature/internal/models"
)

// Sentinel errors for attribution.
var (
	// ErrAttributionClosed indicates a reward write after the window; the
	// signal is logged and discarded.
	ErrAttributionClosed = errors.New("attribution window closed")

	// ErrUnknownEvent indicates an ingest referencing a serve event that
	// does not exist.
	ErrUnknownEvent = errors.New("unknown serve event")
)

// sweepBatch bounds how many pending events one sweep pass claims per
// experiment.
const sweepBatch = 500

// UpdatePublisher delivers attributed rewards to the state updater.
type UpdatePublisher interface {
	PublishRewardUpdate(ctx context.Context, u *eventprocessor.RewardUpdate) error
}

// ExperimentSource is the subset of the experiment manager the attributor
// needs.
type ExperimentSource interface {
	Get(ctx context.Context, id string) (*models.Experiment, error)
}

// Attributor maps downstream signals onto serve events, exactly once per
// event, within the experiment's attribution window.
type Attributor struct {
	db        *database.DB
	exps      ExperimentSource
	publisher UpdatePublisher
	cfg       config.RewardConfig

	mu       sync.Mutex
	attempts map[string]int
}

// NewAttributor wires the attributor.
func NewAttributor(db *database.DB, exps ExperimentSource, publisher UpdatePublisher, cfg config.RewardConfig) *Attributor {
	return &Attributor{
		db:        db,
		exps:      exps,
		publisher: publisher,
		cfg:       cfg,
		attempts:  make(map[string]int),
	}
}

// IngestRequest is one downstream signal from the host.
type IngestRequest struct {
	EventID string            `json:"event_id,omitempty"`
	UserID  string            `json:"user_id,omitempty"`
	ArmID   string            `json:"arm_id,omitempty"`
	Kind    models.RewardKind `json:"kind"`
	Value   float64           `json:"value"`
	At      time.Time         `json:"at"`
}

// Ingest records a signal and, when it references a serve event directly,
// attributes it immediately. Signals keyed only by (user, arm) are picked up
// by the periodic sweep. Repeats within the window are no-ops; signals for an
// event past its window are rejected with ErrAttributionClosed.
func (a *Attributor) Ingest(ctx context.Context, req IngestRequest) error {
	if err := ValidateSignal(req.Kind, req.Value); err != nil {
		return err
	}
	if req.EventID == "" && (req.UserID == "" || req.ArmID == "") {
		return errors.New("ingest requires event_id or (user_id, arm_id)")
	}
	if req.At.IsZero() {
		req.At = time.Now().UTC()
	}

	var ev *models.ServeEvent
	if req.EventID != "" {
		var err error
		ev, err = a.db.GetServeEvent(ctx, req.EventID)
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownEvent, req.EventID)
		}
		if err != nil {
			return err
		}
		window, err := a.windowFor(ctx, ev)
		if err != nil {
			return err
		}
		if req.At.After(ev.ServedAt.Add(window)) {
			metrics.RecordAttributionRejected("closed")
			logging.Ctx(ctx).Warn().
				Str("event", ev.EventID).
				Time("at", req.At).
				Msg("signal past attribution window, discarded")
			return fmt.Errorf("%w: event %s", ErrAttributionClosed, ev.EventID)
		}
	}

	if err := a.db.InsertRewardEvent(ctx, &models.RewardEvent{
		EventID: req.EventID,
		UserID:  req.UserID,
		ArmID:   req.ArmID,
		Kind:    req.Kind,
		Value:   req.Value,
		At:      req.At,
	}); err != nil {
		return err
	}

	if ev != nil && !ev.Attributed() {
		if err := a.attributeEvent(ctx, ev, time.Now().UTC()); err != nil &&
			!errors.Is(err, database.ErrAlreadyAttributed) {
			return err
		}
	}
	return nil
}

// Sweep scans pending events of active experiments: events with a qualifying
// signal get their reward, and events past their window finalize to 0.
func (a *Attributor) Sweep(ctx context.Context, experiments []*models.Experiment) {
	now := time.Now().UTC()
	for _, exp := range experiments {
		pending, err := a.db.PendingServeEvents(ctx, exp.ID, now, sweepBatch)
		if err != nil {
			logging.Error().Err(err).Str("experiment", exp.ID).Msg("pending-event scan failed")
			continue
		}
		for _, ev := range pending {
			if !a.shouldRetry(ev.EventID) {
				continue
			}
			if err := a.attributeEvent(ctx, ev, now); err != nil {
				if errors.Is(err, database.ErrAlreadyAttributed) {
					a.clearAttempts(ev.EventID)
					continue
				}
				a.recordFailure(ev.EventID)
				logging.Warn().Err(err).
					Str("event", ev.EventID).
					Msg("attribution attempt failed")
			} else {
				a.clearAttempts(ev.EventID)
			}
		}
	}
}

// attributeEvent computes and writes the reward for one serve event. Before
// the window closes only qualifying signals write; at window close the reward
// defaults to 0. Every successful write enqueues exactly one policy update.
func (a *Attributor) attributeEvent(ctx context.Context, ev *models.ServeEvent, now time.Time) error {
	window, err := a.windowFor(ctx, ev)
	if err != nil {
		return err
	}
	windowEnd := ev.ServedAt.Add(window)

	signals, err := a.db.RewardEventsForServe(ctx, ev.EventID, ev.UserID, ev.ArmID, ev.ServedAt, windowEnd)
	if err != nil {
		return err
	}

	mapping := models.MappingComposite
	if exp, expErr := a.exps.Get(ctx, ev.ExperimentID); expErr == nil {
		mapping = exp.RewardMapping
	}

	value, qualified := Compose(mapping, signals)
	source := "signal"
	switch {
	case qualified:
		// A qualifying signal attributes immediately.
	case now.After(windowEnd):
		// Window closed with no signal: finalize to 0.
		value, source = 0, "window_close"
	default:
		// Still inside the window, nothing to do yet.
		return nil
	}

	if err := a.db.AttributeReward(ctx, ev.EventID, value, now, ev.AttributionVersion); err != nil {
		return err
	}
	metrics.RecordRewardAttributed(ev.ExperimentID, source)

	update := &eventprocessor.RewardUpdate{
		SchemaVersion: eventprocessor.RewardUpdateSchemaVersion,
		EventID:       ev.EventID,
		ExperimentID:  ev.ExperimentID,
		PolicyID:      ev.PolicyID,
		ArmID:         ev.ArmID,
		ContextKey:    ev.ContextKey,
		Reward:        ClampForUpdate(value),
		At:            now,
	}
	if err := a.publisher.PublishRewardUpdate(ctx, update); err != nil {
		// The reward is durably on the event; the update will be
		// re-derived by an operator replay if the queue stays down.
		logging.Error().Err(err).
			Str("event", ev.EventID).
			Msg("reward update publish failed")
		return err
	}
	return nil
}

// windowFor resolves the attribution window for an event's experiment.
func (a *Attributor) windowFor(ctx context.Context, ev *models.ServeEvent) (time.Duration, error) {
	exp, err := a.exps.Get(ctx, ev.ExperimentID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return a.cfg.AttributionWindow, nil
		}
		return 0, err
	}
	if exp.AttributionWindow > 0 {
		return exp.AttributionWindow, nil
	}
	return a.cfg.AttributionWindow, nil
}

// shouldRetry enforces the bounded attempt budget per event.
func (a *Attributor) shouldRetry(eventID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts[eventID] < a.cfg.MaxAttempts
}

// recordFailure counts one failed attempt.
func (a *Attributor) recordFailure(eventID string) {
	a.mu.Lock()
	a.attempts[eventID]++
	a.mu.Unlock()
}

// clearAttempts forgets an event once it is settled.
func (a *Attributor) clearAttempts(eventID string) {
	a.mu.Lock()
	delete(a.attempts, eventID)
	a.mu.Unlock()
}
