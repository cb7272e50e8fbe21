// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package eventprocessor

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tomtom215/armature/internal/bandit"
	"github.com/tomtom215/armature/internal/database"
	"github.com/tomtom215/armature/internal/logging"
	"github.com/tomtom215/armature/internal/metrics"
	"github.com/tomtom215/armature/internal/models"
)

// casRetries bounds optimistic-concurrency retries per reward update.
const casRetries = 5

// EventStore is the subset of the storage layer the serve-event consumer
// needs.
type EventStore interface {
	AppendServeEvent(ctx context.Context, ev *models.ServeEvent) error
}

// StateStore is the subset of the storage layer the state updater needs.
type StateStore interface {
	GetArmState(ctx context.Context, key database.StateKey) (*bandit.ArmState, error)
	CompareAndSwapArmState(ctx context.Context, key database.StateKey, expectVersion int64, next *bandit.ArmState) error
}

// PolicyResolver constructs the policy instance for an update, so state
// updates share the exact Update code path with serving and replay.
type PolicyResolver interface {
	Resolve(ctx context.Context, experimentID, policyID string) (bandit.Policy, error)
}

// ServeEventHandler persists serve events into DuckDB. The append is
// idempotent per event id, so JetStream redelivery cannot duplicate rows.
type ServeEventHandler struct {
	store EventStore
}

// NewServeEventHandler creates the DuckDB append handler.
func NewServeEventHandler(store EventStore) *ServeEventHandler {
	return &ServeEventHandler{store: store}
}

// Handle processes one serve-event message.
func (h *ServeEventHandler) Handle(msg *message.Message) error {
	ev, err := DeserializeServeEvent(msg.Payload)
	if err != nil {
		// Malformed payloads never become valid; let the poison queue
		// take them instead of retrying forever.
		return fmt.Errorf("%w: %s", errPermanent, err)
	}
	if err := h.store.AppendServeEvent(msg.Context(), ev); err != nil {
		return fmt.Errorf("append serve event %s: %w", ev.EventID, err)
	}
	metrics.RecordServeEventPersisted()
	return nil
}

// StateUpdateHandler folds attributed rewards into policy_arm_state. Updates
// to one (experiment, policy, arm, context_key) serialize through optimistic
// CAS with bounded retries; cross-key updates run in parallel freely.
type StateUpdateHandler struct {
	store    StateStore
	resolver PolicyResolver
}

// NewStateUpdateHandler creates the state updater.
func NewStateUpdateHandler(store StateStore, resolver PolicyResolver) *StateUpdateHandler {
	return &StateUpdateHandler{store: store, resolver: resolver}
}

// Handle processes one reward update.
func (h *StateUpdateHandler) Handle(msg *message.Message) error {
	update, err := DeserializeRewardUpdate(msg.Payload)
	if err != nil {
		return fmt.Errorf("%w: %s", errPermanent, err)
	}
	ctx := msg.Context()

	policy, err := h.resolver.Resolve(ctx, update.ExperimentID, update.PolicyID)
	if err != nil {
		return fmt.Errorf("resolve policy %s/%s: %w", update.ExperimentID, update.PolicyID, err)
	}

	key := database.StateKey{
		ExperimentID: update.ExperimentID,
		PolicyID:     update.PolicyID,
		ArmID:        update.ArmID,
		ContextKey:   update.ContextKey,
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		row, err := h.store.GetArmState(ctx, key)
		expectVersion := int64(-1)
		st := bandit.NewState(update.ContextKey)
		switch {
		case err == nil:
			expectVersion = row.Version
			copyRow := *row
			st.Arms[update.ArmID] = &copyRow
		case errors.Is(err, database.ErrNotFound):
			// First reward for a contextual key: the policy seeds
			// priors on first touch and we take the insert path.
		default:
			return fmt.Errorf("load state %s: %w", update.ArmID, err)
		}

		if err := policy.Update(st, update.ArmID, update.Reward); err != nil {
			if errors.Is(err, bandit.ErrInvalidReward) || errors.Is(err, bandit.ErrInvalidState) {
				return fmt.Errorf("%w: %s", errPermanent, err)
			}
			return fmt.Errorf("policy update: %w", err)
		}

		err = h.store.CompareAndSwapArmState(ctx, key, expectVersion, st.Arms[update.ArmID])
		if err == nil {
			metrics.RecordStateUpdate(update.PolicyID)
			return nil
		}
		if !errors.Is(err, database.ErrStateConflict) {
			return fmt.Errorf("write state %s: %w", update.ArmID, err)
		}
		metrics.RecordStateConflict(update.PolicyID)
		logging.Debug().
			Str("experiment", update.ExperimentID).
			Str("policy", update.PolicyID).
			Str("arm", update.ArmID).
			Int("attempt", attempt+1).
			Msg("state CAS conflict, retrying")
	}
	return fmt.Errorf("state update for %s/%s exhausted %d CAS retries: %w",
		update.PolicyID, update.ArmID, casRetries, database.ErrStateConflict)
}
