// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

// Package eventprocessor is the durable serve/reward pipeline on Watermill
// and NATS JetStream.
//
// Two topics flow through one stream:
//
//   - serves.logged: serve events emitted by the serve pipeline, consumed by
//     the DuckDB appender. Nats-Msg-Id is the serve event id, so JetStream
//     deduplication plus the appender's idempotent insert give exactly-once
//     persistence per event id.
//   - reward.updates: attributed rewards emitted by the attributor, consumed
//     by the state updater, which serializes sufficient-statistic updates per
//     (experiment, policy, arm, context_key) via optimistic CAS.
//
// Handlers run under a Watermill router with recoverer, retry with backoff,
// and a poison queue for permanent failures.
package eventprocessor

import (
	"errors"
	"time"

	"github.com/tomtom215/armature/internal/models"
)

// Topics carried by the stream.
const (
	TopicServeEvents   = "serves.logged"
	TopicRewardUpdates = "reward.updates"
	TopicPoison        = "serves.poison"
)

// RewardUpdateSchemaVersion is the current reward-update wire version.
const RewardUpdateSchemaVersion = 1

// RewardUpdate is one attributed reward on its way to the state updater.
type RewardUpdate struct {
	SchemaVersion int       `json:"schema_version"`
	EventID       string    `json:"event_id"`
	ExperimentID  string    `json:"experiment_id"`
	PolicyID      string    `json:"policy_id"`
	ArmID         string    `json:"arm_id"`
	ContextKey    string    `json:"context_key,omitempty"`
	Reward        float64   `json:"reward"`
	At            time.Time `json:"at"`
}

// Validate checks required fields.
func (u *RewardUpdate) Validate() error {
	if u.EventID == "" {
		return errors.New("reward update missing event_id")
	}
	if u.ExperimentID == "" || u.PolicyID == "" || u.ArmID == "" {
		return errors.New("reward update missing routing key")
	}
	if u.Reward < 0 || u.Reward > 1 {
		return errors.New("reward update value outside [0, 1]")
	}
	return nil
}

// ValidateServeEvent checks the fields a serve event needs before it may be
// published or persisted.
func ValidateServeEvent(ev *models.ServeEvent) error {
	if ev.EventID == "" {
		return errors.New("serve event missing event_id")
	}
	if ev.ExperimentID == "" || ev.PolicyID == "" || ev.ArmID == "" {
		return errors.New("serve event missing routing key")
	}
	if ev.Propensity <= 0 || ev.Propensity > 1 {
		return errors.New("serve event propensity outside (0, 1]")
	}
	if ev.ServedAt.IsZero() {
		return errors.New("serve event missing served_at")
	}
	return nil
}
