// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package eventprocessor

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tomtom215/armature/internal/models"
)

// SerializeServeEvent validates and encodes a serve event for the wire.
func SerializeServeEvent(ev *models.ServeEvent) ([]byte, error) {
	if err := ValidateServeEvent(ev); err != nil {
		return nil, fmt.Errorf("validate serve event: %w", err)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal serve event: %w", err)
	}
	return data, nil
}

// DeserializeServeEvent decodes a serve event from the wire.
func DeserializeServeEvent(data []byte) (*models.ServeEvent, error) {
	var ev models.ServeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal serve event: %w", err)
	}
	if ev.SchemaVersion == 0 {
		ev.SchemaVersion = models.ServeEventSchemaVersion
	}
	return &ev, nil
}

// SerializeRewardUpdate validates and encodes a reward update for the wire.
func SerializeRewardUpdate(u *RewardUpdate) ([]byte, error) {
	if err := u.Validate(); err != nil {
		return nil, fmt.Errorf("validate reward update: %w", err)
	}
	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("marshal reward update: %w", err)
	}
	return data, nil
}

// DeserializeRewardUpdate decodes a reward update from the wire.
func DeserializeRewardUpdate(data []byte) (*RewardUpdate, error) {
	var u RewardUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("unmarshal reward update: %w", err)
	}
	if u.SchemaVersion == 0 {
		u.SchemaVersion = RewardUpdateSchemaVersion
	}
	return &u, nil
}
