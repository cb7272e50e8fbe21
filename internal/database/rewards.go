// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tomtom215/armature/internal/models"
)

// InsertRewardEvent appends one downstream signal. Duplicate
// (event_id, kind, at) rows are ignored so client retries are harmless.
func (db *DB) InsertRewardEvent(ctx context.Context, ev *models.RewardEvent) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO reward_events (event_id, user_id, arm_id, kind, value, "at")
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		ev.EventID, ev.UserID, ev.ArmID, string(ev.Kind), ev.Value, ev.At)
	if err != nil {
		return fmt.Errorf("insert reward event: %w", err)
	}
	return nil
}

// RewardEventsForServe returns the signals attributable to one serve: rows
// referencing the event id directly, plus rows correlated by (user, arm)
// inside [servedAt, windowEnd].
func (db *DB) RewardEventsForServe(ctx context.Context, eventID, userID, armID string, servedAt, windowEnd time.Time) ([]models.RewardEvent, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT event_id, user_id, arm_id, kind, value, "at"
		FROM reward_events
		WHERE (event_id = ? OR (user_id = ? AND arm_id = ?))
			AND "at" >= ? AND "at" <= ?
		ORDER BY "at"`,
		eventID, userID, armID, servedAt, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("reward events for serve: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.RewardEvent
	for rows.Next() {
		var ev models.RewardEvent
		var evID, user, arm sql.NullString
		var kind string
		if err := rows.Scan(&evID, &user, &arm, &kind, &ev.Value, &ev.At); err != nil {
			return nil, fmt.Errorf("scan reward event: %w", err)
		}
		ev.EventID = evID.String
		ev.UserID = user.String
		ev.ArmID = arm.String
		ev.Kind = models.RewardKind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}
