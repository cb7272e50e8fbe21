// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/armature/internal/models"
)

// AppendServeEvent appends one serve event. Re-appending the same event_id is
// a no-op, which gives the queue consumer exactly-once semantics per event id
// under redelivery.
func (db *DB) AppendServeEvent(ctx context.Context, ev *models.ServeEvent) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	contextJSON, err := json.Marshal(ev.Context)
	if err != nil {
		return fmt.Errorf("marshal serve context: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO serve_events (
			event_id, schema_version, experiment_id, user_id, policy_id, arm_id,
			position, context, context_key, propensity, score, latency_ms,
			served_at, reward, reward_at, attribution_version,
			policy_timeout, error_kind, dropped
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		ev.EventID, ev.SchemaVersion, ev.ExperimentID, ev.UserID, ev.PolicyID,
		ev.ArmID, ev.Position, string(contextJSON), ev.ContextKey, ev.Propensity,
		ev.Score, ev.LatencyMS, ev.ServedAt, ev.Reward, ev.RewardAt,
		ev.AttributionVersion, ev.PolicyTimeout, ev.ErrorKind, ev.Dropped)
	if err != nil {
		return fmt.Errorf("append serve event: %w", err)
	}
	return nil
}

// GetServeEvent loads one serve event by id.
func (db *DB) GetServeEvent(ctx context.Context, eventID string) (*models.ServeEvent, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := db.conn.QueryRowContext(ctx, serveEventSelect+` WHERE event_id = ?`, eventID)
	ev, err := scanServeEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: serve event %s", ErrNotFound, eventID)
	}
	return ev, err
}

// AttributeReward writes the reward exactly once via CAS on
// attribution_version. Returns ErrAlreadyAttributed when the event already
// carries a reward and ErrStateConflict when a concurrent writer won the
// version race.
func (db *DB) AttributeReward(ctx context.Context, eventID string, reward float64, at time.Time, expectVersion int) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := db.conn.ExecContext(ctx, `
		UPDATE serve_events SET
			reward = ?, reward_at = ?, attribution_version = attribution_version + 1
		WHERE event_id = ? AND attribution_version = ? AND reward IS NULL`,
		reward, at, eventID, expectVersion)
	if err != nil {
		return fmt.Errorf("attribute reward: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Zero rows: either the event is gone, already attributed, or the
	// version moved. Disambiguate for the caller.
	ev, getErr := db.GetServeEvent(ctx, eventID)
	if getErr != nil {
		return getErr
	}
	if ev.Attributed() {
		return fmt.Errorf("%w: event %s", ErrAlreadyAttributed, eventID)
	}
	return fmt.Errorf("%w: event %s attribution_version", ErrStateConflict, eventID)
}

// PendingServeEvents returns unattributed, undropped events served at or
// before the cutoff, oldest first, whether or not their attribution window
// has closed.
func (db *DB) PendingServeEvents(ctx context.Context, experimentID string, before time.Time, limit int) ([]*models.ServeEvent, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, serveEventSelect+`
		WHERE experiment_id = ? AND reward IS NULL AND dropped = false AND served_at <= ?
		ORDER BY served_at LIMIT ?`,
		experimentID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("pending serve events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectServeEvents(rows)
}

// ServeEventsPage returns a filtered page of events for the analytics surface.
func (db *DB) ServeEventsPage(ctx context.Context, experimentID, policyID, armID string, page, pageSize int) ([]*models.ServeEvent, int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	where := ` WHERE experiment_id = ?`
	args := []interface{}{experimentID}
	if policyID != "" {
		where += ` AND policy_id = ?`
		args = append(args, policyID)
	}
	if armID != "" {
		where += ` AND arm_id = ?`
		args = append(args, armID)
	}

	var total int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM serve_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count serve events: %w", err)
	}

	if page < 1 {
		page = 1
	}
	args = append(args, pageSize, (page-1)*pageSize)
	rows, err := db.conn.QueryContext(ctx, serveEventSelect+where+`
		ORDER BY served_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("page serve events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events, err := collectServeEvents(rows)
	return events, total, err
}

// AttributedEventsSince streams attributed events for off-policy estimation.
func (db *DB) AttributedEventsSince(ctx context.Context, experimentID string, since time.Time) ([]*models.ServeEvent, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, serveEventSelect+`
		WHERE experiment_id = ? AND reward IS NOT NULL AND served_at >= ?
		ORDER BY served_at`,
		experimentID, since)
	if err != nil {
		return nil, fmt.Errorf("attributed events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectServeEvents(rows)
}

// serveEventSelect is the shared column list for serve event reads.
const serveEventSelect = `
	SELECT event_id, schema_version, experiment_id, user_id, policy_id, arm_id,
		position, context, context_key, propensity, score, latency_ms,
		served_at, reward, reward_at, attribution_version,
		policy_timeout, error_kind, dropped
	FROM serve_events`

// scanServeEvent decodes one serve event row.
func scanServeEvent(row scanner) (*models.ServeEvent, error) {
	var ev models.ServeEvent
	var contextJSON, errorKind sql.NullString
	var reward sql.NullFloat64
	var rewardAt sql.NullTime

	err := row.Scan(&ev.EventID, &ev.SchemaVersion, &ev.ExperimentID, &ev.UserID,
		&ev.PolicyID, &ev.ArmID, &ev.Position, &contextJSON, &ev.ContextKey,
		&ev.Propensity, &ev.Score, &ev.LatencyMS, &ev.ServedAt,
		&reward, &rewardAt, &ev.AttributionVersion,
		&ev.PolicyTimeout, &errorKind, &ev.Dropped)
	if err != nil {
		return nil, err
	}

	if contextJSON.Valid && contextJSON.String != "" && contextJSON.String != "null" {
		if err := json.Unmarshal([]byte(contextJSON.String), &ev.Context); err != nil {
			return nil, fmt.Errorf("unmarshal serve context: %w", err)
		}
	}
	if reward.Valid {
		ev.Reward = &reward.Float64
	}
	if rewardAt.Valid {
		t := rewardAt.Time
		ev.RewardAt = &t
	}
	if errorKind.Valid {
		ev.ErrorKind = errorKind.String
	}
	return &ev, nil
}

// collectServeEvents drains a result set.
func collectServeEvents(rows *sql.Rows) ([]*models.ServeEvent, error) {
	var out []*models.ServeEvent
	for rows.Next() {
		ev, err := scanServeEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan serve event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
