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

	"github.com/goccy/go-json"

	"github.com/tomtom215/armature/internal/models"
)

// InsertGuardrailCheck appends one guardrail evaluation.
func (db *DB) InsertGuardrailCheck(ctx context.Context, check *models.GuardrailCheck) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO guardrail_checks (experiment_id, "at", name, value, threshold, status, action)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		check.ExperimentID, check.At, check.Name, check.Value, check.Threshold,
		string(check.Status), string(check.Action))
	if err != nil {
		return fmt.Errorf("insert guardrail check: %w", err)
	}
	return nil
}

// GuardrailChecks returns checks for an experiment since a cutoff, newest
// first.
func (db *DB) GuardrailChecks(ctx context.Context, experimentID string, since time.Time) ([]models.GuardrailCheck, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT experiment_id, "at", name, value, threshold, status, action
		FROM guardrail_checks
		WHERE experiment_id = ? AND "at" >= ?
		ORDER BY "at" DESC`,
		experimentID, since)
	if err != nil {
		return nil, fmt.Errorf("list guardrail checks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.GuardrailCheck
	for rows.Next() {
		var c models.GuardrailCheck
		var status, action string
		if err := rows.Scan(&c.ExperimentID, &c.At, &c.Name, &c.Value,
			&c.Threshold, &status, &action); err != nil {
			return nil, fmt.Errorf("scan guardrail check: %w", err)
		}
		c.Status = models.GuardrailStatus(status)
		c.Action = models.GuardrailAction(action)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ConsecutiveFails counts how many of the most recent evaluations of one
// check failed in a row, used for warn-then-rollback checks.
func (db *DB) ConsecutiveFails(ctx context.Context, experimentID, name string, limit int) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT status FROM guardrail_checks
		WHERE experiment_id = ? AND name = ?
		ORDER BY "at" DESC LIMIT ?`,
		experimentID, name, limit)
	if err != nil {
		return 0, fmt.Errorf("consecutive fails: %w", err)
	}
	defer func() { _ = rows.Close() }()

	count := 0
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, fmt.Errorf("scan status: %w", err)
		}
		if models.GuardrailStatus(status) != models.GuardrailFail {
			break
		}
		count++
	}
	return count, rows.Err()
}

// LastRollbackAt returns the most recent rollback action time for the
// experiment, or the zero time when none exists.
func (db *DB) LastRollbackAt(ctx context.Context, experimentID string) (time.Time, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var at sql.NullTime
	err := db.conn.QueryRowContext(ctx, `
		SELECT MAX("at") FROM guardrail_checks
		WHERE experiment_id = ? AND action = 'rollback'`,
		experimentID).Scan(&at)
	if err != nil {
		return time.Time{}, fmt.Errorf("last rollback: %w", err)
	}
	if !at.Valid {
		return time.Time{}, nil
	}
	return at.Time, nil
}

// InsertDecision appends one decision-engine verdict.
func (db *DB) InsertDecision(ctx context.Context, d *models.Decision) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	estimators, err := json.Marshal(d.Estimators)
	if err != nil {
		return fmt.Errorf("marshal estimators: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO decisions (experiment_id, evaluated_at, verdict, winner_policy_id,
			uplift, confidence, estimators, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		d.ExperimentID, d.EvaluatedAt, string(d.Verdict), d.WinnerPolicyID,
		d.Uplift, d.Confidence, string(estimators), d.Notes)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// ListDecisions returns an experiment's decisions, newest first.
func (db *DB) ListDecisions(ctx context.Context, experimentID string, limit int) ([]models.Decision, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT experiment_id, evaluated_at, verdict, winner_policy_id,
			uplift, confidence, estimators, notes
		FROM decisions WHERE experiment_id = ?
		ORDER BY evaluated_at DESC LIMIT ?`,
		experimentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Decision
	for rows.Next() {
		var d models.Decision
		var verdict string
		var winner, estimators, notes sql.NullString
		if err := rows.Scan(&d.ExperimentID, &d.EvaluatedAt, &verdict, &winner,
			&d.Uplift, &d.Confidence, &estimators, &notes); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Verdict = models.Verdict(verdict)
		d.WinnerPolicyID = winner.String
		d.Notes = notes.String
		if estimators.Valid && estimators.String != "" && estimators.String != "null" {
			if err := json.Unmarshal([]byte(estimators.String), &d.Estimators); err != nil {
				return nil, fmt.Errorf("unmarshal estimators: %w", err)
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
