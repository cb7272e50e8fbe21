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

	"github.com/tomtom215/armature/internal/models"
)

// PutAssignment memoizes a routing decision. First write wins: a concurrent
// writer for the same (user, experiment) loses silently and the stored row is
// returned to both, so every caller observes the same policy.
func (db *DB) PutAssignment(ctx context.Context, a *models.Assignment) (*models.Assignment, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO assignments (user_id, experiment_id, policy_id, bucket, assigned_at, sticky)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		a.UserID, a.ExperimentID, a.PolicyID, a.Bucket, a.AssignedAt, a.Sticky)
	if err != nil {
		return nil, fmt.Errorf("insert assignment: %w", err)
	}
	return db.GetAssignment(ctx, a.UserID, a.ExperimentID)
}

// GetAssignment returns the memoized assignment, or ErrNotFound.
func (db *DB) GetAssignment(ctx context.Context, userID, experimentID string) (*models.Assignment, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var a models.Assignment
	err := db.conn.QueryRowContext(ctx, `
		SELECT user_id, experiment_id, policy_id, bucket, assigned_at, sticky
		FROM assignments WHERE user_id = ? AND experiment_id = ?`,
		userID, experimentID).Scan(&a.UserID, &a.ExperimentID, &a.PolicyID,
		&a.Bucket, &a.AssignedAt, &a.Sticky)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: assignment %s/%s", ErrNotFound, userID, experimentID)
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	return &a, nil
}

// ClearAssignments removes all memoized assignments for an experiment. Used
// when the salt changes, which invalidates every routing decision.
func (db *DB) ClearAssignments(ctx context.Context, experimentID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if _, err := db.conn.ExecContext(ctx, `
		DELETE FROM assignments WHERE experiment_id = ?`, experimentID); err != nil {
		return fmt.Errorf("clear assignments: %w", err)
	}
	return nil
}
