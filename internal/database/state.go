// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tomtom215/armature/internal/bandit"
)

// isWriteConflict detects DuckDB transaction conflicts between concurrent
// writers.
func isWriteConflict(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "conflict")
}

// StateKey identifies one policy_arm_state row.
type StateKey struct {
	ExperimentID string
	PolicyID     string
	ArmID        string
	ContextKey   string
}

// SeedPolicyArmState inserts prior rows for every (policy, arm) pair of an
// experiment. Existing rows are left untouched, so re-seeding after a pause
// or a catalog change is safe.
func (db *DB) SeedPolicyArmState(ctx context.Context, experimentID string, policyIDs []string, arms []bandit.Arm, alpha0, beta0 float64) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, policyID := range policyIDs {
		for _, arm := range arms {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO policy_arm_state (
					experiment_id, policy_id, arm_id, context_key,
					pulls, successes, failures, sum_reward, sum_reward_sq,
					alpha, beta, version, updated_at
				) VALUES (?, ?, ?, '', 0, 0, 0, 0, 0, ?, ?, 0, ?)
				ON CONFLICT DO NOTHING`,
				experimentID, policyID, arm.ID, alpha0, beta0, now); err != nil {
				return fmt.Errorf("seed state %s/%s: %w", policyID, arm.ID, err)
			}
		}
	}
	return tx.Commit()
}

// LoadPolicyState reads all arm rows for (experiment, policy, context_key)
// into a bandit.State. Missing rows simply do not appear; the policy applies
// its priors on first touch.
func (db *DB) LoadPolicyState(ctx context.Context, experimentID, policyID, contextKey string) (*bandit.State, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	stmt, err := db.prepared(ctx, `
		SELECT arm_id, pulls, successes, failures, sum_reward, sum_reward_sq,
			alpha, beta, version, updated_at
		FROM policy_arm_state
		WHERE experiment_id = ? AND policy_id = ? AND context_key = ?`)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx, experimentID, policyID, contextKey)
	if err != nil {
		return nil, fmt.Errorf("load policy state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	st := bandit.NewState(contextKey)
	for rows.Next() {
		var armID string
		var row bandit.ArmState
		if err := rows.Scan(&armID, &row.Pulls, &row.Successes, &row.Failures,
			&row.SumReward, &row.SumRewardSq, &row.Alpha, &row.Beta,
			&row.Version, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan state row: %w", err)
		}
		st.Arms[armID] = &row
	}
	return st, rows.Err()
}

// GetArmState reads one state row.
func (db *DB) GetArmState(ctx context.Context, key StateKey) (*bandit.ArmState, error) {
	st, err := db.LoadPolicyState(ctx, key.ExperimentID, key.PolicyID, key.ContextKey)
	if err != nil {
		return nil, err
	}
	row, ok := st.Arms[key.ArmID]
	if !ok {
		return nil, fmt.Errorf("%w: state %s/%s/%s", ErrNotFound, key.PolicyID, key.ArmID, key.ContextKey)
	}
	return row, nil
}

// CompareAndSwapArmState writes new statistics for one row iff its version is
// still expectVersion. A zero-row update surfaces ErrStateConflict so the
// caller can re-read and retry; this serializes concurrent updates per key
// without locks. The insert path (expectVersion < 0) creates the row and
// fails on conflict if a concurrent writer beat it.
//
// Counters never decrease: the guard clauses reject regressions so a stale
// writer cannot roll statistics back even with a correct version.
func (db *DB) CompareAndSwapArmState(ctx context.Context, key StateKey, expectVersion int64, next *bandit.ArmState) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	if expectVersion < 0 {
		_, err := db.conn.ExecContext(ctx, `
			INSERT INTO policy_arm_state (
				experiment_id, policy_id, arm_id, context_key,
				pulls, successes, failures, sum_reward, sum_reward_sq,
				alpha, beta, version, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
			key.ExperimentID, key.PolicyID, key.ArmID, key.ContextKey,
			next.Pulls, next.Successes, next.Failures, next.SumReward,
			next.SumRewardSq, next.Alpha, next.Beta, now)
		if err != nil {
			if isDuplicateKey(err) {
				return fmt.Errorf("%w: %s/%s/%s", ErrStateConflict, key.PolicyID, key.ArmID, key.ContextKey)
			}
			return fmt.Errorf("insert state row: %w", err)
		}
		return nil
	}

	res, err := db.conn.ExecContext(ctx, `
		UPDATE policy_arm_state SET
			pulls = ?, successes = ?, failures = ?,
			sum_reward = ?, sum_reward_sq = ?, alpha = ?, beta = ?,
			version = version + 1, updated_at = ?
		WHERE experiment_id = ? AND policy_id = ? AND arm_id = ? AND context_key = ?
			AND version = ?
			AND pulls <= ? AND successes <= ? AND failures <= ?`,
		next.Pulls, next.Successes, next.Failures,
		next.SumReward, next.SumRewardSq, next.Alpha, next.Beta, now,
		key.ExperimentID, key.PolicyID, key.ArmID, key.ContextKey,
		expectVersion,
		next.Pulls, next.Successes, next.Failures)
	if err != nil {
		// DuckDB reports concurrent writers on the same row as a
		// transaction conflict; that is the same retry case as a lost
		// version race.
		if isWriteConflict(err) {
			return fmt.Errorf("%w: %s/%s/%s", ErrStateConflict, key.PolicyID, key.ArmID, key.ContextKey)
		}
		return fmt.Errorf("update state row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s/%s", ErrStateConflict, key.PolicyID, key.ArmID, key.ContextKey)
	}
	return nil
}

// SnapshotPolicyState serializes the full state of one (policy, context_key)
// for export and replay seeding.
func (db *DB) SnapshotPolicyState(ctx context.Context, experimentID, policyID, contextKey string) ([]byte, error) {
	st, err := db.LoadPolicyState(ctx, experimentID, policyID, contextKey)
	if err != nil {
		return nil, err
	}
	return st.Snapshot()
}
