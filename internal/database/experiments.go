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
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/armature/internal/bandit"
	"github.com/tomtom215/armature/internal/models"
)

// CreateExperiment inserts a new experiment row.
func (db *DB) CreateExperiment(ctx context.Context, exp *models.Experiment) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	plan, err := json.Marshal(exp.TrafficPlan)
	if err != nil {
		return fmt.Errorf("marshal traffic plan: %w", err)
	}
	guardrails, err := json.Marshal(exp.Guardrails)
	if err != nil {
		return fmt.Errorf("marshal guardrail config: %w", err)
	}
	decision, err := json.Marshal(exp.Decision)
	if err != nil {
		return fmt.Errorf("marshal decision config: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO experiments (
			id, name, surface, priority, status, salt, start_at, end_at,
			traffic_fraction, traffic_plan, default_policy_id, catalog_version,
			recognized_keys, reward_mapping, attribution_window_ms,
			guardrail_config, decision_config, notes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exp.ID, exp.Name, exp.Surface, exp.Priority, string(exp.Status), exp.Salt,
		exp.StartAt, exp.EndAt, exp.TrafficFraction, string(plan),
		exp.DefaultPolicyID, exp.CatalogVersion,
		strings.Join(exp.RecognizedKeys, ","), string(exp.RewardMapping),
		exp.AttributionWindow.Milliseconds(), string(guardrails), string(decision),
		exp.Notes, exp.CreatedAt, exp.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: experiment %s", ErrDuplicate, exp.ID)
		}
		return fmt.Errorf("insert experiment: %w", err)
	}
	return nil
}

// GetExperiment loads one experiment by id.
func (db *DB) GetExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := db.conn.QueryRowContext(ctx, `
		SELECT id, name, surface, priority, status, salt, start_at, end_at,
			traffic_fraction, traffic_plan, default_policy_id, catalog_version,
			recognized_keys, reward_mapping, attribution_window_ms,
			guardrail_config, decision_config, notes, created_at, updated_at
		FROM experiments WHERE id = ?`, id)
	return scanExperiment(row)
}

// ListExperiments returns experiments, optionally filtered by status.
func (db *DB) ListExperiments(ctx context.Context, status models.ExperimentStatus) ([]*models.Experiment, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, name, surface, priority, status, salt, start_at, end_at,
			traffic_fraction, traffic_plan, default_policy_id, catalog_version,
			recognized_keys, reward_mapping, attribution_window_ms,
			guardrail_config, decision_config, notes, created_at, updated_at
		FROM experiments`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY priority DESC, created_at DESC`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

// ActiveExperimentsForSurface returns active experiments matching a surface,
// ordered by precedence (priority, then recency).
func (db *DB) ActiveExperimentsForSurface(ctx context.Context, surface string) ([]*models.Experiment, error) {
	all, err := db.ListExperiments(ctx, models.StatusActive)
	if err != nil {
		return nil, err
	}
	var out []*models.Experiment
	for _, exp := range all {
		if exp.Surface == surface || exp.Surface == "default" {
			out = append(out, exp)
		}
	}
	return out, nil
}

// UpdateExperiment rewrites the mutable experiment fields. Status changes go
// through TransitionExperiment so transitions stay atomic.
func (db *DB) UpdateExperiment(ctx context.Context, exp *models.Experiment) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	plan, err := json.Marshal(exp.TrafficPlan)
	if err != nil {
		return fmt.Errorf("marshal traffic plan: %w", err)
	}
	guardrails, err := json.Marshal(exp.Guardrails)
	if err != nil {
		return fmt.Errorf("marshal guardrail config: %w", err)
	}
	decision, err := json.Marshal(exp.Decision)
	if err != nil {
		return fmt.Errorf("marshal decision config: %w", err)
	}

	res, err := db.conn.ExecContext(ctx, `
		UPDATE experiments SET
			name = ?, surface = ?, priority = ?, salt = ?, start_at = ?, end_at = ?,
			traffic_fraction = ?, traffic_plan = ?, default_policy_id = ?,
			catalog_version = ?, recognized_keys = ?, reward_mapping = ?,
			attribution_window_ms = ?, guardrail_config = ?, decision_config = ?,
			notes = ?, updated_at = ?
		WHERE id = ?`,
		exp.Name, exp.Surface, exp.Priority, exp.Salt, exp.StartAt, exp.EndAt,
		exp.TrafficFraction, string(plan), exp.DefaultPolicyID,
		exp.CatalogVersion, strings.Join(exp.RecognizedKeys, ","),
		string(exp.RewardMapping), exp.AttributionWindow.Milliseconds(),
		string(guardrails), string(decision), exp.Notes, exp.UpdatedAt, exp.ID,
	)
	if err != nil {
		return fmt.Errorf("update experiment: %w", err)
	}
	return requireRow(res, exp.ID)
}

// TransitionExperiment atomically moves an experiment from one status to
// another. The from-status guard makes concurrent transitions race-safe: the
// losing writer affects zero rows and gets ErrNotFound.
func (db *DB) TransitionExperiment(ctx context.Context, id string, from, to models.ExperimentStatus, endAt *time.Time) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := db.conn.ExecContext(ctx, `
		UPDATE experiments SET status = ?, end_at = COALESCE(?, end_at), updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), endAt, time.Now().UTC(), id, string(from))
	if err != nil {
		return fmt.Errorf("transition experiment: %w", err)
	}
	return requireRow(res, id)
}

// UpsertPolicies replaces the policy set of an experiment.
func (db *DB) UpsertPolicies(ctx context.Context, experimentID string, policies []models.Policy) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin policies tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM policies WHERE experiment_id = ?`, experimentID); err != nil {
		return fmt.Errorf("clear policies: %w", err)
	}
	for _, p := range policies {
		params, err := json.Marshal(p.Params)
		if err != nil {
			return fmt.Errorf("marshal policy params: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO policies (experiment_id, id, kind, params) VALUES (?, ?, ?, ?)`,
			experimentID, p.ID, p.Kind, string(params)); err != nil {
			return fmt.Errorf("insert policy %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

// ListPolicies returns an experiment's policies ordered by id.
func (db *DB) ListPolicies(ctx context.Context, experimentID string) ([]models.Policy, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT experiment_id, id, kind, params FROM policies
		WHERE experiment_id = ? ORDER BY id`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Policy
	for rows.Next() {
		var p models.Policy
		var params string
		if err := rows.Scan(&p.ExperimentID, &p.ID, &p.Kind, &params); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &p.Params); err != nil {
			return nil, fmt.Errorf("unmarshal policy params: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPolicy loads one policy of an experiment.
func (db *DB) GetPolicy(ctx context.Context, experimentID, policyID string) (*models.Policy, error) {
	policies, err := db.ListPolicies(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	for i := range policies {
		if policies[i].ID == policyID {
			return &policies[i], nil
		}
	}
	return nil, fmt.Errorf("%w: policy %s/%s", ErrNotFound, experimentID, policyID)
}

// PutArmCatalog writes one catalog version for an experiment. Versions are
// immutable once written; rewriting an existing version is rejected.
func (db *DB) PutArmCatalog(ctx context.Context, experimentID string, version int, arms []bandit.Arm) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var count int
	if err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM arm_catalog WHERE experiment_id = ? AND version = ?`,
		experimentID, version).Scan(&count); err != nil {
		return fmt.Errorf("check catalog version: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("%w: catalog %s v%d", ErrDuplicate, experimentID, version)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin catalog tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, a := range arms {
		meta, err := json.Marshal(a.Metadata)
		if err != nil {
			return fmt.Errorf("marshal arm metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO arm_catalog (experiment_id, version, arm_id, metadata, eligible_from, eligible_until)
			VALUES (?, ?, ?, ?, ?, ?)`,
			experimentID, version, a.ID, string(meta), a.EligibleFrom, a.EligibleUntil); err != nil {
			if isDuplicateKey(err) {
				return fmt.Errorf("%w: arm %s in catalog %s v%d", ErrDuplicate, a.ID, experimentID, version)
			}
			return fmt.Errorf("insert arm %s: %w", a.ID, err)
		}
	}
	return tx.Commit()
}

// GetArmCatalog loads one catalog version, ordered by arm id.
func (db *DB) GetArmCatalog(ctx context.Context, experimentID string, version int) ([]bandit.Arm, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT arm_id, metadata, eligible_from, eligible_until
		FROM arm_catalog WHERE experiment_id = ? AND version = ?
		ORDER BY arm_id`, experimentID, version)
	if err != nil {
		return nil, fmt.Errorf("load arm catalog: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []bandit.Arm
	for rows.Next() {
		var a bandit.Arm
		var meta sql.NullString
		if err := rows.Scan(&a.ID, &meta, &a.EligibleFrom, &a.EligibleUntil); err != nil {
			return nil, fmt.Errorf("scan arm: %w", err)
		}
		if meta.Valid && meta.String != "" && meta.String != "null" {
			if err := json.Unmarshal([]byte(meta.String), &a.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal arm metadata: %w", err)
			}
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: catalog %s v%d", ErrNotFound, experimentID, version)
	}
	return out, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for shared scan code.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanExperiment decodes one experiment row.
func scanExperiment(row scanner) (*models.Experiment, error) {
	var exp models.Experiment
	var status, plan, keys, mapping, guardrails, decision string
	var windowMS int64
	var endAt sql.NullTime
	var notes sql.NullString

	err := row.Scan(&exp.ID, &exp.Name, &exp.Surface, &exp.Priority, &status,
		&exp.Salt, &exp.StartAt, &endAt, &exp.TrafficFraction, &plan,
		&exp.DefaultPolicyID, &exp.CatalogVersion, &keys, &mapping, &windowMS,
		&guardrails, &decision, &notes, &exp.CreatedAt, &exp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: experiment", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan experiment: %w", err)
	}

	exp.Status = models.ExperimentStatus(status)
	exp.RewardMapping = models.RewardMapping(mapping)
	exp.AttributionWindow = time.Duration(windowMS) * time.Millisecond
	if endAt.Valid {
		t := endAt.Time
		exp.EndAt = &t
	}
	if notes.Valid {
		exp.Notes = notes.String
	}
	if keys != "" {
		exp.RecognizedKeys = strings.Split(keys, ",")
	}
	if err := json.Unmarshal([]byte(plan), &exp.TrafficPlan); err != nil {
		return nil, fmt.Errorf("unmarshal traffic plan: %w", err)
	}
	if err := json.Unmarshal([]byte(guardrails), &exp.Guardrails); err != nil {
		return nil, fmt.Errorf("unmarshal guardrail config: %w", err)
	}
	if err := json.Unmarshal([]byte(decision), &exp.Decision); err != nil {
		return nil, fmt.Errorf("unmarshal decision config: %w", err)
	}
	return &exp, nil
}

// requireRow converts a zero-row update into ErrNotFound.
func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// isDuplicateKey detects primary-key violations across DuckDB error phrasings.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "primary key") ||
		strings.Contains(msg, "constraint")
}
