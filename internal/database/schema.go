// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

/*
schema.go - Database Schema Management

Tables:
  - experiments: experiment lifecycle, traffic plan, and per-experiment config
  - policies: policy kind and parameter record per experiment
  - arm_catalog: versioned arm catalogs; an experiment pins one version
  - assignments: memoized (user, experiment) -> policy routing (audit cache)
  - policy_arm_state: sufficient statistics, one row per
    (experiment, policy, arm, context_key), versioned for optimistic CAS
  - serve_events: append-only serve log; reward fields written once via CAS
  - reward_events: append-only downstream signal log
  - guardrail_checks: append-only guardrail evaluations
  - decisions: append-only decision-engine verdicts

Schema Strategy (Pre-Release):
All columns are defined in the initial CREATE TABLE statements: a single
source of truth, no migrations to run at startup.

Structured fields (traffic_plan, params, context, guardrail_config,
decision_config, estimators) are stored as JSON text and validated against
their declared Go shapes on read/write.
*/

//nolint:staticcheck // File documentation, not package doc
package database

import (
	"context"
	"fmt"
	"time"
)

// schemaContext returns a context with timeout for schema operations.
func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

// createSchema creates tables and indexes.
func (db *DB) createSchema() error {
	ctx, cancel := schemaContext()
	defer cancel()

	for _, query := range append(tableQueries(), indexQueries()...) {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("execute schema statement: %s: %w", query, err)
		}
	}
	return nil
}

// tableQueries returns the table creation statements.
func tableQueries() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS experiments (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			surface TEXT NOT NULL DEFAULT 'default',
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			salt TEXT NOT NULL,
			start_at TIMESTAMP,
			end_at TIMESTAMP,
			traffic_fraction DOUBLE NOT NULL,
			traffic_plan TEXT NOT NULL,
			default_policy_id TEXT NOT NULL,
			catalog_version INTEGER NOT NULL DEFAULT 1,
			recognized_keys TEXT,
			reward_mapping TEXT NOT NULL,
			attribution_window_ms BIGINT NOT NULL,
			guardrail_config TEXT NOT NULL,
			decision_config TEXT NOT NULL,
			notes TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS policies (
			experiment_id TEXT NOT NULL,
			id TEXT NOT NULL,
			kind TEXT NOT NULL,
			params TEXT NOT NULL,
			PRIMARY KEY (experiment_id, id)
		)`,

		`CREATE TABLE IF NOT EXISTS arm_catalog (
			experiment_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			arm_id TEXT NOT NULL,
			metadata TEXT,
			eligible_from TIMESTAMP,
			eligible_until TIMESTAMP,
			PRIMARY KEY (experiment_id, version, arm_id)
		)`,

		`CREATE TABLE IF NOT EXISTS assignments (
			user_id TEXT NOT NULL,
			experiment_id TEXT NOT NULL,
			policy_id TEXT NOT NULL,
			bucket DOUBLE NOT NULL,
			assigned_at TIMESTAMP NOT NULL,
			sticky BOOLEAN NOT NULL DEFAULT true,
			PRIMARY KEY (user_id, experiment_id)
		)`,

		`CREATE TABLE IF NOT EXISTS policy_arm_state (
			experiment_id TEXT NOT NULL,
			policy_id TEXT NOT NULL,
			arm_id TEXT NOT NULL,
			context_key TEXT NOT NULL DEFAULT '',
			pulls BIGINT NOT NULL DEFAULT 0,
			successes BIGINT NOT NULL DEFAULT 0,
			failures BIGINT NOT NULL DEFAULT 0,
			sum_reward DOUBLE NOT NULL DEFAULT 0,
			sum_reward_sq DOUBLE NOT NULL DEFAULT 0,
			alpha DOUBLE NOT NULL DEFAULT 1,
			beta DOUBLE NOT NULL DEFAULT 1,
			version BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (experiment_id, policy_id, arm_id, context_key)
		)`,

		`CREATE TABLE IF NOT EXISTS serve_events (
			event_id TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL DEFAULT 1,
			experiment_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			policy_id TEXT NOT NULL,
			arm_id TEXT NOT NULL,
			position INTEGER NOT NULL DEFAULT 1,
			context TEXT,
			context_key TEXT NOT NULL DEFAULT '',
			propensity DOUBLE NOT NULL,
			score DOUBLE NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			served_at TIMESTAMP NOT NULL,
			reward DOUBLE,
			reward_at TIMESTAMP,
			attribution_version INTEGER NOT NULL DEFAULT 0,
			policy_timeout BOOLEAN NOT NULL DEFAULT false,
			error_kind TEXT,
			dropped BOOLEAN NOT NULL DEFAULT false
		)`,

		`CREATE TABLE IF NOT EXISTS reward_events (
			event_id TEXT NOT NULL,
			user_id TEXT,
			arm_id TEXT,
			kind TEXT NOT NULL,
			value DOUBLE NOT NULL,
			"at" TIMESTAMP NOT NULL,
			PRIMARY KEY (event_id, kind, "at")
		)`,

		`CREATE TABLE IF NOT EXISTS guardrail_checks (
			experiment_id TEXT NOT NULL,
			"at" TIMESTAMP NOT NULL,
			name TEXT NOT NULL,
			value DOUBLE NOT NULL,
			threshold DOUBLE NOT NULL,
			status TEXT NOT NULL,
			action TEXT NOT NULL,
			PRIMARY KEY (experiment_id, "at", name)
		)`,

		`CREATE TABLE IF NOT EXISTS decisions (
			experiment_id TEXT NOT NULL,
			evaluated_at TIMESTAMP NOT NULL,
			verdict TEXT NOT NULL,
			winner_policy_id TEXT,
			uplift DOUBLE NOT NULL DEFAULT 0,
			confidence DOUBLE NOT NULL DEFAULT 0,
			estimators TEXT,
			notes TEXT,
			PRIMARY KEY (experiment_id, evaluated_at)
		)`,
	}
}

// indexQueries returns the index creation statements.
func indexQueries() []string {
	return []string{
		`CREATE INDEX IF NOT EXISTS idx_serve_events_experiment_served
			ON serve_events(experiment_id, served_at)`,
		`CREATE INDEX IF NOT EXISTS idx_serve_events_user_served
			ON serve_events(user_id, served_at)`,
		`CREATE INDEX IF NOT EXISTS idx_policy_arm_state_experiment_policy
			ON policy_arm_state(experiment_id, policy_id)`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_experiment_policy
			ON assignments(experiment_id, policy_id)`,
		`CREATE INDEX IF NOT EXISTS idx_reward_events_user_arm
			ON reward_events(user_id, arm_id, "at")`,
		`CREATE INDEX IF NOT EXISTS idx_serve_events_served_at
			ON serve_events(served_at)`,
	}
}
