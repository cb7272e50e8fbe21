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

// ServeStats aggregates the serve log over a window for guardrail checks and
// summaries.
type ServeStats struct {
	Total       int64
	Errors      int64
	Dropped     int64
	Timeouts    int64
	UniqueUsers int64
	MeanLatency float64
	P95Latency  float64
}

// ServeStatsWindow computes aggregate serve statistics over [from, to].
func (db *DB) ServeStatsWindow(ctx context.Context, experimentID string, from, to time.Time) (*ServeStats, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var stats ServeStats
	var meanLatency, p95 sql.NullFloat64
	err := db.conn.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE error_kind IS NOT NULL AND error_kind != ''),
			COUNT(*) FILTER (WHERE dropped),
			COUNT(*) FILTER (WHERE policy_timeout),
			COUNT(DISTINCT user_id),
			AVG(latency_ms),
			QUANTILE_CONT(latency_ms, 0.95)
		FROM serve_events
		WHERE experiment_id = ? AND served_at >= ? AND served_at <= ?`,
		experimentID, from, to).Scan(&stats.Total, &stats.Errors, &stats.Dropped,
		&stats.Timeouts, &stats.UniqueUsers, &meanLatency, &p95)
	if err != nil {
		return nil, fmt.Errorf("serve stats: %w", err)
	}
	stats.MeanLatency = meanLatency.Float64
	stats.P95Latency = p95.Float64
	return &stats, nil
}

// ArmConcentration returns the largest share of serves any single arm
// received over [from, to], in [0, 1].
func (db *DB) ArmConcentration(ctx context.Context, experimentID string, from, to time.Time) (float64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var share sql.NullFloat64
	err := db.conn.QueryRowContext(ctx, `
		SELECT MAX(cnt) * 1.0 / SUM(cnt) FROM (
			SELECT COUNT(*) AS cnt
			FROM serve_events
			WHERE experiment_id = ? AND served_at >= ? AND served_at <= ?
			GROUP BY arm_id
		)`,
		experimentID, from, to).Scan(&share)
	if err != nil {
		return 0, fmt.Errorf("arm concentration: %w", err)
	}
	return share.Float64, nil
}

// PolicyRewardStats is the attributed-reward aggregate for one policy.
type PolicyRewardStats struct {
	PolicyID   string
	Serves     int64
	Attributed int64
	MeanReward float64
	Variance   float64
	Clicks     int64
}

// PolicyRewardStatsWindow aggregates attributed rewards per policy over
// [from, to].
func (db *DB) PolicyRewardStatsWindow(ctx context.Context, experimentID string, from, to time.Time) (map[string]*PolicyRewardStats, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT policy_id,
			COUNT(*),
			COUNT(reward),
			COALESCE(AVG(reward), 0),
			COALESCE(VAR_SAMP(reward), 0),
			COUNT(*) FILTER (WHERE reward = 1)
		FROM serve_events
		WHERE experiment_id = ? AND served_at >= ? AND served_at <= ?
		GROUP BY policy_id`,
		experimentID, from, to)
	if err != nil {
		return nil, fmt.Errorf("policy reward stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]*PolicyRewardStats)
	for rows.Next() {
		var s PolicyRewardStats
		if err := rows.Scan(&s.PolicyID, &s.Serves, &s.Attributed,
			&s.MeanReward, &s.Variance, &s.Clicks); err != nil {
			return nil, fmt.Errorf("scan policy stats: %w", err)
		}
		out[s.PolicyID] = &s
	}
	return out, rows.Err()
}

// AssignmentCounts returns memoized assignment counts per policy, used by the
// sample-ratio guardrail.
func (db *DB) AssignmentCounts(ctx context.Context, experimentID string) (map[string]int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT policy_id, COUNT(*) FROM assignments
		WHERE experiment_id = ? GROUP BY policy_id`,
		experimentID)
	if err != nil {
		return nil, fmt.Errorf("assignment counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int64)
	for rows.Next() {
		var policyID string
		var count int64
		if err := rows.Scan(&policyID, &count); err != nil {
			return nil, fmt.Errorf("scan assignment count: %w", err)
		}
		out[policyID] = count
	}
	return out, rows.Err()
}

// Timeseries buckets one metric by hour or day over [from, to].
// Supported metrics: reward, latency_p95, serves, ctr.
func (db *DB) Timeseries(ctx context.Context, experimentID, metric, granularity string, from, to time.Time) ([]models.TimeseriesPoint, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var trunc string
	switch granularity {
	case "hour":
		trunc = "hour"
	case "day":
		trunc = "day"
	default:
		return nil, fmt.Errorf("unknown granularity %q", granularity)
	}

	var agg string
	switch metric {
	case "reward":
		agg = `AVG(reward)`
	case "latency_p95":
		agg = `QUANTILE_CONT(latency_ms, 0.95)`
	case "serves":
		agg = `COUNT(*) * 1.0`
	case "ctr":
		agg = `AVG(CASE WHEN reward = 1 THEN 1.0 ELSE 0.0 END)`
	default:
		return nil, fmt.Errorf("unknown metric %q", metric)
	}

	query := fmt.Sprintf(`
		SELECT DATE_TRUNC('%s', served_at) AS bucket, %s, COUNT(*)
		FROM serve_events
		WHERE experiment_id = ? AND served_at >= ? AND served_at <= ?
		GROUP BY bucket ORDER BY bucket`, trunc, agg)

	rows, err := db.conn.QueryContext(ctx, query, experimentID, from, to)
	if err != nil {
		return nil, fmt.Errorf("timeseries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.TimeseriesPoint
	for rows.Next() {
		var p models.TimeseriesPoint
		var value sql.NullFloat64
		if err := rows.Scan(&p.Bucket, &value, &p.Count); err != nil {
			return nil, fmt.Errorf("scan timeseries point: %w", err)
		}
		p.Value = value.Float64
		out = append(out, p)
	}
	return out, rows.Err()
}

// ArmStatsList joins sufficient statistics with observed serve shares.
func (db *DB) ArmStatsList(ctx context.Context, experimentID, sortBy string, limit int) ([]models.ArmStats, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var order string
	switch sortBy {
	case "", "pulls":
		order = "s.pulls DESC"
	case "mean_reward":
		order = "mean_reward DESC"
	case "arm_id":
		order = "s.arm_id"
	default:
		return nil, fmt.Errorf("unknown sort %q", sortBy)
	}

	query := fmt.Sprintf(`
		SELECT s.policy_id, s.arm_id, s.pulls, s.successes, s.failures,
			CASE WHEN s.pulls > 0 THEN s.sum_reward / s.pulls ELSE 0 END AS mean_reward,
			s.alpha, s.beta,
			COALESCE(sv.cnt, 0) * 1.0 / GREATEST(COALESCE(total.cnt, 0), 1) AS share
		FROM policy_arm_state s
		LEFT JOIN (
			SELECT policy_id, arm_id, COUNT(*) AS cnt FROM serve_events
			WHERE experiment_id = ? GROUP BY policy_id, arm_id
		) sv ON sv.policy_id = s.policy_id AND sv.arm_id = s.arm_id
		LEFT JOIN (
			SELECT COUNT(*) AS cnt FROM serve_events WHERE experiment_id = ?
		) total ON true
		WHERE s.experiment_id = ? AND s.context_key = ''
		ORDER BY %s LIMIT ?`, order)

	rows, err := db.conn.QueryContext(ctx, query, experimentID, experimentID, experimentID, limit)
	if err != nil {
		return nil, fmt.Errorf("arm stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.ArmStats
	for rows.Next() {
		var a models.ArmStats
		if err := rows.Scan(&a.PolicyID, &a.ArmID, &a.Pulls, &a.Successes,
			&a.Failures, &a.MeanReward, &a.Alpha, &a.Beta, &a.ShareOfServes); err != nil {
			return nil, fmt.Errorf("scan arm stats: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Cohorts breaks serve outcomes down by a dimension column.
// Supported breakdowns: policy_id, arm_id, context_key.
func (db *DB) Cohorts(ctx context.Context, experimentID, breakdown string) ([]models.CohortStats, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	switch breakdown {
	case "policy_id", "arm_id", "context_key":
	default:
		return nil, fmt.Errorf("unknown breakdown %q", breakdown)
	}

	query := fmt.Sprintf(`
		SELECT COALESCE(%s, ''), COUNT(*),
			COALESCE(AVG(reward), 0),
			AVG(CASE WHEN reward = 1 THEN 1.0 ELSE 0.0 END)
		FROM serve_events
		WHERE experiment_id = ?
		GROUP BY 1 ORDER BY 2 DESC`, breakdown)

	rows, err := db.conn.QueryContext(ctx, query, experimentID)
	if err != nil {
		return nil, fmt.Errorf("cohorts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.CohortStats
	for rows.Next() {
		var c models.CohortStats
		var ctr sql.NullFloat64
		if err := rows.Scan(&c.Cohort, &c.Serves, &c.MeanReward, &ctr); err != nil {
			return nil, fmt.Errorf("scan cohort: %w", err)
		}
		c.CTR = ctr.Float64
		out = append(out, c)
	}
	return out, rows.Err()
}
