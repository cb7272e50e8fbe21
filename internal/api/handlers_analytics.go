// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/armature/internal/database"
	"github.com/tomtom215/armature/internal/models"
)

// Summary handles GET /api/v1/experiments/{id}/summary.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx, cancel := queryContext(r)
	defer cancel()
	id := chi.URLParam(r, "id")

	exp, err := h.db.GetExperiment(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "experiment not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", "experiment lookup failed", err)
		return
	}

	now := time.Now().UTC()
	stats, err := h.db.ServeStatsWindow(ctx, id, exp.StartAt, now)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", "serve stats failed", err)
		return
	}
	rewardStats, err := h.db.PolicyRewardStatsWindow(ctx, id, exp.StartAt, now)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", "reward stats failed", err)
		return
	}
	policies, err := h.db.ListPolicies(ctx, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", "policy list failed", err)
		return
	}

	summary := &models.ExperimentSummary{
		Experiment:    exp,
		TotalServes:   stats.Total,
		UniqueUsers:   stats.UniqueUsers,
		MeanLatencyMS: stats.MeanLatency,
		P95LatencyMS:  stats.P95Latency,
	}
	for _, p := range policies {
		perf := models.PolicyPerformance{PolicyID: p.ID, Kind: p.Kind}
		if s, ok := rewardStats[p.ID]; ok {
			perf.Serves = s.Serves
			perf.Attributed = s.Attributed
			perf.MeanReward = s.MeanReward
			perf.RewardStd = math.Sqrt(s.Variance)
			if s.Attributed > 0 {
				perf.CTR = float64(s.Clicks) / float64(s.Attributed)
			}
		}
		summary.PolicySummary = append(summary.PolicySummary, perf)
	}
	if stats.Total > 0 {
		var attributed int64
		for _, s := range rewardStats {
			attributed += s.Attributed
		}
		summary.AttributedPct = float64(attributed) / float64(stats.Total)
	}
	if decisions, err := h.db.ListDecisions(ctx, id, 1); err == nil && len(decisions) > 0 {
		summary.LatestDecision = &decisions[0]
	}
	if checks, err := h.db.GuardrailChecks(ctx, id, now.Add(-24*time.Hour)); err == nil && len(checks) > 0 {
		latest := make(map[string]models.GuardrailCheck)
		for _, c := range checks {
			if _, ok := latest[c.Name]; !ok {
				latest[c.Name] = c
			}
		}
		summary.Guardrails = latest
	}

	respondData(w, summary, started)
}

// Timeseries handles GET /api/v1/experiments/{id}/timeseries.
func (h *Handler) Timeseries(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx, cancel := queryContext(r)
	defer cancel()

	metric := r.URL.Query().Get("metric")
	granularity := r.URL.Query().Get("granularity")
	if granularity == "" {
		granularity = "hour"
	}
	now := time.Now().UTC()
	from := now.Add(-7 * 24 * time.Hour)
	if raw := r.URL.Query().Get("from"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			from = parsed
		}
	}

	points, err := h.db.Timeseries(ctx, chi.URLParam(r, "id"), metric, granularity, from, now)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_QUERY", "timeseries query rejected", err)
		return
	}
	respondData(w, points, started)
}

// Arms handles GET /api/v1/experiments/{id}/arms.
func (h *Handler) Arms(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx, cancel := queryContext(r)
	defer cancel()

	limit := getIntParam(r, "limit", 100)
	stats, err := h.db.ArmStatsList(ctx, chi.URLParam(r, "id"), r.URL.Query().Get("sort"), limit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_QUERY", "arm stats query rejected", err)
		return
	}
	respondData(w, stats, started)
}

// Cohorts handles GET /api/v1/experiments/{id}/cohorts.
func (h *Handler) Cohorts(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx, cancel := queryContext(r)
	defer cancel()

	breakdown := r.URL.Query().Get("breakdown")
	if breakdown == "" {
		breakdown = "policy_id"
	}
	cohorts, err := h.db.Cohorts(ctx, chi.URLParam(r, "id"), breakdown)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_QUERY", "cohort query rejected", err)
		return
	}
	respondData(w, cohorts, started)
}

// Events handles GET /api/v1/experiments/{id}/events.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx, cancel := queryContext(r)
	defer cancel()

	page := getIntParam(r, "page", 1)
	pageSize := getIntParam(r, "page_size", 100)
	if pageSize > 1000 {
		pageSize = 1000
	}

	events, total, err := h.db.ServeEventsPage(ctx, chi.URLParam(r, "id"),
		r.URL.Query().Get("policy_id"), r.URL.Query().Get("arm_id"), page, pageSize)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", "event page failed", err)
		return
	}
	respondJSON(w, http.StatusOK, &models.APIResponse{
		Status: "success",
		Data:   events,
		Metadata: models.Metadata{
			Timestamp:   time.Now().UTC(),
			QueryTimeMS: time.Since(started).Milliseconds(),
			Page:        page,
			PageSize:    pageSize,
			Total:       total,
		},
	})
}

// Guardrails handles GET /api/v1/experiments/{id}/guardrails.
func (h *Handler) Guardrails(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx, cancel := queryContext(r)
	defer cancel()

	since := time.Now().UTC().Add(-24 * time.Hour)
	checks, err := h.db.GuardrailChecks(ctx, chi.URLParam(r, "id"), since)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", "guardrail query failed", err)
		return
	}
	respondData(w, checks, started)
}

// Decisions handles GET /api/v1/experiments/{id}/decisions.
func (h *Handler) Decisions(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx, cancel := queryContext(r)
	defer cancel()

	decisions, err := h.db.ListDecisions(ctx, chi.URLParam(r, "id"), getIntParam(r, "limit", 30))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", "decision query failed", err)
		return
	}
	respondData(w, decisions, started)
}

// PolicyState handles GET /api/v1/experiments/{id}/policies/{policyID}/state:
// the serialized sufficient statistics for one (policy, context_key), usable
// as a replay seed.
func (h *Handler) PolicyState(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx, cancel := queryContext(r)
	defer cancel()

	snapshot, err := h.db.SnapshotPolicyState(ctx, chi.URLParam(r, "id"),
		chi.URLParam(r, "policyID"), r.URL.Query().Get("context_key"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", "state snapshot failed", err)
		return
	}
	respondData(w, json.RawMessage(snapshot), started)
}

// Export handles GET /api/v1/experiments/{id}/export?format=csv|jsonl.
// Events stream out page by page; the export is not buffered in memory.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := queryContext(r)
	defer cancel()
	id := chi.URLParam(r, "id")
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "jsonl"
	}

	switch format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s-events.csv", id))
		_, _ = fmt.Fprintln(w, "event_id,user_id,policy_id,arm_id,position,propensity,score,latency_ms,served_at,reward")
	case "jsonl":
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s-events.jsonl", id))
	default:
		respondError(w, http.StatusBadRequest, "INVALID_FORMAT", "format must be csv or jsonl", nil)
		return
	}

	const pageSize = 1000
	for page := 1; ; page++ {
		events, _, err := h.db.ServeEventsPage(ctx, id, "", "", page, pageSize)
		if err != nil || len(events) == 0 {
			return
		}
		for _, ev := range events {
			if format == "csv" {
				rewardStr := ""
				if ev.Reward != nil {
					rewardStr = strconv.FormatFloat(*ev.Reward, 'g', -1, 64)
				}
				_, _ = fmt.Fprintf(w, "%s,%s,%s,%s,%d,%g,%g,%d,%s,%s\n",
					ev.EventID, ev.UserID, ev.PolicyID, ev.ArmID, ev.Position,
					ev.Propensity, ev.Score, ev.LatencyMS,
					ev.ServedAt.Format(time.RFC3339), rewardStr)
			} else {
				line, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				_, _ = w.Write(append(line, '\n'))
			}
		}
		if len(events) < pageSize {
			return
		}
	}
}
