// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/armature/internal/assign"
	"github.com/tomtom215/armature/internal/database"
	"github.com/tomtom215/armature/internal/experiment"
	"github.com/tomtom215/armature/internal/models"
)

// CreateExperiment handles POST /api/v1/experiments.
func (h *Handler) CreateExperiment(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	var req experiment.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body", err)
		return
	}

	exp, err := h.manager.Create(r.Context(), &req)
	if err != nil {
		if errors.Is(err, experiment.ErrConfiguration) {
			respondError(w, http.StatusBadRequest, "INVALID_CONFIG", "experiment configuration rejected", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "CREATE_FAILED", "experiment creation failed", err)
		return
	}
	respondData(w, exp, started)
}

// GetExperiment handles GET /api/v1/experiments/{id}.
func (h *Handler) GetExperiment(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx, cancel := queryContext(r)
	defer cancel()

	exp, err := h.db.GetExperiment(ctx, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "experiment not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", "experiment lookup failed", err)
		return
	}
	respondData(w, exp, started)
}

// ListExperiments handles GET /api/v1/experiments.
func (h *Handler) ListExperiments(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx, cancel := queryContext(r)
	defer cancel()

	status := models.ExperimentStatus(r.URL.Query().Get("status"))
	exps, err := h.db.ListExperiments(ctx, status)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", "experiment list failed", err)
		return
	}
	respondData(w, exps, started)
}

// Transition handles the lifecycle verbs:
// POST /api/v1/experiments/{id}/{start|pause|resume|end|kill}.
func (h *Handler) Transition(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		id := chi.URLParam(r, "id")

		var err error
		switch action {
		case "start":
			err = h.manager.Start(r.Context(), id)
		case "pause":
			err = h.manager.Pause(r.Context(), id)
		case "resume":
			err = h.manager.Resume(r.Context(), id)
		case "end":
			err = h.manager.End(r.Context(), id)
		case "kill":
			err = h.manager.Kill(r.Context(), id, "admin request")
		}

		switch {
		case err == nil:
			respondData(w, map[string]string{"status": "ok", "action": action}, started)
		case errors.Is(err, experiment.ErrInvalidTransition):
			respondError(w, http.StatusConflict, "INVALID_TRANSITION", "transition not allowed", err)
		case errors.Is(err, database.ErrNotFound):
			respondError(w, http.StatusNotFound, "NOT_FOUND", "experiment not found", err)
		default:
			respondError(w, http.StatusInternalServerError, "TRANSITION_FAILED", "transition failed", err)
		}
	}
}

// TrafficRequest updates an experiment's traffic settings.
type TrafficRequest struct {
	TrafficFraction *float64    `json:"traffic_fraction,omitempty"`
	TrafficPlan     assign.Plan `json:"traffic_plan,omitempty"`
	Salt            string      `json:"salt,omitempty"`
}

// UpdateTraffic handles PATCH /api/v1/experiments/{id}/traffic.
func (h *Handler) UpdateTraffic(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	var req TrafficRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body", err)
		return
	}

	err := h.manager.UpdateTraffic(r.Context(), chi.URLParam(r, "id"), req.TrafficFraction, req.TrafficPlan, req.Salt)
	switch {
	case err == nil:
		respondData(w, map[string]string{"status": "ok"}, started)
	case errors.Is(err, experiment.ErrTrafficShrink):
		respondError(w, http.StatusConflict, "TRAFFIC_SHRINK", "traffic fraction may only grow while active", err)
	case errors.Is(err, experiment.ErrConfiguration):
		respondError(w, http.StatusBadRequest, "INVALID_CONFIG", "traffic settings rejected", err)
	case errors.Is(err, database.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", "experiment not found", err)
	default:
		respondError(w, http.StatusInternalServerError, "UPDATE_FAILED", "traffic update failed", err)
	}
}

// ConfigRequest updates reward/guardrail/decision configuration.
type ConfigRequest struct {
	RewardMapping     models.RewardMapping        `json:"reward_mapping,omitempty"`
	AttributionWindow time.Duration               `json:"attribution_window,omitempty"`
	Guardrails        *models.GuardrailThresholds `json:"guardrail_config,omitempty"`
	Decision          *models.DecisionCriteria    `json:"decision_config,omitempty"`
}

// UpdateConfig handles PATCH /api/v1/experiments/{id}/config.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	var req ConfigRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body", err)
		return
	}

	err := h.manager.UpdateConfig(r.Context(), chi.URLParam(r, "id"),
		req.RewardMapping, req.AttributionWindow, req.Guardrails, req.Decision)
	switch {
	case err == nil:
		respondData(w, map[string]string{"status": "ok"}, started)
	case errors.Is(err, experiment.ErrConfiguration):
		respondError(w, http.StatusBadRequest, "INVALID_CONFIG", "configuration rejected", err)
	case errors.Is(err, experiment.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "TERMINAL", "experiment is terminal", err)
	case errors.Is(err, database.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", "experiment not found", err)
	default:
		respondError(w, http.StatusInternalServerError, "UPDATE_FAILED", "config update failed", err)
	}
}
