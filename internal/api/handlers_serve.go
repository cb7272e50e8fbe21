// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tomtom215/armature/internal/bandit"
	"github.com/tomtom215/armature/internal/models"
	"github.com/tomtom215/armature/internal/reward"
	"github.com/tomtom215/armature/internal/serve"
)

// RecommendRequest is the serve payload from the host recommender.
type RecommendRequest struct {
	UserID  string         `json:"user_id"`
	Surface string         `json:"surface"`
	Context bandit.Context `json:"context,omitempty"`
	K       int            `json:"k,omitempty"`
}

// RecommendResponse carries the ranked results plus the failure kind the
// host uses to decide on its own fallback.
type RecommendResponse struct {
	Results []models.ServeResult `json:"results"`
	Failure string               `json:"failure,omitempty"`
}

// Recommend handles POST /api/v1/recommend. The serve path never returns a
// 5xx: failures degrade to an empty result with a failure kind.
func (h *Handler) Recommend(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	var req RecommendRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body", err)
		return
	}

	results, err := h.pipeline.Recommend(r.Context(), serve.Request{
		UserID:  req.UserID,
		Surface: req.Surface,
		Context: req.Context,
		K:       req.K,
	})
	if err != nil {
		failure := "Internal"
		switch {
		case errors.Is(err, serve.ErrNoActiveExperiment):
			failure = "NoActiveExperiment"
		case errors.Is(err, serve.ErrUnavailableArmCatalog):
			failure = "UnavailableArmCatalog"
		case errors.Is(err, context.DeadlineExceeded):
			failure = "PolicyTimeout"
		}
		respondData(w, &RecommendResponse{Failure: failure}, started)
		return
	}
	respondData(w, &RecommendResponse{Results: results}, started)
}

// Ingest handles POST /api/v1/ingest: downstream reward signals.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	var req reward.IngestRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body", err)
		return
	}

	err := h.attributor.Ingest(r.Context(), req)
	switch {
	case err == nil:
		respondData(w, map[string]string{"status": "accepted"}, started)
	case errors.Is(err, reward.ErrAttributionClosed):
		respondError(w, http.StatusConflict, "ATTRIBUTION_CLOSED", "attribution window closed", err)
	case errors.Is(err, reward.ErrUnknownEvent):
		respondError(w, http.StatusNotFound, "UNKNOWN_EVENT", "serve event not found", err)
	default:
		respondError(w, http.StatusBadRequest, "INVALID_SIGNAL", "signal rejected", err)
	}
}
