// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

// Package api provides the HTTP surface: serve, reward ingestion, admin
// lifecycle, and read-only analytics, routed with Chi.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/armature/internal/config"
	"github.com/tomtom215/armature/internal/database"
	"github.com/tomtom215/armature/internal/experiment"
	"github.com/tomtom215/armature/internal/logging"
	"github.com/tomtom215/armature/internal/models"
	"github.com/tomtom215/armature/internal/reward"
	"github.com/tomtom215/armature/internal/serve"
)

// queryTimeout bounds analytics handlers.
const queryTimeout = 10 * time.Second

// NATSHealth reports queue health for the readiness endpoint.
type NATSHealth interface {
	IsRunning() bool
}

// Handler carries the dependencies of all endpoints.
type Handler struct {
	pipeline   *serve.Pipeline
	attributor *reward.Attributor
	manager    *experiment.Manager
	db         *database.DB
	nats       NATSHealth
	cfg        *config.Config
}

// NewHandler wires the handler. nats may be nil when the queue is disabled.
func NewHandler(pipeline *serve.Pipeline, attributor *reward.Attributor, manager *experiment.Manager, db *database.DB, nats NATSHealth, cfg *config.Config) *Handler {
	return &Handler{
		pipeline:   pipeline,
		attributor: attributor,
		manager:    manager,
		db:         db,
		nats:       nats,
		cfg:        cfg,
	}
}

// respondJSON writes the uniform response envelope.
func respondJSON(w http.ResponseWriter, status int, response *models.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(response)
	if err != nil {
		logging.Error().Err(err).Msg("marshal JSON response failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("write JSON response failed")
	}
}

// respondError writes an error envelope.
func respondError(w http.ResponseWriter, status int, code, message string, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
		logging.Error().Str("code", code).Err(err).Msg("API error")
	}
	respondJSON(w, status, &models.APIResponse{
		Status:   "error",
		Error:    &models.APIError{Code: code, Message: message, Detail: detail},
		Metadata: models.Metadata{Timestamp: time.Now().UTC()},
	})
}

// respondData writes a success envelope with timing metadata.
func respondData(w http.ResponseWriter, data interface{}, started time.Time) {
	respondJSON(w, http.StatusOK, &models.APIResponse{
		Status: "success",
		Data:   data,
		Metadata: models.Metadata{
			Timestamp:   time.Now().UTC(),
			QueryTimeMS: time.Since(started).Milliseconds(),
		},
	})
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst interface{}) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(dst)
}

// getIntParam reads an integer query parameter with a default.
func getIntParam(r *http.Request, name string, fallback int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}

// queryContext derives the bounded context for analytics queries.
func queryContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), queryTimeout)
}

// HealthLive handles GET /api/v1/health/live.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondData(w, map[string]string{"status": "alive"}, time.Now())
}

// HealthReady handles GET /api/v1/health/ready: storage plus queue.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx, cancel := queryContext(r)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "database not reachable", err)
		return
	}
	natsStatus := "disabled"
	if h.nats != nil {
		natsStatus = "running"
		if !h.nats.IsRunning() {
			respondError(w, http.StatusServiceUnavailable, "NATS_UNAVAILABLE", "event stream not running", nil)
			return
		}
	}
	respondData(w, map[string]string{"status": "ready", "database": "ok", "nats": natsStatus}, started)
}
