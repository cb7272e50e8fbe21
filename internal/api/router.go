// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/armature/internal/config"
)

// Router builds the HTTP handler tree.
type Router struct {
	handler *Handler
	cfg     *config.Config
}

// NewRouter wires the router.
func NewRouter(handler *Handler, cfg *config.Config) *Router {
	return &Router{handler: handler, cfg: cfg}
}

// Setup configures all routes.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	// Global middleware, outer to inner.
	r.Use(RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: router.allowedOrigins(),
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	auth := Authenticate(router.cfg.Security)

	// Health: permissive rate limit, no auth.
	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(httprate.LimitByIP(1000, time.Minute))
		r.Get("/live", router.handler.HealthLive)
		r.Get("/ready", router.handler.HealthReady)
	})

	// Serve path: hot, host-facing, no auth. The rate limit is a backstop
	// against a runaway host, not a policy control.
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(10000, time.Minute))
		r.With(Prometheus("/api/v1/recommend")).Post("/api/v1/recommend", router.handler.Recommend)
		r.With(Prometheus("/api/v1/ingest")).Post("/api/v1/ingest", router.handler.Ingest)
	})

	// Admin: experiment lifecycle and config.
	r.Route("/api/v1/experiments", func(r chi.Router) {
		r.Use(httprate.LimitByIP(300, time.Minute))
		r.Use(auth)
		r.Use(Prometheus("/api/v1/experiments"))

		r.Post("/", router.handler.CreateExperiment)
		r.Get("/", router.handler.ListExperiments)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", router.handler.GetExperiment)
			r.Post("/start", router.handler.Transition("start"))
			r.Post("/pause", router.handler.Transition("pause"))
			r.Post("/resume", router.handler.Transition("resume"))
			r.Post("/end", router.handler.Transition("end"))
			r.Post("/kill", router.handler.Transition("kill"))
			r.Patch("/traffic", router.handler.UpdateTraffic)
			r.Patch("/config", router.handler.UpdateConfig)

			// Analytics, read-only.
			r.Get("/summary", router.handler.Summary)
			r.Get("/timeseries", router.handler.Timeseries)
			r.Get("/arms", router.handler.Arms)
			r.Get("/cohorts", router.handler.Cohorts)
			r.Get("/events", router.handler.Events)
			r.Get("/guardrails", router.handler.Guardrails)
			r.Get("/decisions", router.handler.Decisions)
			r.Get("/policies/{policyID}/state", router.handler.PolicyState)
			r.Get("/export", router.handler.Export)
		})
	})

	// Prometheus scrape endpoint.
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// allowedOrigins defaults to same-host dashboards when none are configured.
func (router *Router) allowedOrigins() []string {
	if len(router.cfg.Server.CORSOrigins) > 0 {
		return router.cfg.Server.CORSOrigins
	}
	return []string{"http://localhost:*", "https://localhost:*"}
}
