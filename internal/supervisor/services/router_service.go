// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package services

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tomtom215/armature/internal/eventprocessor"
)

// RouterService runs the queue consumer router under supervision.
type RouterService struct {
	router *eventprocessor.Router
	logger zerolog.Logger
}

// NewRouterService creates the router service.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func NewRouterService(router *eventprocessor.Router, logger zerolog.Logger) *RouterService {
	return &RouterService{
		router: router,
		logger: logger.With().Str("service", "router").Logger(),
	}
}

// Serve implements suture.Service: the Watermill router blocks until the
// context cancels, and a crash restarts it cleanly from durable consumers.
func (s *RouterService) Serve(ctx context.Context) error {
	s.logger.Info().Msg("message router starting")
	err := s.router.Run(ctx)
	s.logger.Info().Err(err).Msg("message router stopped")
	return err
}

// String returns the service name for supervision logs.
func (s *RouterService) String() string { return "router-service" }
