// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/armature/internal/decision"
)

// DecisionService runs the daily decision sweep.
type DecisionService struct {
	engine   *decision.Engine
	interval time.Duration
	logger   zerolog.Logger
}

// NewDecisionService creates the decision service.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func NewDecisionService(engine *decision.Engine, interval time.Duration, logger zerolog.Logger) *DecisionService {
	return &DecisionService{
		engine:   engine,
		interval: interval,
		logger:   logger.With().Str("service", "decision").Logger(),
	}
}

// Serve implements suture.Service.
func (s *DecisionService) Serve(ctx context.Context) error {
	if s.interval <= 0 {
		s.interval = 24 * time.Hour
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("decision engine running")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("decision engine shutting down")
			return ctx.Err()
		case <-ticker.C:
			start := time.Now()
			s.engine.EvaluateAll(ctx)
			s.logger.Info().Dur("duration", time.Since(start)).Msg("decision sweep complete")
		}
	}
}

// String returns the service name for supervision logs.
func (s *DecisionService) String() string { return "decision-service" }
