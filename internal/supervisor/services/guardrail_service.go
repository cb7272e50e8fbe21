// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/armature/internal/guardrail"
)

// GuardrailService runs the guardrail monitor on its cadence.
type GuardrailService struct {
	monitor  *guardrail.Monitor
	interval time.Duration
	logger   zerolog.Logger
}

// NewGuardrailService creates the guardrail service.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func NewGuardrailService(monitor *guardrail.Monitor, interval time.Duration, logger zerolog.Logger) *GuardrailService {
	return &GuardrailService{
		monitor:  monitor,
		interval: interval,
		logger:   logger.With().Str("service", "guardrail").Logger(),
	}
}

// Serve implements suture.Service.
func (s *GuardrailService) Serve(ctx context.Context) error {
	if s.interval <= 0 {
		s.interval = 5 * time.Minute
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("guardrail monitor running")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("guardrail monitor shutting down")
			return ctx.Err()
		case <-ticker.C:
			s.monitor.CheckAll(ctx)
		}
	}
}

// String returns the service name for supervision logs.
func (s *GuardrailService) String() string { return "guardrail-service" }
