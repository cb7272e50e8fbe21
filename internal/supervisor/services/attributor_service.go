// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/armature/internal/database"
	"github.com/tomtom215/armature/internal/models"
	"github.com/tomtom215/armature/internal/reward"
)

// AttributorService sweeps pending serve events on a fixed cadence,
// attributing rewards from accumulated signals and finalizing events whose
// window closed. Ended and killed experiments keep sweeping until their
// trailing windows drain.
type AttributorService struct {
	attributor *reward.Attributor
	db         *database.DB
	interval   time.Duration
	logger     zerolog.Logger
}

// NewAttributorService creates the attribution sweep service.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func NewAttributorService(attributor *reward.Attributor, db *database.DB, interval time.Duration, logger zerolog.Logger) *AttributorService {
	return &AttributorService{
		attributor: attributor,
		db:         db,
		interval:   interval,
		logger:     logger.With().Str("service", "attributor").Logger(),
	}
}

// Serve implements suture.Service.
func (s *AttributorService) Serve(ctx context.Context) error {
	if s.interval <= 0 {
		s.interval = time.Minute
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("attributor running")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("attributor shutting down")
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs one attribution pass over every non-draft experiment.
func (s *AttributorService) sweep(ctx context.Context) {
	var targets []*models.Experiment
	for _, status := range []models.ExperimentStatus{
		models.StatusActive, models.StatusPaused,
		models.StatusEnded, models.StatusKilled,
	} {
		exps, err := s.db.ListExperiments(ctx, status)
		if err != nil {
			s.logger.Error().Err(err).Msg("experiment list failed")
			return
		}
		targets = append(targets, exps...)
	}
	s.attributor.Sweep(ctx, targets)
}

// String returns the service name for supervision logs.
func (s *AttributorService) String() string { return "attributor-service" }
