// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

// Package services provides Suture service wrappers for the long-running
// components: the HTTP server, the message router, and the periodic loops.
package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPServiceConfig holds the server settings.
type HTTPServiceConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// HTTPService runs the API server under supervision.
type HTTPService struct {
	handler http.Handler
	config  HTTPServiceConfig
	logger  zerolog.Logger
}

// NewHTTPService creates the HTTP service.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func NewHTTPService(handler http.Handler, cfg HTTPServiceConfig, logger zerolog.Logger) *HTTPService {
	return &HTTPService{
		handler: handler,
		config:  cfg,
		logger:  logger.With().Str("service", "http").Logger(),
	}
}

// Serve implements suture.Service.
func (s *HTTPService) Serve(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.config.Addr).Msg("http server listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("http shutdown timed out")
			_ = server.Close()
		}
		s.logger.Info().Msg("http server stopped")
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

// String returns the service name for supervision logs.
func (s *HTTPService) String() string { return "http-service" }
