// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package eventprocessor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
)

// errPermanent marks failures that retrying cannot fix; the poison queue
// middleware routes them to the poison topic instead of blocking the stream.
var errPermanent = errors.New("permanent handler failure")

// RouterConfig holds message-router settings.
type RouterConfig struct {
	CloseTimeout         time.Duration
	RetryMaxRetries      int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMultiplier      float64
	PoisonQueueTopic     string
}

// DefaultRouterConfig returns the production router settings.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		CloseTimeout:         30 * time.Second,
		RetryMaxRetries:      5,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     time.Minute,
		RetryMultiplier:      2.0,
		PoisonQueueTopic:     TopicPoison,
	}
}

// Router runs the consumer side of the pipeline: the serve-event appender and
// the state updater, under recoverer, retry, and poison-queue middleware.
type Router struct {
	router *message.Router
	config RouterConfig
	logger watermill.LoggerAdapter
}

// NewRouter creates the router with its middleware stack.
func NewRouter(cfg *RouterConfig, poisonPublisher message.Publisher, logger watermill.LoggerAdapter) (*Router, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}
	if cfg == nil {
		defaultCfg := DefaultRouterConfig()
		cfg = &defaultCfg
	}

	wmRouter, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill router: %w", err)
	}

	r := &Router{router: wmRouter, config: *cfg, logger: logger}

	// Outer to inner: recover panics, retry transient failures with
	// backoff, then divert permanent failures to the poison queue.
	wmRouter.AddMiddleware(middleware.Recoverer)
	wmRouter.AddMiddleware(middleware.Retry{
		MaxRetries:      cfg.RetryMaxRetries,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
		Multiplier:      cfg.RetryMultiplier,
		Logger:          logger,
	}.Middleware)

	if poisonPublisher != nil {
		poison, err := middleware.PoisonQueueWithFilter(poisonPublisher, cfg.PoisonQueueTopic,
			func(err error) bool { return errors.Is(err, errPermanent) })
		if err != nil {
			return nil, fmt.Errorf("create poison queue middleware: %w", err)
		}
		wmRouter.AddMiddleware(poison)
	}

	return r, nil
}

// AddServeEventHandler subscribes the DuckDB appender to the serve topic.
func (r *Router) AddServeEventHandler(sub message.Subscriber, handler *ServeEventHandler) {
	r.router.AddNoPublisherHandler("serve-event-appender", TopicServeEvents, sub, handler.Handle)
}

// AddStateUpdateHandler subscribes the state updater to the reward topic.
func (r *Router) AddStateUpdateHandler(sub message.Subscriber, handler *StateUpdateHandler) {
	r.router.AddNoPublisherHandler("state-updater", TopicRewardUpdates, sub, handler.Handle)
}

// Run blocks until the context is canceled.
func (r *Router) Run(ctx context.Context) error {
	return r.router.Run(ctx)
}

// Running returns a channel closed once all handlers are running.
func (r *Router) Running() <-chan struct{} {
	return r.router.Running()
}

// Close stops the router.
func (r *Router) Close() error {
	return r.router.Close()
}
