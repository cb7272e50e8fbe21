// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

// Package main is the entry point for the Armature server.
//
// Armature is a multi-armed bandit experimentation runtime for online
// recommenders: it assigns users to policies, has policies choose arms with
// correct propensity logging, attributes delayed rewards, updates per-arm
// statistics online, enforces safety guardrails with auto-rollback, and
// periodically emits ship/iterate/kill decisions from off-policy estimates.
//
// # Application Architecture
//
// The server initializes components in order:
//
//  1. Configuration: Koanf v2 layering defaults, config.yaml, and env vars
//  2. Database: DuckDB holding experiments, state, and append-only events
//  3. NATS JetStream (optional, embedded by default): durable serve-event
//     and reward-update topics with exactly-once consumption
//  4. Core services: serve pipeline, reward attributor, guardrail monitor,
//     decision engine
//  5. HTTP API under Chi with Prometheus metrics at /metrics
//
// Everything long-running sits under a Suture supervision tree; crashed
// services restart with backoff and durable queue consumers resume where
// they left off.
//
// # Configuration
//
// Environment variables override config.yaml, which overrides defaults:
//
//	SERVER_PORT=8421
//	DATABASE_PATH=/data/armature.duckdb
//	NATS_ENABLED=true
//	NATS_EMBEDDED_SERVER=true
//	SECURITY_AUTH_MODE=token SECURITY_API_TOKEN=...
//
// # Signal Handling
//
// SIGINT/SIGTERM stop the supervision tree, drain in-flight requests, close
// the queue, and shut the embedded NATS server down last.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tomtom215/armature/internal/api"
	"github.com/tomtom215/armature/internal/cache"
	"github.com/tomtom215/armature/internal/config"
	"github.com/tomtom215/armature/internal/database"
	"github.com/tomtom215/armature/internal/decision"
	"github.com/tomtom215/armature/internal/eventprocessor"
	"github.com/tomtom215/armature/internal/experiment"
	"github.com/tomtom215/armature/internal/guardrail"
	"github.com/tomtom215/armature/internal/logging"
	"github.com/tomtom215/armature/internal/reward"
	"github.com/tomtom215/armature/internal/serve"
	"github.com/tomtom215/armature/internal/supervisor"
	"github.com/tomtom215/armature/internal/supervisor/services"
)

// natsComponents groups the queue pieces for shutdown ordering.
type natsComponents struct {
	server    *eventprocessor.EmbeddedServer
	conn      *natsgo.Conn
	publisher *eventprocessor.Publisher
	router    *eventprocessor.Router
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("db_path", cfg.Database.Path).
		Bool("nats_enabled", cfg.NATS.Enabled).
		Str("auth_mode", cfg.Security.AuthMode).
		Msg("starting armature")

	db, err := database.New(&cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer func() { _ = db.Close() }()

	snapshotCache := cache.New(cfg.Serve.SnapshotTTL)
	defer snapshotCache.Close()

	manager := experiment.NewManager(db, snapshotCache, cfg.Guardrail, cfg.Decision, cfg.Reward)

	nats, err := initNATS(cfg, db, manager)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to initialize NATS pipeline")
	}

	var servePublisher serve.EventPublisher
	var rewardPublisher reward.UpdatePublisher
	var natsHealth api.NATSHealth
	if nats != nil {
		servePublisher = nats.publisher
		rewardPublisher = nats.publisher
		if nats.server != nil {
			natsHealth = nats.server
		}
	} else {
		// Queue disabled: rewards update state synchronously through the
		// same handler code path the consumer would run.
		rewardPublisher = &directUpdater{
			handler: eventprocessor.NewStateUpdateHandler(db, manager),
		}
	}

	pipeline := serve.NewPipeline(manager, db, servePublisher, snapshotCache, cfg.Serve)
	attributor := reward.NewAttributor(db, manager, rewardPublisher, cfg.Reward)
	monitor := guardrail.NewMonitor(db, manager, cfg.Guardrail)
	engine := decision.NewEngine(db, manager, cfg.Decision, time.Now().UnixNano())

	handler := api.NewHandler(pipeline, attributor, manager, db, natsHealth, cfg)
	routes := api.NewRouter(handler, cfg).Setup()

	// Supervision tree.
	tree := supervisor.NewTree(slog.Default(), supervisor.DefaultTreeConfig())
	logger := logging.Logger()

	tree.AddDataService(services.NewAttributorService(attributor, db, cfg.Reward.ScanInterval, logger))
	tree.AddDataService(services.NewGuardrailService(monitor, cfg.Guardrail.Interval, logger))
	tree.AddDataService(services.NewDecisionService(engine, cfg.Decision.Interval, logger))
	if nats != nil {
		tree.AddMessagingService(services.NewRouterService(nats.router, logger))
	}
	tree.AddAPIService(services.NewHTTPService(routes, services.HTTPServiceConfig{
		Addr:            cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.Root().ServeBackground(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		logging.Error().Err(err).Msg("supervision tree exited")
	}

	cancel()
	shutdownNATS(cfg, nats)
	logging.Info().Msg("armature stopped")
}

// initNATS brings up the queue: embedded server (optional), stream,
// publisher, subscriber, and consumer router.
func initNATS(cfg *config.Config, db *database.DB, manager *experiment.Manager) (*natsComponents, error) {
	if !cfg.NATS.Enabled {
		logging.Info().Msg("NATS pipeline disabled; serve events append directly")
		return nil, nil
	}

	components := &natsComponents{}
	url := cfg.NATS.URL

	if cfg.NATS.EmbeddedServer {
		es, err := eventprocessor.NewEmbeddedServer(&eventprocessor.ServerConfig{
			Host:              "127.0.0.1",
			Port:              natsPort(cfg.NATS.URL),
			StoreDir:          cfg.NATS.StoreDir,
			JetStreamMaxMem:   cfg.NATS.MaxMemory,
			JetStreamMaxStore: cfg.NATS.MaxStore,
		})
		if err != nil {
			return nil, err
		}
		components.server = es
		url = es.ClientURL()
		logging.Info().Str("url", url).Msg("embedded NATS server ready")
	}

	conn, err := natsgo.Connect(url,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.NATS.MaxReconnects),
		natsgo.ReconnectWait(cfg.NATS.ReconnectWait))
	if err != nil {
		return nil, err
	}
	components.conn = conn

	streams, err := eventprocessor.NewStreamManager(conn,
		eventprocessor.DefaultStreamConfig(cfg.NATS.StreamName, cfg.NATS.RetentionDays, cfg.NATS.MaxStore))
	if err != nil {
		return nil, err
	}
	streamCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := streams.EnsureStream(streamCtx); err != nil {
		return nil, err
	}

	publisher, err := eventprocessor.NewNATSPublisher(eventprocessor.PublisherConfig{
		URL:           url,
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
	}, nil)
	if err != nil {
		return nil, err
	}
	components.publisher = publisher

	subscriber, err := eventprocessor.NewNATSSubscriber(eventprocessor.SubscriberConfig{
		URL:           url,
		StreamName:    cfg.NATS.StreamName,
		DurableName:   cfg.NATS.DurableName,
		QueueGroup:    cfg.NATS.QueueGroup,
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
		CloseTimeout:  cfg.NATS.CloseTimeout,
	}, nil)
	if err != nil {
		return nil, err
	}

	router, err := eventprocessor.NewRouter(nil, publisher.Raw(), nil)
	if err != nil {
		return nil, err
	}
	router.AddServeEventHandler(subscriber, eventprocessor.NewServeEventHandler(db))
	router.AddStateUpdateHandler(subscriber, eventprocessor.NewStateUpdateHandler(db, manager))
	components.router = router

	return components, nil
}

// shutdownNATS closes the queue components in dependency order.
func shutdownNATS(cfg *config.Config, nats *natsComponents) {
	if nats == nil {
		return
	}
	if nats.router != nil {
		_ = nats.router.Close()
	}
	if nats.publisher != nil {
		_ = nats.publisher.Close()
	}
	if nats.conn != nil {
		nats.conn.Close()
	}
	if nats.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.NATS.CloseTimeout)
		defer cancel()
		_ = nats.server.Shutdown(ctx)
	}
}

// directUpdater applies reward updates synchronously when the queue is
// disabled, through the same handler code path the consumer runs.
type directUpdater struct {
	handler *eventprocessor.StateUpdateHandler
}

// PublishRewardUpdate implements reward.UpdatePublisher.
func (d *directUpdater) PublishRewardUpdate(ctx context.Context, u *eventprocessor.RewardUpdate) error {
	data, err := eventprocessor.SerializeRewardUpdate(u)
	if err != nil {
		return err
	}
	msg := message.NewMessage(u.EventID, data)
	msg.SetContext(ctx)
	return d.handler.Handle(msg)
}

// natsPort extracts the port from a nats:// URL, defaulting to 4222.
func natsPort(url string) int {
	idx := strings.LastIndex(url, ":")
	if idx < 0 {
		return 4222
	}
	port, err := strconv.Atoi(url[idx+1:])
	if err != nil || port <= 0 {
		return 4222
	}
	return port
}
