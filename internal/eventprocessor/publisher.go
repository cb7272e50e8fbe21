// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package eventprocessor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/armature/internal/metrics"
	"github.com/tomtom215/armature/internal/models"
)

// ErrPublisherClosed is returned after Close.
var ErrPublisherClosed = errors.New("publisher is closed")

// PublisherConfig holds NATS publisher settings.
type PublisherConfig struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

// Publisher wraps a Watermill publisher with circuit-breaker protection.
// The message UUID doubles as Nats-Msg-Id for JetStream deduplication.
type Publisher struct {
	publisher      message.Publisher
	circuitBreaker *gobreaker.CircuitBreaker[interface{}]
	mu             sync.RWMutex
	closed         bool
	logger         watermill.LoggerAdapter
}

// NewNATSPublisher creates a resilient JetStream publisher.
func NewNATSPublisher(cfg PublisherConfig, logger watermill.LoggerAdapter) (*Publisher, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	wmConfig := wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: false, // stream is pre-created by StreamManager
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}

	pub, err := wmNats.NewPublisher(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}
	return NewPublisher(pub, logger), nil
}

// NewPublisher wraps any Watermill publisher; tests inject gochannel here.
func NewPublisher(pub message.Publisher, logger watermill.LoggerAdapter) *Publisher {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}
	return &Publisher{publisher: pub, logger: logger}
}

// SetCircuitBreaker configures the breaker for publish operations.
func (p *Publisher) SetCircuitBreaker(cb *gobreaker.CircuitBreaker[interface{}]) {
	p.circuitBreaker = cb
}

// Publish sends one message, setting Nats-Msg-Id for deduplication.
func (p *Publisher) Publish(_ context.Context, topic string, msg *message.Message) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPublisherClosed
	}
	p.mu.RUnlock()

	if msg.Metadata.Get(natsgo.MsgIdHdr) == "" {
		msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)
	}

	var err error
	if p.circuitBreaker != nil {
		_, err = p.circuitBreaker.Execute(func() (interface{}, error) {
			return nil, p.publisher.Publish(topic, msg)
		})
	} else {
		err = p.publisher.Publish(topic, msg)
	}

	if err == nil {
		metrics.RecordQueuePublish(topic)
	} else {
		metrics.RecordQueuePublishError(topic)
	}
	return err
}

// PublishServeEvent serializes and publishes a serve event. The serve event
// id is the message UUID, so redelivered messages deduplicate end to end.
func (p *Publisher) PublishServeEvent(ctx context.Context, ev *models.ServeEvent) error {
	data, err := SerializeServeEvent(ev)
	if err != nil {
		return err
	}
	msg := message.NewMessage(ev.EventID, data)
	msg.Metadata.Set("experiment_id", ev.ExperimentID)
	msg.Metadata.Set("policy_id", ev.PolicyID)
	return p.Publish(ctx, TopicServeEvents, msg)
}

// PublishRewardUpdate serializes and publishes a reward update. The message
// UUID is the serve event id: one reward per serve, deduplicated.
func (p *Publisher) PublishRewardUpdate(ctx context.Context, u *RewardUpdate) error {
	data, err := SerializeRewardUpdate(u)
	if err != nil {
		return err
	}
	msg := message.NewMessage(u.EventID, data)
	msg.Metadata.Set("experiment_id", u.ExperimentID)
	msg.Metadata.Set("policy_id", u.PolicyID)
	return p.Publish(ctx, TopicRewardUpdates, msg)
}

// Raw exposes the wrapped Watermill publisher for router middleware that
// needs the message.Publisher interface (poison queue).
func (p *Publisher) Raw() message.Publisher { return p.publisher }

// Close shuts the publisher down; further publishes fail fast.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.publisher.Close()
}
