// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package eventprocessor

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// StreamConfig holds JetStream stream settings.
type StreamConfig struct {
	Name            string
	Subjects        []string
	MaxAge          time.Duration
	MaxBytes        int64
	DuplicateWindow time.Duration
}

// DefaultStreamConfig returns the stream settings for the serve/reward
// pipeline. The duplicate window backs Nats-Msg-Id deduplication; two minutes
// comfortably covers publish retries.
func DefaultStreamConfig(name string, retentionDays int, maxBytes int64) StreamConfig {
	return StreamConfig{
		Name:            name,
		Subjects:        []string{TopicServeEvents, TopicRewardUpdates, TopicPoison},
		MaxAge:          time.Duration(retentionDays) * 24 * time.Hour,
		MaxBytes:        maxBytes,
		DuplicateWindow: 2 * time.Minute,
	}
}

// StreamManager provisions and inspects the JetStream stream.
type StreamManager struct {
	js     jetstream.JetStream
	config StreamConfig
}

// NewStreamManager creates a manager over an existing NATS connection.
func NewStreamManager(nc *nats.Conn, cfg StreamConfig) (*StreamManager, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return &StreamManager{js: js, config: cfg}, nil
}

// EnsureStream creates or updates the stream.
func (m *StreamManager) EnsureStream(ctx context.Context) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:        m.config.Name,
		Subjects:    m.config.Subjects,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      m.config.MaxAge,
		MaxBytes:    m.config.MaxBytes,
		Duplicates:  m.config.DuplicateWindow,
		Storage:     jetstream.FileStorage,
		AllowDirect: true,
		Discard:     jetstream.DiscardOld,
	}

	if _, err := m.js.Stream(ctx, m.config.Name); err == nil {
		stream, err := m.js.UpdateStream(ctx, streamCfg)
		if err != nil {
			return nil, fmt.Errorf("update stream: %w", err)
		}
		return stream, nil
	}

	stream, err := m.js.CreateStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	return stream, nil
}

// StreamInfo returns stream state for health checks.
func (m *StreamManager) StreamInfo(ctx context.Context) (*jetstream.StreamInfo, error) {
	stream, err := m.js.Stream(ctx, m.config.Name)
	if err != nil {
		return nil, fmt.Errorf("get stream: %w", err)
	}
	return stream.Info(ctx)
}
