// Notify - Asynchronous Per-User Notification Delivery
// Copyright 2026 Vlad G. (vladgthb)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vladgthb/notification

package queue

import (
	"context"
	"fmt"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/vladgthb/notification/internal/config"
)

// StreamManager provisions the JetStream stream holding both job
// subjects and the dead subject. The stream must exist before
// publishers and subscribers bind to it, because job subjects are
// wildcarded and auto-provisioning cannot name a stream after a
// wildcard.
type StreamManager struct {
	js  jetstream.JetStream
	cfg config.QueueConfig
}

// NewStreamManager creates a stream manager on an existing connection.
func NewStreamManager(nc *natsgo.Conn, cfg config.QueueConfig) (*StreamManager, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	return &StreamManager{js: js, cfg: cfg}, nil
}

// EnsureStream creates the notification stream, or updates it if it
// already exists with different limits.
func (m *StreamManager) EnsureStream(ctx context.Context) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name: m.cfg.StreamName,
		Subjects: []string{
			"notifications.job.*",
			"notifications.dead",
		},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     m.cfg.StreamMaxAge,
		Duplicates: m.cfg.DuplicateWindow,
		Storage:    jetstream.FileStorage,
		Discard:    jetstream.DiscardOld,
	}

	if _, err := m.js.Stream(ctx, m.cfg.StreamName); err == nil {
		stream, err := m.js.UpdateStream(ctx, streamCfg)
		if err != nil {
			return nil, fmt.Errorf("updating stream %s: %w", m.cfg.StreamName, err)
		}
		return stream, nil
	}

	stream, err := m.js.CreateStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("creating stream %s: %w", m.cfg.StreamName, err)
	}
	return stream, nil
}

// Info returns current stream state for health reporting.
func (m *StreamManager) Info(ctx context.Context) (*jetstream.StreamInfo, error) {
	stream, err := m.js.Stream(ctx, m.cfg.StreamName)
	if err != nil {
		return nil, fmt.Errorf("getting stream %s: %w", m.cfg.StreamName, err)
	}
	return stream.Info(ctx)
}
