// Notify - Asynchronous Per-User Notification Delivery
// Copyright 2026 Vlad G. (vladgthb)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vladgthb/notification

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/vladgthb/notification/internal/config"
	"github.com/vladgthb/notification/internal/metrics"
	"github.com/vladgthb/notification/internal/models"
)

// Publisher enqueues notification jobs onto JetStream. A circuit
// breaker sheds load when the queue is unreachable so API handlers fail
// fast instead of piling up.
type Publisher struct {
	publisher message.Publisher
	breaker   *gobreaker.CircuitBreaker[any]
	mu        sync.RWMutex
	closed    bool
	logger    watermill.LoggerAdapter
}

// NewPublisher creates a JetStream publisher with message ID tracking
// for enqueue deduplication.
func NewPublisher(url string, cfg config.QueueConfig, logger watermill.LoggerAdapter) (*Publisher, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(time.Second),
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
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: false, // stream is provisioned by StreamManager
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}

	pub, err := wmNats.NewPublisher(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("creating watermill publisher: %w", err)
	}

	breakerSettings := gobreaker.Settings{
		Name:    "queue-publisher",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Publisher circuit breaker state change", watermill.LogFields{
				"from": from.String(),
				"to":   to.String(),
			})
		},
	}

	return &Publisher{
		publisher: pub,
		breaker:   gobreaker.NewCircuitBreaker[any](breakerSettings),
		logger:    logger,
	}, nil
}

// Enqueue publishes a job to its priority subject. The job ID doubles
// as the Nats-Msg-Id so duplicate submissions inside the dedup window
// collapse to one delivery.
func (p *Publisher) Enqueue(ctx context.Context, job *models.NotificationJob) error {
	msg, err := MarshalJob(job)
	if err != nil {
		metrics.EnqueueErrors.Inc()
		return err
	}
	return p.Publish(ctx, job.Subject(), msg)
}

// Requeue publishes a previously dead-lettered job back onto its
// priority subject. The message gets a fresh UUID: the original job ID
// is still tracked as a Nats-Msg-Id inside the duplicate window, so
// reusing it would make JetStream drop the republish and lose the job.
// The job ID stays in the payload and metadata.
func (p *Publisher) Requeue(ctx context.Context, job *models.NotificationJob) error {
	msg, err := MarshalJob(job)
	if err != nil {
		metrics.EnqueueErrors.Inc()
		return err
	}
	msg.UUID = watermill.NewUUID()
	msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)
	return p.Publish(ctx, job.Subject(), msg)
}

// Publish sends a raw message to a subject through the circuit breaker.
func (p *Publisher) Publish(ctx context.Context, subject string, msg *message.Message) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("publisher is closed")
	}
	p.mu.RUnlock()

	if msg.Metadata.Get(natsgo.MsgIdHdr) == "" {
		msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)
	}

	_, err := p.breaker.Execute(func() (any, error) {
		return nil, p.publisher.Publish(subject, msg)
	})
	if err != nil {
		metrics.EnqueueErrors.Inc()
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}

	metrics.JobsEnqueued.WithLabelValues(subject).Inc()
	return nil
}

// WatermillPublisher exposes the native publisher for router wiring
// (poison queue middleware, dead letter requeue).
func (p *Publisher) WatermillPublisher() message.Publisher {
	return p.publisher
}

// Close shuts down the publisher.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.publisher.Close()
}
