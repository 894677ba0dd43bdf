// Notify - Asynchronous Per-User Notification Delivery
// Copyright 2026 Vlad G. (vladgthb)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vladgthb/notification

// Package worker consumes notification jobs from the delivery queue,
// persists them, and fans them out to live connections. Failed jobs are
// retried with backoff up to their attempt ceiling, then routed to the
// dead subject.
package worker

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/vladgthb/notification/internal/config"
	"github.com/vladgthb/notification/internal/models"
)

// Router wraps the Watermill router with the delivery middleware chain.
// Execution order per message: Recoverer, poison queue, attempt loop,
// handler. The poison queue sits outside the attempt loop so a job is
// dead-lettered only after its retry budget is spent.
type Router struct {
	router *message.Router
}

// NewRouter creates a router with panic recovery, per-job retry, and
// dead-letter routing. poisonPub publishes exhausted jobs to the dead
// subject; pass nil to disable dead-lettering (tests).
func NewRouter(cfg config.QueueConfig, poisonPub message.Publisher, logger watermill.LoggerAdapter) (*Router, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	wmRouter, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: cfg.CloseTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating watermill router: %w", err)
	}

	wmRouter.AddMiddleware(middleware.Recoverer)

	if poisonPub != nil {
		poison, err := middleware.PoisonQueue(poisonPub, models.SubjectDead)
		if err != nil {
			return nil, fmt.Errorf("creating poison queue middleware: %w", err)
		}
		wmRouter.AddMiddleware(poison)
	}

	attempts := Attempts{
		DefaultMaxAttempts: cfg.DefaultMaxAttempts,
		InitialInterval:    cfg.RetryInitialInterval,
		MaxInterval:        cfg.RetryMaxInterval,
		Multiplier:         cfg.RetryMultiplier,
		// The retry loop holds the message unacked, so its total
		// runtime must fit inside AckWait or the queue redelivers the
		// job to another worker mid-retry.
		MaxElapsed: cfg.AckWait * 8 / 10,
		Logger:     logger,
	}
	wmRouter.AddMiddleware(attempts.Middleware)

	return &Router{router: wmRouter}, nil
}

// AddConsumerHandler registers a no-output handler for a subject.
func (r *Router) AddConsumerHandler(name, subject string, subscriber message.Subscriber, handler message.NoPublishHandlerFunc) {
	r.router.AddConsumerHandler(name, subject, subscriber, handler)
}

// Run starts the router and blocks until ctx is canceled or Close.
func (r *Router) Run(ctx context.Context) error {
	return r.router.Run(ctx)
}

// Running returns a channel that closes once all handlers are up.
func (r *Router) Running() <-chan struct{} {
	return r.router.Running()
}

// Close stops the router, waiting up to CloseTimeout for in-flight
// messages.
func (r *Router) Close() error {
	return r.router.Close()
}
