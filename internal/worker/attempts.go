// Notify - Asynchronous Per-User Notification Delivery
// Copyright 2026 Vlad G. (vladgthb)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vladgthb/notification

package worker

import (
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/vladgthb/notification/internal/metrics"
	"github.com/vladgthb/notification/internal/queue"
)

// Attempts is middleware that retries a failing handler with
// exponential backoff. Unlike a router-global retry policy, the attempt
// ceiling is read per message from its max_attempts metadata, so each
// job carries its own budget. Permanent errors skip retries entirely.
type Attempts struct {
	// DefaultMaxAttempts applies when a message carries no ceiling.
	DefaultMaxAttempts int

	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	// MaxElapsed bounds the total time spent retrying one message.
	// It must stay below the subscription's AckWait: a retry loop that
	// outlives the ack window lets the queue redeliver the message to
	// another worker while this one is still retrying, and a late
	// success then produces a duplicate record. Zero disables the
	// bound.
	MaxElapsed time.Duration

	Logger watermill.LoggerAdapter
}

// Middleware implements message.HandlerMiddleware.
func (a Attempts) Middleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		maxAttempts := queue.MaxAttemptsFromMetadata(msg, a.DefaultMaxAttempts)
		interval := a.InitialInterval
		start := time.Now()

		var err error
		attempt := 0
		for {
			attempt++
			var produced []*message.Message
			produced, err = h(msg)
			if err == nil {
				metrics.JobAttempts.Observe(float64(attempt))
				return produced, nil
			}

			if queue.IsPermanent(err) {
				if a.Logger != nil {
					a.Logger.Error("Job failed permanently, not retrying", err, watermill.LogFields{
						"message_uuid": msg.UUID,
						"attempt":      attempt,
					})
				}
				metrics.JobAttempts.Observe(float64(attempt))
				return nil, err
			}

			if attempt >= maxAttempts {
				break
			}

			if a.MaxElapsed > 0 && time.Since(start)+interval > a.MaxElapsed {
				if a.Logger != nil {
					a.Logger.Error("Retry budget exceeds ack window, giving up early", err, watermill.LogFields{
						"message_uuid": msg.UUID,
						"attempt":      attempt,
						"max_attempts": maxAttempts,
						"elapsed":      time.Since(start).String(),
					})
				}
				break
			}

			if a.Logger != nil {
				a.Logger.Info("Job attempt failed, backing off", watermill.LogFields{
					"message_uuid": msg.UUID,
					"attempt":      attempt,
					"max_attempts": maxAttempts,
					"backoff":      interval.String(),
					"error":        err.Error(),
				})
			}

			select {
			case <-msg.Context().Done():
				return nil, msg.Context().Err()
			case <-time.After(interval):
			}

			interval = time.Duration(float64(interval) * a.Multiplier)
			if interval > a.MaxInterval {
				interval = a.MaxInterval
			}
		}

		metrics.JobAttempts.Observe(float64(attempt))
		if a.Logger != nil {
			a.Logger.Error("Job exhausted attempt budget", err, watermill.LogFields{
				"message_uuid": msg.UUID,
				"attempts":     attempt,
				"max_attempts": maxAttempts,
			})
		}
		return nil, err
	}
}
