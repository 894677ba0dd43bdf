// Notify - Asynchronous Per-User Notification Delivery
// Copyright 2026 Vlad G. (vladgthb)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vladgthb/notification

package worker

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/vladgthb/notification/internal/logging"
	"github.com/vladgthb/notification/internal/metrics"
	"github.com/vladgthb/notification/internal/models"
	"github.com/vladgthb/notification/internal/queue"
)

// RecordStore persists delivered notifications.
type RecordStore interface {
	Insert(ctx context.Context, userID, notifType string, details json.RawMessage) (*models.NotificationRecord, error)
}

// FanOuter pushes a stored record to a user's live connections.
type FanOuter interface {
	FanOut(rec *models.NotificationRecord) int
}

// Processor turns queued jobs into stored notifications. Persisting the
// record is the delivery commit point: a store failure is retryable, a
// fan-out failure after the insert is only logged because the record is
// already durable and the client can pull it.
type Processor struct {
	store RecordStore
	hub   FanOuter
}

// NewProcessor creates a job processor.
func NewProcessor(store RecordStore, hub FanOuter) *Processor {
	return &Processor{store: store, hub: hub}
}

// Handle processes one job message. Returning nil acks the message;
// any error propagates to the retry middleware.
func (p *Processor) Handle(msg *message.Message) error {
	job, err := queue.UnmarshalJob(msg)
	if err != nil {
		return err
	}

	ctx := msg.Context()
	rec, err := p.store.Insert(ctx, job.UserID, job.Type, job.Details)
	if err != nil {
		metrics.JobsProcessed.WithLabelValues(job.Subject(), "store_error").Inc()
		return queue.NewRetryableError("persisting notification", err)
	}

	delivered := p.hub.FanOut(rec)
	metrics.JobsProcessed.WithLabelValues(job.Subject(), "delivered").Inc()

	logging.Debug().
		Str("job_id", job.JobID).
		Str("user_id", job.UserID).
		Str("type", job.Type).
		Int64("notification_id", rec.ID).
		Int("fanned_out", delivered).
		Msg("Job delivered")
	return nil
}

// Register wires the processor onto both priority subjects. Each
// subject needs its own subscriber: the JetStream durable consumer is
// named after the subscriber's durable prefix, so one subscriber
// serving two subjects would bind the same durable with conflicting
// filter subjects and the second subscription fails. Separate handlers
// also give high-priority jobs their own consumer so a backlog of
// normal jobs does not starve them.
func (p *Processor) Register(r *Router, normal, high message.Subscriber) {
	r.AddConsumerHandler("deliver-normal", models.SubjectJobNormal, normal, p.Handle)
	r.AddConsumerHandler("deliver-high", models.SubjectJobHigh, high, p.Handle)
}
