// Notify - Asynchronous Per-User Notification Delivery
// Copyright 2026 Vlad G. (vladgthb)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vladgthb/notification

// Package queue implements the durable delivery queue on NATS JetStream
// through Watermill. Jobs are published to per-priority subjects,
// consumed by a durable queue-group worker, and dead-lettered after the
// attempt ceiling is exhausted.
package queue

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	json "github.com/goccy/go-json"

	"github.com/vladgthb/notification/internal/models"
	"github.com/vladgthb/notification/internal/validation"
)

// Message metadata keys. Routing fields are duplicated into metadata so
// middleware can read them without unmarshaling the payload.
const (
	MetaUserID      = "user_id"
	MetaType        = "type"
	MetaPriority    = "priority"
	MetaMaxAttempts = "max_attempts"
	MetaEnqueuedAt  = "enqueued_at"
)

// MarshalJob serializes a job into a Watermill message. The message
// UUID is the job ID, which JetStream uses for deduplication.
func MarshalJob(job *models.NotificationJob) (*message.Message, error) {
	if err := validation.ValidateStruct(job); err != nil {
		return nil, NewPermanentError("invalid notification job", err)
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return nil, NewPermanentError("marshaling notification job", err)
	}

	msg := message.NewMessage(job.JobID, payload)
	msg.Metadata.Set(MetaUserID, job.UserID)
	msg.Metadata.Set(MetaType, job.Type)
	msg.Metadata.Set(MetaPriority, strconv.Itoa(job.Priority))
	msg.Metadata.Set(MetaMaxAttempts, strconv.Itoa(job.AttemptCeiling()))
	msg.Metadata.Set(MetaEnqueuedAt, job.EnqueuedAt.UTC().Format(time.RFC3339Nano))
	return msg, nil
}

// UnmarshalJob deserializes and validates a job from a Watermill
// message. Malformed payloads are permanent failures.
func UnmarshalJob(msg *message.Message) (*models.NotificationJob, error) {
	var job models.NotificationJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		return nil, NewPermanentError(fmt.Sprintf("unmarshaling job %s", msg.UUID), err)
	}
	if err := validation.ValidateStruct(&job); err != nil {
		return nil, NewPermanentError(fmt.Sprintf("validating job %s", msg.UUID), err)
	}
	return &job, nil
}

// MaxAttemptsFromMetadata reads the attempt ceiling a job carries,
// falling back to def when the metadata is missing or malformed.
func MaxAttemptsFromMetadata(msg *message.Message, def int) int {
	raw := msg.Metadata.Get(MetaMaxAttempts)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}
