// Notify - Asynchronous Per-User Notification Delivery
// Copyright 2026 Vlad G. (vladgthb)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vladgthb/notification

// Package models defines the domain types shared across the notification
// pipeline: the queue-resident job, the durable record, and the API
// response envelope.
package models

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Well-known notification types. The type field is an open set; these
// constants cover the issue-tracking events the service was built for.
const (
	TypeIssueCreated         = "ISSUE_CREATED"
	TypeIssueStatusChanged   = "ISSUE_STATUS_CHANGED"
	TypeIssueAssigneeChanged = "ISSUE_ASSIGNEE_CHANGED"
)

// Priority levels for queued jobs. Any priority at or above PriorityHigh
// routes the job to the high-priority subject; everything else is normal.
const (
	PriorityLow  = 0
	PriorityHigh = 10
)

// DefaultMaxAttempts is the delivery attempt ceiling applied when a job
// does not carry its own.
const DefaultMaxAttempts = 3

// NotificationJob is the transient, queue-resident unit of work: "create
// and deliver this notification". It is created at ingestion, serialized
// onto the durable queue, and consumed by exactly one worker at a time.
type NotificationJob struct {
	// JobID uniquely identifies the job for queue-level deduplication
	// and dead-letter bookkeeping.
	JobID string `json:"job_id" validate:"required,uuid4"`

	// UserID is the user to notify.
	UserID string `json:"user_id" validate:"required"`

	// Type tags the notification, e.g. "ISSUE_STATUS_CHANGED".
	Type string `json:"type" validate:"required"`

	// Details is the opaque structured payload stored alongside the
	// record and pushed to clients. Must be a well-formed JSON document.
	Details json.RawMessage `json:"details" validate:"required"`

	// Priority is a best-effort ordering hint among ready jobs.
	Priority int `json:"priority,omitempty"`

	// MaxAttempts is the per-job delivery attempt ceiling. Zero means
	// use the configured default.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// EnqueuedAt is when the job was accepted at ingestion.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewNotificationJob creates a job with a fresh ID and enqueue timestamp.
func NewNotificationJob(userID, notifType string, details json.RawMessage, priority int) *NotificationJob {
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}
	return &NotificationJob{
		JobID:      uuid.New().String(),
		UserID:     userID,
		Type:       notifType,
		Details:    details,
		Priority:   priority,
		EnqueuedAt: time.Now().UTC(),
	}
}

// AttemptCeiling returns the effective attempt budget for this job.
func (j *NotificationJob) AttemptCeiling() int {
	if j.MaxAttempts > 0 {
		return j.MaxAttempts
	}
	return DefaultMaxAttempts
}

// Subject returns the queue subject this job publishes to, based on its
// priority. High-priority jobs get a dedicated subject so they are not
// stuck behind a normal-priority backlog.
func (j *NotificationJob) Subject() string {
	if j.Priority >= PriorityHigh {
		return SubjectJobHigh
	}
	return SubjectJobNormal
}

// Queue subjects. All job subjects share the notifications.job prefix so a
// single JetStream stream captures them; dead jobs land on their own subject.
const (
	SubjectJobNormal = "notifications.job.normal"
	SubjectJobHigh   = "notifications.job.high"
	SubjectDead      = "notifications.dead"
)

// NotificationRecord is the durable, store-resident notification. The id
// and created_at are assigned by the store at insert; read state is the
// store's exclusive responsibility.
type NotificationRecord struct {
	ID        int64           `json:"id"`
	UserID    string          `json:"user_id"`
	Type      string          `json:"type"`
	Details   json.RawMessage `json:"details"`
	CreatedAt time.Time       `json:"created_at"`
	ReadAt    *time.Time      `json:"read_at"`
	IsRead    bool            `json:"is_read"`
}

// DeadJob is a job that exhausted its attempt budget. It is held for
// operator inspection and manual requeue rather than discarded.
type DeadJob struct {
	Job        *NotificationJob `json:"job"`
	Reason     string           `json:"reason"`
	Attempts   int              `json:"attempts"`
	FailedAt   time.Time        `json:"failed_at"`
	FromTopic  string           `json:"from_topic,omitempty"`
	RequeuedAt *time.Time       `json:"requeued_at,omitempty"`
}
