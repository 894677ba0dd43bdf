// Notify - Asynchronous Per-User Notification Delivery
// Copyright 2026 Vlad G. (vladgthb)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vladgthb/notification

// Package api exposes the HTTP surface: notification ingestion and
// queries, the websocket attach point, dead letter inspection, health,
// and metrics.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/vladgthb/notification/internal/logging"
	"github.com/vladgthb/notification/internal/models"
	"github.com/vladgthb/notification/internal/queue"
)

// Enqueuer publishes jobs onto the delivery queue. Requeue republishes
// a dead-lettered job under a fresh message ID so the stream's
// duplicate tracking does not swallow it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *models.NotificationJob) error
	Requeue(ctx context.Context, job *models.NotificationJob) error
}

// NotificationStore is the slice of the store the API needs.
type NotificationStore interface {
	Insert(ctx context.Context, userID, notifType string, details json.RawMessage) (*models.NotificationRecord, error)
	Query(ctx context.Context, userID string, unreadOnly bool) ([]*models.NotificationRecord, error)
	MarkRead(ctx context.Context, userID string, ids []int64) (*models.MarkReadResult, error)
	Ping(ctx context.Context) error
}

// FanOuter pushes a stored record to live connections.
type FanOuter interface {
	FanOut(rec *models.NotificationRecord) int
}

// Handlers bundles the dependencies behind the HTTP endpoints.
type Handlers struct {
	store      NotificationStore
	publisher  Enqueuer
	hub        FanOuter
	deadLetter *queue.DeadLetterStore

	// queueReady reports delivery pipeline health for readiness checks.
	// Optional; nil means the pipeline is not part of readiness.
	queueReady func() bool
}

// NewHandlers creates the API handler set.
func NewHandlers(store NotificationStore, publisher Enqueuer, hub FanOuter, deadLetter *queue.DeadLetterStore, queueReady func() bool) *Handlers {
	return &Handlers{
		store:      store,
		publisher:  publisher,
		hub:        hub,
		deadLetter: deadLetter,
		queueReady: queueReady,
	}
}

// SubmitNotificationRequest is the ingestion payload.
type SubmitNotificationRequest struct {
	UserID      string          `json:"userId" validate:"required"`
	Type        string          `json:"type" validate:"required"`
	Details     json.RawMessage `json:"details"`
	Priority    int             `json:"priority" validate:"gte=0,lte=100"`
	MaxAttempts int             `json:"maxAttempts" validate:"gte=0,lte=20"`
}

// MarkReadRequest lists the notification IDs to mark read.
type MarkReadRequest struct {
	UserID          string  `json:"userId" validate:"required"`
	NotificationIDs []int64 `json:"notificationIds" validate:"required,min=1,max=500"`
}

// SubmitNotification accepts a notification for asynchronous delivery.
//
//	POST /api/v1/notifications        -> 202 {jobId}
//	POST /api/v1/notifications?sync=true -> 201 {record}
//
// The sync path bypasses the queue: the record is stored and fanned out
// before the response, trading retry protection for read-your-write.
func (h *Handlers) SubmitNotification(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	var req SubmitNotificationRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if len(req.Details) > 0 && !json.Valid(req.Details) {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "details must be a well-formed JSON document", nil)
		return
	}

	if strings.EqualFold(r.URL.Query().Get("sync"), "true") {
		h.submitSync(w, r, &req, started)
		return
	}

	job := models.NewNotificationJob(req.UserID, req.Type, req.Details, req.Priority)
	job.MaxAttempts = req.MaxAttempts

	if err := h.publisher.Enqueue(r.Context(), job); err != nil {
		if queue.IsPermanent(err) {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), err)
			return
		}
		respondError(w, http.StatusServiceUnavailable, "QUEUE_ERROR", "Could not enqueue notification", err)
		return
	}

	logging.Info().
		Str("job_id", job.JobID).
		Str("user_id", sanitizeLogValue(job.UserID)).
		Str("type", sanitizeLogValue(job.Type)).
		Int("priority", job.Priority).
		Msg("Notification job accepted")

	respondData(w, http.StatusAccepted, map[string]any{
		"jobId":    job.JobID,
		"priority": job.Priority,
		"subject":  job.Subject(),
	}, started)
}

func (h *Handlers) submitSync(w http.ResponseWriter, r *http.Request, req *SubmitNotificationRequest, started time.Time) {
	rec, err := h.store.Insert(r.Context(), req.UserID, req.Type, req.Details)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "Could not store notification", err)
		return
	}
	h.hub.FanOut(rec)
	respondData(w, http.StatusCreated, rec, started)
}

// ListNotifications returns a user's notifications, newest first.
//
//	GET /api/v1/notifications?userId=alice[&unread=true]
func (h *Handlers) ListNotifications(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "userId query parameter is required", nil)
		return
	}
	unreadOnly := strings.EqualFold(r.URL.Query().Get("unread"), "true")

	recs, err := h.store.Query(r.Context(), userID, unreadOnly)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "Could not query notifications", err)
		return
	}
	respondData(w, http.StatusOK, recs, started)
}

// MarkNotificationsRead marks a batch of notifications read.
//
//	PATCH /api/v1/notifications/read
//
// The response reports only records that transitioned in this call, so
// repeating the request is observable as a no-op.
func (h *Handlers) MarkNotificationsRead(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	var req MarkReadRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.store.MarkRead(r.Context(), req.UserID, req.NotificationIDs)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "Could not mark notifications read", err)
		return
	}
	respondData(w, http.StatusOK, res, started)
}

// HealthLive reports process liveness.
//
//	GET /api/v1/health/live
func (h *Handlers) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, map[string]string{"status": "alive"}, time.Now())
}

// HealthReady reports whether the store and delivery pipeline can serve.
//
//	GET /api/v1/health/ready
func (h *Handlers) HealthReady(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	checks := map[string]string{}
	healthy := true

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		checks["store"] = "unavailable: " + err.Error()
		healthy = false
	} else {
		checks["store"] = "ok"
	}

	if h.queueReady != nil {
		if h.queueReady() {
			checks["queue"] = "ok"
		} else {
			checks["queue"] = "not running"
			healthy = false
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	respondData(w, status, checks, started)
}
