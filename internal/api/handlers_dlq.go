// Notify - Asynchronous Per-User Notification Delivery
// Copyright 2026 Vlad G. (vladgthb)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vladgthb/notification

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vladgthb/notification/internal/logging"
)

// ListDeadJobs returns all dead-lettered jobs, newest failure first.
//
//	GET /api/v1/dead-letters
func (h *Handlers) ListDeadJobs(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	entries := h.deadLetter.List()
	respondData(w, http.StatusOK, map[string]any{
		"count":   len(entries),
		"entries": entries,
	}, started)
}

// GetDeadJob returns one dead-lettered job by its job ID.
//
//	GET /api/v1/dead-letters/{jobID}
func (h *Handlers) GetDeadJob(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	jobID := chi.URLParam(r, "jobID")

	entry := h.deadLetter.Get(jobID)
	if entry == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "Dead job not found", nil)
		return
	}
	respondData(w, http.StatusOK, entry, started)
}

// DeleteDeadJob discards a dead-lettered job.
//
//	DELETE /api/v1/dead-letters/{jobID}
func (h *Handlers) DeleteDeadJob(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	jobID := chi.URLParam(r, "jobID")

	if !h.deadLetter.Remove(jobID) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "Dead job not found", nil)
		return
	}

	logging.Info().Str("job_id", sanitizeLogValue(jobID)).Msg("Dead job discarded")
	respondData(w, http.StatusOK, map[string]string{"jobId": jobID, "status": "deleted"}, started)
}

// RequeueDeadJob publishes a dead job back onto the delivery queue.
//
//	POST /api/v1/dead-letters/{jobID}/requeue
func (h *Handlers) RequeueDeadJob(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	jobID := chi.URLParam(r, "jobID")

	if h.deadLetter.Get(jobID) == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "Dead job not found", nil)
		return
	}

	entry, err := h.deadLetter.Requeue(r.Context(), jobID, h.publisher)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "QUEUE_ERROR", "Could not requeue dead job", err)
		return
	}

	logging.Info().
		Str("job_id", sanitizeLogValue(jobID)).
		Str("user_id", sanitizeLogValue(entry.Job.UserID)).
		Msg("Dead job requeued")
	respondData(w, http.StatusOK, entry, started)
}
