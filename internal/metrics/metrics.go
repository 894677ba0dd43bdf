// Notify - Asynchronous Per-User Notification Delivery
// Copyright 2026 Vlad G. (vladgthb)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vladgthb/notification

// Package metrics provides Prometheus instrumentation for the delivery
// pipeline: queue throughput, worker outcomes, store latency, fan-out
// results, and live connection counts.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue metrics
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_jobs_enqueued_total",
			Help: "Total notification jobs accepted onto the queue",
		},
		[]string{"subject"},
	)

	EnqueueErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notification_enqueue_errors_total",
			Help: "Total enqueue failures (including circuit breaker rejections)",
		},
	)

	// Worker metrics
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_jobs_processed_total",
			Help: "Total jobs processed by the delivery worker",
		},
		[]string{"subject", "outcome"}, // outcome: success, retried, dead
	)

	JobAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notification_job_attempts",
			Help:    "Attempts used per successfully processed job",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	DeadJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notification_dead_jobs",
			Help: "Jobs currently held in the dead-letter store",
		},
	)

	// Store metrics
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_store_op_duration_seconds",
			Help:    "Duration of notification store operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"}, // insert, mark_read, query
	)

	StoreOpErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_store_op_errors_total",
			Help: "Total notification store operation failures",
		},
		[]string{"operation"},
	)

	// Presence / fan-out metrics
	FanOutDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notification_fanout_deliveries_total",
			Help: "Records pushed to live connections",
		},
	)

	FanOutDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notification_fanout_drops_total",
			Help: "Push attempts dropped because a connection was stale or slow",
		},
	)

	FanOutMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notification_fanout_misses_total",
			Help: "Fan-outs where the user had no live connection",
		},
	)

	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notification_connected_clients",
			Help: "Currently open real-time connections",
		},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_api_requests_total",
			Help: "Total API requests",
		},
		[]string{"endpoint", "method", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_api_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)
)

// ObserveStoreOp records one store operation's duration, and its failure
// if err is non-nil.
func ObserveStoreOp(operation string, start time.Time, err error) {
	StoreOpDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		StoreOpErrors.WithLabelValues(operation).Inc()
	}
}
