// Notify - Asynchronous Per-User Notification Delivery
// Copyright 2026 Vlad G. (vladgthb)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vladgthb/notification

package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	natsgo "github.com/nats-io/nats.go"

	"github.com/vladgthb/notification/internal/config"
	"github.com/vladgthb/notification/internal/models"
	"github.com/vladgthb/notification/internal/queue"
	"github.com/vladgthb/notification/internal/worker"
)

// These tests run the real JetStream path on an embedded nats-server:
// durable consumers, msg-ID deduplication, and the dead letter
// subject behave here exactly as in production, unlike the in-memory
// Pub/Sub the worker unit tests use.

func integrationQueueConfig(t *testing.T) config.QueueConfig {
	t.Helper()
	return config.QueueConfig{
		StoreDir:             t.TempDir(),
		StreamName:           "NOTIFICATIONS",
		StreamMaxAge:         time.Hour,
		DuplicateWindow:      2 * time.Minute,
		DurableName:          "notification-worker",
		QueueGroup:           "workers",
		SubscribersCount:     1,
		AckWait:              30 * time.Second,
		MaxAckPending:        64,
		DefaultMaxAttempts:   3,
		RetryInitialInterval: 10 * time.Millisecond,
		RetryMaxInterval:     50 * time.Millisecond,
		RetryMultiplier:      2.0,
		DeadLetterMaxEntries: 100,
		CloseTimeout:         10 * time.Second,
	}
}

type jetStreamEnv struct {
	cfg config.QueueConfig
	url string
}

func startJetStream(t *testing.T) jetStreamEnv {
	t.Helper()
	cfg := integrationQueueConfig(t)

	srv, err := queue.NewEmbeddedServer(cfg)
	if err != nil {
		t.Fatalf("starting embedded server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	nc, err := natsgo.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connecting for stream provisioning: %v", err)
	}
	defer nc.Close()

	sm, err := queue.NewStreamManager(nc, cfg)
	if err != nil {
		t.Fatalf("creating stream manager: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := sm.EnsureStream(ctx); err != nil {
		t.Fatalf("provisioning stream: %v", err)
	}

	return jetStreamEnv{cfg: cfg, url: srv.ClientURL()}
}

// memStore counts inserts; failures are toggled at runtime.
type memStore struct {
	mu      sync.Mutex
	failing bool
	records []*models.NotificationRecord
}

func (s *memStore) Insert(_ context.Context, userID, notifType string, details json.RawMessage) (*models.NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, errors.New("store unavailable")
	}
	rec := &models.NotificationRecord{
		ID:        int64(len(s.records) + 1),
		UserID:    userID,
		Type:      notifType,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
	s.records = append(s.records, rec)
	return rec, nil
}

func (s *memStore) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func (s *memStore) stored() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type nullHub struct{}

func (nullHub) FanOut(*models.NotificationRecord) int { return 0 }

// startDelivery wires the delivery worker the way the server does: a
// subscriber per priority subject, each owning its own durable
// consumer, and the poison route back through the shared publisher.
func startDelivery(t *testing.T, env jetStreamEnv, store *memStore, pub *queue.Publisher) {
	t.Helper()
	logger := watermill.NopLogger{}

	normalSub, err := queue.NewSubscriber(env.url, env.cfg, "worker-normal", logger)
	if err != nil {
		t.Fatalf("creating normal subscriber: %v", err)
	}
	highSub, err := queue.NewSubscriber(env.url, env.cfg, "worker-high", logger)
	if err != nil {
		t.Fatalf("creating high subscriber: %v", err)
	}

	r, err := worker.NewRouter(env.cfg, queue.NewPoisonPublisher(pub.WatermillPublisher()), logger)
	if err != nil {
		t.Fatalf("creating router: %v", err)
	}
	worker.NewProcessor(store, nullHub{}).Register(r,
		normalSub.WatermillSubscriber(), highSub.WatermillSubscriber())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("router run: %v", err)
		}
	}()
	select {
	case <-r.Running():
	case <-time.After(10 * time.Second):
		t.Fatal("router did not start against embedded server")
	}
	t.Cleanup(func() {
		cancel()
		r.Close()
		normalSub.Close()
		highSub.Close()
	})
}

func startDeadLetterConsumer(t *testing.T, env jetStreamEnv) *queue.DeadLetterStore {
	t.Helper()
	deadSub, err := queue.NewSubscriber(env.url, env.cfg, "dead", watermill.NopLogger{})
	if err != nil {
		t.Fatalf("creating dead subscriber: %v", err)
	}
	dlq := queue.NewDeadLetterStore(env.cfg.DeadLetterMaxEntries)
	consumer := queue.NewDeadLetterConsumer(deadSub, dlq)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("dead letter consumer: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		deadSub.Close()
	})
	return dlq
}

func waitForCond(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestJetStreamDeliversBothPrioritySubjects(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	env := startJetStream(t)
	store := &memStore{}

	pub, err := queue.NewPublisher(env.url, env.cfg, watermill.NopLogger{})
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	t.Cleanup(func() { pub.Close() })

	startDelivery(t, env, store, pub)

	ctx := context.Background()
	normal := models.NewNotificationJob("alice", models.TypeIssueCreated, nil, 0)
	high := models.NewNotificationJob("alice", models.TypeIssueStatusChanged, nil, models.PriorityHigh)

	if err := pub.Enqueue(ctx, normal); err != nil {
		t.Fatalf("enqueue normal: %v", err)
	}
	if err := pub.Enqueue(ctx, high); err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	waitForCond(t, func() bool { return store.stored() == 2 },
		"jobs on both priority subjects should be delivered")
}

func TestJetStreamDeadLetterRequeueRedelivers(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	env := startJetStream(t)
	store := &memStore{failing: true}

	pub, err := queue.NewPublisher(env.url, env.cfg, watermill.NopLogger{})
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	t.Cleanup(func() { pub.Close() })

	startDelivery(t, env, store, pub)
	dlq := startDeadLetterConsumer(t, env)

	ctx := context.Background()
	job := models.NewNotificationJob("alice", models.TypeIssueCreated, nil, 0)
	if err := pub.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// The enqueue registered the job's msg-ID in the duplicate window;
	// both the dead letter publish and the later requeue happen well
	// inside it and must still land.
	waitForCond(t, func() bool { return dlq.Get(job.JobID) != nil },
		"exhausted job should surface in the dead letter store")
	if store.stored() != 0 {
		t.Fatalf("stored records = %d before recovery, want 0", store.stored())
	}

	store.setFailing(false)
	if _, err := dlq.Requeue(ctx, job.JobID, pub); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	waitForCond(t, func() bool { return store.stored() == 1 },
		"requeued job should be redelivered and stored")
	if dlq.Len() != 0 {
		t.Errorf("dead letter entries = %d after requeue, want 0", dlq.Len())
	}
}
