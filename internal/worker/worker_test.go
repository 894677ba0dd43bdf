// Notify - Asynchronous Per-User Notification Delivery
// Copyright 2026 Vlad G. (vladgthb)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vladgthb/notification

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/vladgthb/notification/internal/config"
	"github.com/vladgthb/notification/internal/models"
	"github.com/vladgthb/notification/internal/queue"
)

// fakeStore counts Insert calls and can fail the first N of them.
type fakeStore struct {
	mu        sync.Mutex
	failFirst int
	calls     int
	records   []*models.NotificationRecord
}

func (s *fakeStore) Insert(_ context.Context, userID, notifType string, details json.RawMessage) (*models.NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failFirst {
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

func (s *fakeStore) stats() (calls int, stored int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, len(s.records)
}

type fakeHub struct {
	mu   sync.Mutex
	recs []*models.NotificationRecord
}

func (h *fakeHub) FanOut(rec *models.NotificationRecord) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recs = append(h.recs, rec)
	return 1
}

func (h *fakeHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.recs)
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		DefaultMaxAttempts:   3,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
		RetryMultiplier:      2.0,
		CloseTimeout:         5 * time.Second,
	}
}

// pipeline wires a processor onto an in-memory Pub/Sub and returns the
// pieces a test needs: the publisher, the dead subject channel, and a
// shutdown func.
func pipeline(t *testing.T, store *fakeStore, hub *fakeHub) (*gochannel.GoChannel, <-chan *message.Message) {
	t.Helper()
	return pipelineWithConfig(t, testQueueConfig(), store, hub)
}

func pipelineWithConfig(t *testing.T, cfg config.QueueConfig, store *fakeStore, hub *fakeHub) (*gochannel.GoChannel, <-chan *message.Message) {
	t.Helper()
	logger := watermill.NopLogger{}
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, logger)

	dead, err := pubSub.Subscribe(context.Background(), models.SubjectDead)
	if err != nil {
		t.Fatalf("subscribing to dead subject: %v", err)
	}

	r, err := NewRouter(cfg, pubSub, logger)
	if err != nil {
		t.Fatalf("NewRouter() error: %v", err)
	}
	NewProcessor(store, hub).Register(r, pubSub, pubSub)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("router run: %v", err)
		}
	}()
	select {
	case <-r.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not start")
	}

	t.Cleanup(func() {
		cancel()
		r.Close()
		pubSub.Close()
	})
	return pubSub, dead
}

func publishJob(t *testing.T, pub message.Publisher, job *models.NotificationJob) {
	t.Helper()
	msg, err := queue.MarshalJob(job)
	if err != nil {
		t.Fatalf("MarshalJob() error: %v", err)
	}
	if err := pub.Publish(job.Subject(), msg); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestDeliverStoresAndFansOut(t *testing.T) {
	store := &fakeStore{}
	hub := &fakeHub{}
	pub, _ := pipeline(t, store, hub)

	job := models.NewNotificationJob("alice", models.TypeIssueStatusChanged,
		json.RawMessage(`{"issueId":"PROJ-42","oldStatus":"open","newStatus":"closed"}`), 0)
	publishJob(t, pub, job)

	waitFor(t, func() bool { _, n := store.stats(); return n == 1 }, "record was not stored")
	waitFor(t, func() bool { return hub.count() == 1 }, "record was not fanned out")

	if store.records[0].UserID != "alice" {
		t.Errorf("stored UserID = %q, want alice", store.records[0].UserID)
	}
}

func TestHighPrioritySubjectIsHandled(t *testing.T) {
	store := &fakeStore{}
	hub := &fakeHub{}
	pub, _ := pipeline(t, store, hub)

	job := models.NewNotificationJob("alice", models.TypeIssueCreated, nil, 0)
	job.Priority = models.PriorityHigh
	if job.Subject() != models.SubjectJobHigh {
		t.Fatalf("Subject() = %q, want %q", job.Subject(), models.SubjectJobHigh)
	}
	publishJob(t, pub, job)

	waitFor(t, func() bool { _, n := store.stats(); return n == 1 }, "high priority job was not delivered")
}

func TestTransientFailureRetriesToSuccess(t *testing.T) {
	// Fails maxAttempts-1 times; the final attempt must succeed and
	// produce exactly one record.
	store := &fakeStore{failFirst: 2}
	hub := &fakeHub{}
	pub, dead := pipeline(t, store, hub)

	job := models.NewNotificationJob("alice", models.TypeIssueCreated, nil, 0)
	publishJob(t, pub, job)

	waitFor(t, func() bool { _, n := store.stats(); return n == 1 }, "record not stored after retries")

	calls, stored := store.stats()
	if calls != 3 {
		t.Errorf("store calls = %d, want 3", calls)
	}
	if stored != 1 {
		t.Errorf("stored records = %d, want exactly 1", stored)
	}

	select {
	case msg := <-dead:
		t.Errorf("job reached dead subject despite eventual success: %s", msg.UUID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestExhaustedJobIsDeadLettered(t *testing.T) {
	store := &fakeStore{failFirst: 1000}
	hub := &fakeHub{}
	pub, dead := pipeline(t, store, hub)

	job := models.NewNotificationJob("alice", models.TypeIssueCreated, nil, 0)
	publishJob(t, pub, job)

	var deadMsg *message.Message
	select {
	case deadMsg = <-dead:
		deadMsg.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("exhausted job never reached the dead subject")
	}

	calls, stored := store.stats()
	if calls != 3 {
		t.Errorf("store calls = %d, want attempt ceiling 3", calls)
	}
	if stored != 0 {
		t.Errorf("stored records = %d, want 0 for a failed job", stored)
	}
	if hub.count() != 0 {
		t.Errorf("fan out count = %d, want 0 for a failed job", hub.count())
	}

	back, err := queue.UnmarshalJob(deadMsg)
	if err != nil {
		t.Fatalf("dead message no longer carries the job: %v", err)
	}
	if back.JobID != job.JobID {
		t.Errorf("dead job ID = %q, want %q", back.JobID, job.JobID)
	}
}

func TestPerJobAttemptCeiling(t *testing.T) {
	store := &fakeStore{failFirst: 1000}
	hub := &fakeHub{}
	pub, dead := pipeline(t, store, hub)

	job := models.NewNotificationJob("alice", models.TypeIssueCreated, nil, 0)
	job.MaxAttempts = 5
	publishJob(t, pub, job)

	select {
	case msg := <-dead:
		msg.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("job never reached the dead subject")
	}

	if calls, _ := store.stats(); calls != 5 {
		t.Errorf("store calls = %d, want job's own ceiling 5", calls)
	}
}

func TestMalformedPayloadSkipsRetry(t *testing.T) {
	store := &fakeStore{}
	hub := &fakeHub{}
	pub, dead := pipeline(t, store, hub)

	msg := message.NewMessage(watermill.NewUUID(), []byte(`{not json`))
	if err := pub.Publish(models.SubjectJobNormal, msg); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	select {
	case m := <-dead:
		m.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("malformed message never reached the dead subject")
	}

	if calls, _ := store.stats(); calls != 0 {
		t.Errorf("store calls = %d, want 0 for a malformed payload", calls)
	}
}

// recordingSubscriber tracks which subjects a router subscribes it to.
// It never delivers messages.
type recordingSubscriber struct {
	mu     sync.Mutex
	topics []string
	chans  []chan *message.Message
}

func (s *recordingSubscriber) Subscribe(_ context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	ch := make(chan *message.Message)
	s.chans = append(s.chans, ch)
	return ch, nil
}

func (s *recordingSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.chans {
		close(ch)
	}
	s.chans = nil
	return nil
}

func (s *recordingSubscriber) subscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.topics...)
}

// Each priority subject must get its own subscriber: a durable queue
// consumer is bound to a single filter subject, so a subscriber shared
// between subjects fails its second subscription.
func TestRegisterGivesEachSubjectItsOwnSubscriber(t *testing.T) {
	normal := &recordingSubscriber{}
	high := &recordingSubscriber{}

	r, err := NewRouter(testQueueConfig(), nil, watermill.NopLogger{})
	if err != nil {
		t.Fatalf("NewRouter() error: %v", err)
	}
	NewProcessor(&fakeStore{}, &fakeHub{}).Register(r, normal, high)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("router run: %v", err)
		}
	}()
	select {
	case <-r.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not start")
	}
	t.Cleanup(func() {
		cancel()
		r.Close()
	})

	if got := normal.subscribed(); len(got) != 1 || got[0] != models.SubjectJobNormal {
		t.Errorf("normal subscriber subjects = %v, want only %q", got, models.SubjectJobNormal)
	}
	if got := high.subscribed(); len(got) != 1 || got[0] != models.SubjectJobHigh {
		t.Errorf("high subscriber subjects = %v, want only %q", got, models.SubjectJobHigh)
	}
}

// The retry loop holds the message unacked; when its schedule would
// outlive the ack window the job must be given up early and dead
// lettered instead of retried into a redelivery.
func TestRetryStopsBeforeAckWindow(t *testing.T) {
	cfg := testQueueConfig()
	cfg.AckWait = 40 * time.Millisecond
	cfg.RetryInitialInterval = 10 * time.Millisecond
	cfg.RetryMaxInterval = 100 * time.Millisecond

	store := &fakeStore{failFirst: 1 << 30}
	hub := &fakeHub{}
	pub, dead := pipelineWithConfig(t, cfg, store, hub)

	job := models.NewNotificationJob("alice", models.TypeIssueCreated, nil, 0)
	job.MaxAttempts = 20
	publishJob(t, pub, job)

	select {
	case msg := <-dead:
		msg.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("job never reached the dead subject")
	}

	calls, stored := store.stats()
	if stored != 0 {
		t.Errorf("stored records = %d, want 0", stored)
	}
	if calls >= 20 {
		t.Errorf("handler attempts = %d, want the ack window to cut the budget short", calls)
	}
	if calls < 2 {
		t.Errorf("handler attempts = %d, want at least one retry inside the window", calls)
	}
}
