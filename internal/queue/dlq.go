// Notify - Asynchronous Per-User Notification Delivery
// Copyright 2026 Vlad G. (vladgthb)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vladgthb/notification

package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	natsgo "github.com/nats-io/nats.go"

	"github.com/vladgthb/notification/internal/logging"
	"github.com/vladgthb/notification/internal/metrics"
	"github.com/vladgthb/notification/internal/models"
)

// MetaOriginalMessageID preserves a message's first UUID across the
// ID rewrite on the dead letter path.
const MetaOriginalMessageID = "original_message_uuid"

// PoisonPublisher routes exhausted jobs to the dead subject. The
// poison middleware republishes the original message under its
// original UUID, which the enqueue already registered as a
// Nats-Msg-Id; inside the duplicate window the stream would drop the
// dead copy. The wrapper mints a fresh ID per publish and keeps the
// original in metadata.
type PoisonPublisher struct {
	pub message.Publisher
}

// NewPoisonPublisher wraps a publisher for dead letter routing.
func NewPoisonPublisher(pub message.Publisher) *PoisonPublisher {
	return &PoisonPublisher{pub: pub}
}

// Publish implements message.Publisher.
func (p *PoisonPublisher) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		if msg.Metadata.Get(MetaOriginalMessageID) == "" {
			msg.Metadata.Set(MetaOriginalMessageID, msg.UUID)
		}
		msg.UUID = watermill.NewUUID()
		msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)
	}
	return p.pub.Publish(topic, messages...)
}

// Close implements message.Publisher. The wrapped publisher is owned
// elsewhere and closed there.
func (p *PoisonPublisher) Close() error { return nil }

// DeadLetterStore holds jobs that exhausted their attempt ceiling, for
// operator inspection and manual requeue. It is bounded; when full, the
// oldest entry is evicted.
type DeadLetterStore struct {
	mu         sync.RWMutex
	entries    map[string]*models.DeadJob
	order      []string // job IDs, oldest first
	maxEntries int
}

// NewDeadLetterStore creates a bounded dead letter store.
func NewDeadLetterStore(maxEntries int) *DeadLetterStore {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &DeadLetterStore{
		entries:    make(map[string]*models.DeadJob),
		order:      make([]string, 0, maxEntries),
		maxEntries: maxEntries,
	}
}

// Add records a dead job. A job dead-lettered twice (after requeue)
// overwrites its previous entry.
func (s *DeadLetterStore) Add(dead *models.DeadJob) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := dead.Job.JobID
	if _, exists := s.entries[id]; !exists {
		if len(s.order) >= s.maxEntries {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.entries, oldest)
		}
		s.order = append(s.order, id)
	}
	s.entries[id] = dead
	metrics.DeadJobs.Set(float64(len(s.entries)))
}

// Get returns the dead job with the given ID, or nil.
func (s *DeadLetterStore) Get(jobID string) *models.DeadJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[jobID]
}

// List returns all dead jobs, newest failure first.
func (s *DeadLetterStore) List() []*models.DeadJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.DeadJob, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FailedAt.After(out[j].FailedAt)
	})
	return out
}

// Remove deletes an entry. Returns false if the ID is unknown.
func (s *DeadLetterStore) Remove(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[jobID]; !exists {
		return false
	}
	delete(s.entries, jobID)
	for i, id := range s.order {
		if id == jobID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	metrics.DeadJobs.Set(float64(len(s.entries)))
	return true
}

// Len returns the number of stored dead jobs.
func (s *DeadLetterStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// enqueuer is the slice of Publisher the requeue path needs. Requeue,
// not Enqueue: a republished job needs a fresh message ID or the
// duplicate window swallows it.
type enqueuer interface {
	Requeue(ctx context.Context, job *models.NotificationJob) error
}

// Requeue publishes a dead job back onto its priority subject with a
// fresh attempt budget and removes it from the store. The stored entry
// is never mutated; concurrent readers holding it from Get or List see
// a consistent value even while the requeue is in flight.
func (s *DeadLetterStore) Requeue(ctx context.Context, jobID string, pub enqueuer) (*models.DeadJob, error) {
	s.mu.RLock()
	entry, exists := s.entries[jobID]
	var snapshot models.DeadJob
	var job models.NotificationJob
	if exists {
		snapshot = *entry
		job = *entry.Job
	}
	s.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("dead job %s not found", jobID)
	}

	job.EnqueuedAt = time.Now().UTC()
	if err := pub.Requeue(ctx, &job); err != nil {
		return nil, fmt.Errorf("requeuing dead job %s: %w", jobID, err)
	}

	now := time.Now().UTC()
	snapshot.Job = &job
	snapshot.RequeuedAt = &now
	s.Remove(jobID)
	return &snapshot, nil
}

// DeadLetterConsumer drains the dead subject into the store. It runs
// under the supervision tree beside the worker router.
type DeadLetterConsumer struct {
	subscriber *Subscriber
	store      *DeadLetterStore
}

// NewDeadLetterConsumer creates a consumer for the dead subject.
func NewDeadLetterConsumer(subscriber *Subscriber, store *DeadLetterStore) *DeadLetterConsumer {
	return &DeadLetterConsumer{subscriber: subscriber, store: store}
}

// Run consumes dead-lettered messages until ctx is canceled. Messages
// are always acked: a job that cannot even be recorded as dead has
// nowhere left to go, so it is logged and dropped.
func (c *DeadLetterConsumer) Run(ctx context.Context) error {
	messages, err := c.subscriber.Subscribe(ctx, models.SubjectDead)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", models.SubjectDead, err)
	}

	logging.Info().Str("subject", models.SubjectDead).Msg("Dead letter consumer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			c.record(msg)
			msg.Ack()
		}
	}
}

func (c *DeadLetterConsumer) record(msg *message.Message) {
	dead := &models.DeadJob{
		Reason:    msg.Metadata.Get(middleware.ReasonForPoisonedKey),
		FromTopic: msg.Metadata.Get(middleware.PoisonedTopicKey),
		Attempts:  MaxAttemptsFromMetadata(msg, models.DefaultMaxAttempts),
		FailedAt:  time.Now().UTC(),
	}

	job, err := UnmarshalJob(msg)
	if err != nil {
		// Keep a skeleton entry so the failure is still visible.
		logging.Error().Err(err).Str("message_uuid", msg.UUID).
			Msg("Dead letter payload is not a valid job")
		skeletonID := msg.Metadata.Get(MetaOriginalMessageID)
		if skeletonID == "" {
			skeletonID = msg.UUID
		}
		dead.Job = &models.NotificationJob{JobID: skeletonID}
		if dead.Reason == "" {
			dead.Reason = err.Error()
		}
	} else {
		dead.Job = job
	}

	c.store.Add(dead)
	logging.Warn().
		Str("job_id", dead.Job.JobID).
		Str("user_id", dead.Job.UserID).
		Str("reason", dead.Reason).
		Msg("Job dead lettered")
}
