// Notify - Asynchronous Per-User Notification Delivery
// Copyright 2026 Vlad G. (vladgthb)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vladgthb/notification

package presence

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/vladgthb/notification/internal/config"
	"github.com/vladgthb/notification/internal/models"
)

func testConfig() config.PresenceConfig {
	return config.PresenceConfig{
		SendBuffer:     4,
		WriteTimeout:   time.Second,
		PongTimeout:    time.Second,
		MaxMessageSize: 1024,
	}
}

func record(userID string) *models.NotificationRecord {
	return &models.NotificationRecord{
		ID:        1,
		UserID:    userID,
		Type:      models.TypeIssueStatusChanged,
		Details:   json.RawMessage(`{"issueId":"PROJ-42"}`),
		CreatedAt: time.Now().UTC(),
	}
}

func TestFanOutDeliversToAllUserConnections(t *testing.T) {
	hub := NewHub(testConfig())

	c1 := NewClient(hub, nil, "alice")
	c2 := NewClient(hub, nil, "alice")
	hub.Register(c1)
	hub.Register(c2)

	delivered := hub.FanOut(record("alice"))
	if delivered != 2 {
		t.Fatalf("FanOut() delivered %d, want 2", delivered)
	}

	for i, c := range []*Client{c1, c2} {
		select {
		case payload := <-c.send:
			var rec models.NotificationRecord
			if err := json.Unmarshal(payload, &rec); err != nil {
				t.Fatalf("client %d payload not valid JSON: %v", i, err)
			}
			if rec.UserID != "alice" || rec.Type != models.TypeIssueStatusChanged {
				t.Errorf("client %d got %+v", i, rec)
			}
		default:
			t.Errorf("client %d received nothing", i)
		}
	}
}

func TestFanOutNoConnectionsIsNoOp(t *testing.T) {
	hub := NewHub(testConfig())
	if delivered := hub.FanOut(record("nobody")); delivered != 0 {
		t.Errorf("FanOut() delivered %d to absent user, want 0", delivered)
	}
}

func TestFanOutScopedToUser(t *testing.T) {
	hub := NewHub(testConfig())

	alice := NewClient(hub, nil, "alice")
	bob := NewClient(hub, nil, "bob")
	hub.Register(alice)
	hub.Register(bob)

	if delivered := hub.FanOut(record("alice")); delivered != 1 {
		t.Fatalf("FanOut() delivered %d, want 1", delivered)
	}
	select {
	case <-bob.send:
		t.Error("bob received alice's notification")
	default:
	}
}

func TestFanOutEvictsStaleConnection(t *testing.T) {
	cfg := testConfig()
	cfg.SendBuffer = 1
	hub := NewHub(cfg)

	c := NewClient(hub, nil, "alice")
	hub.Register(c)

	// First fan-out fills the buffer; the second finds it full and
	// must evict rather than block.
	if delivered := hub.FanOut(record("alice")); delivered != 1 {
		t.Fatalf("first FanOut() delivered %d, want 1", delivered)
	}
	if delivered := hub.FanOut(record("alice")); delivered != 0 {
		t.Errorf("second FanOut() delivered %d, want 0 with full buffer", delivered)
	}
	if n := hub.ConnectionCount("alice"); n != 0 {
		t.Errorf("ConnectionCount = %d, want 0 after eviction", n)
	}

	// Eviction closes the send channel after draining the first payload.
	<-c.send
	if _, open := <-c.send; open {
		t.Error("send channel should be closed after eviction")
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	hub := NewHub(testConfig())
	c := NewClient(hub, nil, "alice")
	hub.Register(c)

	hub.Unregister(c)
	hub.Unregister(c) // must not panic on double close

	if n := hub.ConnectionCount("alice"); n != 0 {
		t.Errorf("ConnectionCount = %d, want 0", n)
	}
}

func TestRunShutdownClosesClients(t *testing.T) {
	hub := NewHub(testConfig())
	c := NewClient(hub, nil, "alice")
	hub.Register(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	if _, open := <-c.send; open {
		t.Error("send channel should be closed after shutdown")
	}
	if hub.TotalConnections() != 0 {
		t.Error("connections should be cleared after shutdown")
	}

	// Late registration after shutdown must not leak a client.
	late := NewClient(hub, nil, "bob")
	hub.Register(late)
	if hub.ConnectionCount("bob") != 0 {
		t.Error("registration after shutdown should be rejected")
	}
}
