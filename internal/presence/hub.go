// Notify - Asynchronous Per-User Notification Delivery
// Copyright 2026 Vlad G. (vladgthb)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vladgthb/notification

// Package presence tracks live websocket connections per user and
// fans delivered notifications out to them. A user may hold any number
// of concurrent connections (multiple tabs, devices); each one receives
// every notification delivered while it is registered.
package presence

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/vladgthb/notification/internal/config"
	"github.com/vladgthb/notification/internal/logging"
	"github.com/vladgthb/notification/internal/metrics"
	"github.com/vladgthb/notification/internal/models"
)

// Hub is the presence registry. All map access is guarded by mu;
// registration and fan-out may be called from any goroutine.
type Hub struct {
	cfg config.PresenceConfig

	mu    sync.RWMutex
	users map[string]map[*Client]struct{}

	closed bool
}

// NewHub creates an empty presence hub.
func NewHub(cfg config.PresenceConfig) *Hub {
	return &Hub{
		cfg:   cfg,
		users: make(map[string]map[*Client]struct{}),
	}
}

// Register adds a client to its user's connection set.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(c.send)
		return
	}
	set, ok := h.users[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.users[c.userID] = set
	}
	set[c] = struct{}{}
	metrics.ConnectedClients.Inc()

	logging.Debug().
		Str("user_id", c.userID).
		Int("connections", len(set)).
		Msg("Client registered")
}

// Unregister removes a client and closes its send channel. Safe to
// call more than once for the same client.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unregisterLocked(c)
}

func (h *Hub) unregisterLocked(c *Client) {
	set, ok := h.users[c.userID]
	if !ok {
		return
	}
	if _, present := set[c]; !present {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.users, c.userID)
	}
	close(c.send)
	metrics.ConnectedClients.Dec()

	logging.Debug().
		Str("user_id", c.userID).
		Int("connections", len(set)).
		Msg("Client unregistered")
}

// FanOut pushes a delivered notification to every live connection of
// its user and returns how many received it. A user with no
// connections is a no-op. A connection whose buffer is full is treated
// as stale and evicted; losing a push is acceptable because the record
// is already durable and reachable by query.
func (h *Hub) FanOut(rec *models.NotificationRecord) int {
	payload, err := json.Marshal(rec)
	if err != nil {
		logging.Error().Err(err).Int64("notification_id", rec.ID).
			Msg("Marshaling notification for fan out")
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.users[rec.UserID]
	if !ok || len(set) == 0 {
		metrics.FanOutMisses.Inc()
		return 0
	}

	delivered := 0
	for c := range set {
		select {
		case c.send <- payload:
			delivered++
			metrics.FanOutDeliveries.Inc()
		default:
			metrics.FanOutDrops.Inc()
			logging.Warn().
				Str("user_id", c.userID).
				Msg("Client send buffer full, evicting stale connection")
			h.unregisterLocked(c)
		}
	}
	return delivered
}

// ConnectionCount returns the number of live connections for a user.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// TotalConnections returns the number of live connections across users.
func (h *Hub) TotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.users {
		n += len(set)
	}
	return n
}

// Run keeps the hub alive until ctx is canceled, logging connection
// stats periodically, then closes every remaining connection.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case <-ticker.C:
			h.mu.RLock()
			users, conns := len(h.users), 0
			for _, set := range h.users {
				conns += len(set)
			}
			h.mu.RUnlock()
			logging.Debug().
				Int("users", users).
				Int("connections", conns).
				Msg("Presence hub stats")
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for _, set := range h.users {
		for c := range set {
			close(c.send)
			metrics.ConnectedClients.Dec()
		}
	}
	h.users = make(map[string]map[*Client]struct{})
	logging.Info().Msg("Presence hub shut down")
}
