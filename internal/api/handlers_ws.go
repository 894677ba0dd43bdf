// Notify - Asynchronous Per-User Notification Delivery
// Copyright 2026 Vlad G. (vladgthb)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vladgthb/notification

package api

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/vladgthb/notification/internal/logging"
	"github.com/vladgthb/notification/internal/presence"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin enforcement is delegated to the CORS layer; the websocket
	// carries only the caller's own notifications.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketHandler attaches clients to the presence hub.
type WebSocketHandler struct {
	hub *presence.Hub
}

// NewWebSocketHandler creates the websocket attach endpoint.
func NewWebSocketHandler(hub *presence.Hub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

// Serve upgrades the connection and registers it under the user.
//
//	GET /ws?userId=alice
func (h *WebSocketHandler) Serve(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "userId query parameter is required", nil)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logging.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	logging.Debug().Str("user_id", sanitizeLogValue(userID)).Msg("Websocket connected")
	presence.NewClient(h.hub, conn, userID).Start()
}
