package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleWebSocket upgrades an authenticated connection into a relay socket.
// Browsers cannot set headers on the upgrade, so the token may also come in
// the query string.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		http.Error(w, "Token required", http.StatusUnauthorized)
		return
	}

	userID, err := h.Auth.ValidateSessionToken(r.Context(), token)
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	client := h.Hub.AddClient(userID, conn)
	ctx := r.Context()

	if h.Broker != nil {
		if err := h.Broker.SetOnline(ctx, userID); err != nil {
			h.log.Warnf("Failed to record presence: %v", err)
		}
	}

	// Anything queued while the user was away goes out on the new socket.
	pending, err := h.Relay.FetchAndDeliver(ctx, userID)
	if err != nil {
		h.log.Errorf("Failed to drain queue for %s: %v", userID, err)
	}
	for _, b := range h.resolveSenders(ctx, pending) {
		if !h.Hub.PushToUser(ctx, userID, b) {
			if err := h.Relay.Requeue(ctx, b); err != nil {
				h.log.Errorf("Failed to requeue blob %s: %v", b.ID, err)
			}
		}
	}

	go h.Hub.WritePump(client)
	go h.Hub.ReadPump(client)
}
