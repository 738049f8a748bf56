package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/alejandro-garf/MyNetRunner-sub000/internal/models"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/relay"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Client represents a WebSocket client
type Client struct {
	ID     string
	UserID uuid.UUID
	Conn   *websocket.Conn
	Send   chan []byte
}

// Hub tracks the relay sockets connected to this node, keyed by user.
type Hub struct {
	clients map[uuid.UUID]map[string]*Client
	mu      sync.RWMutex

	// OnDisconnect runs after a client is removed. remaining is the number
	// of sockets the user still has on this node.
	OnDisconnect func(userID uuid.UUID, remaining int)

	log *logrus.Entry
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[uuid.UUID]map[string]*Client),
		log:     logrus.WithField("component", "signaling"),
	}
}

// AddClient registers a socket for userID.
func (h *Hub) AddClient(userID uuid.UUID, conn *websocket.Conn) *Client {
	client := &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer),
	}
	h.register(client)
	return client
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	if h.clients[client.UserID] == nil {
		h.clients[client.UserID] = make(map[string]*Client)
	}
	h.clients[client.UserID][client.ID] = client
	h.mu.Unlock()

	h.log.WithField("user_id", client.UserID).Infof("Client %s connected", client.ID[:8])
}

// RemoveClient removes a client and closes its send channel.
func (h *Hub) RemoveClient(client *Client) {
	h.mu.Lock()
	conns, ok := h.clients[client.UserID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := conns[client.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(conns, client.ID)
	remaining := len(conns)
	if remaining == 0 {
		delete(h.clients, client.UserID)
	}
	h.mu.Unlock()

	close(client.Send)
	h.log.WithField("user_id", client.UserID).Infof("Client %s removed", client.ID[:8])

	if h.OnDisconnect != nil {
		h.OnDisconnect(client.UserID, remaining)
	}
}

// Reachable reports whether userID has at least one socket on this node.
func (h *Hub) Reachable(_ context.Context, userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// OnlineUsers lists users with a socket on this node.
func (h *Hub) OnlineUsers() []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users := make([]uuid.UUID, 0, len(h.clients))
	for id := range h.clients {
		users = append(users, id)
	}
	return users
}

// PushToUser sends a relay blob to every socket of userID. It reports
// whether at least one socket accepted it.
func (h *Hub) PushToUser(ctx context.Context, userID uuid.UUID, blob *relay.Blob) bool {
	return h.Notify(ctx, userID, models.WSTypeMessage, blob.Message())
}

// Notify sends a typed server message to every socket of userID.
func (h *Hub) Notify(_ context.Context, userID uuid.UUID, msgType string, content interface{}) bool {
	data, err := json.Marshal(models.WSMessage{Type: msgType, Content: content})
	if err != nil {
		h.log.Errorf("Failed to marshal %s message: %v", msgType, err)
		return false
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients[userID]))
	for _, c := range h.clients[userID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	sent := false
	for _, c := range clients {
		if h.sendMessage(c, data) {
			sent = true
		}
	}
	return sent
}

func (h *Hub) sendMessage(client *Client, data []byte) (ok bool) {
	// The channel may be closed by a concurrent RemoveClient.
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case client.Send <- data:
		return true
	default:
		h.log.Warnf("Client send channel full: %s", client.ID[:8])
		return false
	}
}

// WritePump handles writing messages to the WebSocket
func (h *Hub) WritePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump keeps the connection alive until the peer goes away. The relay
// socket is push-only; inbound frames other than control frames are ignored.
func (h *Hub) ReadPump(client *Client) {
	defer func() {
		h.RemoveClient(client)
		client.Conn.Close()
	}()

	client.Conn.SetReadLimit(4096)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warnf("WebSocket error: %v", err)
			}
			break
		}

		var msg models.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.log.Debugf("Ignoring malformed frame from %s", client.ID[:8])
			continue
		}
		h.log.Debugf("Ignoring client frame type %q", msg.Type)
	}
}
