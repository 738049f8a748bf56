// Package presence lets several relay nodes share one Redis so a blob sent
// on one node reaches a recipient whose socket lives on another.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alejandro-garf/MyNetRunner-sub000/internal/relay"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	presenceTTL       = 90 * time.Second
	heartbeatInterval = 30 * time.Second
)

// Local is the transport for sockets on this node.
type Local interface {
	Reachable(ctx context.Context, userID uuid.UUID) bool
	PushToUser(ctx context.Context, userID uuid.UUID, blob *relay.Blob) bool
	Notify(ctx context.Context, userID uuid.UUID, msgType string, content interface{}) bool
	OnlineUsers() []uuid.UUID
}

// envelope is what travels on a node channel.
type envelope struct {
	UserID  uuid.UUID       `json:"user_id"`
	Type    string          `json:"type"`
	Blob    *wireBlob       `json:"blob,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

type wireBlob struct {
	ID                  uuid.UUID  `json:"id"`
	SenderID            uuid.UUID  `json:"sender_id"`
	SenderUsername      string     `json:"sender_username,omitempty"`
	ReceiverID          uuid.UUID  `json:"receiver_id"`
	GroupID             *uuid.UUID `json:"group_id,omitempty"`
	Ciphertext          string     `json:"ciphertext"`
	IV                  string     `json:"iv"`
	IsEncrypted         bool       `json:"is_encrypted"`
	SenderIdentityKey   *string    `json:"sender_identity_key,omitempty"`
	SenderEphemeralKey  *string    `json:"sender_ephemeral_key,omitempty"`
	UsedOneTimePreKeyID *int       `json:"used_one_time_prekey_id,omitempty"`
	CreatedAt           int64      `json:"created_at"`
	ExpiresAt           int64      `json:"expires_at"`
}

func toWire(b *relay.Blob) *wireBlob {
	return &wireBlob{
		ID:                  b.ID,
		SenderID:            b.SenderID,
		SenderUsername:      b.SenderUsername,
		ReceiverID:          b.ReceiverID,
		GroupID:             b.GroupID,
		Ciphertext:          b.Ciphertext,
		IV:                  b.IV,
		IsEncrypted:         b.IsEncrypted,
		SenderIdentityKey:   b.SenderIdentityKey,
		SenderEphemeralKey:  b.SenderEphemeralKey,
		UsedOneTimePreKeyID: b.UsedOneTimePreKeyID,
		CreatedAt:           b.CreatedAt.UnixMilli(),
		ExpiresAt:           b.ExpiresAt.UnixMilli(),
	}
}

func (w *wireBlob) blob() *relay.Blob {
	return &relay.Blob{
		ID:                  w.ID,
		SenderID:            w.SenderID,
		SenderUsername:      w.SenderUsername,
		ReceiverID:          w.ReceiverID,
		GroupID:             w.GroupID,
		Ciphertext:          w.Ciphertext,
		IV:                  w.IV,
		IsEncrypted:         w.IsEncrypted,
		SenderIdentityKey:   w.SenderIdentityKey,
		SenderEphemeralKey:  w.SenderEphemeralKey,
		UsedOneTimePreKeyID: w.UsedOneTimePreKeyID,
		CreatedAt:           time.UnixMilli(w.CreatedAt),
		ExpiresAt:           time.UnixMilli(w.ExpiresAt),
		Delivered:           true,
	}
}

// Broker implements relay.Transport across nodes. Without Redis it is a thin
// wrapper around the local hub.
type Broker struct {
	redis  *redis.Client
	nodeID string
	local  Local

	// Undelivered receives blobs that arrived for a user who left this node
	// before the push. The server wires it to the relay store so the blob
	// is queued instead of lost.
	Undelivered func(ctx context.Context, blob *relay.Blob)

	log *logrus.Entry
}

func NewBroker(rdb *redis.Client, nodeID string, local Local) *Broker {
	return &Broker{
		redis:  rdb,
		nodeID: nodeID,
		local:  local,
		log:    logrus.WithFields(logrus.Fields{"component": "presence", "node": nodeID}),
	}
}

func presenceKey(userID uuid.UUID) string {
	return fmt.Sprintf("presence:%s", userID.String())
}

func nodeChannel(nodeID string) string {
	return fmt.Sprintf("relay:node:%s", nodeID)
}

// SetOnline records that userID has a socket on this node.
func (b *Broker) SetOnline(ctx context.Context, userID uuid.UUID) error {
	if b.redis == nil {
		return nil
	}

	key := presenceKey(userID)
	pipe := b.redis.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"node":         b.nodeID,
		"last_seen_at": time.Now().Unix(),
	})
	pipe.Expire(ctx, key, presenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetOffline clears the presence entry if it still points at this node.
func (b *Broker) SetOffline(ctx context.Context, userID uuid.UUID) error {
	if b.redis == nil {
		return nil
	}

	key := presenceKey(userID)
	node, err := b.redis.HGet(ctx, key, "node").Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if node != b.nodeID {
		return nil
	}
	return b.redis.Del(ctx, key).Err()
}

// NodeFor returns the node currently holding userID's socket.
func (b *Broker) NodeFor(ctx context.Context, userID uuid.UUID) (string, bool) {
	if b.redis == nil {
		return "", false
	}

	node, err := b.redis.HGet(ctx, presenceKey(userID), "node").Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			b.log.Warnf("Failed to read presence: %v", err)
		}
		return "", false
	}
	return node, true
}

// Reachable reports whether userID is connected to any node.
func (b *Broker) Reachable(ctx context.Context, userID uuid.UUID) bool {
	if b.local.Reachable(ctx, userID) {
		return true
	}
	node, ok := b.NodeFor(ctx, userID)
	return ok && node != b.nodeID
}

// PushToUser delivers locally or forwards to the owning node. A forward
// counts as delivered when some node is subscribed to the channel.
func (b *Broker) PushToUser(ctx context.Context, userID uuid.UUID, blob *relay.Blob) bool {
	if b.local.Reachable(ctx, userID) {
		return b.local.PushToUser(ctx, userID, blob)
	}
	return b.forward(ctx, userID, envelope{UserID: userID, Type: "blob", Blob: toWire(blob)})
}

// Notify sends a typed server message to userID wherever it is connected.
func (b *Broker) Notify(ctx context.Context, userID uuid.UUID, msgType string, content interface{}) bool {
	if b.local.Reachable(ctx, userID) {
		return b.local.Notify(ctx, userID, msgType, content)
	}

	raw, err := json.Marshal(content)
	if err != nil {
		b.log.Errorf("Failed to marshal %s notice: %v", msgType, err)
		return false
	}
	return b.forward(ctx, userID, envelope{UserID: userID, Type: msgType, Content: raw})
}

func (b *Broker) forward(ctx context.Context, userID uuid.UUID, env envelope) bool {
	node, ok := b.NodeFor(ctx, userID)
	if !ok || node == b.nodeID {
		return false
	}

	data, err := json.Marshal(env)
	if err != nil {
		b.log.Errorf("Failed to marshal envelope: %v", err)
		return false
	}

	receivers, err := b.redis.Publish(ctx, nodeChannel(node), data).Result()
	if err != nil {
		b.log.Warnf("Failed to publish to node %s: %v", node, err)
		return false
	}
	return receivers > 0
}

// Run subscribes to this node's channel and refreshes presence for local
// sockets until ctx is done.
func (b *Broker) Run(ctx context.Context) error {
	if b.redis == nil {
		<-ctx.Done()
		return nil
	}

	sub := b.redis.Subscribe(ctx, nodeChannel(b.nodeID))
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	b.log.Info("Subscribed to node channel")

	ch := sub.Channel()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(ctx, []byte(msg.Payload))
		case <-ticker.C:
			b.heartbeat(ctx)
		}
	}
}

func (b *Broker) handle(ctx context.Context, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.log.Warnf("Dropping malformed envelope: %v", err)
		return
	}

	if env.Type == "blob" && env.Blob != nil {
		blob := env.Blob.blob()
		if b.local.PushToUser(ctx, env.UserID, blob) {
			return
		}
		if b.Undelivered != nil {
			blob.Delivered = false
			b.Undelivered(ctx, blob)
		}
		return
	}

	b.local.Notify(ctx, env.UserID, env.Type, env.Content)
}

func (b *Broker) heartbeat(ctx context.Context) {
	for _, userID := range b.local.OnlineUsers() {
		if err := b.SetOnline(ctx, userID); err != nil {
			b.log.Warnf("Failed to refresh presence: %v", err)
			return
		}
	}
}
