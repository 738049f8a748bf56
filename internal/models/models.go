package models

import (
	"time"

	"github.com/google/uuid"
)

// User is the public view of an account.
type User struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthResponse struct {
	User  *User  `json:"user"`
	Token string `json:"token"`
}

// UploadBundleRequest carries identity + signed prekey, all base64.
type UploadBundleRequest struct {
	IdentityKey           string `json:"identityKey"`
	SignedPreKey          string `json:"signedPreKey"`
	SignedPreKeyID        int    `json:"signedPreKeyId"`
	SignedPreKeySignature string `json:"signedPreKeySignature"`
}

type PreKey struct {
	KeyID     int    `json:"keyId"`
	PublicKey string `json:"publicKey"`
}

type UploadPreKeysRequest struct {
	PreKeys []PreKey `json:"preKeys"`
}

// BundleResponse is what an initiator receives. The one-time fields are
// null once the target's pool is exhausted.
type BundleResponse struct {
	UserID                uuid.UUID `json:"userId"`
	Username              string    `json:"username"`
	IdentityKey           string    `json:"identityKey"`
	SignedPreKey          string    `json:"signedPreKey"`
	SignedPreKeyID        int       `json:"signedPreKeyId"`
	SignedPreKeySignature string    `json:"signedPreKeySignature"`
	OneTimePreKeyID       *int      `json:"oneTimePreKeyId"`
	OneTimePreKey         *string   `json:"oneTimePreKey"`
}

// SendMessageRequest is accepted for both direct and group sends.
type SendMessageRequest struct {
	Content             string  `json:"content,omitempty"`
	EncryptedContent    string  `json:"encryptedContent,omitempty"`
	IV                  string  `json:"iv,omitempty"`
	IsEncrypted         bool    `json:"isEncrypted"`
	SenderIdentityKey   *string `json:"senderIdentityKey,omitempty"`
	SenderEphemeralKey  *string `json:"senderEphemeralKey,omitempty"`
	UsedOneTimePreKeyID *int    `json:"usedOneTimePreKeyId,omitempty"`
	TTLMinutes          int     `json:"ttlMinutes"`
}

type SendMessageResponse struct {
	ID        uuid.UUID `json:"id"`
	Delivered bool      `json:"delivered"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type GroupSendResponse struct {
	IDs       []uuid.UUID `json:"ids"`
	Delivered int         `json:"delivered"`
	Queued    int         `json:"queued"`
}

// Message mirrors SendMessageRequest on the receiving side. Timestamp is
// left out for encrypted messages so the server's view of timing does not
// travel with the ciphertext.
type Message struct {
	ID                  uuid.UUID  `json:"id"`
	SenderID            uuid.UUID  `json:"senderId"`
	SenderUsername      string     `json:"senderUsername,omitempty"`
	GroupID             *uuid.UUID `json:"groupId,omitempty"`
	Content             string     `json:"content,omitempty"`
	EncryptedContent    string     `json:"encryptedContent,omitempty"`
	IV                  string     `json:"iv,omitempty"`
	IsEncrypted         bool       `json:"isEncrypted"`
	SenderIdentityKey   *string    `json:"senderIdentityKey,omitempty"`
	SenderEphemeralKey  *string    `json:"senderEphemeralKey,omitempty"`
	UsedOneTimePreKeyID *int       `json:"usedOneTimePreKeyId,omitempty"`
	Delivered           bool       `json:"delivered"`
	Timestamp           *time.Time `json:"timestamp,omitempty"`
}

type MessagesResponse struct {
	Messages []*Message `json:"messages"`
}

type Group struct {
	ID        uuid.UUID   `json:"id"`
	Name      string      `json:"name"`
	OwnerID   uuid.UUID   `json:"ownerId"`
	Members   []uuid.UUID `json:"members"`
	CreatedAt time.Time   `json:"createdAt"`
}

type CreateGroupRequest struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// WebSocket message types pushed by the server.
const (
	WSTypeMessage    = "message"
	WSTypeLowPreKeys = "lowPreKeys"
)

// WSMessage is the envelope for every frame on the relay socket.
type WSMessage struct {
	Type    string      `json:"type"`
	Content interface{} `json:"content,omitempty"`
}

type LowPreKeysNotice struct {
	RemainingCount int `json:"remaining_count"`
	Recommended    int `json:"recommended"`
}
