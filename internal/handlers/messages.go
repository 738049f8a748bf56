package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/alejandro-garf/MyNetRunner-sub000/internal/models"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/relay"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// blobFromRequest validates a send request and converts it to a relay blob.
// It returns an empty message when the request is acceptable.
func blobFromRequest(req *models.SendMessageRequest) (*relay.Blob, string) {
	b := &relay.Blob{
		IV:                  req.IV,
		IsEncrypted:         req.IsEncrypted,
		SenderIdentityKey:   req.SenderIdentityKey,
		SenderEphemeralKey:  req.SenderEphemeralKey,
		UsedOneTimePreKeyID: req.UsedOneTimePreKeyID,
	}

	if req.IsEncrypted {
		if req.EncryptedContent == "" || req.IV == "" {
			return nil, "Encrypted messages require encryptedContent and iv"
		}
		// Key-less follow-ups ride on a session the peers already share.
		if (req.SenderIdentityKey == nil) != (req.SenderEphemeralKey == nil) {
			return nil, "senderIdentityKey and senderEphemeralKey must be sent together"
		}
		if req.SenderIdentityKey == nil && req.UsedOneTimePreKeyID != nil {
			return nil, "usedOneTimePreKeyId requires senderIdentityKey and senderEphemeralKey"
		}
		b.Ciphertext = req.EncryptedContent
	} else {
		if req.Content == "" {
			return nil, "Message content is required"
		}
		b.Ciphertext = req.Content
	}

	if req.TTLMinutes < 0 {
		return nil, "ttlMinutes must not be negative"
	}
	return b, ""
}

func (h *Handler) senderUsername(ctx context.Context, userID uuid.UUID) string {
	user, err := h.Auth.GetUserByID(ctx, userID)
	if err != nil {
		return ""
	}
	return user.Username
}

// handleSendMessage relays one ciphertext to a single recipient.
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	senderID, _ := UserIDFrom(r.Context())
	username := mux.Vars(r)["username"]

	receiverID, err := h.Auth.UsernameToID(r.Context(), username)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req models.SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	blob, problem := blobFromRequest(&req)
	if problem != "" {
		http.Error(w, problem, http.StatusBadRequest)
		return
	}

	if err := h.Limiter.CheckSend(r.Context(), senderID.String()); err != nil {
		h.writeError(w, err)
		return
	}

	blob.SenderID = senderID
	blob.SenderUsername = h.senderUsername(r.Context(), senderID)
	blob.ReceiverID = receiverID

	result, err := h.Relay.Send(r.Context(), blob, time.Duration(req.TTLMinutes)*time.Minute)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, models.SendMessageResponse{
		ID:        result.ID,
		Delivered: result.Delivered,
		ExpiresAt: result.ExpiresAt,
	})
}

// handleFetchMessages drains the caller's queue. Returned messages are gone
// from the server.
func (h *Handler) handleFetchMessages(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFrom(r.Context())

	blobs, err := h.Relay.FetchAndDeliver(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, models.MessagesResponse{
		Messages: h.toMessages(r.Context(), blobs),
	})
}

// resolveSenders fills in SenderUsername, looking each sender up once.
func (h *Handler) resolveSenders(ctx context.Context, blobs []*relay.Blob) []*relay.Blob {
	names := make(map[uuid.UUID]string)
	for _, b := range blobs {
		name, ok := names[b.SenderID]
		if !ok {
			name = h.senderUsername(ctx, b.SenderID)
			names[b.SenderID] = name
		}
		b.SenderUsername = name
	}
	return blobs
}

func (h *Handler) toMessages(ctx context.Context, blobs []*relay.Blob) []*models.Message {
	messages := make([]*models.Message, 0, len(blobs))
	for _, b := range h.resolveSenders(ctx, blobs) {
		messages = append(messages, b.Message())
	}
	return messages
}

func (h *Handler) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := UserIDFrom(r.Context())

	var req models.CreateGroupRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	members := make([]uuid.UUID, 0, len(req.Members))
	for _, username := range req.Members {
		id, err := h.Auth.UsernameToID(r.Context(), username)
		if err != nil {
			h.writeError(w, err)
			return
		}
		members = append(members, id)
	}

	group, err := h.Groups.Create(r.Context(), ownerID, req.Name, members)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, group)
}

// handleSendGroupMessage fans one ciphertext out to every other member.
func (h *Handler) handleSendGroupMessage(w http.ResponseWriter, r *http.Request) {
	senderID, _ := UserIDFrom(r.Context())

	groupID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid group ID", http.StatusBadRequest)
		return
	}

	var req models.SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	blob, problem := blobFromRequest(&req)
	if problem != "" {
		http.Error(w, problem, http.StatusBadRequest)
		return
	}

	members, err := h.Groups.MembersFor(r.Context(), groupID, senderID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.Limiter.CheckSend(r.Context(), senderID.String()); err != nil {
		h.writeError(w, err)
		return
	}

	blob.SenderID = senderID
	blob.SenderUsername = h.senderUsername(r.Context(), senderID)
	blob.GroupID = &groupID

	result, err := h.Relay.SendGroup(r.Context(), blob, members, time.Duration(req.TTLMinutes)*time.Minute)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, models.GroupSendResponse{
		IDs:       result.IDs,
		Delivered: result.Delivered,
		Queued:    result.Queued,
	})
}
