package handlers

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"

	"github.com/alejandro-garf/MyNetRunner-sub000/internal/keys"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/models"
	"github.com/gorilla/mux"
)

func base64Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func base64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// handleUploadBundle stores the caller's identity key and signed prekey.
func (h *Handler) handleUploadBundle(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFrom(r.Context())

	var req models.UploadBundleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	identityKey, err := base64Decode(req.IdentityKey)
	if err != nil {
		http.Error(w, "Invalid base64 encoding for identity key", http.StatusBadRequest)
		return
	}
	signedPreKey, err := base64Decode(req.SignedPreKey)
	if err != nil {
		http.Error(w, "Invalid base64 encoding for signed prekey", http.StatusBadRequest)
		return
	}
	signature, err := base64Decode(req.SignedPreKeySignature)
	if err != nil {
		http.Error(w, "Invalid base64 encoding for signature", http.StatusBadRequest)
		return
	}

	err = h.Keys.StoreBundle(r.Context(), userID, &keys.Bundle{
		IdentityKey:           identityKey,
		SignedPreKey:          signedPreKey,
		SignedPreKeyID:        req.SignedPreKeyID,
		SignedPreKeySignature: signature,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	if h.Transparency != nil {
		// The bundle is already stored. Record is idempotent for an
		// unchanged key, so the next upload retries it.
		if _, err := h.Transparency.Record(r.Context(), userID, identityKey); err != nil {
			h.log.Errorf("Failed to record identity for %s in directory: %v", userID, err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
	})
}

// handleUploadPreKeys appends one-time prekeys to the caller's pool.
func (h *Handler) handleUploadPreKeys(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFrom(r.Context())

	var req models.UploadPreKeysRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if len(req.PreKeys) == 0 {
		http.Error(w, "No prekeys provided", http.StatusBadRequest)
		return
	}
	if len(req.PreKeys) > maxPreKeysPerUpload {
		http.Error(w, fmt.Sprintf("Maximum %d prekeys per upload", maxPreKeysPerUpload), http.StatusBadRequest)
		return
	}

	batch := make([]keys.OneTimePreKey, len(req.PreKeys))
	for i, pk := range req.PreKeys {
		publicKey, err := base64Decode(pk.PublicKey)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid base64 encoding for prekey %d", pk.KeyID), http.StatusBadRequest)
			return
		}
		batch[i] = keys.OneTimePreKey{KeyID: pk.KeyID, PublicKey: publicKey}
	}

	inserted, err := h.Keys.StoreOneTimeBatch(r.Context(), userID, batch)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   inserted,
	})
}

func (h *Handler) handleGetPreKeyCount(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFrom(r.Context())

	count, err := h.Keys.AvailableOneTimeCount(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": count,
	})
}

func (h *Handler) handleGetKeyStatus(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFrom(r.Context())

	status, err := h.Keys.Status(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// handleGetBundle returns the target's bundle and consumes one of its
// one-time prekeys. The claim is committed before the response is written.
func (h *Handler) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	requesterID, _ := UserIDFrom(r.Context())
	username := mux.Vars(r)["username"]

	targetID, err := h.Auth.UsernameToID(r.Context(), username)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.Limiter.CheckBundleFetch(r.Context(), requesterID.String(), targetID.String(), clientIP(r)); err != nil {
		h.writeError(w, err)
		return
	}

	bundle, err := h.Keys.FetchBundleFor(r.Context(), targetID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := models.BundleResponse{
		UserID:                targetID,
		Username:              username,
		IdentityKey:           base64Encode(bundle.IdentityKey),
		SignedPreKey:          base64Encode(bundle.SignedPreKey),
		SignedPreKeyID:        bundle.SignedPreKeyID,
		SignedPreKeySignature: base64Encode(bundle.SignedPreKeySignature),
	}
	if bundle.OneTimePreKey != nil {
		id := bundle.OneTimePreKey.KeyID
		pub := base64Encode(bundle.OneTimePreKey.PublicKey)
		resp.OneTimePreKeyID = &id
		resp.OneTimePreKey = &pub
	}

	if h.Replenisher != nil {
		h.Replenisher.Check(r.Context(), targetID)
	}

	if remaining, err := h.Limiter.BundleFetchesRemaining(r.Context(), requesterID.String()); err != nil {
		h.log.Warnf("Failed to read remaining bundle fetches: %v", err)
	} else {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleResetKeys(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFrom(r.Context())

	if err := h.Keys.Reset(r.Context(), userID); err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
	})
}
