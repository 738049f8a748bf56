package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// handleLookupIdentity returns a user's identity key with its inclusion
// proof. Unlike the bundle endpoint it consumes nothing.
func (h *Handler) handleLookupIdentity(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]

	userID, err := h.Auth.UsernameToID(r.Context(), username)
	if err != nil {
		h.writeError(w, err)
		return
	}

	lookup, err := h.Transparency.Lookup(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	lookup.Username = username

	writeJSON(w, http.StatusOK, lookup)
}

func (h *Handler) handleTreeHead(w http.ResponseWriter, r *http.Request) {
	head, err := h.Transparency.Head(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, head)
}

func (h *Handler) handleSigningKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Transparency.SigningKey())
}
