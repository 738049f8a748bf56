package handlers

import (
	"net/http"

	"github.com/alejandro-garf/MyNetRunner-sub000/internal/models"
)

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.Credentials
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.Auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.Credentials
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleLogout revokes the session and purges every blob the user sent or
// was due to receive.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	userID, err := h.Auth.Logout(r.Context(), bearerToken(r))
	if err != nil {
		h.writeError(w, err)
		return
	}

	purged, err := h.Relay.DeleteAllFor(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"purged": purged,
	})
}
