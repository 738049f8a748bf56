// Package handlers exposes the relay over HTTP and WebSocket.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/alejandro-garf/MyNetRunner-sub000/internal/auth"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/crypto"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/db"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/groups"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/keys"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/maintenance"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/presence"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/ratelimit"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/relay"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/signaling"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/transparency"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 8 << 20

// maxPreKeysPerUpload caps a single one-time prekey upload.
const maxPreKeysPerUpload = 100

type contextKey string

const userIDKey contextKey = "userID"

// UserIDFrom returns the authenticated user placed in ctx by the auth
// middleware.
func UserIDFrom(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}

// Deps are the services a Handler routes to.
type Deps struct {
	DB          *db.DB
	Auth        *auth.Service
	Keys        *keys.Service
	Relay       *relay.Store
	Groups      *groups.Service
	Hub         *signaling.Hub
	Broker      *presence.Broker
	Limiter     *ratelimit.Limiter
	Replenisher *maintenance.Replenisher
	// Transparency is optional; without it the directory routes are absent.
	Transparency *transparency.Service
}

type Handler struct {
	Deps
	log *logrus.Entry
}

func New(deps Deps) *Handler {
	h := &Handler{
		Deps: deps,
		log:  logrus.WithField("component", "http"),
	}

	if h.Hub != nil && h.Broker != nil {
		h.Hub.OnDisconnect = func(userID uuid.UUID, remaining int) {
			if remaining > 0 {
				return
			}
			if err := h.Broker.SetOffline(context.Background(), userID); err != nil {
				h.log.Warnf("Failed to clear presence: %v", err)
			}
		}
	}
	return h
}

// Router builds the route table.
func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware)

	router.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	router.HandleFunc("/health", h.handleHealth).Methods("GET")

	// Auth
	router.HandleFunc("/api/auth/register", h.handleRegister).Methods("POST")
	router.HandleFunc("/api/auth/login", h.handleLogin).Methods("POST")
	router.HandleFunc("/api/auth/logout", h.authMiddleware(h.handleLogout)).Methods("POST")

	// Keys
	router.HandleFunc("/api/keys/bundle", h.authMiddleware(h.handleUploadBundle)).Methods("POST")
	router.HandleFunc("/api/keys/prekeys", h.authMiddleware(h.handleUploadPreKeys)).Methods("POST")
	router.HandleFunc("/api/keys/prekeys/count", h.authMiddleware(h.handleGetPreKeyCount)).Methods("GET")
	router.HandleFunc("/api/keys/status", h.authMiddleware(h.handleGetKeyStatus)).Methods("GET")
	router.HandleFunc("/api/keys/bundle/{username}", h.authMiddleware(h.handleGetBundle)).Methods("GET")
	router.HandleFunc("/api/keys", h.authMiddleware(h.handleResetKeys)).Methods("DELETE")

	// Key directory
	if h.Transparency != nil {
		router.HandleFunc("/api/keys/identity/{username}", h.authMiddleware(h.handleLookupIdentity)).Methods("GET")
		router.HandleFunc("/api/transparency/head", h.handleTreeHead).Methods("GET")
		router.HandleFunc("/api/transparency/key", h.handleSigningKey).Methods("GET")
	}

	// Relay
	router.HandleFunc("/api/messages/{username}", h.authMiddleware(h.handleSendMessage)).Methods("POST")
	router.HandleFunc("/api/messages", h.authMiddleware(h.handleFetchMessages)).Methods("GET")

	// Groups
	router.HandleFunc("/api/groups", h.authMiddleware(h.handleCreateGroup)).Methods("POST")
	router.HandleFunc("/api/groups/{id}/messages", h.authMiddleware(h.handleSendGroupMessage)).Methods("POST")

	// Real-time push
	router.HandleFunc("/api/ws", h.handleWebSocket).Methods("GET")

	return router
}

// Middleware

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return header
}

func (h *Handler) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		userID, err := h.Auth.ValidateSessionToken(r.Context(), token)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// Helpers

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to status codes. Unknown errors are logged
// and hidden behind a generic 500.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrUserNotFound),
		errors.Is(err, keys.ErrUserNotFound),
		errors.Is(err, keys.ErrKeysNotRegistered),
		errors.Is(err, groups.ErrGroupNotFound),
		errors.Is(err, transparency.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)

	case errors.Is(err, crypto.ErrSignatureInvalid),
		errors.Is(err, crypto.ErrInvalidPublicKey),
		errors.Is(err, keys.ErrInvalidKey),
		errors.Is(err, auth.ErrInvalidUsername),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, groups.ErrInvalidName):
		http.Error(w, err.Error(), http.StatusBadRequest)

	case errors.Is(err, auth.ErrUserExists):
		http.Error(w, err.Error(), http.StatusConflict)

	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken):
		http.Error(w, err.Error(), http.StatusUnauthorized)

	case errors.Is(err, groups.ErrNotMember):
		http.Error(w, err.Error(), http.StatusForbidden)

	case errors.Is(err, ratelimit.ErrTargetedAttack):
		http.Error(w, "Too many requests for this user's keys", http.StatusTooManyRequests)

	case errors.Is(err, ratelimit.ErrRateLimited):
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)

	default:
		h.log.Errorf("Request failed: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	return r.RemoteAddr
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.DB.Health(ctx); err != nil {
		http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
