package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alejandro-garf/MyNetRunner-sub000/internal/auth"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/crypto"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/db"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/groups"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/keys"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/maintenance"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/models"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/presence"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/ratelimit"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/relay"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/signaling"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/transparency"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type testEnv struct {
	h      *Handler
	router http.Handler
	hub    *signaling.Hub
	relay  *relay.Store
	keys   *keys.Service
	db     *db.DB
	now    time.Time
}

func newTestEnv(t *testing.T, limiter *ratelimit.Limiter) *testEnv {
	t.Helper()

	database, err := db.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.RunMigrations(context.Background()); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	env := &testEnv{now: time.Now()}

	authService := auth.NewService(database, time.Hour)
	hub := signaling.NewHub()
	broker := presence.NewBroker(nil, "node-test", hub)
	store := relay.NewStore(database, broker, nil, relay.Config{})
	store.SetClock(func() time.Time { return env.now })
	keyService := keys.NewService(database, authService)
	signer, err := transparency.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner() error = %v", err)
	}

	env.hub = hub
	env.relay = store
	env.keys = keyService
	env.db = database
	env.h = New(Deps{
		DB:           database,
		Auth:         authService,
		Keys:         keyService,
		Relay:        store,
		Groups:       groups.NewService(database),
		Hub:          hub,
		Broker:       broker,
		Limiter:      limiter,
		Replenisher:  maintenance.NewReplenisher(keyService, broker, 2, 10, time.Minute),
		Transparency: transparency.NewService(database, signer),
	})
	env.router = env.h.Router()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

type testUser struct {
	id       uuid.UUID
	name     string
	token    string
	identity *crypto.IdentityKeyPair
	signed   *crypto.SignedPreKey
	oneTimes map[uint32]*crypto.PreKeyPair
}

func (e *testEnv) register(t *testing.T, name string) *testUser {
	t.Helper()

	rec := e.do(t, "POST", "/api/auth/register", "", models.Credentials{Username: name, Password: "password123"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d body %q", name, rec.Code, rec.Body.String())
	}
	var resp models.AuthResponse
	decode(t, rec, &resp)

	identity, err := crypto.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}
	signed, err := crypto.GenerateSignedPreKey(identity, 1)
	if err != nil {
		t.Fatalf("GenerateSignedPreKey: %v", err)
	}

	return &testUser{
		id:       resp.User.ID,
		name:     name,
		token:    resp.Token,
		identity: identity,
		signed:   signed,
		oneTimes: map[uint32]*crypto.PreKeyPair{},
	}
}

func (e *testEnv) uploadKeys(t *testing.T, u *testUser, oneTimeIDs ...uint32) {
	t.Helper()

	rec := e.do(t, "POST", "/api/keys/bundle", u.token, models.UploadBundleRequest{
		IdentityKey:           b64(u.identity.PublicKey()),
		SignedPreKey:          b64(u.signed.PublicKey()),
		SignedPreKeyID:        int(u.signed.ID),
		SignedPreKeySignature: b64(u.signed.Signature),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("upload bundle: status %d body %q", rec.Code, rec.Body.String())
	}

	if len(oneTimeIDs) == 0 {
		return
	}
	var req models.UploadPreKeysRequest
	for _, id := range oneTimeIDs {
		pair, err := crypto.GeneratePreKeyPair(id)
		if err != nil {
			t.Fatalf("GeneratePreKeyPair: %v", err)
		}
		u.oneTimes[id] = pair
		req.PreKeys = append(req.PreKeys, models.PreKey{KeyID: int(id), PublicKey: b64(pair.PublicKey())})
	}
	rec = e.do(t, "POST", "/api/keys/prekeys", u.token, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload prekeys: status %d body %q", rec.Code, rec.Body.String())
	}
}

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func unb64(t *testing.T, s string) []byte {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	return b
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "GET", "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, nil)

	paths := []struct {
		method, path string
	}{
		{"GET", "/api/messages"},
		{"POST", "/api/messages/bob"},
		{"GET", "/api/keys/bundle/bob"},
		{"POST", "/api/keys/prekeys"},
		{"DELETE", "/api/keys"},
	}
	for _, p := range paths {
		rec := env.do(t, p.method, p.path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", p.method, p.path, rec.Code)
		}
		rec = env.do(t, p.method, p.path, "not-a-token", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s with bad token: expected 401, got %d", p.method, p.path, rec.Code)
		}
	}
}

func TestRegisterErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "alice")

	tests := []struct {
		name string
		body models.Credentials
		want int
	}{
		{"duplicate", models.Credentials{Username: "alice", Password: "password123"}, http.StatusConflict},
		{"bad username", models.Credentials{Username: "a!", Password: "password123"}, http.StatusBadRequest},
		{"weak password", models.Credentials{Username: "carol", Password: "short"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, "POST", "/api/auth/register", "", tt.body)
			if rec.Code != tt.want {
				t.Errorf("Expected %d, got %d (%s)", tt.want, rec.Code, rec.Body.String())
			}
		})
	}

	rec := env.do(t, "POST", "/api/auth/login", "", models.Credentials{Username: "alice", Password: "wrong-password"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for bad login, got %d", rec.Code)
	}
}

func TestUploadBundleRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register(t, "alice")

	other, _ := crypto.GenerateIdentityKeyPair()
	forged, _ := crypto.GenerateSignedPreKey(other, 1)

	rec := env.do(t, "POST", "/api/keys/bundle", alice.token, models.UploadBundleRequest{
		IdentityKey:           b64(alice.identity.PublicKey()),
		SignedPreKey:          b64(forged.PublicKey()),
		SignedPreKeyID:        1,
		SignedPreKeySignature: b64(forged.Signature),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}

	rec = env.do(t, "POST", "/api/keys/bundle", alice.token, models.UploadBundleRequest{
		IdentityKey:           "%%%",
		SignedPreKey:          b64(forged.PublicKey()),
		SignedPreKeySignature: b64(forged.Signature),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for bad base64, got %d", rec.Code)
	}
}

func TestUploadPreKeysLimits(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register(t, "alice")
	env.uploadKeys(t, alice)

	rec := env.do(t, "POST", "/api/keys/prekeys", alice.token, models.UploadPreKeysRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty upload, got %d", rec.Code)
	}

	pair, _ := crypto.GeneratePreKeyPair(1)
	var big models.UploadPreKeysRequest
	for i := 0; i < maxPreKeysPerUpload+1; i++ {
		big.PreKeys = append(big.PreKeys, models.PreKey{KeyID: i, PublicKey: b64(pair.PublicKey())})
	}
	rec = env.do(t, "POST", "/api/keys/prekeys", alice.token, big)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for oversized upload, got %d", rec.Code)
	}

	env.uploadKeys(t, alice, 1, 2, 3)
	rec = env.do(t, "GET", "/api/keys/prekeys/count", alice.token, nil)
	var count struct {
		Count int `json:"count"`
	}
	decode(t, rec, &count)
	if count.Count != 3 {
		t.Errorf("Expected 3 prekeys, got %d", count.Count)
	}
}

func TestGetBundleErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register(t, "alice")
	env.register(t, "bob")

	rec := env.do(t, "GET", "/api/keys/bundle/nobody", alice.token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown user, got %d", rec.Code)
	}

	rec = env.do(t, "GET", "/api/keys/bundle/bob", alice.token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for user without keys, got %d", rec.Code)
	}
}

func TestBundleFetchRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	limits := ratelimit.DefaultLimits()
	limits.RequesterLimit = 2
	env := newTestEnv(t, ratelimit.NewLimiterWithLimits(rdb, limits))

	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	env.uploadKeys(t, bob)

	for i := 0; i < 2; i++ {
		rec := env.do(t, "GET", "/api/keys/bundle/bob", alice.token, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("fetch %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := env.do(t, "GET", "/api/keys/bundle/bob", alice.token, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", rec.Code)
	}
}

func TestBundleFetchReportsRemaining(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	limits := ratelimit.DefaultLimits()
	limits.RequesterLimit = 3
	env := newTestEnv(t, ratelimit.NewLimiterWithLimits(rdb, limits))

	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	env.uploadKeys(t, bob)

	for want := 2; want >= 0; want-- {
		rec := env.do(t, "GET", "/api/keys/bundle/bob", alice.token, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("fetch: expected 200, got %d", rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != strconv.Itoa(want) {
			t.Errorf("X-RateLimit-Remaining = %q, want %d", got, want)
		}
	}
}

func TestUploadBundleSurvivesDirectoryFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")

	if _, err := env.db.SQL.Exec("DROP TABLE key_directory"); err != nil {
		t.Fatalf("drop key_directory: %v", err)
	}

	// uploadKeys fails the test on anything but 200.
	env.uploadKeys(t, bob)

	rec := env.do(t, "GET", "/api/keys/bundle/bob", alice.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected bundle stored despite directory failure, got %d", rec.Code)
	}
	var resp models.BundleResponse
	decode(t, rec, &resp)
	if resp.IdentityKey != b64(bob.identity.PublicKey()) {
		t.Error("Stored identity key does not match the upload")
	}
}

func TestSendValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register(t, "alice")
	env.register(t, "bob")

	ik := "aWs="
	otk := 3
	tests := []struct {
		name string
		req  models.SendMessageRequest
	}{
		{"empty plaintext", models.SendMessageRequest{}},
		{"encrypted without iv", models.SendMessageRequest{IsEncrypted: true, EncryptedContent: "eA==", SenderIdentityKey: &ik, SenderEphemeralKey: &ik}},
		{"encrypted with one key", models.SendMessageRequest{IsEncrypted: true, EncryptedContent: "eA==", IV: "aXY=", SenderIdentityKey: &ik}},
		{"one-time id without keys", models.SendMessageRequest{IsEncrypted: true, EncryptedContent: "eA==", IV: "aXY=", UsedOneTimePreKeyID: &otk}},
		{"negative ttl", models.SendMessageRequest{Content: "hi", TTLMinutes: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, "POST", "/api/messages/bob", alice.token, tt.req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", rec.Code)
			}
		})
	}

	rec := env.do(t, "POST", "/api/messages/bob", alice.token, models.SendMessageRequest{IsEncrypted: true, EncryptedContent: "eA==", IV: "aXY="})
	if rec.Code != http.StatusOK {
		t.Errorf("Key-less follow-up: expected 200, got %d", rec.Code)
	}

	rec = env.do(t, "POST", "/api/messages/nobody", alice.token, models.SendMessageRequest{Content: "hi"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown recipient, got %d", rec.Code)
	}
}

func TestFetchDrainsQueue(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")

	for _, text := range []string{"one", "two"} {
		rec := env.do(t, "POST", "/api/messages/bob", alice.token, models.SendMessageRequest{Content: text})
		if rec.Code != http.StatusOK {
			t.Fatalf("send: status %d", rec.Code)
		}
		var resp models.SendMessageResponse
		decode(t, rec, &resp)
		if resp.Delivered {
			t.Fatal("Offline recipient must not be marked delivered")
		}
		env.now = env.now.Add(time.Second)
	}

	rec := env.do(t, "GET", "/api/messages", bob.token, nil)
	var resp models.MessagesResponse
	decode(t, rec, &resp)
	if len(resp.Messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(resp.Messages))
	}
	if resp.Messages[0].Content != "one" || resp.Messages[1].Content != "two" {
		t.Errorf("Messages out of order: %q, %q", resp.Messages[0].Content, resp.Messages[1].Content)
	}
	if resp.Messages[0].SenderUsername != "alice" {
		t.Errorf("Expected sender alice, got %q", resp.Messages[0].SenderUsername)
	}

	rec = env.do(t, "GET", "/api/messages", bob.token, nil)
	decode(t, rec, &resp)
	if len(resp.Messages) != 0 {
		t.Errorf("Second fetch returned %d messages", len(resp.Messages))
	}
}

func TestLogoutPurgesQueue(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")

	env.do(t, "POST", "/api/messages/bob", alice.token, models.SendMessageRequest{Content: "queued"})

	rec := env.do(t, "POST", "/api/auth/logout", bob.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout: status %d", rec.Code)
	}
	var resp struct {
		Purged int64 `json:"purged"`
	}
	decode(t, rec, &resp)
	if resp.Purged != 1 {
		t.Errorf("Expected 1 purged blob, got %d", resp.Purged)
	}

	pending, err := env.relay.Pending(context.Background(), bob.id)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if pending != 0 {
		t.Errorf("Expected empty queue, got %d", pending)
	}

	rec = env.do(t, "GET", "/api/messages", bob.token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Revoked token should be rejected, got %d", rec.Code)
	}
}

func TestGroupSend(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	carol := env.register(t, "carol")
	dave := env.register(t, "dave")

	rec := env.do(t, "POST", "/api/groups", alice.token, models.CreateGroupRequest{
		Name:    "crew",
		Members: []string{"bob", "carol"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create group: status %d body %q", rec.Code, rec.Body.String())
	}
	var group models.Group
	decode(t, rec, &group)

	bobClient := env.hub.AddClient(bob.id, nil)

	rec = env.do(t, "POST", "/api/groups/"+group.ID.String()+"/messages", alice.token, models.SendMessageRequest{Content: "hello crew"})
	if rec.Code != http.StatusOK {
		t.Fatalf("group send: status %d body %q", rec.Code, rec.Body.String())
	}
	var resp models.GroupSendResponse
	decode(t, rec, &resp)
	if resp.Delivered != 1 || resp.Queued != 1 {
		t.Errorf("Expected 1 delivered and 1 queued, got %+v", resp)
	}

	select {
	case <-bobClient.Send:
	default:
		t.Error("Online member did not receive the message")
	}

	rec = env.do(t, "GET", "/api/messages", carol.token, nil)
	var inbox models.MessagesResponse
	decode(t, rec, &inbox)
	if len(inbox.Messages) != 1 || inbox.Messages[0].GroupID == nil || *inbox.Messages[0].GroupID != group.ID {
		t.Fatalf("Carol's inbox = %+v", inbox.Messages)
	}

	rec = env.do(t, "POST", "/api/groups/"+group.ID.String()+"/messages", dave.token, models.SendMessageRequest{Content: "let me in"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for non-member, got %d", rec.Code)
	}

	rec = env.do(t, "POST", "/api/groups/"+uuid.New().String()+"/messages", alice.token, models.SendMessageRequest{Content: "x"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown group, got %d", rec.Code)
	}
}

func TestResetKeys(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	env.uploadKeys(t, bob, 1, 2)

	rec := env.do(t, "DELETE", "/api/keys", bob.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: status %d", rec.Code)
	}

	rec = env.do(t, "GET", "/api/keys/bundle/bob", alice.token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after reset, got %d", rec.Code)
	}
}
