package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alejandro-garf/MyNetRunner-sub000/internal/auth"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/crypto"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/db"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/groups"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/handlers"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/keys"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/keystore"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/models"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/presence"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/relay"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/signaling"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/transparency"
	"github.com/google/uuid"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	database, err := db.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.RunMigrations(context.Background()); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	authService := auth.NewService(database, time.Hour)
	hub := signaling.NewHub()
	broker := presence.NewBroker(nil, "node-test", hub)
	signer, err := transparency.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner() error = %v", err)
	}

	h := handlers.New(handlers.Deps{
		DB:           database,
		Auth:         authService,
		Keys:         keys.NewService(database, authService),
		Relay:        relay.NewStore(database, broker, nil, relay.Config{}),
		Groups:       groups.NewService(database),
		Hub:          hub,
		Broker:       broker,
		Transparency: transparency.NewService(database, signer),
	})

	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv
}

type testUser struct {
	id        string
	api       *Client
	keys      *keystore.Store
	messenger *Messenger
}

func newTestUser(t *testing.T, serverURL, name string, oneTimeKeys int) *testUser {
	t.Helper()
	ctx := context.Background()

	ks, err := keystore.Open(filepath.Join(t.TempDir(), name+".keystore"), "passphrase-"+name)
	if err != nil {
		t.Fatalf("keystore.Open() error = %v", err)
	}

	api := New(serverURL)
	resp, err := api.Register(ctx, name, "password123")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	m := NewMessenger(api, ks)
	if err := m.Setup(ctx, oneTimeKeys); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	return &testUser{id: resp.User.ID.String(), api: api, keys: ks, messenger: m}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	alice := newTestUser(t, srv.URL, "alice", 0)
	bob := newTestUser(t, srv.URL, "bob", 5)

	if _, err := alice.messenger.Send(ctx, "bob", "hi bob", 0); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if _, err := alice.messenger.Send(ctx, "bob", "still there?", 0); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	count, err := bob.api.PreKeyCount(ctx)
	if err != nil {
		t.Fatalf("PreKeyCount() error = %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 prekeys left on the server, got %d", count)
	}

	got, err := bob.messenger.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(got))
	}
	texts := map[string]bool{}
	for i, d := range got {
		if d.Err != nil {
			t.Errorf("Message %d: %v", i, d.Err)
		}
		texts[d.Text] = true
	}
	if !texts["hi bob"] || !texts["still there?"] {
		t.Errorf("Decrypted texts = %v", texts)
	}

	if n := bob.keys.OneTimeCount(); n != 3 {
		t.Errorf("Expected 3 local one-time keys after consuming two, got %d", n)
	}
	if _, ok := bob.keys.Session(alice.id); !ok {
		t.Error("Receiving should cache the sender's session")
	}
	if _, ok := alice.keys.Session(bob.id); !ok {
		t.Error("Sending should cache the recipient's session")
	}
}

func TestExhaustedPool(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	alice := newTestUser(t, srv.URL, "alice", 0)
	bob := newTestUser(t, srv.URL, "bob", 0)

	req, err := alice.messenger.EncryptFor(ctx, "bob", []byte("no prekeys"))
	if err != nil {
		t.Fatalf("EncryptFor() error = %v", err)
	}
	if req.UsedOneTimePreKeyID != nil {
		t.Fatalf("Expected no one-time key, got %d", *req.UsedOneTimePreKeyID)
	}
	if _, err := alice.api.Send(ctx, "bob", req); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got, err := bob.messenger.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(got) != 1 || got[0].Text != "no prekeys" {
		t.Fatalf("Receive() = %+v", got)
	}
}

func TestMissingOneTimeKeyFailsDecryption(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	alice := newTestUser(t, srv.URL, "alice", 0)
	bob := newTestUser(t, srv.URL, "bob", 1)

	if _, err := alice.messenger.Send(ctx, "bob", "lost key", 0); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	// Simulate the private half having been lost locally.
	if _, ok, err := bob.keys.TakeOneTimePreKey(1); err != nil || !ok {
		t.Fatalf("TakeOneTimePreKey() = %v, %v", ok, err)
	}

	got, err := bob.messenger.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(got))
	}
	if !errors.Is(got[0].Err, crypto.ErrDecryptionFailed) {
		t.Errorf("Expected ErrDecryptionFailed, got %v", got[0].Err)
	}
	if got[0].Text != Undecryptable {
		t.Errorf("Failed message text = %q", got[0].Text)
	}
}

func TestDecryptAllIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	alice := newTestUser(t, srv.URL, "alice", 0)
	bob := newTestUser(t, srv.URL, "bob", 2)

	if _, err := alice.messenger.Send(ctx, "bob", "good", 0); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	msgs, err := bob.api.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}
	good := msgs[0]

	sessionSecret, ok := alice.keys.Session(bob.id)
	if !ok {
		t.Fatal("Expected cached session")
	}
	sealed, err := crypto.Encrypt([]byte("follow-up"), sessionSecret)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	senderID, _ := uuid.Parse(alice.id)

	raw, err := base64.StdEncoding.DecodeString(good.EncryptedContent)
	if err != nil {
		t.Fatalf("decode ciphertext: %v", err)
	}
	raw[0] ^= 0xff
	tampered := *good
	tampered.EncryptedContent = base64.StdEncoding.EncodeToString(raw)

	batch := []*models.Message{
		good,
		&tampered,
		{ID: uuid.New(), SenderID: senderID, IsEncrypted: true, EncryptedContent: sealed.Ciphertext, IV: sealed.IV},
		{ID: uuid.New(), SenderID: uuid.New(), IsEncrypted: true, EncryptedContent: sealed.Ciphertext, IV: sealed.IV},
		{ID: uuid.New(), SenderID: senderID, Content: "plain"},
	}

	got := bob.messenger.DecryptAll(batch)
	if len(got) != len(batch) {
		t.Fatalf("DecryptAll returned %d results for %d messages", len(got), len(batch))
	}

	if got[0].Err != nil || got[0].Text != "good" {
		t.Errorf("good message = %+v", got[0])
	}
	if got[1].Err == nil || got[1].Text != Undecryptable {
		t.Errorf("tampered message = %+v", got[1])
	}
	if got[2].Err != nil || got[2].Text != "follow-up" {
		t.Errorf("session message = %+v", got[2])
	}
	if !errors.Is(got[3].Err, ErrNoActiveSession) || got[3].Text != Undecryptable {
		t.Errorf("unknown sender message = %+v", got[3])
	}
	if got[4].Err != nil || got[4].Text != "plain" {
		t.Errorf("plaintext message = %+v", got[4])
	}
}

// forgedBundleServer serves a bundle whose signed prekey is signed by an
// unrelated identity and counts fetches.
func forgedBundleServer(t *testing.T, fetches *int32) *httptest.Server {
	t.Helper()

	owner, _ := crypto.GenerateIdentityKeyPair()
	other, _ := crypto.GenerateIdentityKeyPair()
	forged, _ := crypto.GenerateSignedPreKey(other, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/keys/bundle/") {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(fetches, 1)
		json.NewEncoder(w).Encode(models.BundleResponse{
			UserID:                uuid.New(),
			Username:              "mallory",
			IdentityKey:           b64(owner.PublicKey()),
			SignedPreKey:          b64(forged.PublicKey()),
			SignedPreKeyID:        1,
			SignedPreKeySignature: b64(forged.Signature),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEncryptForRejectsUnverifiedPreKey(t *testing.T) {
	ctx := context.Background()
	var fetches int32
	srv := forgedBundleServer(t, &fetches)

	ks, err := keystore.Open(filepath.Join(t.TempDir(), "alice.keystore"), "pw")
	if err != nil {
		t.Fatalf("keystore.Open() error = %v", err)
	}
	if _, err := ks.GenerateIdentity(); err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}
	m := NewMessenger(New(srv.URL), ks)

	if _, err := m.EncryptFor(ctx, "mallory", []byte("x")); !errors.Is(err, crypto.ErrSignatureInvalid) {
		t.Fatalf("Expected ErrSignatureInvalid, got %v", err)
	}
	if n := atomic.LoadInt32(&fetches); n != 1 {
		t.Errorf("Bundle fetched %d times, want exactly 1", n)
	}

	m.AllowUnverifiedPreKeys = true
	req, err := m.EncryptFor(ctx, "mallory", []byte("x"))
	if err != nil {
		t.Fatalf("EncryptFor() with opt-out error = %v", err)
	}
	if !req.IsEncrypted || req.EncryptedContent == "" {
		t.Errorf("EncryptFor() = %+v", req)
	}
}

func TestEncryptForWithoutIdentity(t *testing.T) {
	var fetches int32
	srv := forgedBundleServer(t, &fetches)

	ks, err := keystore.Open(filepath.Join(t.TempDir(), "empty.keystore"), "pw")
	if err != nil {
		t.Fatalf("keystore.Open() error = %v", err)
	}
	m := NewMessenger(New(srv.URL), ks)

	if _, err := m.EncryptFor(context.Background(), "mallory", []byte("x")); !errors.Is(err, keystore.ErrNoIdentity) {
		t.Fatalf("Expected ErrNoIdentity, got %v", err)
	}
	if n := atomic.LoadInt32(&fetches); n != 0 {
		t.Errorf("Bundle must not be fetched without an identity, got %d fetches", n)
	}
}

func TestAPIErrorStatus(t *testing.T) {
	srv := newTestServer(t)
	api := New(srv.URL)

	_, err := api.FetchBundle(context.Background(), "bob")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", apiErr.StatusCode)
	}
}

func TestTopUp(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	bob := newTestUser(t, srv.URL, "bob", 3)

	added, err := bob.messenger.TopUp(ctx, 10)
	if err != nil {
		t.Fatalf("TopUp() error = %v", err)
	}
	if added != 7 {
		t.Errorf("Expected 7 keys added, got %d", added)
	}

	added, err = bob.messenger.TopUp(ctx, 10)
	if err != nil {
		t.Fatalf("TopUp() error = %v", err)
	}
	if added != 0 {
		t.Errorf("Full pool should not be topped up, added %d", added)
	}
}

func TestVerifiedIdentity(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	alice := newTestUser(t, srv.URL, "alice", 0)
	bob := newTestUser(t, srv.URL, "bob", 2)

	lookup, err := alice.messenger.VerifiedIdentity(ctx, "bob")
	if err != nil {
		t.Fatalf("VerifiedIdentity() error = %v", err)
	}
	id, err := bob.keys.Identity()
	if err != nil {
		t.Fatalf("Identity() error = %v", err)
	}
	if string(lookup.IdentityKey) != string(id.PublicKey()) {
		t.Error("Directory returned the wrong identity key")
	}

	count, err := bob.api.PreKeyCount(ctx)
	if err != nil {
		t.Fatalf("PreKeyCount() error = %v", err)
	}
	if count != 2 {
		t.Errorf("Expected the lookup to leave 2 prekeys, got %d", count)
	}

	alice.messenger.DirectoryFingerprint = "0000"
	if _, err := alice.messenger.VerifiedIdentity(ctx, "bob"); !errors.Is(err, ErrDirectoryKeyMismatch) {
		t.Errorf("VerifiedIdentity() error = %v, want ErrDirectoryKeyMismatch", err)
	}
}

func TestReceiveAfterSignedPreKeyRotation(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	alice := newTestUser(t, srv.URL, "alice", 0)
	bob := newTestUser(t, srv.URL, "bob", 2)

	if _, err := alice.messenger.Send(ctx, "bob", "hi", 0); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	// Bob rotates before he picks up the queued message.
	if err := bob.messenger.Setup(ctx, 5); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	got, err := bob.messenger.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(got))
	}
	if got[0].Err != nil || got[0].Text != "hi" {
		t.Fatalf("Decrypted = %q, err = %v", got[0].Text, got[0].Err)
	}
	if _, ok := bob.keys.Session(alice.id); !ok {
		t.Error("Expected a session cached after decrypting with the retired signed prekey")
	}
}

func TestReplyOnSessionWithoutKeyExchange(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	alice := newTestUser(t, srv.URL, "alice", 2)
	bob := newTestUser(t, srv.URL, "bob", 2)
	carol := newTestUser(t, srv.URL, "carol", 0)

	if _, err := alice.messenger.Send(ctx, "bob", "hi bob", 0); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	got, err := bob.messenger.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(got) != 1 || got[0].Err != nil {
		t.Fatalf("Bob received %+v", got)
	}

	if _, err := bob.messenger.Reply(ctx, got[0].Message, "hi alice", 0); err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	if _, err := bob.messenger.SendOnSession(ctx, "alice", "again", 0); err != nil {
		t.Fatalf("SendOnSession() error = %v", err)
	}

	count, err := alice.api.PreKeyCount(ctx)
	if err != nil {
		t.Fatalf("PreKeyCount() error = %v", err)
	}
	if count != 2 {
		t.Errorf("Expected alice's 2 prekeys untouched by session replies, got %d", count)
	}

	replies, err := alice.messenger.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(replies) != 2 {
		t.Fatalf("Expected 2 replies, got %d", len(replies))
	}
	texts := map[string]bool{}
	for i, d := range replies {
		if d.Err != nil {
			t.Errorf("Reply %d: %v", i, d.Err)
		}
		if d.Message.SenderIdentityKey != nil || d.Message.SenderEphemeralKey != nil {
			t.Errorf("Reply %d carried key-exchange fields", i)
		}
		texts[d.Text] = true
	}
	if !texts["hi alice"] || !texts["again"] {
		t.Errorf("Decrypted replies = %v", texts)
	}
	if n := alice.keys.OneTimeCount(); n != 2 {
		t.Errorf("Expected alice to keep 2 local one-time keys, got %d", n)
	}

	// Carol never exchanged keys with alice.
	if _, err := carol.messenger.SendOnSession(ctx, "alice", "hello?", 0); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("Expected ErrNoActiveSession, got %v", err)
	}
	if _, err := carol.api.Send(ctx, "alice", &models.SendMessageRequest{
		IsEncrypted:      true,
		EncryptedContent: base64.StdEncoding.EncodeToString([]byte("junk")),
		IV:               base64.StdEncoding.EncodeToString(make([]byte, 12)),
	}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	stray, err := alice.messenger.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(stray) != 1 || !errors.Is(stray[0].Err, ErrNoActiveSession) || stray[0].Text != Undecryptable {
		t.Fatalf("Stray key-less message = %+v", stray)
	}
}
