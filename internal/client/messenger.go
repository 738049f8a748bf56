package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/alejandro-garf/MyNetRunner-sub000/internal/crypto"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/keystore"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/models"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/transparency"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrNoActiveSession is returned for a message without key-exchange fields
// from a peer we hold no cached secret for.
var ErrNoActiveSession = errors.New("no active session with sender")

var ErrDirectoryKeyMismatch = errors.New("directory signing key does not match pinned fingerprint")

// Undecryptable replaces the text of a message that could not be opened.
const Undecryptable = "[Unable to decrypt message]"

// uploadChunk matches the server's per-request prekey cap.
const uploadChunk = 100

// Decrypted is one received message after decryption. Text is never the
// ciphertext: on failure it is Undecryptable and Err is set.
type Decrypted struct {
	Message *models.Message
	Text    string
	Err     error
}

// Messenger encrypts for and decrypts from peers. Every outbound message
// runs a fresh X3DH against a freshly fetched bundle.
type Messenger struct {
	api  *Client
	keys *keystore.Store

	// AllowUnverifiedPreKeys sends even when the peer's signed prekey
	// signature does not verify. The failure is logged instead.
	AllowUnverifiedPreKeys bool

	// DirectoryFingerprint pins the server's directory signing key. Empty
	// trusts whatever key the server presents.
	DirectoryFingerprint string

	log *logrus.Entry
}

func NewMessenger(api *Client, keys *keystore.Store) *Messenger {
	return &Messenger{
		api:  api,
		keys: keys,
		log:  logrus.WithField("component", "messenger"),
	}
}

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Setup creates the identity if needed, rotates to a new signed prekey and
// uploads an initial batch of one-time prekeys.
func (m *Messenger) Setup(ctx context.Context, batch int) error {
	identityPub, err := m.keys.GenerateIdentity()
	if err != nil {
		return err
	}

	var spkID uint32 = 1
	if current, err := m.keys.CurrentSignedPreKey(); err == nil {
		spkID = current.ID + 1
	}
	spk, err := m.keys.GenerateSignedPreKey(spkID)
	if err != nil {
		return err
	}

	err = m.api.UploadBundle(ctx, models.UploadBundleRequest{
		IdentityKey:           b64(identityPub),
		SignedPreKey:          b64(spk.PublicKey()),
		SignedPreKeyID:        int(spk.ID),
		SignedPreKeySignature: b64(spk.Signature),
	})
	if err != nil {
		return fmt.Errorf("failed to upload bundle: %w", err)
	}

	if _, err := m.Replenish(ctx, batch); err != nil {
		return err
	}
	m.log.Infof("Uploaded bundle with signed prekey %d", spk.ID)
	return nil
}

// Replenish generates count new one-time prekeys and uploads them. It
// returns how many the server accepted.
func (m *Messenger) Replenish(ctx context.Context, count int) (int, error) {
	pairs, err := m.keys.GenerateOneTimeBatch(m.keys.NextOneTimeID(), count)
	if err != nil {
		return 0, err
	}

	accepted := 0
	for start := 0; start < len(pairs); start += uploadChunk {
		end := start + uploadChunk
		if end > len(pairs) {
			end = len(pairs)
		}
		chunk := make([]models.PreKey, 0, end-start)
		for _, p := range pairs[start:end] {
			chunk = append(chunk, models.PreKey{KeyID: int(p.ID), PublicKey: b64(p.PublicKey())})
		}
		n, err := m.api.UploadPreKeys(ctx, chunk)
		if err != nil {
			return accepted, fmt.Errorf("failed to upload prekeys: %w", err)
		}
		accepted += n
	}
	return accepted, nil
}

// TopUp replenishes the server pool back to target if it has fallen below.
func (m *Messenger) TopUp(ctx context.Context, target int) (int, error) {
	count, err := m.api.PreKeyCount(ctx)
	if err != nil {
		return 0, err
	}
	if count >= target {
		return 0, nil
	}
	return m.Replenish(ctx, target-count)
}

func bundleFromResponse(resp *models.BundleResponse) (*crypto.Bundle, error) {
	decode := func(name, s string) ([]byte, error) {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("malformed %s in bundle: %w", name, err)
		}
		return b, nil
	}

	identity, err := decode("identity key", resp.IdentityKey)
	if err != nil {
		return nil, err
	}
	signed, err := decode("signed prekey", resp.SignedPreKey)
	if err != nil {
		return nil, err
	}
	signature, err := decode("signature", resp.SignedPreKeySignature)
	if err != nil {
		return nil, err
	}

	b := &crypto.Bundle{
		IdentityKey:           identity,
		SignedPreKey:          signed,
		SignedPreKeyID:        uint32(resp.SignedPreKeyID),
		SignedPreKeySignature: signature,
	}
	if resp.OneTimePreKey != nil && resp.OneTimePreKeyID != nil {
		if b.OneTimePreKey, err = decode("one-time prekey", *resp.OneTimePreKey); err != nil {
			return nil, err
		}
		id := uint32(*resp.OneTimePreKeyID)
		b.OneTimePreKeyID = &id
	}
	return b, nil
}

// EncryptFor fetches username's bundle, runs X3DH and seals plaintext. The
// fetch is not retried: it has already consumed a one-time prekey.
func (m *Messenger) EncryptFor(ctx context.Context, username string, plaintext []byte) (*models.SendMessageRequest, error) {
	identity, err := m.keys.Identity()
	if err != nil {
		return nil, err
	}

	resp, err := m.api.FetchBundle(ctx, username)
	if err != nil {
		return nil, err
	}
	bundle, err := bundleFromResponse(resp)
	if err != nil {
		return nil, err
	}

	result, err := crypto.Initiate(identity, bundle)
	if err != nil {
		return nil, err
	}
	if result.SignatureErr != nil {
		if !m.AllowUnverifiedPreKeys {
			return nil, result.SignatureErr
		}
		m.log.Warnf("Sending to %s despite unverified signed prekey", username)
	}

	sealed, err := crypto.Encrypt(plaintext, result.SharedSecret)
	if err != nil {
		return nil, err
	}
	if err := m.keys.PutSession(resp.UserID.String(), result.SharedSecret); err != nil {
		return nil, err
	}

	identityKey := b64(identity.PublicKey())
	ephemeralKey := b64(result.EphemeralKey)
	req := &models.SendMessageRequest{
		EncryptedContent:   sealed.Ciphertext,
		IV:                 sealed.IV,
		IsEncrypted:        true,
		SenderIdentityKey:  &identityKey,
		SenderEphemeralKey: &ephemeralKey,
	}
	if result.OneTimePreKeyID != nil {
		id := int(*result.OneTimePreKeyID)
		req.UsedOneTimePreKeyID = &id
	}
	return req, nil
}

// Send encrypts text for username and relays it with the given ttl. A zero
// ttl leaves the choice to the server.
func (m *Messenger) Send(ctx context.Context, username, text string, ttl time.Duration) (*models.SendMessageResponse, error) {
	req, err := m.EncryptFor(ctx, username, []byte(text))
	if err != nil {
		return nil, err
	}
	req.TTLMinutes = int(ttl / time.Minute)
	return m.api.Send(ctx, username, req)
}

// SendOnSession encrypts text under the secret cached for username and sends
// it without key-exchange fields, so no prekey is consumed on either side.
func (m *Messenger) SendOnSession(ctx context.Context, username, text string, ttl time.Duration) (*models.SendMessageResponse, error) {
	lookup, err := m.api.LookupIdentity(ctx, username)
	if err != nil {
		return nil, err
	}
	return m.sendOnSession(ctx, lookup.UserID, username, text, ttl)
}

// Reply answers msg on the session its sender established.
func (m *Messenger) Reply(ctx context.Context, msg *models.Message, text string, ttl time.Duration) (*models.SendMessageResponse, error) {
	if msg.SenderUsername == "" {
		return nil, errors.New("message has no sender username to reply to")
	}
	return m.sendOnSession(ctx, msg.SenderID, msg.SenderUsername, text, ttl)
}

func (m *Messenger) sendOnSession(ctx context.Context, peerID uuid.UUID, username, text string, ttl time.Duration) (*models.SendMessageResponse, error) {
	secret, ok := m.keys.Session(peerID.String())
	if !ok {
		return nil, ErrNoActiveSession
	}
	sealed, err := crypto.Encrypt([]byte(text), secret)
	if err != nil {
		return nil, err
	}
	return m.api.Send(ctx, username, &models.SendMessageRequest{
		EncryptedContent: sealed.Ciphertext,
		IV:               sealed.IV,
		IsEncrypted:      true,
		TTLMinutes:       int(ttl / time.Minute),
	})
}

// Decrypt opens one received message. Messages carrying key-exchange fields
// re-derive the secret and consume the named one-time prekey; others fall
// back to the cached secret for the sender.
func (m *Messenger) Decrypt(msg *models.Message) (string, error) {
	if !msg.IsEncrypted {
		return msg.Content, nil
	}

	sealed := &crypto.Sealed{Ciphertext: msg.EncryptedContent, IV: msg.IV}
	peer := msg.SenderID.String()

	if msg.SenderIdentityKey == nil || msg.SenderEphemeralKey == nil {
		secret, ok := m.keys.Session(peer)
		if !ok {
			return "", ErrNoActiveSession
		}
		plaintext, err := crypto.Decrypt(sealed, secret)
		if err != nil {
			return "", err
		}
		return string(plaintext), nil
	}

	secret, plaintext, err := m.respond(msg, sealed)
	if err != nil {
		return "", err
	}
	if err := m.keys.PutSession(peer, secret); err != nil {
		m.log.Warnf("Failed to cache session: %v", err)
	}
	return string(plaintext), nil
}

// respond runs the responder side of X3DH. The one-time prekey is taken
// once; the message may have been sealed against any signed prekey still
// retained, so each is tried, current first, until one opens it.
func (m *Messenger) respond(msg *models.Message, sealed *crypto.Sealed) ([]byte, []byte, error) {
	identity, err := m.keys.Identity()
	if err != nil {
		return nil, nil, err
	}
	signedKeys, err := m.keys.SignedPreKeys()
	if err != nil {
		return nil, nil, err
	}
	if len(signedKeys) == 0 {
		return nil, nil, errors.New("no signed prekey generated")
	}

	senderIdentity, err := base64.StdEncoding.DecodeString(*msg.SenderIdentityKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: malformed sender identity key", crypto.ErrDecryptionFailed)
	}
	senderEphemeral, err := base64.StdEncoding.DecodeString(*msg.SenderEphemeralKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: malformed sender ephemeral key", crypto.ErrDecryptionFailed)
	}

	var oneTime *crypto.PreKeyPair
	if msg.UsedOneTimePreKeyID != nil {
		id := uint32(*msg.UsedOneTimePreKeyID)
		pair, ok, err := m.keys.TakeOneTimePreKey(id)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			oneTime = pair
		} else {
			// Derivation without DH4 will not match; the decrypt reports it.
			m.log.Warnf("One-time prekey %d not held locally", id)
		}
	}

	lastErr := crypto.ErrDecryptionFailed
	for _, signed := range signedKeys {
		secret, err := crypto.Respond(identity, signed, oneTime, senderIdentity, senderEphemeral)
		if err != nil {
			return nil, nil, err
		}
		plaintext, err := crypto.Decrypt(sealed, secret)
		if err != nil {
			lastErr = err
			continue
		}
		if signed != signedKeys[0] {
			m.log.Debugf("Opened message %s with retired signed prekey %d", msg.ID, signed.ID)
		}
		return secret, plaintext, nil
	}
	return nil, nil, lastErr
}

// DecryptAll opens every message. A failure only affects its own entry.
func (m *Messenger) DecryptAll(msgs []*models.Message) []Decrypted {
	out := make([]Decrypted, 0, len(msgs))
	for _, msg := range msgs {
		text, err := m.Decrypt(msg)
		if err != nil {
			m.log.WithField("message_id", msg.ID).Warnf("Failed to decrypt: %v", err)
			out = append(out, Decrypted{Message: msg, Text: Undecryptable, Err: err})
			continue
		}
		out = append(out, Decrypted{Message: msg, Text: text})
	}
	return out
}

// Receive drains the server queue and decrypts it.
func (m *Messenger) Receive(ctx context.Context) ([]Decrypted, error) {
	msgs, err := m.api.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return m.DecryptAll(msgs), nil
}

// VerifiedIdentity looks username up in the key directory and checks the
// inclusion proof and tree head before returning the identity key.
func (m *Messenger) VerifiedIdentity(ctx context.Context, username string) (*transparency.Lookup, error) {
	key, err := m.api.DirectoryKey(ctx)
	if err != nil {
		return nil, err
	}
	if key.Algorithm != transparency.AlgorithmEd25519 {
		return nil, fmt.Errorf("unsupported directory key algorithm %q", key.Algorithm)
	}
	fingerprint := transparency.SigningKeyFingerprint(key.PublicKey)
	if m.DirectoryFingerprint != "" && fingerprint != m.DirectoryFingerprint {
		return nil, fmt.Errorf("%w: server presented %s", ErrDirectoryKeyMismatch, fingerprint)
	}

	lookup, err := m.api.LookupIdentity(ctx, username)
	if err != nil {
		return nil, err
	}
	if err := lookup.Verify(key.PublicKey); err != nil {
		return nil, err
	}

	m.log.WithField("peer", username).Debugf("Identity key version %d verified at epoch %d",
		lookup.Proof.Leaf.KeyVersion, lookup.Head.Epoch)
	return lookup, nil
}
