package crypto

import (
	"bytes"
	"errors"
	"testing"
)

type peer struct {
	identity *IdentityKeyPair
	signed   *SignedPreKey
	oneTimes map[uint32]*PreKeyPair
}

func newPeer(t *testing.T, oneTimeIDs ...uint32) *peer {
	t.Helper()
	identity, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}
	signed, err := GenerateSignedPreKey(identity, 1)
	if err != nil {
		t.Fatalf("GenerateSignedPreKey: %v", err)
	}
	p := &peer{identity: identity, signed: signed, oneTimes: map[uint32]*PreKeyPair{}}
	for _, id := range oneTimeIDs {
		otk, err := GeneratePreKeyPair(id)
		if err != nil {
			t.Fatalf("GeneratePreKeyPair: %v", err)
		}
		p.oneTimes[id] = otk
	}
	return p
}

func (p *peer) bundle(oneTimeID *uint32) *Bundle {
	b := &Bundle{
		IdentityKey:           p.identity.PublicKey(),
		SignedPreKey:          p.signed.PublicKey(),
		SignedPreKeyID:        p.signed.ID,
		SignedPreKeySignature: p.signed.Signature,
	}
	if oneTimeID != nil {
		id := *oneTimeID
		b.OneTimePreKey = p.oneTimes[id].PublicKey()
		b.OneTimePreKeyID = &id
	}
	return b
}

func TestAgreementSymmetryWithOneTimeKey(t *testing.T) {
	alice := newPeer(t)
	bob := newPeer(t, 7)
	id := uint32(7)

	res, err := Initiate(alice.identity, bob.bundle(&id))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if res.SignatureErr != nil {
		t.Fatalf("unexpected signature error: %v", res.SignatureErr)
	}
	if res.OneTimePreKeyID == nil || *res.OneTimePreKeyID != 7 {
		t.Fatalf("expected one-time key id 7, got %v", res.OneTimePreKeyID)
	}
	if len(res.SharedSecret) != SymmetricKeySize {
		t.Fatalf("secret length = %d", len(res.SharedSecret))
	}

	secret, err := Respond(bob.identity, bob.signed.PreKeyPair, bob.oneTimes[7], alice.identity.PublicKey(), res.EphemeralKey)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !bytes.Equal(res.SharedSecret, secret) {
		t.Fatal("initiator and responder secrets differ")
	}
}

func TestAgreementSymmetryWithoutOneTimeKey(t *testing.T) {
	alice := newPeer(t)
	bob := newPeer(t)

	res, err := Initiate(alice.identity, bob.bundle(nil))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if res.OneTimePreKeyID != nil {
		t.Fatalf("expected no one-time key id, got %d", *res.OneTimePreKeyID)
	}

	secret, err := Respond(bob.identity, bob.signed.PreKeyPair, nil, alice.identity.PublicKey(), res.EphemeralKey)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !bytes.Equal(res.SharedSecret, secret) {
		t.Fatal("three-DH secrets differ")
	}
}

func TestEachInitiationUsesFreshEphemeral(t *testing.T) {
	alice := newPeer(t)
	bob := newPeer(t)

	first, err := Initiate(alice.identity, bob.bundle(nil))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	second, err := Initiate(alice.identity, bob.bundle(nil))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if bytes.Equal(first.EphemeralKey, second.EphemeralKey) {
		t.Error("ephemeral key reused across initiations")
	}
	if bytes.Equal(first.SharedSecret, second.SharedSecret) {
		t.Error("shared secret reused across initiations")
	}
}

func TestResponderMissingOneTimeKeyDiverges(t *testing.T) {
	alice := newPeer(t)
	bob := newPeer(t, 3)
	id := uint32(3)

	res, err := Initiate(alice.identity, bob.bundle(&id))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	secret, err := Respond(bob.identity, bob.signed.PreKeyPair, nil, alice.identity.PublicKey(), res.EphemeralKey)
	if err != nil {
		t.Fatalf("Respond without one-time key should still derive: %v", err)
	}
	if bytes.Equal(res.SharedSecret, secret) {
		t.Fatal("expected secrets to differ when the responder lacks the one-time key")
	}

	sealed, err := Encrypt([]byte("hello"), res.SharedSecret)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(sealed, secret); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestInitiateFlagsBadSignature(t *testing.T) {
	alice := newPeer(t)
	bob := newPeer(t)
	mallory := newPeer(t)

	b := bob.bundle(nil)
	b.SignedPreKeySignature = mallory.signed.Signature

	res, err := Initiate(alice.identity, b)
	if err != nil {
		t.Fatalf("Initiate should not hard-fail on signature: %v", err)
	}
	if !errors.Is(res.SignatureErr, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", res.SignatureErr)
	}
	if len(res.SharedSecret) != SymmetricKeySize {
		t.Fatal("expected derivation to complete")
	}
}

func TestInitiateRejectsMalformedKeys(t *testing.T) {
	alice := newPeer(t)
	bob := newPeer(t)

	b := bob.bundle(nil)
	b.IdentityKey = []byte("short")
	if _, err := Initiate(alice.identity, b); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey, got %v", err)
	}

	b = bob.bundle(nil)
	b.OneTimePreKey = bob.signed.PublicKey()
	if _, err := Initiate(alice.identity, b); err == nil {
		t.Fatal("expected error for one-time key without id")
	}
}

func TestVerifySignedPreKey(t *testing.T) {
	bob := newPeer(t)

	if err := VerifySignedPreKey(bob.identity.PublicKey(), bob.signed.PublicKey(), bob.signed.Signature); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	other, _ := GeneratePreKeyPair(2)
	if err := VerifySignedPreKey(bob.identity.PublicKey(), other.PublicKey(), bob.signed.Signature); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid for swapped prekey, got %v", err)
	}
	if err := VerifySignedPreKey(bob.identity.PublicKey(), bob.signed.PublicKey(), nil); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid for empty signature, got %v", err)
	}
}

func TestKeyPersistenceRoundTrip(t *testing.T) {
	identity, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}
	der, err := identity.MarshalPrivate()
	if err != nil {
		t.Fatalf("MarshalPrivate: %v", err)
	}
	restored, err := ParseIdentityKeyPair(der)
	if err != nil {
		t.Fatalf("ParseIdentityKeyPair: %v", err)
	}
	if !bytes.Equal(identity.PublicKey(), restored.PublicKey()) {
		t.Fatal("identity public key changed after round trip")
	}

	pre, _ := GeneratePreKeyPair(9)
	restoredPre, err := ParsePreKeyPair(9, pre.PrivateBytes())
	if err != nil {
		t.Fatalf("ParsePreKeyPair: %v", err)
	}
	if !bytes.Equal(pre.PublicKey(), restoredPre.PublicKey()) {
		t.Fatal("prekey public key changed after round trip")
	}
}
