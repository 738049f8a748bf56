package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
)

// x3dhInfo is the HKDF context string. Changing it breaks every peer.
var x3dhInfo = []byte("MyNetRunner-X3DH-v1")

var ErrSignatureInvalid = errors.New("signed prekey signature invalid")

// Bundle is a peer's public key material as returned by the bundle endpoint.
// OneTimePreKey and OneTimePreKeyID are nil when the peer's pool was empty.
type Bundle struct {
	IdentityKey           []byte
	SignedPreKey          []byte
	SignedPreKeyID        uint32
	SignedPreKeySignature []byte
	OneTimePreKey         []byte
	OneTimePreKeyID       *uint32
}

// InitiatorResult carries everything the sender needs to encrypt and to let
// the responder re-derive the same secret.
type InitiatorResult struct {
	SharedSecret    []byte
	EphemeralKey    []byte
	OneTimePreKeyID *uint32
	// SignatureErr is set when the bundle's signed prekey did not verify.
	// The derivation still completes; the caller decides whether to abort.
	SignatureErr error
}

// Initiate runs the sender side of X3DH against a bundle with a brand-new
// ephemeral key:
//
//	DH1 = DH(IK_a, SPK_b)
//	DH2 = DH(EK_a, IK_b)
//	DH3 = DH(EK_a, SPK_b)
//	DH4 = DH(EK_a, OPK_b)   only when the bundle carries a one-time key
func Initiate(identity *IdentityKeyPair, bundle *Bundle) (*InitiatorResult, error) {
	if identity == nil {
		return nil, errors.New("missing local identity key")
	}
	if bundle == nil {
		return nil, errors.New("missing peer bundle")
	}

	theirIdentity, err := ParsePublicKey(bundle.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("peer identity key: %w", err)
	}
	theirSignedPreKey, err := ParsePublicKey(bundle.SignedPreKey)
	if err != nil {
		return nil, fmt.Errorf("peer signed prekey: %w", err)
	}

	var theirOneTime *ecdh.PublicKey
	if bundle.OneTimePreKey != nil {
		if bundle.OneTimePreKeyID == nil {
			return nil, errors.New("one-time prekey without id")
		}
		theirOneTime, err = ParsePublicKey(bundle.OneTimePreKey)
		if err != nil {
			return nil, fmt.Errorf("peer one-time prekey: %w", err)
		}
	}

	result := &InitiatorResult{}
	if err := VerifySignedPreKey(bundle.IdentityKey, bundle.SignedPreKey, bundle.SignedPreKeySignature); err != nil {
		if !errors.Is(err, ErrSignatureInvalid) {
			err = fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
		result.SignatureErr = err
	}

	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	dh1, err := dh(identity.dh, theirSignedPreKey)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ephemeral, theirIdentity)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(ephemeral, theirSignedPreKey)
	if err != nil {
		return nil, err
	}
	parts := [][]byte{dh1, dh2, dh3}

	if theirOneTime != nil {
		dh4, err := dh(ephemeral, theirOneTime)
		if err != nil {
			return nil, err
		}
		parts = append(parts, dh4)
		id := *bundle.OneTimePreKeyID
		result.OneTimePreKeyID = &id
	}

	secret, err := deriveSharedSecret(parts...)
	if err != nil {
		return nil, err
	}

	result.SharedSecret = secret
	result.EphemeralKey = ephemeral.PublicKey().Bytes()
	return result, nil
}

// Respond runs the receiver side with the mirrored pairs. oneTime is nil when
// the message named no one-time key or the local private half is gone; the
// result then only matches an initiator that also skipped DH4.
func Respond(identity *IdentityKeyPair, signedPreKey, oneTime *PreKeyPair, senderIdentity, senderEphemeral []byte) ([]byte, error) {
	if identity == nil {
		return nil, errors.New("missing local identity key")
	}
	if signedPreKey == nil {
		return nil, errors.New("missing local signed prekey")
	}

	theirIdentity, err := ParsePublicKey(senderIdentity)
	if err != nil {
		return nil, fmt.Errorf("sender identity key: %w", err)
	}
	theirEphemeral, err := ParsePublicKey(senderEphemeral)
	if err != nil {
		return nil, fmt.Errorf("sender ephemeral key: %w", err)
	}

	dh1, err := dh(signedPreKey.priv, theirIdentity)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(identity.dh, theirEphemeral)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(signedPreKey.priv, theirEphemeral)
	if err != nil {
		return nil, err
	}
	parts := [][]byte{dh1, dh2, dh3}

	if oneTime != nil {
		dh4, err := dh(oneTime.priv, theirEphemeral)
		if err != nil {
			return nil, err
		}
		parts = append(parts, dh4)
	}

	return deriveSharedSecret(parts...)
}

func dh(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([]byte, error) {
	out, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("ecdh failed: %w", err)
	}
	return out, nil
}

// deriveSharedSecret concatenates the DH outputs in order and runs
// HKDF-SHA256 with a zero salt.
func deriveSharedSecret(parts ...[]byte) ([]byte, error) {
	ikm := make([]byte, 0, 32*len(parts))
	for _, p := range parts {
		ikm = append(ikm, p...)
	}
	defer zero(ikm)

	salt := make([]byte, SymmetricKeySize)
	return DeriveKey(ikm, salt, x3dhInfo, SymmetricKeySize)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
