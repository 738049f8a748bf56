package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
)

const (
	// P256PublicKeySize is the uncompressed SEC1 point length.
	P256PublicKeySize = 65
	// P256PrivateKeySize is the raw scalar length.
	P256PrivateKeySize = 32
	// MaxSignatureSize bounds an ASN.1 DER ECDSA P-256 signature.
	MaxSignatureSize = 72
)

var ErrInvalidPublicKey = errors.New("invalid P-256 public key")

// IdentityKeyPair is the long-lived key of a user. The same scalar is used
// for ECDH in X3DH and for ECDSA over signed prekeys.
type IdentityKeyPair struct {
	priv *ecdsa.PrivateKey
	dh   *ecdh.PrivateKey
}

// GenerateIdentityKeyPair creates a fresh P-256 identity.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}
	return newIdentityKeyPair(priv)
}

// ParseIdentityKeyPair restores an identity from MarshalPrivate output.
func ParseIdentityKeyPair(der []byte) (*IdentityKeyPair, error) {
	priv, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse identity key: %w", err)
	}
	if priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("unsupported identity curve %s", priv.Curve.Params().Name)
	}
	return newIdentityKeyPair(priv)
}

func newIdentityKeyPair(priv *ecdsa.PrivateKey) (*IdentityKeyPair, error) {
	dh, err := priv.ECDH()
	if err != nil {
		return nil, fmt.Errorf("failed to convert identity key: %w", err)
	}
	return &IdentityKeyPair{priv: priv, dh: dh}, nil
}

// PublicKey returns the uncompressed public point.
func (k *IdentityKeyPair) PublicKey() []byte {
	return k.dh.PublicKey().Bytes()
}

// MarshalPrivate encodes the private key as SEC 1 DER.
func (k *IdentityKeyPair) MarshalPrivate() ([]byte, error) {
	return x509.MarshalECPrivateKey(k.priv)
}

// Sign produces an ASN.1 DER ECDSA signature over SHA-256(msg).
func (k *IdentityKeyPair) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	sig, err := ecdsa.SignASN1(rand.Reader, k.priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

// PreKeyPair is a signed or one-time prekey together with its id.
type PreKeyPair struct {
	ID   uint32
	priv *ecdh.PrivateKey
}

func GeneratePreKeyPair(id uint32) (*PreKeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate prekey %d: %w", id, err)
	}
	return &PreKeyPair{ID: id, priv: priv}, nil
}

// ParsePreKeyPair restores a prekey from its raw 32-byte scalar.
func ParsePreKeyPair(id uint32, raw []byte) (*PreKeyPair, error) {
	priv, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prekey %d: %w", id, err)
	}
	return &PreKeyPair{ID: id, priv: priv}, nil
}

func (p *PreKeyPair) PublicKey() []byte {
	return p.priv.PublicKey().Bytes()
}

func (p *PreKeyPair) PrivateBytes() []byte {
	return p.priv.Bytes()
}

// SignedPreKey is a prekey whose public half is signed by the identity key.
type SignedPreKey struct {
	*PreKeyPair
	Signature []byte
}

// GenerateSignedPreKey creates a prekey and signs its public encoding.
func GenerateSignedPreKey(identity *IdentityKeyPair, id uint32) (*SignedPreKey, error) {
	pair, err := GeneratePreKeyPair(id)
	if err != nil {
		return nil, err
	}
	sig, err := identity.Sign(pair.PublicKey())
	if err != nil {
		return nil, err
	}
	return &SignedPreKey{PreKeyPair: pair, Signature: sig}, nil
}

// ParsePublicKey validates an uncompressed P-256 point.
func ParsePublicKey(raw []byte) (*ecdh.PublicKey, error) {
	if len(raw) != P256PublicKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d", ErrInvalidPublicKey, len(raw), P256PublicKeySize)
	}
	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pub, nil
}

// VerifySignedPreKey checks that signature is identityPub's ECDSA signature
// over signedPreKeyPub. It returns ErrInvalidPublicKey or ErrSignatureInvalid.
func VerifySignedPreKey(identityPub, signedPreKeyPub, signature []byte) error {
	if _, err := ParsePublicKey(identityPub); err != nil {
		return err
	}
	if _, err := ParsePublicKey(signedPreKeyPub); err != nil {
		return err
	}
	if len(signature) == 0 || len(signature) > MaxSignatureSize {
		return fmt.Errorf("%w: bad signature length %d", ErrSignatureInvalid, len(signature))
	}

	x, y := elliptic.Unmarshal(elliptic.P256(), identityPub)
	if x == nil {
		return ErrInvalidPublicKey
	}
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}

	digest := sha256.Sum256(signedPreKeyPub)
	if !ecdsa.VerifyASN1(pub, digest[:], signature) {
		return ErrSignatureInvalid
	}
	return nil
}
