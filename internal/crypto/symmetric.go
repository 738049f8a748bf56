/*
Package crypto implements the message-layer cryptography.

ALGORITHMS:
  - X3DH over P-256 (crypto/ecdh) with ECDSA-signed prekeys
  - HKDF-SHA256 for key derivation
  - AES-256-GCM for message payloads (12-byte random IV)
  - XChaCha20-Poly1305 for local at-rest sealing

The relay server never calls Encrypt or Decrypt. It only validates public
key encodings and signed prekey signatures on upload.
*/
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// SymmetricKeySize is the size of symmetric keys (256 bits)
const SymmetricKeySize = 32

// AESGCMNonceSize is the nonce size for AES-GCM
const AESGCMNonceSize = 12

// XChaCha20NonceSize is the nonce size for XChaCha20-Poly1305
const XChaCha20NonceSize = 24

// ErrDecryptionFailed covers tag mismatch, malformed input and wrong keys.
// Callers never get partial plaintext alongside it.
var ErrDecryptionFailed = errors.New("decryption failed")

// EncryptedMessage is raw AEAD output.
type EncryptedMessage struct {
	Ciphertext []byte
	Nonce      []byte
}

// Sealed is the base64 form of an AES-GCM message as it travels on the wire.
type Sealed struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
}

// GenerateSymmetricKey generates a random 256-bit symmetric key
func GenerateSymmetricKey() ([]byte, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

// GenerateNonce generates a random nonce of the specified size
func GenerateNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate random nonce: %w", err)
	}
	return nonce, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("invalid key size: expected %d, got %d", SymmetricKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// EncryptAESGCM encrypts plaintext using AES-256-GCM with a fresh nonce.
func EncryptAESGCM(key, plaintext, additionalData []byte) (*EncryptedMessage, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce, err := GenerateNonce(gcm.NonceSize())
	if err != nil {
		return nil, err
	}

	return &EncryptedMessage{
		Ciphertext: gcm.Seal(nil, nonce, plaintext, additionalData),
		Nonce:      nonce,
	}, nil
}

// DecryptAESGCM decrypts ciphertext using AES-256-GCM.
func DecryptAESGCM(key, ciphertext, nonce, additionalData []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: invalid nonce size %d", ErrDecryptionFailed, len(nonce))
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// Encrypt seals plaintext under a derived session secret and returns the
// base64 ciphertext and IV.
func Encrypt(plaintext, secret []byte) (*Sealed, error) {
	msg, err := EncryptAESGCM(secret, plaintext, nil)
	if err != nil {
		return nil, err
	}

	return &Sealed{
		Ciphertext: base64.StdEncoding.EncodeToString(msg.Ciphertext),
		IV:         base64.StdEncoding.EncodeToString(msg.Nonce),
	}, nil
}

// Decrypt opens a Sealed message. Every failure wraps ErrDecryptionFailed.
func Decrypt(sealed *Sealed, secret []byte) ([]byte, error) {
	if sealed == nil {
		return nil, fmt.Errorf("%w: empty message", ErrDecryptionFailed)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext", ErrDecryptionFailed)
	}

	iv, err := base64.StdEncoding.DecodeString(sealed.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed iv", ErrDecryptionFailed)
	}

	return DecryptAESGCM(secret, ciphertext, iv, nil)
}

// EncryptXChaCha20 encrypts plaintext using XChaCha20-Poly1305
func EncryptXChaCha20(key, plaintext, additionalData []byte) (*EncryptedMessage, error) {
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("invalid key size: expected %d, got %d", SymmetricKeySize, len(key))
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create XChaCha20-Poly1305: %w", err)
	}

	nonce, err := GenerateNonce(aead.NonceSize())
	if err != nil {
		return nil, err
	}

	return &EncryptedMessage{
		Ciphertext: aead.Seal(nil, nonce, plaintext, additionalData),
		Nonce:      nonce,
	}, nil
}

// DecryptXChaCha20 decrypts ciphertext using XChaCha20-Poly1305
func DecryptXChaCha20(key, ciphertext, nonce, additionalData []byte) ([]byte, error) {
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("%w: invalid key size %d", ErrDecryptionFailed, len(key))
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create XChaCha20-Poly1305: %w", err)
	}

	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: invalid nonce size %d", ErrDecryptionFailed, len(nonce))
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// DeriveKey derives a key from a master key using HKDF-SHA256
func DeriveKey(masterKey, salt, info []byte, keyLen int) ([]byte, error) {
	if keyLen > 255*sha256.Size {
		return nil, fmt.Errorf("requested key length too large")
	}

	kdf := hkdf.New(sha256.New, masterKey, salt, info)
	derivedKey := make([]byte, keyLen)
	if _, err := io.ReadFull(kdf, derivedKey); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	return derivedKey, nil
}
