package transparency

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// AlgorithmEd25519 is the only directory signing algorithm.
const AlgorithmEd25519 = "ed25519"

var treeHeadPrefix = []byte("MyNetRunner-STH-v1")

var ErrTreeHeadInvalid = errors.New("tree head signature invalid")

// SignedTreeHead is a signed snapshot of the directory root. Epoch grows by
// one with every recorded key change.
type SignedTreeHead struct {
	Epoch                 int64     `json:"epoch"`
	TreeSize              int64     `json:"treeSize"`
	RootHash              []byte    `json:"rootHash"`
	Timestamp             time.Time `json:"timestamp"`
	SigningKeyFingerprint string    `json:"signingKeyFingerprint"`
	Signature             []byte    `json:"signature"`
}

// SigningKey is the public half of the directory key as served to clients.
type SigningKey struct {
	Algorithm   string `json:"algorithm"`
	PublicKey   []byte `json:"publicKey"`
	Fingerprint string `json:"fingerprint"`
}

// Signer signs tree heads with an Ed25519 key.
type Signer struct {
	privateKey  ed25519.PrivateKey
	publicKey   ed25519.PublicKey
	fingerprint string
}

// NewSigner parses a PEM-encoded Ed25519 private key (PKCS#8 or raw).
func NewSigner(privateKeyPEM []byte) (*Signer, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	var privateKey ed25519.PrivateKey
	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 private key: %w", err)
		}
		k, ok := key.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported key type: %T", key)
		}
		privateKey = k

	case "ED25519 PRIVATE KEY":
		if len(block.Bytes) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("invalid Ed25519 private key size")
		}
		privateKey = ed25519.PrivateKey(block.Bytes)

	default:
		return nil, fmt.Errorf("unsupported PEM block type: %s", block.Type)
	}

	return newSigner(privateKey), nil
}

// LoadSigner accepts either a path to a PEM file or the PEM text itself.
func LoadSigner(value string) (*Signer, error) {
	if !strings.Contains(value, "-----BEGIN") {
		data, err := os.ReadFile(value)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		return NewSigner(data)
	}
	return NewSigner([]byte(value))
}

// GenerateSigner creates a signer with a fresh key. Tree heads it signs stop
// verifying once the process exits.
func GenerateSigner() (*Signer, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	return newSigner(privateKey), nil
}

// MarshalPEM encodes the private key as PKCS#8 PEM.
func (s *Signer) MarshalPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func newSigner(privateKey ed25519.PrivateKey) *Signer {
	publicKey := privateKey.Public().(ed25519.PublicKey)
	return &Signer{
		privateKey:  privateKey,
		publicKey:   publicKey,
		fingerprint: SigningKeyFingerprint(publicKey),
	}
}

func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.publicKey
}

func (s *Signer) Fingerprint() string {
	return s.fingerprint
}

func (s *Signer) SigningKey() *SigningKey {
	return &SigningKey{
		Algorithm:   AlgorithmEd25519,
		PublicKey:   []byte(s.publicKey),
		Fingerprint: s.fingerprint,
	}
}

// SigningKeyFingerprint is the first 16 bytes of SHA-256 over the raw key, hex.
func SigningKeyFingerprint(publicKey ed25519.PublicKey) string {
	hash := sha256.Sum256(publicKey)
	return hex.EncodeToString(hash[:16])
}

// CreateSignedTreeHead signs root at timestamp, truncated to milliseconds so
// the head survives a JSON round trip.
func (s *Signer) CreateSignedTreeHead(epoch, treeSize int64, root []byte, timestamp time.Time) *SignedTreeHead {
	sth := &SignedTreeHead{
		Epoch:                 epoch,
		TreeSize:              treeSize,
		RootHash:              root,
		Timestamp:             timestamp.Truncate(time.Millisecond).UTC(),
		SigningKeyFingerprint: s.fingerprint,
	}
	sth.Signature = ed25519.Sign(s.privateKey, treeHeadData(sth))
	return sth
}

// treeHeadData is prefix || epoch || tree_size || root_hash || timestamp_ms.
func treeHeadData(sth *SignedTreeHead) []byte {
	data := make([]byte, 0, len(treeHeadPrefix)+8+8+HashSize+8)
	data = append(data, treeHeadPrefix...)
	data = binary.BigEndian.AppendUint64(data, uint64(sth.Epoch))
	data = binary.BigEndian.AppendUint64(data, uint64(sth.TreeSize))
	data = append(data, sth.RootHash...)
	data = binary.BigEndian.AppendUint64(data, uint64(sth.Timestamp.UnixMilli()))
	return data
}

// VerifyTreeHead checks sth against a directory public key.
func VerifyTreeHead(publicKey ed25519.PublicKey, sth *SignedTreeHead) error {
	if sth == nil {
		return fmt.Errorf("%w: missing tree head", ErrTreeHeadInvalid)
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad public key size %d", ErrTreeHeadInvalid, len(publicKey))
	}
	if len(sth.RootHash) != HashSize {
		return fmt.Errorf("%w: bad root hash size %d", ErrTreeHeadInvalid, len(sth.RootHash))
	}
	if sth.SigningKeyFingerprint != SigningKeyFingerprint(publicKey) {
		return fmt.Errorf("%w: signed by %s", ErrTreeHeadInvalid, sth.SigningKeyFingerprint)
	}
	if !ed25519.Verify(publicKey, treeHeadData(sth), sth.Signature) {
		return ErrTreeHeadInvalid
	}
	return nil
}
