package keystore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alejandro-garf/MyNetRunner-sub000/internal/crypto"
	"golang.org/x/crypto/scrypt"
)

// Current on-disk envelope version.
const envelopeVersion = 1

// scrypt cost parameters for new keystores. Existing files carry their own.
var (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted keystore")

// errSaltChanged means the file was sealed under a different key derivation
// than the one cached, so the passphrase has to be run through scrypt again.
var errSaltChanged = errors.New("keystore salt changed")

// envelope is the JSON file written to disk. The salt doubles as additional
// data so a blob cannot be replayed under another salt.
type envelope struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

// sealer holds a derived key so scrypt runs once per Open, not per access.
type sealer struct {
	key     []byte
	salt    []byte
	n, r, p int
}

func newSealer(passphrase string) (*sealer, error) {
	salt, err := crypto.GenerateNonce(16)
	if err != nil {
		return nil, err
	}
	return deriveSealer(passphrase, salt, scryptN, scryptR, scryptP)
}

func deriveSealer(passphrase string, salt []byte, n, r, p int) (*sealer, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, n, r, p, crypto.SymmetricKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive keystore key: %w", err)
	}
	return &sealer{key: key, salt: salt, n: n, r: r, p: p}, nil
}

func (s *sealer) seal(raw []byte) ([]byte, error) {
	msg, err := crypto.EncryptXChaCha20(s.key, raw, s.salt)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		V:      envelopeVersion,
		Salt:   s.salt,
		N:      s.n,
		R:      s.r,
		P:      s.p,
		Nonce:  msg.Nonce,
		Cipher: msg.Ciphertext,
	})
}

func parseEnvelope(b []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("failed to parse keystore: %w", err)
	}
	if env.V > envelopeVersion {
		return env, fmt.Errorf("unsupported keystore version %d", env.V)
	}
	return env, nil
}

// open decrypts b with the cached key.
func (s *sealer) open(b []byte) ([]byte, error) {
	env, err := parseEnvelope(b)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(env.Salt, s.salt) || env.N != s.n || env.R != s.r || env.P != s.p {
		return nil, errSaltChanged
	}
	raw, err := crypto.DecryptXChaCha20(s.key, env.Cipher, env.Nonce, env.Salt)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return raw, nil
}

// open parses b, derives the key from passphrase and returns the plaintext
// together with a sealer bound to the same salt.
func open(passphrase string, b []byte) ([]byte, *sealer, error) {
	env, err := parseEnvelope(b)
	if err != nil {
		return nil, nil, err
	}

	s, err := deriveSealer(passphrase, env.Salt, env.N, env.R, env.P)
	if err != nil {
		return nil, nil, err
	}
	raw, err := crypto.DecryptXChaCha20(s.key, env.Cipher, env.Nonce, env.Salt)
	if err != nil {
		return nil, nil, ErrWrongPassphrase
	}
	return raw, s, nil
}
