package transparency

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alejandro-garf/MyNetRunner-sub000/internal/db"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound     = errors.New("no directory entry for user")
	ErrProofInvalid = errors.New("inclusion proof invalid")
)

// Lookup is a user's current identity key with the proof that ties it to a
// signed tree head.
type Lookup struct {
	UserID      uuid.UUID       `json:"userId"`
	Username    string          `json:"username,omitempty"`
	IdentityKey []byte          `json:"identityKey"`
	Proof       *InclusionProof `json:"proof"`
	Head        *SignedTreeHead `json:"head"`
}

// Verify checks the lookup end to end against the directory public key.
func (l *Lookup) Verify(publicKey ed25519.PublicKey) error {
	if l.Proof == nil || l.Proof.Leaf == nil {
		return fmt.Errorf("%w: missing proof", ErrProofInvalid)
	}
	if l.Proof.Leaf.UserID != l.UserID {
		return fmt.Errorf("%w: leaf belongs to %s", ErrProofInvalid, l.Proof.Leaf.UserID)
	}
	if l.Proof.Leaf.IdentityKeyFingerprint != ComputeKeyFingerprint(l.IdentityKey) {
		return fmt.Errorf("%w: identity key does not match leaf", ErrProofInvalid)
	}
	if err := VerifyTreeHead(publicKey, l.Head); err != nil {
		return err
	}
	if !bytes.Equal(l.Proof.RootHash, l.Head.RootHash) {
		return fmt.Errorf("%w: root does not match tree head", ErrProofInvalid)
	}
	if !VerifyInclusionProof(l.Proof) {
		return ErrProofInvalid
	}
	return nil
}

type entry struct {
	identityKey []byte
	leaf        *Leaf
}

type snapshot struct {
	tree    *tree
	head    *SignedTreeHead
	entries map[uuid.UUID]*entry
}

// Service records identity keys and serves proofs over the current tree. The
// tree is rebuilt lazily after a change.
type Service struct {
	db      *sql.DB
	dialect db.Dialect
	signer  *Signer
	now     func() time.Time
	log     *logrus.Entry

	mu   sync.Mutex
	snap *snapshot
}

func NewService(database *db.DB, signer *Signer) *Service {
	return &Service{
		db:      database.SQL,
		dialect: database.Dialect,
		signer:  signer,
		now:     time.Now,
		log:     logrus.WithField("component", "transparency"),
	}
}

func (s *Service) SigningKey() *SigningKey {
	return s.signer.SigningKey()
}

// Record stores identityKey as userID's directory entry. The version starts
// at 1 and only moves when the fingerprint changes; it reports whether the
// tree changed.
func (s *Service) Record(ctx context.Context, userID uuid.UUID, identityKey []byte) (bool, error) {
	fingerprint := ComputeKeyFingerprint(identityKey)

	var version int
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		INSERT INTO key_directory (user_id, identity_key, identity_fingerprint, key_version, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			identity_key = excluded.identity_key,
			identity_fingerprint = excluded.identity_fingerprint,
			key_version = key_directory.key_version + 1,
			updated_at = excluded.updated_at
		WHERE key_directory.identity_fingerprint <> excluded.identity_fingerprint
		RETURNING key_version
	`), userID, base64.StdEncoding.EncodeToString(identityKey), fingerprint, s.now().UnixMilli()).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record identity key: %w", err)
	}

	s.mu.Lock()
	s.snap = nil
	s.mu.Unlock()

	s.log.WithField("user_id", userID).Infof("Identity key version %d recorded", version)
	return true, nil
}

// Head returns the signed head of the current tree.
func (s *Service) Head(ctx context.Context) (*SignedTreeHead, error) {
	snap, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	return snap.head, nil
}

// Lookup returns userID's identity key with its inclusion proof.
func (s *Service) Lookup(ctx context.Context, userID uuid.UUID) (*Lookup, error) {
	snap, err := s.current(ctx)
	if err != nil {
		return nil, err
	}

	e, ok := snap.entries[userID]
	if !ok {
		return nil, ErrNotFound
	}
	proof := snap.tree.prove(userID)
	if proof == nil {
		return nil, ErrNotFound
	}

	return &Lookup{
		UserID:      userID,
		IdentityKey: e.identityKey,
		Proof:       proof,
		Head:        snap.head,
	}, nil
}

func (s *Service) current(ctx context.Context) (*snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap != nil {
		return s.snap, nil
	}

	snap, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	s.snap = snap
	return snap, nil
}

func (s *Service) load(ctx context.Context) (*snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, identity_key, identity_fingerprint, key_version
		FROM key_directory
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load key directory: %w", err)
	}
	defer rows.Close()

	entries := make(map[uuid.UUID]*entry)
	leaves := make([]*Leaf, 0)
	// Versions never decrease, so their sum counts every change ever recorded.
	var epoch int64
	for rows.Next() {
		var (
			leaf    Leaf
			encoded string
		)
		if err := rows.Scan(&leaf.UserID, &encoded, &leaf.IdentityKeyFingerprint, &leaf.KeyVersion); err != nil {
			return nil, fmt.Errorf("failed to scan directory entry: %w", err)
		}
		identityKey, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("corrupt identity key for %s: %w", leaf.UserID, err)
		}

		entries[leaf.UserID] = &entry{identityKey: identityKey, leaf: &leaf}
		leaves = append(leaves, &leaf)
		epoch += int64(leaf.KeyVersion)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load key directory: %w", err)
	}

	t := buildTree(leaves)
	head := s.signer.CreateSignedTreeHead(epoch, int64(t.size()), t.root, s.now())
	s.log.Debugf("Rebuilt key directory: %d entries, epoch %d", t.size(), epoch)

	return &snapshot{tree: t, head: head, entries: entries}, nil
}
