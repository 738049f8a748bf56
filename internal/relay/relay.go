// Package relay is the ephemeral store for ciphertext blobs. A blob is either
// pushed to a reachable recipient and never written, or persisted until it is
// fetched or its deadline passes. Both terminal paths are deletes.
package relay

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alejandro-garf/MyNetRunner-sub000/internal/db"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Blob is one ciphertext addressed to one recipient. Group sends produce one
// Blob per member carrying the same ciphertext and IV.
type Blob struct {
	ID                  uuid.UUID
	SenderID            uuid.UUID
	SenderUsername      string
	ReceiverID          uuid.UUID
	GroupID             *uuid.UUID
	Ciphertext          string
	IV                  string
	IsEncrypted         bool
	SenderIdentityKey   *string
	SenderEphemeralKey  *string
	UsedOneTimePreKeyID *int
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Delivered           bool
}

// Message converts the blob to its wire form. The timestamp is only included
// for plaintext messages.
func (b *Blob) Message() *models.Message {
	msg := &models.Message{
		ID:                  b.ID,
		SenderID:            b.SenderID,
		SenderUsername:      b.SenderUsername,
		GroupID:             b.GroupID,
		IV:                  b.IV,
		IsEncrypted:         b.IsEncrypted,
		SenderIdentityKey:   b.SenderIdentityKey,
		SenderEphemeralKey:  b.SenderEphemeralKey,
		UsedOneTimePreKeyID: b.UsedOneTimePreKeyID,
		Delivered:           b.Delivered,
	}
	if b.IsEncrypted {
		msg.EncryptedContent = b.Ciphertext
	} else {
		msg.Content = b.Ciphertext
		ts := b.CreatedAt
		msg.Timestamp = &ts
	}
	return msg
}

func (b *Blob) copyFor(receiver uuid.UUID) *Blob {
	c := *b
	c.ID = uuid.Nil
	c.ReceiverID = receiver
	return &c
}

// Transport pushes blobs to connected recipients.
type Transport interface {
	Reachable(ctx context.Context, userID uuid.UUID) bool
	PushToUser(ctx context.Context, userID uuid.UUID, blob *Blob) bool
}

// ObjectStore holds ciphertexts too large to keep inline.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

type Config struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	// SpillThreshold is the ciphertext length above which a blob is moved to
	// the ObjectStore. Zero disables spilling.
	SpillThreshold int
}

type SendResult struct {
	ID        uuid.UUID
	Delivered bool
	ExpiresAt time.Time
}

type GroupResult struct {
	IDs       []uuid.UUID
	Delivered int
	Queued    int
}

type Store struct {
	db        *sql.DB
	dialect   db.Dialect
	transport Transport
	objects   ObjectStore
	cfg       Config
	now       func() time.Time
	log       *logrus.Entry
}

// NewStore builds a relay store. transport and objects may be nil.
func NewStore(database *db.DB, transport Transport, objects ObjectStore, cfg Config) *Store {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = 24 * time.Hour
	}
	return &Store{
		db:        database.SQL,
		dialect:   database.Dialect,
		transport: transport,
		objects:   objects,
		cfg:       cfg,
		now:       time.Now,
		log:       logrus.WithField("component", "relay"),
	}
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) ttl(requested time.Duration) time.Duration {
	if requested <= 0 {
		return s.cfg.DefaultTTL
	}
	if requested > s.cfg.MaxTTL {
		return s.cfg.MaxTTL
	}
	return requested
}

// Send pushes b to a reachable recipient or persists it with a deadline of
// now+ttl. The two outcomes are exclusive.
func (s *Store) Send(ctx context.Context, b *Blob, ttl time.Duration) (*SendResult, error) {
	now := s.now()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.CreatedAt = now
	b.ExpiresAt = now.Add(s.ttl(ttl))

	if s.transport != nil && s.transport.Reachable(ctx, b.ReceiverID) {
		b.Delivered = true
		if s.transport.PushToUser(ctx, b.ReceiverID, b) {
			s.log.WithField("blob_id", b.ID).Debug("Delivered blob immediately")
			return &SendResult{ID: b.ID, Delivered: true, ExpiresAt: b.ExpiresAt}, nil
		}
		b.Delivered = false
	}

	if err := s.persist(ctx, b); err != nil {
		return nil, err
	}
	s.log.WithField("blob_id", b.ID).Debugf("Queued blob until %s", b.ExpiresAt.Format(time.RFC3339))
	return &SendResult{ID: b.ID, Delivered: false, ExpiresAt: b.ExpiresAt}, nil
}

// SendGroup fans b out to every member except the sender.
func (s *Store) SendGroup(ctx context.Context, b *Blob, members []uuid.UUID, ttl time.Duration) (*GroupResult, error) {
	if b.GroupID == nil {
		return nil, fmt.Errorf("group send without group id")
	}

	result := &GroupResult{}
	for _, member := range members {
		if member == b.SenderID {
			continue
		}
		res, err := s.Send(ctx, b.copyFor(member), ttl)
		if err != nil {
			return result, fmt.Errorf("failed to relay to member %s: %w", member, err)
		}
		result.IDs = append(result.IDs, res.ID)
		if res.Delivered {
			result.Delivered++
		} else {
			result.Queued++
		}
	}
	return result, nil
}

func (s *Store) persist(ctx context.Context, b *Blob) error {
	ciphertext := b.Ciphertext
	var objectKey *string

	if s.objects != nil && s.cfg.SpillThreshold > 0 && len(ciphertext) > s.cfg.SpillThreshold {
		key := "relay/" + b.ID.String()
		if err := s.objects.Put(ctx, key, []byte(ciphertext)); err != nil {
			return fmt.Errorf("failed to spill blob: %w", err)
		}
		objectKey = &key
		ciphertext = ""
	}

	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO relay_blobs (
			id, sender_id, receiver_id, group_id, ciphertext, iv, is_encrypted,
			sender_identity_key, sender_ephemeral_key, used_one_time_prekey_id,
			object_key, created_at, expires_at, delivered
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE)
	`), b.ID, b.SenderID, b.ReceiverID, b.GroupID, ciphertext, b.IV, b.IsEncrypted,
		b.SenderIdentityKey, b.SenderEphemeralKey, b.UsedOneTimePreKeyID,
		objectKey, b.CreatedAt.UnixMilli(), b.ExpiresAt.UnixMilli())
	if err != nil {
		if objectKey != nil {
			s.deleteObject(ctx, *objectKey)
		}
		return fmt.Errorf("failed to store blob: %w", err)
	}
	return nil
}

// Requeue persists a blob whose push failed after it was handed to another
// node. Blobs already past their deadline are dropped.
func (s *Store) Requeue(ctx context.Context, b *Blob) error {
	b.Delivered = false
	if !b.ExpiresAt.After(s.now()) {
		return nil
	}
	if err := s.persist(ctx, b); err != nil {
		return err
	}
	s.log.WithField("blob_id", b.ID).Debug("Requeued forwarded blob")
	return nil
}

const blobColumns = `id, sender_id, receiver_id, group_id, ciphertext, iv, is_encrypted,
	sender_identity_key, sender_ephemeral_key, used_one_time_prekey_id,
	object_key, created_at, expires_at`

// FetchAndDeliver removes and returns every unexpired blob for recipient,
// oldest first. Each row is returned to at most one caller.
func (s *Store) FetchAndDeliver(ctx context.Context, recipient uuid.UUID) ([]*Blob, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		DELETE FROM relay_blobs
		WHERE receiver_id = ? AND expires_at >= ?
		RETURNING `+blobColumns), recipient, s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blobs: %w", err)
	}

	type spilled struct {
		blob *Blob
		key  string
	}
	var (
		blobs  []*Blob
		spills []spilled
	)
	for rows.Next() {
		b, objectKey, err := scanBlob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		b.Delivered = true
		if objectKey != nil {
			spills = append(spills, spilled{blob: b, key: *objectKey})
			continue
		}
		blobs = append(blobs, b)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to read blobs: %w", err)
	}
	rows.Close()

	for _, sp := range spills {
		if s.objects == nil {
			s.log.WithField("blob_id", sp.blob.ID).Warn("Dropping spilled blob: no object store")
			continue
		}
		data, err := s.objects.Get(ctx, sp.key)
		if err != nil {
			s.log.WithField("blob_id", sp.blob.ID).Warnf("Dropping spilled blob: %v", err)
			continue
		}
		sp.blob.Ciphertext = string(data)
		blobs = append(blobs, sp.blob)
		s.deleteObject(ctx, sp.key)
	}

	sort.SliceStable(blobs, func(i, j int) bool {
		return blobs[i].CreatedAt.Before(blobs[j].CreatedAt)
	})
	return blobs, nil
}

func scanBlob(rows *sql.Rows) (*Blob, *string, error) {
	var (
		b                    Blob
		objectKey            *string
		createdAt, expiresAt int64
	)
	err := rows.Scan(&b.ID, &b.SenderID, &b.ReceiverID, &b.GroupID, &b.Ciphertext, &b.IV, &b.IsEncrypted,
		&b.SenderIdentityKey, &b.SenderEphemeralKey, &b.UsedOneTimePreKeyID,
		&objectKey, &createdAt, &expiresAt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan blob: %w", err)
	}
	b.CreatedAt = time.UnixMilli(createdAt)
	b.ExpiresAt = time.UnixMilli(expiresAt)
	return &b, objectKey, nil
}

// Reap deletes every blob whose deadline is before now. Running it twice, or
// concurrently with FetchAndDeliver, is safe.
func (s *Store) Reap(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.deleteWhere(ctx, `expires_at < ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to reap blobs: %w", err)
	}
	if n > 0 {
		s.log.Infof("Reaped %d expired blobs", n)
	}
	return n, nil
}

// DeleteAllFor removes every blob userID sent or is due to receive,
// regardless of deadline.
func (s *Store) DeleteAllFor(ctx context.Context, userID uuid.UUID) (int64, error) {
	n, err := s.deleteWhere(ctx, `sender_id = ? OR receiver_id = ?`, userID, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to purge blobs: %w", err)
	}
	s.log.WithField("user_id", userID).Infof("Purged %d blobs", n)
	return n, nil
}

func (s *Store) deleteWhere(ctx context.Context, where string, args ...interface{}) (int64, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		`DELETE FROM relay_blobs WHERE `+where+` RETURNING object_key`), args...)
	if err != nil {
		return 0, err
	}

	var (
		n    int64
		keys []string
	)
	for rows.Next() {
		var key *string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return 0, err
		}
		n++
		if key != nil {
			keys = append(keys, *key)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, key := range keys {
		s.deleteObject(ctx, key)
	}
	return n, nil
}

func (s *Store) deleteObject(ctx context.Context, key string) {
	if s.objects == nil {
		return
	}
	if err := s.objects.Delete(ctx, key); err != nil {
		s.log.Warnf("Failed to delete object %s: %v", strings.TrimPrefix(key, "relay/"), err)
	}
}

// Pending counts unexpired blobs waiting for recipient.
func (s *Store) Pending(ctx context.Context, recipient uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT COUNT(*) FROM relay_blobs WHERE receiver_id = ? AND expires_at >= ?
	`), recipient, s.now().UnixMilli()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending blobs: %w", err)
	}
	return count, nil
}
