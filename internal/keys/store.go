// Package keys holds the server side of the key material lifecycle: one
// bundle (identity + signed prekey) per user and a pool of one-time prekeys
// that are handed out at most once.
package keys

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/alejandro-garf/MyNetRunner-sub000/internal/crypto"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/db"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrKeysNotRegistered = errors.New("keys not registered")
	ErrInvalidKey        = errors.New("invalid key material")
)

// UserDirectory answers whether an account exists.
type UserDirectory interface {
	UserExists(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Bundle is an uploaded identity key plus its current signed prekey.
type Bundle struct {
	IdentityKey           []byte
	SignedPreKey          []byte
	SignedPreKeyID        int
	SignedPreKeySignature []byte
}

type OneTimePreKey struct {
	KeyID     int
	PublicKey []byte
}

// PreKeyBundle is assembled per request. OneTimePreKey is nil when the pool
// was empty at claim time.
type PreKeyBundle struct {
	UserID uuid.UUID
	Bundle
	OneTimePreKey *OneTimePreKey
}

// PoolStatus reports a user's remaining one-time prekeys.
type PoolStatus struct {
	UserID    uuid.UUID
	Available int
}

type Status struct {
	HasBundle      bool `json:"hasBundle"`
	SignedPreKeyID int  `json:"signedPreKeyId,omitempty"`
	Available      int  `json:"available"`
}

type Service struct {
	db      *sql.DB
	dialect db.Dialect
	users   UserDirectory
	now     func() time.Time
	log     *logrus.Entry
}

func NewService(database *db.DB, users UserDirectory) *Service {
	return &Service{
		db:      database.SQL,
		dialect: database.Dialect,
		users:   users,
		now:     time.Now,
		log:     logrus.WithField("component", "keys"),
	}
}

func (s *Service) requireUser(ctx context.Context, userID uuid.UUID) error {
	exists, err := s.users.UserExists(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to look up user: %w", err)
	}
	if !exists {
		return ErrUserNotFound
	}
	return nil
}

// StoreBundle upserts the identity key and signed prekey for userID. The
// signature must verify against the identity key in the same upload.
func (s *Service) StoreBundle(ctx context.Context, userID uuid.UUID, b *Bundle) error {
	if err := s.requireUser(ctx, userID); err != nil {
		return err
	}

	if _, err := crypto.ParsePublicKey(b.IdentityKey); err != nil {
		return fmt.Errorf("%w: identity key: %v", ErrInvalidKey, err)
	}
	if _, err := crypto.ParsePublicKey(b.SignedPreKey); err != nil {
		return fmt.Errorf("%w: signed prekey: %v", ErrInvalidKey, err)
	}
	if b.SignedPreKeyID < 0 {
		return fmt.Errorf("%w: negative signed prekey id", ErrInvalidKey)
	}
	if err := crypto.VerifySignedPreKey(b.IdentityKey, b.SignedPreKey, b.SignedPreKeySignature); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO key_bundles (user_id, identity_key, signed_prekey, signed_prekey_id, signed_prekey_signature, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			identity_key = excluded.identity_key,
			signed_prekey = excluded.signed_prekey,
			signed_prekey_id = excluded.signed_prekey_id,
			signed_prekey_signature = excluded.signed_prekey_signature,
			updated_at = excluded.updated_at
	`), userID, encode(b.IdentityKey), encode(b.SignedPreKey), b.SignedPreKeyID, encode(b.SignedPreKeySignature), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store bundle: %w", err)
	}

	s.log.WithField("user_id", userID).Infof("Stored bundle (signed prekey %d, fingerprint %s)",
		b.SignedPreKeyID, crypto.KeyFingerprint(b.IdentityKey))
	return nil
}

// StoreOneTimeBatch appends unused one-time prekeys. Ids already present for
// the user are skipped. It returns how many rows were inserted.
func (s *Service) StoreOneTimeBatch(ctx context.Context, userID uuid.UUID, batch []OneTimePreKey) (int, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return 0, err
	}

	for _, k := range batch {
		if k.KeyID < 0 {
			return 0, fmt.Errorf("%w: negative one-time prekey id", ErrInvalidKey)
		}
		if _, err := crypto.ParsePublicKey(k.PublicKey); err != nil {
			return 0, fmt.Errorf("%w: one-time prekey %d: %v", ErrInvalidKey, k.KeyID, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.dialect.Rebind(`
		INSERT INTO one_time_prekeys (user_id, key_id, public_key, used)
		VALUES (?, ?, ?, FALSE)
		ON CONFLICT (user_id, key_id) DO NOTHING
	`))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, k := range batch {
		res, err := stmt.ExecContext(ctx, userID, k.KeyID, encode(k.PublicKey))
		if err != nil {
			return 0, fmt.Errorf("failed to insert one-time prekey %d: %w", k.KeyID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read insert result: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit one-time prekeys: %w", err)
	}

	s.log.WithField("user_id", userID).Infof("Stored %d of %d one-time prekeys", inserted, len(batch))
	return inserted, nil
}

// FetchBundleFor returns userID's bundle and consumes one unused one-time
// prekey if any is left. The claim commits even if the caller later fails.
func (s *Service) FetchBundleFor(ctx context.Context, userID uuid.UUID) (*PreKeyBundle, error) {
	var identityKey, signedPreKey, signature string
	bundle := &PreKeyBundle{UserID: userID}

	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT identity_key, signed_prekey, signed_prekey_id, signed_prekey_signature
		FROM key_bundles
		WHERE user_id = ?
	`), userID).Scan(&identityKey, &signedPreKey, &bundle.SignedPreKeyID, &signature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeysNotRegistered
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bundle: %w", err)
	}

	if bundle.IdentityKey, err = decode(identityKey); err != nil {
		return nil, err
	}
	if bundle.SignedPreKey, err = decode(signedPreKey); err != nil {
		return nil, err
	}
	if bundle.SignedPreKeySignature, err = decode(signature); err != nil {
		return nil, err
	}

	otk, err := s.claimOneTimePreKey(ctx, userID)
	if err != nil {
		return nil, err
	}
	bundle.OneTimePreKey = otk

	return bundle, nil
}

// claimOneTimePreKey marks and returns the lowest unused key id in a single
// statement. Concurrent callers never see the same row: postgres skips rows
// locked by another claimer, sqlite serializes writers.
func (s *Service) claimOneTimePreKey(ctx context.Context, userID uuid.UUID) (*OneTimePreKey, error) {
	lock := ""
	if s.dialect == db.Postgres {
		lock = "FOR UPDATE SKIP LOCKED"
	}

	query := s.dialect.Rebind(`
		UPDATE one_time_prekeys
		SET used = TRUE, used_at = ?
		WHERE id = (
			SELECT id FROM one_time_prekeys
			WHERE user_id = ? AND used = FALSE
			ORDER BY key_id
			LIMIT 1 ` + lock + `
		) AND used = FALSE
		RETURNING key_id, public_key
	`)

	var (
		key       OneTimePreKey
		publicKey string
	)
	err := s.db.QueryRowContext(ctx, query, s.now().UnixMilli(), userID).Scan(&key.KeyID, &publicKey)
	if errors.Is(err, sql.ErrNoRows) {
		s.log.WithField("user_id", userID).Warn("One-time prekey pool exhausted")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim one-time prekey: %w", err)
	}

	if key.PublicKey, err = decode(publicKey); err != nil {
		return nil, err
	}
	return &key, nil
}

// AvailableOneTimeCount returns the number of unused one-time prekeys.
func (s *Service) AvailableOneTimeCount(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT COUNT(*) FROM one_time_prekeys
		WHERE user_id = ? AND used = FALSE
	`), userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count prekeys: %w", err)
	}
	return count, nil
}

// UsersBelow lists users with a registered bundle whose pool has fewer than
// threshold unused keys.
func (s *Service) UsersBelow(ctx context.Context, threshold int) ([]PoolStatus, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT b.user_id, COUNT(o.id)
		FROM key_bundles b
		LEFT JOIN one_time_prekeys o ON o.user_id = b.user_id AND o.used = FALSE
		GROUP BY b.user_id
		HAVING COUNT(o.id) < ?
	`), threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to scan prekey pools: %w", err)
	}
	defer rows.Close()

	var out []PoolStatus
	for rows.Next() {
		var st PoolStatus
		if err := rows.Scan(&st.UserID, &st.Available); err != nil {
			return nil, fmt.Errorf("failed to scan pool status: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// PurgeUsed drops consumed one-time prekey rows claimed before cutoff.
func (s *Service) PurgeUsed(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		DELETE FROM one_time_prekeys WHERE used = TRUE AND used_at < ?
	`), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge used prekeys: %w", err)
	}
	return res.RowsAffected()
}

// Status summarizes what the server holds for userID.
func (s *Service) Status(ctx context.Context, userID uuid.UUID) (*Status, error) {
	st := &Status{}
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT signed_prekey_id FROM key_bundles WHERE user_id = ?
	`), userID).Scan(&st.SignedPreKeyID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to get key status: %w", err)
	default:
		st.HasBundle = true
	}

	if st.Available, err = s.AvailableOneTimeCount(ctx, userID); err != nil {
		return nil, err
	}
	return st, nil
}

// Reset deletes the bundle and the whole pool for userID.
func (s *Service) Reset(ctx context.Context, userID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM one_time_prekeys WHERE user_id = ?`), userID); err != nil {
		return fmt.Errorf("failed to delete one-time prekeys: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM key_bundles WHERE user_id = ?`), userID); err != nil {
		return fmt.Errorf("failed to delete bundle: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit key reset: %w", err)
	}

	s.log.WithField("user_id", userID).Info("Key material reset")
	return nil
}

func encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decode(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("corrupt stored key: %w", err)
	}
	return b, nil
}
