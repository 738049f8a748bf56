// Package keystore keeps a client's private key material in a single
// passphrase-sealed file: the identity key, every signed prekey by id, the
// unused one-time prekeys and the per-peer session cache.
package keystore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/alejandro-garf/MyNetRunner-sub000/internal/crypto"
	"github.com/sirupsen/logrus"
)

// ErrNoIdentity means this device never generated an identity. The caller
// has to register again; retrying does not help.
var ErrNoIdentity = errors.New("no local identity key")

var ErrOneTimeIDInUse = errors.New("one-time prekey id already held")

// Account is the server login tied to this keystore.
type Account struct {
	Server   string `json:"server,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Token    string `json:"token,omitempty"`
}

type state struct {
	Identity        []byte            `json:"identity,omitempty"`
	SignedPreKeys   map[uint32][]byte `json:"signed_prekeys"`
	CurrentSPKID    *uint32           `json:"current_spk_id,omitempty"`
	OneTimePreKeys  map[uint32][]byte `json:"one_time_prekeys"`
	NextOneTimeID   uint32            `json:"next_one_time_id"`
	Sessions        map[string][]byte `json:"sessions"`
	SessionsUpdated map[string]int64  `json:"sessions_updated"`
	Account         Account           `json:"account"`
}

func newState() state {
	return state{
		SignedPreKeys:   map[uint32][]byte{},
		OneTimePreKeys:  map[uint32][]byte{},
		NextOneTimeID:   1,
		Sessions:        map[string][]byte{},
		SessionsUpdated: map[string]int64{},
	}
}

// Store is safe for use by several processes on one path: every operation
// re-reads the file under an exclusive lock on path+".lock" and writes its
// change back before releasing it.
type Store struct {
	mu         sync.Mutex
	path       string
	passphrase string
	sealer     *sealer
	st         state

	identity *crypto.IdentityKeyPair
	log      *logrus.Entry
}

// Open loads the keystore at path, or prepares an empty one if the file does
// not exist yet. Nothing is written until the first mutation.
func Open(path, passphrase string) (*Store, error) {
	s := &Store{
		path:       path,
		passphrase: passphrase,
		st:         newState(),
		log:        logrus.WithField("component", "keystore"),
	}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if s.sealer, err = newSealer(passphrase); err != nil {
			return nil, err
		}
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}

	raw, sl, err := open(passphrase, b)
	if err != nil {
		return nil, err
	}
	s.sealer = sl

	st, err := decodeState(raw)
	if err != nil {
		return nil, err
	}
	if err := s.adopt(st); err != nil {
		return nil, err
	}
	return s, nil
}

func decodeState(raw []byte) (state, error) {
	var st state
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("failed to decode keystore: %w", err)
	}
	if st.SignedPreKeys == nil {
		st.SignedPreKeys = map[uint32][]byte{}
	}
	if st.OneTimePreKeys == nil {
		st.OneTimePreKeys = map[uint32][]byte{}
	}
	if st.Sessions == nil {
		st.Sessions = map[string][]byte{}
	}
	if st.SessionsUpdated == nil {
		st.SessionsUpdated = map[string]int64{}
	}
	if st.NextOneTimeID == 0 {
		st.NextOneTimeID = 1
	}
	return st, nil
}

// load reads the current file. Must be called with mu and the file lock held.
func (s *Store) load() (state, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return newState(), nil
	}
	if err != nil {
		return state{}, fmt.Errorf("failed to read keystore: %w", err)
	}

	raw, err := s.sealer.open(b)
	if errors.Is(err, errSaltChanged) {
		// Another process created the file first with its own salt.
		var sl *sealer
		if raw, sl, err = open(s.passphrase, b); err == nil {
			s.sealer = sl
		}
	}
	if err != nil {
		return state{}, err
	}
	return decodeState(raw)
}

// save must be called with mu and the file lock held.
func (s *Store) save(st state) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode keystore: %w", err)
	}
	blob, err := s.sealer.seal(raw)
	if err != nil {
		return fmt.Errorf("failed to seal keystore: %w", err)
	}
	if err := writeFile(s.path, blob, 0o600); err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}
	return nil
}

// adopt replaces the in-memory snapshot once st is known to be on disk.
func (s *Store) adopt(st state) error {
	switch {
	case st.Identity == nil:
		s.identity = nil
	case s.identity == nil || !bytes.Equal(st.Identity, s.st.Identity):
		id, err := crypto.ParseIdentityKeyPair(st.Identity)
		if err != nil {
			return err
		}
		s.identity = id
	}
	s.st = st
	return nil
}

// transact runs fn against a fresh copy of the on-disk state. When write is
// set the result is saved; either way memory only changes after success.
func (s *Store) transact(write bool, fn func(st *state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := lockFile(s.path + ".lock")
	if err != nil {
		return err
	}
	defer unlock()

	st, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(&st); err != nil {
		return err
	}
	if write {
		if err := s.save(st); err != nil {
			return err
		}
	}
	return s.adopt(st)
}

// snapshot refreshes from disk for read-only accessors. A failed refresh is
// logged and the last good snapshot is served.
func (s *Store) snapshot() state {
	if err := s.transact(false, func(*state) error { return nil }); err != nil {
		s.log.Warnf("Failed to refresh keystore: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// GenerateIdentity creates the identity key on first use and returns its
// public half. Later calls return the existing key.
func (s *Store) GenerateIdentity() ([]byte, error) {
	var (
		pub     []byte
		created bool
	)
	err := s.transact(true, func(st *state) error {
		if st.Identity != nil {
			id, err := crypto.ParseIdentityKeyPair(st.Identity)
			if err != nil {
				return err
			}
			pub = id.PublicKey()
			return nil
		}

		id, err := crypto.GenerateIdentityKeyPair()
		if err != nil {
			return err
		}
		der, err := id.MarshalPrivate()
		if err != nil {
			return fmt.Errorf("failed to encode identity key: %w", err)
		}
		st.Identity = der
		pub = id.PublicKey()
		created = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if created {
		s.log.Infof("Generated identity %s", crypto.KeyFingerprint(pub))
	}
	return pub, nil
}

func (s *Store) Identity() (*crypto.IdentityKeyPair, error) {
	s.snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return nil, ErrNoIdentity
	}
	return s.identity, nil
}

// GenerateSignedPreKey signs a new prekey with the identity key and makes it
// the current one. Older signed prekeys stay available for in-flight messages.
func (s *Store) GenerateSignedPreKey(id uint32) (*crypto.SignedPreKey, error) {
	var spk *crypto.SignedPreKey
	err := s.transact(true, func(st *state) error {
		if st.Identity == nil {
			return ErrNoIdentity
		}
		identity, err := crypto.ParseIdentityKeyPair(st.Identity)
		if err != nil {
			return err
		}
		if spk, err = crypto.GenerateSignedPreKey(identity, id); err != nil {
			return err
		}
		st.SignedPreKeys[id] = spk.PrivateBytes()
		st.CurrentSPKID = &id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return spk, nil
}

// CurrentSignedPreKey returns the most recently generated signed prekey.
func (s *Store) CurrentSignedPreKey() (*crypto.PreKeyPair, error) {
	st := s.snapshot()

	if st.CurrentSPKID == nil {
		return nil, errors.New("no signed prekey generated")
	}
	raw, ok := st.SignedPreKeys[*st.CurrentSPKID]
	if !ok {
		return nil, fmt.Errorf("signed prekey %d not found", *st.CurrentSPKID)
	}
	return crypto.ParsePreKeyPair(*st.CurrentSPKID, raw)
}

// SignedPreKeys returns every retained signed prekey, the current one first
// and the rest newest first.
func (s *Store) SignedPreKeys() ([]*crypto.PreKeyPair, error) {
	st := s.snapshot()

	ids := make([]uint32, 0, len(st.SignedPreKeys))
	for id := range st.SignedPreKeys {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if st.CurrentSPKID != nil && ids[i] != ids[j] {
			if ids[i] == *st.CurrentSPKID {
				return true
			}
			if ids[j] == *st.CurrentSPKID {
				return false
			}
		}
		return ids[i] > ids[j]
	})

	pairs := make([]*crypto.PreKeyPair, 0, len(ids))
	for _, id := range ids {
		pair, err := crypto.ParsePreKeyPair(id, st.SignedPreKeys[id])
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

// GenerateOneTimeBatch creates count one-time prekeys with ids startID,
// startID+1, ... and keeps their private halves until consumed. It fails
// without writing anything if an id is already held.
func (s *Store) GenerateOneTimeBatch(startID uint32, count int) ([]*crypto.PreKeyPair, error) {
	if count <= 0 {
		return nil, nil
	}

	pairs := make([]*crypto.PreKeyPair, 0, count)
	for i := 0; i < count; i++ {
		pair, err := crypto.GeneratePreKeyPair(startID + uint32(i))
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}

	err := s.transact(true, func(st *state) error {
		for _, p := range pairs {
			if _, exists := st.OneTimePreKeys[p.ID]; exists {
				return fmt.Errorf("%w: %d", ErrOneTimeIDInUse, p.ID)
			}
		}
		for _, p := range pairs {
			st.OneTimePreKeys[p.ID] = p.PrivateBytes()
		}
		if next := startID + uint32(count); next > st.NextOneTimeID {
			st.NextOneTimeID = next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pairs, nil
}

// NextOneTimeID is the first id not yet used by a generated batch.
func (s *Store) NextOneTimeID() uint32 {
	return s.snapshot().NextOneTimeID
}

// TakeOneTimePreKey returns the private one-time prekey and deletes it for
// good. ok is false when the key was never generated or already taken. If
// the delete cannot be written the key stays held and the call can be
// retried.
func (s *Store) TakeOneTimePreKey(id uint32) (*crypto.PreKeyPair, bool, error) {
	var pair *crypto.PreKeyPair
	err := s.transact(true, func(st *state) error {
		raw, ok := st.OneTimePreKeys[id]
		if !ok {
			return nil
		}
		p, err := crypto.ParsePreKeyPair(id, raw)
		if err != nil {
			return err
		}
		delete(st.OneTimePreKeys, id)
		pair = p
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return pair, pair != nil, nil
}

// OneTimeCount is the number of private one-time prekeys still held.
func (s *Store) OneTimeCount() int {
	return len(s.snapshot().OneTimePreKeys)
}

// Session returns the cached secret for peer, if any.
func (s *Store) Session(peer string) ([]byte, bool) {
	secret, ok := s.snapshot().Sessions[peer]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(secret))
	copy(out, secret)
	return out, true
}

// PutSession overwrites the cached secret for peer.
func (s *Store) PutSession(peer string, secret []byte) error {
	cp := make([]byte, len(secret))
	copy(cp, secret)

	return s.transact(true, func(st *state) error {
		st.Sessions[peer] = cp
		st.SessionsUpdated[peer] = time.Now().UnixMilli()
		return nil
	})
}

func (s *Store) Account() Account {
	return s.snapshot().Account
}

func (s *Store) SetAccount(a Account) error {
	return s.transact(true, func(st *state) error {
		st.Account = a
		return nil
	})
}

// Reset destroys all key material and sessions. The account login is kept
// so the user can upload fresh keys.
func (s *Store) Reset() error {
	err := s.transact(true, func(st *state) error {
		account := st.Account
		*st = newState()
		st.Account = account
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Warn("Local key material reset")
	return nil
}

// writeFile is swapped out by tests.
var writeFile = writeFileAtomic

// writeFileAtomic writes b to a temp file in the same directory and renames
// it over path.
func writeFileAtomic(path string, b []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
