// Package authstore persists the identity provider's session blob.
//
// The store is the process-wide singleton behind the session gateway:
// successful exchanges write through it, the recovery ladder reads it
// directly, and consumers subscribe to it for session-change events.
// The blob is stored verbatim as the provider serialized it, so the
// aggressive recovery path can probe it for token material even when
// the blob's shape drifts across provider versions.
package authstore

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	bolt "go.etcd.io/bbolt"
)

const (
	// storeDirPerm is the permission mode for the state directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt database lock.
	storeOpenTimeout = 5 * time.Second
)

var (
	authBucket = []byte("auth")
	sessionKey = []byte("session")
)

// Event identifies why a session-change notification fired.
type Event int

const (
	// InitialSession fires when a subscriber attaches and a persisted
	// session already exists. It must not be treated as a fresh sign-in:
	// acting on it while verification material is still being processed
	// routes users based on a stale session.
	InitialSession Event = iota

	// SignedIn fires when a new session is persisted.
	SignedIn
)

// String returns the event name for logging.
func (e Event) String() string {
	if e == SignedIn {
		return "signed_in"
	}

	return "initial_session"
}

// Store wraps a bbolt database holding the persisted session blob and
// fans out change notifications to subscribers.
type Store struct {
	db *bolt.DB

	subMu   sync.Mutex
	subs    map[int]func(Event, []byte)
	nextSub int
}

// Open opens the store at the given path, creating it if it does not
// exist. The auth bucket is created on open.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening auth store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(authBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing auth store: %w", err)
	}

	return &Store{
		db:   db,
		subs: make(map[int]func(Event, []byte)),
	}, nil
}

// DefaultPath returns the default store location: ~/.authgate/state.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".authgate", "state.db"), nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Session returns the persisted session blob, or nil when none exists.
func (s *Store) Session() []byte {
	var raw []byte

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(authBucket).Get(sessionKey)
		if v != nil {
			raw = make([]byte, len(v))
			copy(raw, v)
		}

		return nil
	})

	return raw
}

// SaveSession persists a session blob, replacing any previous one, and
// notifies subscribers with a SignedIn event. The blob is stored as-is.
func (s *Store) SaveSession(raw []byte) error {
	if len(raw) == 0 {
		return fmt.Errorf("session blob is empty")
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(authBucket).Put(sessionKey, raw)
	})
	if err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}

	s.notify(SignedIn, raw)

	return nil
}

// Clear removes the persisted session. Subscribers are not notified;
// sign-out propagation is the caller's concern.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(authBucket).Delete(sessionKey)
	})
}

// ProbeAccessToken inspects the persisted blob for an access token
// without assuming the blob's shape. It checks the conventional
// top-level key first, then walks nested objects. Used by the
// aggressive recovery rung to decide whether a refresh is worth one
// more attempt.
func (s *Store) ProbeAccessToken() (string, bool) {
	raw := s.Session()
	if len(raw) == 0 {
		return "", false
	}

	if tok := gjson.GetBytes(raw, "access_token"); tok.Type == gjson.String && tok.Str != "" {
		return tok.Str, true
	}

	return probeNested(gjson.ParseBytes(raw))
}

// probeNested walks a parsed JSON value looking for a non-empty string
// access_token at any depth.
func probeNested(v gjson.Result) (string, bool) {
	var found string

	v.ForEach(func(key, value gjson.Result) bool {
		if key.Str == "access_token" && value.Type == gjson.String && value.Str != "" {
			found = value.Str
			return false
		}

		if value.IsObject() {
			if tok, ok := probeNested(value); ok {
				found = tok
				return false
			}
		}

		return true
	})

	return found, found != ""
}

// Subscribe registers a callback for session-change events and returns
// an unsubscribe function. Callbacks fire asynchronously, at least
// once per change, and must not assume ordering against reads.
func (s *Store) Subscribe(fn func(Event, []byte)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// notify invokes all subscribers asynchronously with a copy of the
// subscriber list, so a callback unsubscribing mid-delivery cannot
// deadlock against the store.
func (s *Store) notify(ev Event, raw []byte) {
	s.subMu.Lock()
	fns := make([]func(Event, []byte), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		go fn(ev, raw)
	}
}
