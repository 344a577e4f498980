// Package state persists a warm-start cache of the inbox between runs:
// the last known session list and the last active session id. The cache
// lets a restarted console render immediately; authoritative data still
// arrives with the first sessions-loaded event, which overwrites it.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/inbox-sync/internal/chat"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the cache database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket        = []byte("app")
	sessionsBucket   = []byte("sessions")
	activeSessionKey = []byte("active_session")
)

// Store wraps a bbolt database holding the inbox cache.
type Store struct {
	db *bolt.DB
}

// Open opens the cache database at the given path, creating it and its
// buckets if needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(sessionsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// DefaultPath returns ~/.inbox-sync/state.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".inbox-sync", "state.db"), nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSessions replaces the cached session list. Called after every
// bulk load so the cache mirrors the registry's authoritative contents.
func (s *Store) SaveSessions(sessions []chat.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(sessionsBucket); err != nil {
			return err
		}

		b, err := tx.CreateBucket(sessionsBucket)
		if err != nil {
			return err
		}

		for _, sess := range sessions {
			data, err := json.Marshal(sess)
			if err != nil {
				return err
			}

			if err := b.Put([]byte(sess.ID), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// Sessions returns the cached session list, unordered. Callers restore
// display order through the registry's bulk load.
func (s *Store) Sessions() ([]chat.Session, error) {
	var sessions []chat.Session

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var sess chat.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}

			sessions = append(sessions, sess)

			return nil
		})
	})

	return sessions, err
}

// SetActiveSession records the id of the session open when the process
// last ran, or clears it with an empty id.
func (s *Store) SetActiveSession(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if id == "" {
			return b.Delete(activeSessionKey)
		}

		return b.Put(activeSessionKey, []byte(id))
	})
}

// ActiveSession returns the last active session id, or empty string.
func (s *Store) ActiveSession() string {
	var id string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(activeSessionKey); v != nil {
			id = string(v)
		}

		return nil
	})

	return id
}
