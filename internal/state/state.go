package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.agentsync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket = []byte("app")
	cursorKey = []byte("cursor")
)

func sessionMetaBucket(sessionID string) []byte {
	return []byte("session:" + sessionID + ":meta")
}

func sessionOutboundBucket(sessionID string) []byte {
	return []byte("session:" + sessionID + ":outbound")
}

func sessionActionBucket(sessionID string) []byte {
	return []byte("session:" + sessionID + ":actions")
}

// OutboundMessage is a user message awaiting transmission or server
// acknowledgment. It survives process death; entries are removed only
// after the server confirms receipt.
type OutboundMessage struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt int64           `json:"enqueued_at"` // unix milliseconds
}

// PendingAction is a user decision (permission response, question answer)
// made while disconnected. ID is the idempotency key; replays are
// deduplicated by ID, never by content.
type PendingAction struct {
	ID         string          `json:"id"`
	RequestID  string          `json:"request_id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt int64           `json:"enqueued_at"` // unix milliseconds
	Attempts   int             `json:"attempts"`
}

// Store wraps a bbolt database for all persistent engine state: the
// session cursor and the two durable queues. bbolt commits are atomic,
// so a crash mid-write can never leave a partially written entry.
type Store struct {
	db *bolt.DB
}

// Load opens the state database at <dir>/state.db, creating it if it
// does not exist. The app bucket is created on open.
func Load(dir string) (*Store, error) {
	return LoadAt(filepath.Join(dir, "state.db"))
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InitSession ensures the meta, outbound, and action buckets exist for
// the given session. Call this once after the session is known.
func (s *Store) InitSession(sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionMetaBucket(sessionID)); err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(sessionOutboundBucket(sessionID)); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(sessionActionBucket(sessionID))

		return err
	})
}

// Cursor returns the last durably processed stream event id for a
// session, or empty string if none has been recorded.
func (s *Store) Cursor(sessionID string) (string, error) {
	var cursor string

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionMetaBucket(sessionID))
		if b == nil {
			return nil
		}

		v := b.Get(cursorKey)
		if v != nil {
			cursor = string(v)
		}

		return nil
	})

	return cursor, err
}

// SetCursor persists the cursor for a session.
func (s *Store) SetCursor(sessionID, cursor string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(sessionMetaBucket(sessionID))
		if err != nil {
			return err
		}

		return b.Put(cursorKey, []byte(cursor))
	})
}

// ClearCursor removes the cursor for a session. Used by the full-resync
// path when the server reports the cursor unrecoverable.
func (s *Store) ClearCursor(sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionMetaBucket(sessionID))
		if b == nil {
			return nil
		}

		return b.Delete(cursorKey)
	})
}

// seqKey encodes a bucket sequence number as a big-endian key so that
// bbolt's byte-ordered iteration yields entries in append order.
func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)

	return k
}

// AppendOutbound persists an outbound message at the tail of the queue.
func (s *Store) AppendOutbound(sessionID string, msg OutboundMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionOutboundBucket(sessionID))
		if b == nil {
			return fmt.Errorf("outbound bucket not initialized for session %s", sessionID)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}

		return b.Put(seqKey(seq), data)
	})
}

// DeleteOutbound removes the outbound message with the given id.
// Missing ids are not an error; acks can race a prior delete.
func (s *Store) DeleteOutbound(sessionID, id string) error {
	return s.deleteByID(sessionOutboundBucket(sessionID), id, func(v []byte) string {
		var msg OutboundMessage
		if json.Unmarshal(v, &msg) != nil {
			return ""
		}

		return msg.ID
	})
}

// AllOutbound returns all outbound messages in append order. Entries
// that fail to decode are skipped rather than failing the load; a
// corrupt entry is data loss, not a startup failure.
func (s *Store) AllOutbound(sessionID string) ([]OutboundMessage, error) {
	var result []OutboundMessage

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionOutboundBucket(sessionID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var msg OutboundMessage
			if err := json.Unmarshal(v, &msg); err != nil {
				return nil
			}

			result = append(result, msg)

			return nil
		})
	})

	return result, err
}

// AppendAction persists a pending action at the tail of the queue.
func (s *Store) AppendAction(sessionID string, action PendingAction) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionActionBucket(sessionID))
		if b == nil {
			return fmt.Errorf("action bucket not initialized for session %s", sessionID)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		data, err := json.Marshal(action)
		if err != nil {
			return err
		}

		return b.Put(seqKey(seq), data)
	})
}

// UpdateAction rewrites a stored action in place, matched by id. Used to
// persist the attempts counter across restarts.
func (s *Store) UpdateAction(sessionID string, action PendingAction) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionActionBucket(sessionID))
		if b == nil {
			return nil
		}

		var key []byte

		err := b.ForEach(func(k, v []byte) error {
			var a PendingAction
			if json.Unmarshal(v, &a) == nil && a.ID == action.ID {
				key = append([]byte(nil), k...)
			}

			return nil
		})
		if err != nil || key == nil {
			return err
		}

		data, err := json.Marshal(action)
		if err != nil {
			return err
		}

		return b.Put(key, data)
	})
}

// DeleteAction removes the pending action with the given id.
func (s *Store) DeleteAction(sessionID, id string) error {
	return s.deleteByID(sessionActionBucket(sessionID), id, func(v []byte) string {
		var a PendingAction
		if json.Unmarshal(v, &a) != nil {
			return ""
		}

		return a.ID
	})
}

// AllActions returns all pending actions in append order, skipping
// undecodable entries.
func (s *Store) AllActions(sessionID string) ([]PendingAction, error) {
	var result []PendingAction

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionActionBucket(sessionID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var a PendingAction
			if err := json.Unmarshal(v, &a); err != nil {
				return nil
			}

			result = append(result, a)

			return nil
		})
	})

	return result, err
}

// deleteByID scans a queue bucket for the entry whose decoded id matches
// and deletes it. Queues are small (tens of entries at most), so a scan
// is cheaper than maintaining a secondary index.
func (s *Store) deleteByID(bucket []byte, id string, extract func([]byte) string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}

		var key []byte

		err := b.ForEach(func(k, v []byte) error {
			if extract(v) == id {
				key = append([]byte(nil), k...)
			}

			return nil
		})
		if err != nil || key == nil {
			return err
		}

		return b.Delete(key)
	})
}
