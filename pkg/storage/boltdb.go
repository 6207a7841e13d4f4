package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketCursor  = []byte("poller_cursor")
	bucketReboots = []byte("reboots")
)

var keyCursor = []byte("offset")

// State is the bolt-backed local state that must survive restarts: the
// control-plane poller cursor and per-node reboot bookkeeping.
type State struct {
	db *bolt.DB
}

// Open opens (creating if needed) the guardian state database
func Open(dataDir string) (*State, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "guardian.db")

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCursor, bucketReboots} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &State{db: db}, nil
}

// Close closes the database
func (s *State) Close() error {
	return s.db.Close()
}

// SaveCursor persists the poller update cursor. Called after each
// processed update so restarts never replay.
func (s *State) SaveCursor(offset int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(offset))
		return tx.Bucket(bucketCursor).Put(keyCursor, buf)
	})
}

// Cursor returns the persisted poller cursor, zero when unset
func (s *State) Cursor() (int64, error) {
	var offset int64
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCursor).Get(keyCursor)
		if len(v) == 8 {
			offset = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return offset, err
}

// SetLastReboot records when a reboot command was issued for node
func (s *State) SetLastReboot(node string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(at.Unix()))
		return tx.Bucket(bucketReboots).Put([]byte(node), buf)
	})
}

// LastReboot returns the last recorded reboot time for node, zero time
// when none is recorded.
func (s *State) LastReboot(node string) (time.Time, error) {
	var at time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketReboots).Get([]byte(node))
		if len(v) == 8 {
			at = time.Unix(int64(binary.BigEndian.Uint64(v)), 0)
		}
		return nil
	})
	return at, err
}
