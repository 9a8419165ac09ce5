package infra

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/eliteGoblin/focusd/trackd/internal/domain"
)

const (
	entryDBName    = "entries.db"
	entriesBucket  = "entries"
	entryKeyLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

var errEntryStoreBusy = errors.New(
	"entry store is locked by another process",
)

// BoltEntryStore implements domain.EntryStore on a bbolt database.
// The database is opened per operation so report tools can read it while
// the daemon is running.
type BoltEntryStore struct {
	path string
}

// NewEntryStore creates an entry store inside dataDir.
func NewEntryStore(dataDir string) (*BoltEntryStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &BoltEntryStore{path: filepath.Join(dataDir, entryDBName)}

	// Create the bucket up front so readers never see a missing bucket.
	err := s.update(func(*bolt.Bucket) error { return nil })
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the database file location.
func (s *BoltEntryStore) Path() string {
	return s.path
}

// Append stores a finalized entry keyed by start time and session ID.
// Re-appending the same session overwrites the earlier record.
func (s *BoltEntryStore) Append(entry domain.Entry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}

	return s.update(func(b *bolt.Bucket) error {
		return b.Put(entryKey(entry.StartTime, entry.ID), value)
	})
}

// List returns entries whose start time falls in [since, until), oldest first.
func (s *BoltEntryStore) List(since, until time.Time) ([]domain.Entry, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var entries []domain.Entry
	minKey := []byte(since.UTC().Format(entryKeyLayout))
	maxKey := []byte(until.UTC().Format(entryKeyLayout))

	err = db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(entriesBucket)).Cursor()

		for k, v := c.Seek(minKey); k != nil && bytes.Compare(k, maxKey) < 0; k, v = c.Next() {
			var e domain.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("failed to decode entry %s: %w", k, err)
			}
			if e.StartTime.Before(since) || !e.StartTime.Before(until) {
				continue
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

func (s *BoltEntryStore) update(fn func(b *bolt.Bucket) error) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(entriesBucket))
		if err != nil {
			return err
		}
		return fn(b)
	})
}

func (s *BoltEntryStore) open() (*bolt.DB, error) {
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, errEntryStoreBusy
		}
		return nil, fmt.Errorf("failed to open entry store: %w", err)
	}
	return db, nil
}

// entryKey sorts lexically by UTC start time. Fixed-width nanoseconds keep
// the ordering stable.
func entryKey(start time.Time, id string) []byte {
	return []byte(start.UTC().Format(entryKeyLayout) + "|" + id)
}

// Ensure BoltEntryStore implements domain.EntryStore.
var _ domain.EntryStore = (*BoltEntryStore)(nil)
