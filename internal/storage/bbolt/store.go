// Package bbolt stores each house's bounded append log in BoltDB.
package bbolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/elizatown/town/internal/services/house/logbook"
	"go.etcd.io/bbolt"
)

const logBucket = "house_log"

// Store provides a BoltDB-backed house log store.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendLogEntry appends entry to houseID's log unless it already holds max
// entries. The count and the write share one transaction.
func (s *Store) AppendLogEntry(ctx context.Context, houseID string, entry logbook.Entry, max int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(houseID) == "" {
		return fmt.Errorf("house id is required")
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(logBucket))
		if root == nil {
			return fmt.Errorf("log bucket is missing")
		}
		bucket, err := root.CreateBucketIfNotExists(houseKey(houseID))
		if err != nil {
			return fmt.Errorf("create house log bucket: %w", err)
		}
		if max > 0 && bucket.Stats().KeyN >= max {
			return logbook.ErrFull
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("next log sequence: %w", err)
		}
		return bucket.Put(seqKey(seq), payload)
	})
}

// ListLogEntries returns houseID's entries in append order.
func (s *Store) ListLogEntries(ctx context.Context, houseID string) ([]logbook.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	entries := []logbook.Entry{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(logBucket))
		if root == nil {
			return fmt.Errorf("log bucket is missing")
		}
		bucket := root.Bucket(houseKey(houseID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, payload []byte) error {
			var entry logbook.Entry
			if err := json.Unmarshal(payload, &entry); err != nil {
				return fmt.Errorf("unmarshal log entry: %w", err)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(logBucket))
		if err != nil {
			return fmt.Errorf("create log bucket: %w", err)
		}
		return nil
	})
}

func houseKey(houseID string) []byte {
	return []byte(houseID)
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

var _ logbook.Store = (*Store)(nil)
