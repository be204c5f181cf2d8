// Package history keeps a short record of card UIDs reported by the presence
// listener.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/buntdb"
)

// Memory opens a store that is not persisted.
const Memory = ":memory:"

const keyPrefix = "scan:"

// Scan is one UID report.
type Scan struct {
	ID     string    `json:"id"`
	Reader string    `json:"reader"`
	UID    string    `json:"uid"`
	At     time.Time `json:"at"`
}

// Store is a buntdb-backed scan log. Entries expire after the configured TTL.
type Store struct {
	db  *buntdb.DB
	ttl time.Duration
}

// Open opens or creates the store at path. A ttl of zero keeps scans until
// Clear is called.
func Open(path string, ttl time.Duration) (*Store, error) {
	if path != Memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening history %s: %w", path, err)
	}
	return &Store{db: db, ttl: ttl}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores scan, filling in its ID and time when unset.
func (s *Store) Record(scan Scan) (Scan, error) {
	if scan.ID == "" {
		scan.ID = uuid.NewString()
	}
	if scan.At.IsZero() {
		scan.At = time.Now().UTC()
	}

	data, err := json.Marshal(scan)
	if err != nil {
		return scan, err
	}

	var opts *buntdb.SetOptions
	if s.ttl > 0 {
		opts = &buntdb.SetOptions{Expires: true, TTL: s.ttl}
	}

	err = s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(scanKey(scan), string(data), opts)
		return err
	})
	return scan, err
}

// Recent returns up to limit scans, newest first. A limit of zero or less
// returns all of them.
func (s *Store) Recent(limit int) ([]Scan, error) {
	scans := []Scan{}
	err := s.db.View(func(tx *buntdb.Tx) error {
		var decodeErr error
		err := tx.Descend("", func(key, value string) bool {
			if !strings.HasPrefix(key, keyPrefix) {
				return true
			}
			var scan Scan
			if decodeErr = json.Unmarshal([]byte(value), &scan); decodeErr != nil {
				return false
			}
			scans = append(scans, scan)
			return limit <= 0 || len(scans) < limit
		})
		if err != nil {
			return err
		}
		return decodeErr
	})
	if err != nil {
		return nil, err
	}
	return scans, nil
}

// Len returns the number of stored scans.
func (s *Store) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *buntdb.Tx) error {
		var err error
		n, err = tx.Len()
		return err
	})
	return n, err
}

// Clear removes every scan.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		return tx.DeleteAll()
	})
}

// scanKey orders keys by time so the default index iterates chronologically.
func scanKey(scan Scan) string {
	return fmt.Sprintf("%s%020d:%s", keyPrefix, scan.At.UnixNano(), scan.ID)
}
