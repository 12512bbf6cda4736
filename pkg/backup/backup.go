// Package backup keeps a crash-recovery copy of unsaved board content.
//
// One record is kept per document key. It is overwritten on every local
// change and removed only after the remote store confirms a save, so a crash
// or reload mid-flow leaves the latest unsent snapshot behind.
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/emirkrhan/fable/pkg/board"
	"github.com/emirkrhan/fable/pkg/clock"
	"github.com/emirkrhan/fable/pkg/storage"
)

// Version is written into every record.
const Version = "1.0"

var (
	// ErrNoBackup is returned by Load when no record exists for the key.
	ErrNoBackup = errors.New("no backup")
	// ErrInvalidKey is returned for an empty document key.
	ErrInvalidKey = errors.New("backup key required")
)

// Record is the persisted backup schema.
type Record struct {
	Data      board.Snapshot `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	Version   string         `json:"version"`
}

// Store reads and writes backup records through a storage.Engine.
type Store struct {
	kv     storage.Engine
	bucket string
	clock  clock.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for record timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithBucket overrides the storage bucket (default storage.BucketBackups).
func WithBucket(bucket string) Option {
	return func(s *Store) { s.bucket = bucket }
}

// NewStore returns a Store over kv.
func NewStore(kv storage.Engine, opts ...Option) *Store {
	s := &Store{
		kv:     kv,
		bucket: storage.BucketBackups,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save overwrites the record for key with snapshot.
func (s *Store) Save(key string, snapshot board.Snapshot) error {
	if key == "" {
		return ErrInvalidKey
	}
	rec := Record{
		Data:      snapshot,
		Timestamp: s.clock.Now().UTC(),
		Version:   Version,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode backup %s: %w", key, err)
	}
	if err := s.kv.Put(s.bucket, key, raw); err != nil {
		return fmt.Errorf("write backup %s: %w", key, err)
	}
	return nil
}

// Load returns the record for key, or ErrNoBackup.
func (s *Store) Load(key string) (Record, error) {
	if key == "" {
		return Record{}, ErrInvalidKey
	}
	raw, err := s.kv.Get(s.bucket, key)
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, ErrNoBackup
	}
	if err != nil {
		return Record{}, fmt.Errorf("read backup %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("decode backup %s: %w", key, err)
	}
	if rec.Version != Version {
		return Record{}, fmt.Errorf("backup %s: unsupported version %q", key, rec.Version)
	}
	return rec, nil
}

// Exists reports whether a record is stored for key.
func (s *Store) Exists(key string) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}
	_, err := s.kv.Get(s.bucket, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Clear removes the record for key. Clearing a missing record is not an error.
func (s *Store) Clear(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if err := s.kv.Delete(s.bucket, key); err != nil {
		return fmt.Errorf("clear backup %s: %w", key, err)
	}
	return nil
}

// ClearAll removes every record and returns how many there were.
func (s *Store) ClearAll() (int, error) {
	n, err := storage.DeleteBucket(s.kv, s.bucket)
	if err != nil {
		return n, fmt.Errorf("clear backups: %w", err)
	}
	return n, nil
}

// Keys lists the document keys that have a backup.
func (s *Store) Keys() ([]string, error) {
	return s.kv.Keys(s.bucket)
}
