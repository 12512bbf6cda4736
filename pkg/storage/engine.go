// Package storage provides the local key-value persistence engines used by
// fable: crash-recovery backups on the client side and board documents on
// the reference server side.
//
// Three engines implement Engine:
//   - BadgerEngine: BadgerDB directory, optional encryption at rest
//   - BoltEngine: single bbolt file
//   - MemoryEngine: in-process maps for tests and ephemeral runs
//
// Values are opaque byte slices grouped into named buckets. Engines copy
// values on the way in and out, so callers may reuse their buffers.
package storage

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by every engine.
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidID     = errors.New("invalid key")
	ErrInvalidBucket = errors.New("invalid bucket")
	ErrStorageClosed = errors.New("storage closed")
)

// Engine is a bucketed key-value store.
type Engine interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(bucket, key string) ([]byte, error)
	// Put stores value under key, replacing any previous value.
	Put(bucket, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(bucket, key string) error
	// Keys lists the keys of a bucket in ascending order.
	Keys(bucket string) ([]string, error)
	// Close releases the engine. Further calls return ErrStorageClosed.
	Close() error
}

// BucketDeleter is implemented by engines that drop a whole bucket at once.
type BucketDeleter interface {
	DeleteBucket(bucket string) (int, error)
}

// Archiver is implemented by engines that can write a full copy of their
// data to a file and load it back.
type Archiver interface {
	Backup(path string) error
	Restore(path string) error
}

// DeleteBucket removes every key of bucket and returns how many were
// deleted. Engines without a bulk delete are cleared key by key.
func DeleteBucket(e Engine, bucket string) (int, error) {
	if d, ok := e.(BucketDeleter); ok {
		return d.DeleteBucket(bucket)
	}
	keys, err := e.Keys(bucket)
	if err != nil {
		return 0, err
	}
	for i, k := range keys {
		if err := e.Delete(bucket, k); err != nil {
			return i, err
		}
	}
	return len(keys), nil
}

// Buckets used by fable components.
const (
	BucketBackups = "backups"
	BucketBoards  = "boards"
	BucketUsers   = "users"
)

// Backend names accepted by Open.
const (
	BackendBadger = "badger"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

func validate(bucket, key string) error {
	if bucket == "" || strings.IndexByte(bucket, 0) >= 0 {
		return ErrInvalidBucket
	}
	if key == "" {
		return ErrInvalidID
	}
	return nil
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// OpenOptions selects and configures an engine for Open.
type OpenOptions struct {
	// Backend is one of BackendBadger, BackendBolt or BackendMemory.
	Backend string
	// DataDir is the badger directory or the directory holding the bolt file.
	DataDir string
	// SyncWrites forces an fsync per write (badger and bolt).
	SyncWrites bool
	// EncryptionPassword enables badger encryption at rest. The key is
	// derived with DeriveKey and a salt persisted in DataDir.
	EncryptionPassword string
	// Badger tunes the badger engine; DataDir, SyncWrites and EncryptionKey
	// are filled in from the fields above.
	Badger BadgerOptions
}

// Open creates the engine described by opts.
func Open(opts OpenOptions) (Engine, error) {
	switch opts.Backend {
	case BackendBadger, "":
		bo := opts.Badger
		bo.DataDir = opts.DataDir
		bo.SyncWrites = opts.SyncWrites
		if opts.EncryptionPassword != "" {
			key, err := DeriveKey(opts.EncryptionPassword, opts.DataDir)
			if err != nil {
				return nil, err
			}
			bo.EncryptionKey = key
		}
		return NewBadgerEngineWithOptions(bo)
	case BackendBolt:
		if opts.EncryptionPassword != "" {
			return nil, fmt.Errorf("encryption is only supported by the %s backend", BackendBadger)
		}
		return NewBoltEngine(BoltOptions{Dir: opts.DataDir, NoSync: !opts.SyncWrites})
	case BackendMemory:
		return NewMemoryEngine(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
