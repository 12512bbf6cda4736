package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltFileName is the database file created inside BoltOptions.Dir.
const BoltFileName = "fable.db"

// BoltOptions configures a BoltEngine.
type BoltOptions struct {
	// Dir holds the database file. Created if missing.
	Dir string
	// NoSync skips the fsync after each commit.
	NoSync bool
	// Timeout bounds the wait for the file lock held by another process.
	Timeout time.Duration
}

// BoltEngine stores buckets as bbolt buckets in a single file.
//
// Buckets are created on first write. Reads of a missing bucket behave like
// reads of an empty one.
type BoltEngine struct {
	db     *bolt.DB
	path   string
	mu     sync.RWMutex
	closed bool
}

// NewBoltEngine opens or creates the bolt file under opts.Dir.
func NewBoltEngine(opts BoltOptions) (*BoltEngine, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("bolt: data directory required")
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("bolt: create data directory: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	path := filepath.Join(opts.Dir, BoltFileName)
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: timeout,
		NoSync:  opts.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", path, err)
	}
	return &BoltEngine{db: db, path: path}, nil
}

// Path returns the database file path.
func (e *BoltEngine) Path() string {
	return e.path
}

func (e *BoltEngine) ensureOpen() error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrStorageClosed
	}
	return nil
}

// Get returns a copy of the value stored under key.
func (e *BoltEngine) Get(bucket, key string) ([]byte, error) {
	if err := validate(bucket, key); err != nil {
		return nil, err
	}
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	var out []byte
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// v is only valid for the life of the transaction.
		out = copyBytes(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Put stores value under key.
func (e *BoltEngine) Put(bucket, key string, value []byte) error {
	if err := validate(bucket, key); err != nil {
		return err
	}
	if err := e.ensureOpen(); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	return e.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

// Delete removes key.
func (e *BoltEngine) Delete(bucket, key string) error {
	if err := validate(bucket, key); err != nil {
		return err
	}
	if err := e.ensureOpen(); err != nil {
		return err
	}
	return e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Keys lists the keys of bucket in ascending order.
func (e *BoltEngine) Keys(bucket string) ([]string, error) {
	if err := validate(bucket, "-"); err != nil {
		return nil, err
	}
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	var keys []string
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// DeleteBucket removes bucket and returns how many keys it held.
func (e *BoltEngine) DeleteBucket(bucket string) (int, error) {
	if err := validate(bucket, "-"); err != nil {
		return 0, err
	}
	if err := e.ensureOpen(); err != nil {
		return 0, err
	}
	n := 0
	err := e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return tx.DeleteBucket([]byte(bucket))
	})
	if errors.Is(err, bolt.ErrBucketNotFound) {
		return 0, nil
	}
	return n, err
}

// Close closes the bolt file.
func (e *BoltEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	return e.db.Close()
}

var (
	_ Engine        = (*BoltEngine)(nil)
	_ BucketDeleter = (*BoltEngine)(nil)
)
