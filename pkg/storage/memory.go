package storage

import (
	"sort"
	"sync"
)

// MemoryEngine is an in-memory Engine for tests and ephemeral runs.
//
// All data is lost when the process exits. Safe for concurrent use.
type MemoryEngine struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
	closed  bool
}

// NewMemoryEngine creates an empty in-memory engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		buckets: make(map[string]map[string][]byte),
	}
}

// Get returns a copy of the value stored under key.
func (m *MemoryEngine) Get(bucket, key string) ([]byte, error) {
	if err := validate(bucket, key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	v, ok := m.buckets[bucket][key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBytes(v), nil
}

// Put stores a copy of value under key.
func (m *MemoryEngine) Put(bucket, key string, value []byte) error {
	if err := validate(bucket, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		m.buckets[bucket] = b
	}
	if value == nil {
		value = []byte{}
	}
	b[key] = copyBytes(value)
	return nil
}

// Delete removes key.
func (m *MemoryEngine) Delete(bucket, key string) error {
	if err := validate(bucket, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	delete(m.buckets[bucket], key)
	return nil
}

// Keys lists the keys of bucket in ascending order.
func (m *MemoryEngine) Keys(bucket string) ([]string, error) {
	if err := validate(bucket, "-"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	b := m.buckets[bucket]
	if len(b) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// DeleteBucket removes bucket and returns how many keys it held.
func (m *MemoryEngine) DeleteBucket(bucket string) (int, error) {
	if err := validate(bucket, "-"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	n := len(m.buckets[bucket])
	delete(m.buckets, bucket)
	return n, nil
}

// Close drops all data.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.buckets = nil
	return nil
}

var (
	_ Engine        = (*MemoryEngine)(nil)
	_ BucketDeleter = (*MemoryEngine)(nil)
)
