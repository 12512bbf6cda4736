// Package cache provides a generic in-memory TTL cache with hit/miss
// accounting.
//
// Entries expire lazily (a read of an expired entry evicts it and counts a
// miss) and proactively through a periodic sweep started by Open. Each
// cache is an explicit instance owned by the component that uses it:
//
//	boards := cache.New[string, board.Board]("boards", cache.Options{
//		DefaultTTL: 2 * time.Minute,
//	})
//	boards.Open()
//	defer boards.Close()
//
//	boards.Set("board:1", b)
//	if b, ok := boards.Get("board:1"); ok {
//		// cache hit
//	}
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/emirkrhan/fable/pkg/clock"
)

// Defaults applied when Options leave a field zero.
const (
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = 60 * time.Second
)

// Options configures a Cache.
type Options struct {
	// DefaultTTL is used by Set. Default: 5m.
	DefaultTTL time.Duration
	// SweepInterval is the period of the background expiry sweep. Default: 60s.
	SweepInterval time.Duration
	// Clock drives expiry and the sweep. Default: wall clock.
	Clock clock.Clock
	// Logger receives sweep diagnostics. Default: logrus standard logger.
	Logger logrus.FieldLogger
}

type entry[V any] struct {
	value     V
	createdAt time.Time
	expiresAt time.Time
}

// Cache is an expiring key/value store. It is safe for concurrent use.
type Cache[K comparable, V any] struct {
	name          string
	defaultTTL    time.Duration
	sweepInterval time.Duration
	clock         clock.Clock
	logger        logrus.FieldLogger

	mu         sync.Mutex
	entries    map[K]entry[V]
	hits       uint64
	misses     uint64
	sets       uint64
	evictions  uint64
	open       bool
	sweepTimer clock.Timer
}

// New creates a cache. The sweep does not run until Open is called.
func New[K comparable, V any](name string, opts Options) *Cache[K, V] {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Cache[K, V]{
		name:          name,
		defaultTTL:    opts.DefaultTTL,
		sweepInterval: opts.SweepInterval,
		clock:         opts.Clock,
		logger:        opts.Logger.WithField("cache", name),
		entries:       make(map[K]entry[V]),
	}
}

// Name returns the cache name used in logs and metrics.
func (c *Cache[K, V]) Name() string {
	return c.name
}

// Get returns the cached value for key. Missing and expired entries are
// misses; an expired entry is evicted.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	var zero V
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}
	if now.After(e.expiresAt) {
		delete(c.entries, key)
		c.misses++
		c.evictions++
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Set stores value under key with the default TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores value under key for ttl. A non-positive ttl uses the
// default.
func (c *Cache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := c.clock.Now()

	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, createdAt: now, expiresAt: now.Add(ttl)}
	c.sets++
	c.mu.Unlock()
}

// Delete removes key. Deletion is not counted as an eviction.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear removes every entry. Statistics are kept.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[K]entry[V])
	c.mu.Unlock()
}

// Len returns the number of stored entries, including expired ones the
// sweep has not reached yet.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep evicts every expired entry and returns how many were removed.
func (c *Cache[K, V]) Sweep() int {
	now := c.clock.Now()
	c.mu.Lock()
	n := c.sweepLocked(now)
	c.mu.Unlock()
	if n > 0 {
		c.logger.WithField("evicted", n).Debug("cleaned expired cache entries")
	}
	return n
}

func (c *Cache[K, V]) sweepLocked(now time.Time) int {
	n := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	c.evictions += uint64(n)
	return n
}

// Open starts the periodic sweep. Calling Open on an open cache is a no-op.
func (c *Cache[K, V]) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return
	}
	c.open = true
	c.sweepTimer = c.clock.AfterFunc(c.sweepInterval, c.sweepTick)
}

func (c *Cache[K, V]) sweepTick() {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.Sweep()

	c.mu.Lock()
	if c.open {
		c.sweepTimer = c.clock.AfterFunc(c.sweepInterval, c.sweepTick)
	}
	c.mu.Unlock()
}

// Close stops the sweep and drops every entry.
func (c *Cache[K, V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	if c.sweepTimer != nil {
		c.sweepTimer.Stop()
		c.sweepTimer = nil
	}
	c.entries = make(map[K]entry[V])
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Sets          uint64  `json:"sets"`
	Evictions     uint64  `json:"evictions"`
	Size          int     `json:"size"`
	TotalRequests uint64  `json:"totalRequests"`
	HitRate       float64 `json:"hitRate"` // percent, 0-100
}

// String formats the stats for logs.
func (s Stats) String() string {
	return fmt.Sprintf("hits=%d misses=%d sets=%d evictions=%d size=%d hitRate=%.2f%%",
		s.Hits, s.Misses, s.Sets, s.Evictions, s.Size, s.HitRate)
}

// Stats returns the current statistics.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	var rate float64
	if total > 0 {
		rate = float64(c.hits) / float64(total) * 100
	}
	return Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Sets:          c.sets,
		Evictions:     c.evictions,
		Size:          len(c.entries),
		TotalRequests: total,
		HitRate:       rate,
	}
}
