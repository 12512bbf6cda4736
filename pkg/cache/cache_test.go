// Package cache - TTL cache tests.
package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emirkrhan/fable/pkg/clock"
)

func newTestCache(t *testing.T, ttl time.Duration) (*Cache[string, string], *clock.Mock) {
	t.Helper()
	mock := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New[string, string]("test", Options{DefaultTTL: ttl, SweepInterval: time.Minute, Clock: mock})
	return c, mock
}

func TestCache_Basic(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)

	_, found := c.Get("k")
	assert.False(t, found, "expected miss on empty cache")

	c.Set("k", "v")
	v, found := c.Get("k")
	require.True(t, found)
	assert.Equal(t, "v", v)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Sets)
	assert.Equal(t, uint64(2), stats.TotalRequests)
	assert.InDelta(t, 50.0, stats.HitRate, 0.001)
}

func TestCache_TTL(t *testing.T) {
	c, mock := newTestCache(t, time.Minute)

	c.SetWithTTL("k", "v", 100*time.Millisecond)

	v, found := c.Get("k")
	require.True(t, found, "expected hit immediately after set")
	assert.Equal(t, "v", v)

	mock.Advance(150 * time.Millisecond)

	_, found = c.Get("k")
	assert.False(t, found, "expected miss after TTL expiration")

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 0, stats.Size)
}

func TestCache_ExpiryIsStrict(t *testing.T) {
	c, mock := newTestCache(t, time.Minute)
	c.SetWithTTL("k", "v", time.Second)

	mock.Advance(time.Second)
	_, found := c.Get("k")
	assert.True(t, found, "entry is live at exactly its expiry instant")

	mock.Advance(time.Nanosecond)
	_, found = c.Get("k")
	assert.False(t, found)
}

func TestCache_SweepEvictsColdKeys(t *testing.T) {
	c, mock := newTestCache(t, 10*time.Second)
	c.Open()
	defer c.Close()

	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("k%d", i), "v")
	}
	c.SetWithTTL("long", "v", time.Hour)
	require.Equal(t, 6, c.Len())

	mock.Advance(time.Minute)

	assert.Equal(t, 1, c.Len())
	assert.Equal(t, uint64(5), c.Stats().Evictions)
	assert.Equal(t, uint64(0), c.Stats().Misses, "sweep must not count misses")

	// The sweep re-arms itself.
	c.SetWithTTL("short", "v", time.Second)
	mock.Advance(time.Minute)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, uint64(6), c.Stats().Evictions)
}

func TestCache_CloseStopsSweep(t *testing.T) {
	c, mock := newTestCache(t, time.Second)
	c.Open()
	c.Open()
	assert.Equal(t, 1, mock.Pending())

	c.Set("k", "v")
	c.Close()
	assert.Equal(t, 0, mock.Pending())
	assert.Equal(t, 0, c.Len())

	mock.Advance(time.Hour)
	assert.Equal(t, uint64(0), c.Stats().Evictions)
}

func TestCache_DeleteAndClear(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	c.Set("a", "1")
	c.Set("b", "2")

	c.Delete("a")
	_, found := c.Get("a")
	assert.False(t, found)

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, uint64(0), c.Stats().Evictions)
	assert.Equal(t, uint64(2), c.Stats().Sets)
}

func TestCache_IndependentDefaults(t *testing.T) {
	mock := clock.NewMock(time.Unix(0, 0))
	users := New[string, int]("users", Options{DefaultTTL: 10 * time.Minute, Clock: mock})
	boards := New[string, int]("boards", Options{DefaultTTL: 2 * time.Minute, Clock: mock})

	users.Set("u", 1)
	boards.Set("b", 1)
	mock.Advance(3 * time.Minute)

	_, userHit := users.Get("u")
	_, boardHit := boards.Get("b")
	assert.True(t, userHit)
	assert.False(t, boardHit)
}

func TestCache_Concurrent(t *testing.T) {
	c := New[int, int]("concurrent", Options{})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c.Set(i, g)
				c.Get(i)
				if i%10 == 0 {
					c.Delete(i)
				}
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, uint64(1600), c.Stats().Sets)
}

func TestCollector(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	c.Set("k", "v")
	c.Get("k")
	c.Get("missing")

	col := NewCollector(c)
	assert.Equal(t, 5, testutil.CollectAndCount(col))
	assert.Equal(t, "hits=1 misses=1 sets=1 evictions=0 size=1 hitRate=50.00%", c.Stats().String())
}
