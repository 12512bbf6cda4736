// Package gateway fronts a remote board store with short-lived caches.
//
// User profiles change rarely and are cached for ten minutes by default;
// board documents are cached for two minutes and invalidated whenever the
// auto-save engine reports a successful save. Concurrent misses for the same
// key share one upstream call. Shared calls ignore caller cancellation, so
// Source implementations must bound their own requests (remote.Client
// applies its request timeout).
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/emirkrhan/fable/pkg/board"
	"github.com/emirkrhan/fable/pkg/cache"
	"github.com/emirkrhan/fable/pkg/clock"
)

// Default TTLs.
const (
	DefaultUserTTL  = 10 * time.Minute
	DefaultBoardTTL = 2 * time.Minute
)

// Source is the upstream store the gateway reads through to.
type Source interface {
	GetUser(ctx context.Context, id string) (board.User, error)
	GetBoard(ctx context.Context, id string) (board.Board, error)
}

// Options configures a Gateway. Zero fields take defaults.
type Options struct {
	UserTTL       time.Duration
	BoardTTL      time.Duration
	SweepInterval time.Duration
	Clock         clock.Clock
	Logger        logrus.FieldLogger
}

// Gateway serves cached reads of users and boards.
type Gateway struct {
	src    Source
	users  *cache.Cache[string, board.User]
	boards *cache.Cache[string, board.Board]
	group  singleflight.Group
	logger logrus.FieldLogger

	mu   sync.Mutex
	gens map[string]uint64
}

// Stats reports both caches.
type Stats struct {
	Users  cache.Stats `json:"users"`
	Boards cache.Stats `json:"boards"`
}

// New creates a gateway over src. Call Open to start the expiry sweeps.
func New(src Source, opts Options) *Gateway {
	if opts.UserTTL <= 0 {
		opts.UserTTL = DefaultUserTTL
	}
	if opts.BoardTTL <= 0 {
		opts.BoardTTL = DefaultBoardTTL
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	logger := opts.Logger.WithField("component", "gateway")
	return &Gateway{
		src: src,
		users: cache.New[string, board.User]("users", cache.Options{
			DefaultTTL:    opts.UserTTL,
			SweepInterval: opts.SweepInterval,
			Clock:         opts.Clock,
			Logger:        logger,
		}),
		boards: cache.New[string, board.Board]("boards", cache.Options{
			DefaultTTL:    opts.BoardTTL,
			SweepInterval: opts.SweepInterval,
			Clock:         opts.Clock,
			Logger:        logger,
		}),
		logger: logger,
		gens:   make(map[string]uint64),
	}
}

// Open starts the cache sweeps.
func (g *Gateway) Open() {
	g.users.Open()
	g.boards.Open()
}

// Close stops the sweeps and drops every cached entry.
func (g *Gateway) Close() {
	g.users.Close()
	g.boards.Close()
}

func userKey(id string) string  { return "user:" + id }
func boardKey(id string) string { return "board:" + id }

// GetUser returns the user, from cache when fresh.
func (g *Gateway) GetUser(ctx context.Context, id string) (board.User, error) {
	u, err := load(ctx, g, g.users, userKey(id), func(ctx context.Context) (board.User, error) {
		return g.src.GetUser(ctx, id)
	})
	if err != nil {
		return board.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

// GetBoard returns the board, from cache when fresh.
func (g *Gateway) GetBoard(ctx context.Context, id string) (board.Board, error) {
	b, err := load(ctx, g, g.boards, boardKey(id), func(ctx context.Context) (board.Board, error) {
		return g.src.GetBoard(ctx, id)
	})
	if err != nil {
		return board.Board{}, fmt.Errorf("get board %s: %w", id, err)
	}
	return b, nil
}

// load reads key through c. Concurrent misses share one upstream call,
// which is detached from the cancellation of whichever caller started it;
// each caller still stops waiting when its own ctx is done. A result that
// was invalidated while being fetched is returned but not cached.
func load[V any](ctx context.Context, g *Gateway, c *cache.Cache[string, V], key string, fetch func(context.Context) (V, error)) (V, error) {
	var zero V
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	ch := g.group.DoChan(key, func() (any, error) {
		gen := g.generation(key)
		v, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return zero, err
		}
		g.mu.Lock()
		if g.gens[key] == gen {
			c.Set(key, v)
		}
		g.mu.Unlock()
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return zero, r.Err
		}
		if r.Shared {
			g.logger.WithField("key", key).Debug("shared upstream fetch")
		}
		return r.Val.(V), nil
	}
}

func (g *Gateway) generation(key string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gens[key]
}

// invalidate drops key from c and bumps its generation so that a fetch
// already in flight does not repopulate it.
func invalidate[V any](g *Gateway, c *cache.Cache[string, V], key string) {
	g.mu.Lock()
	g.gens[key]++
	c.Delete(key)
	g.mu.Unlock()
	g.group.Forget(key)
}

// InvalidateBoard drops the cached board so the next read goes upstream.
func (g *Gateway) InvalidateBoard(id string) {
	invalidate(g, g.boards, boardKey(id))
}

// InvalidateUser drops the cached user.
func (g *Gateway) InvalidateUser(id string) {
	invalidate(g, g.users, userKey(id))
}

// Stats returns the statistics of both caches.
func (g *Gateway) Stats() Stats {
	return Stats{Users: g.users.Stats(), Boards: g.boards.Stats()}
}

// Collector exports both caches as Prometheus metrics.
func (g *Gateway) Collector() prometheus.Collector {
	return cache.NewCollector(g.users, g.boards)
}
