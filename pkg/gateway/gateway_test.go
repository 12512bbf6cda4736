package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emirkrhan/fable/pkg/board"
	"github.com/emirkrhan/fable/pkg/clock"
)

type fakeSource struct {
	userCalls  atomic.Int32
	boardCalls atomic.Int32
	gate       chan struct{}
	err        error
}

func (f *fakeSource) GetUser(_ context.Context, id string) (board.User, error) {
	f.userCalls.Add(1)
	if f.err != nil {
		return board.User{}, f.err
	}
	return board.User{ID: id, DisplayName: "user " + id}, nil
}

func (f *fakeSource) GetBoard(ctx context.Context, id string) (board.Board, error) {
	f.boardCalls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return board.Board{}, ctx.Err()
		}
	}
	if f.err != nil {
		return board.Board{}, f.err
	}
	return board.Board{ID: id, Name: "board " + id}, nil
}

func newTestGateway(src Source) (*Gateway, *clock.Mock) {
	mock := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	logger, _ := test.NewNullLogger()
	return New(src, Options{Clock: mock, Logger: logger}), mock
}

func TestGateway_UserTTL(t *testing.T) {
	src := &fakeSource{}
	g, mock := newTestGateway(src)
	ctx := context.Background()

	u, err := g.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "user u1", u.DisplayName)

	_, err = g.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.userCalls.Load())

	mock.Advance(DefaultUserTTL + time.Second)
	_, err = g.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.userCalls.Load())

	stats := g.Stats().Users
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
}

func TestGateway_BoardTTLShorterThanUser(t *testing.T) {
	src := &fakeSource{}
	g, mock := newTestGateway(src)
	ctx := context.Background()

	_, err := g.GetBoard(ctx, "b1")
	require.NoError(t, err)
	_, err = g.GetUser(ctx, "u1")
	require.NoError(t, err)

	mock.Advance(DefaultBoardTTL + time.Second)
	_, err = g.GetBoard(ctx, "b1")
	require.NoError(t, err)
	_, err = g.GetUser(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, int32(2), src.boardCalls.Load())
	assert.Equal(t, int32(1), src.userCalls.Load())
}

func TestGateway_Invalidate(t *testing.T) {
	src := &fakeSource{}
	g, _ := newTestGateway(src)
	ctx := context.Background()

	_, _ = g.GetBoard(ctx, "b1")
	g.InvalidateBoard("b1")
	_, _ = g.GetBoard(ctx, "b1")
	assert.Equal(t, int32(2), src.boardCalls.Load())

	_, _ = g.GetUser(ctx, "u1")
	g.InvalidateUser("u1")
	_, _ = g.GetUser(ctx, "u1")
	assert.Equal(t, int32(2), src.userCalls.Load())
}

func TestGateway_InvalidateDuringFetch(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	g, _ := newTestGateway(src)

	done := make(chan error, 1)
	go func() {
		_, err := g.GetBoard(context.Background(), "b1")
		done <- err
	}()
	require.Eventually(t, func() bool { return src.boardCalls.Load() == 1 }, time.Second, time.Millisecond)

	// A save lands while the read is still in flight.
	g.InvalidateBoard("b1")
	close(src.gate)
	require.NoError(t, <-done)
	assert.Zero(t, g.Stats().Boards.Size, "superseded result is not cached")

	_, err := g.GetBoard(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.boardCalls.Load())

	_, err = g.GetBoard(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.boardCalls.Load(), "fresh result is cached")
}

func TestGateway_CancelledCallerDoesNotFailOthers(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	g, _ := newTestGateway(src)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := g.GetBoard(ctx, "b1")
		first <- err
	}()
	require.Eventually(t, func() bool { return src.boardCalls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := g.GetBoard(context.Background(), "b1")
		second <- err
	}()
	// Give the second caller time to join the in-flight call.
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-first:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(src.gate)
	require.NoError(t, <-second)
	assert.Equal(t, int32(1), src.boardCalls.Load(), "upstream call was not aborted")
	assert.Equal(t, 1, g.Stats().Boards.Size)
}

func TestGateway_ErrorsAreNotCached(t *testing.T) {
	boom := errors.New("upstream down")
	src := &fakeSource{err: boom}
	g, _ := newTestGateway(src)

	_, err := g.GetBoard(context.Background(), "b1")
	assert.ErrorIs(t, err, boom)

	src.err = nil
	b, err := g.GetBoard(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "b1", b.ID)
	assert.Equal(t, int32(2), src.boardCalls.Load())
}

func TestGateway_ConcurrentMissesShareFetch(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	g, _ := newTestGateway(src)

	const n = 8
	var wg sync.WaitGroup
	results := make([]board.Board, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := g.GetBoard(context.Background(), "b1")
			assert.NoError(t, err)
			results[i] = b
		}(i)
	}

	require.Eventually(t, func() bool { return src.boardCalls.Load() == 1 }, time.Second, time.Millisecond)
	// Give the other callers time to join the in-flight call.
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.LessOrEqual(t, src.boardCalls.Load(), int32(n))
	for _, b := range results {
		assert.Equal(t, "b1", b.ID)
	}
	_, err := g.GetBoard(context.Background(), "b1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, g.Stats().Boards.Hits, uint64(1))
}

func TestGateway_OpenCloseAndCollector(t *testing.T) {
	src := &fakeSource{}
	g, mock := newTestGateway(src)
	g.Open()

	_, _ = g.GetBoard(context.Background(), "b1")
	mock.Advance(2 * DefaultBoardTTL)
	assert.Equal(t, 0, g.Stats().Boards.Size, "sweep evicts expired boards")

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(g.Collector()))
	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "fable_cache_misses_total")

	g.Close()
	assert.Equal(t, 0, mock.Pending())
}
