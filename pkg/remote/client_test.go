package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emirkrhan/fable/pkg/autosave"
	"github.com/emirkrhan/fable/pkg/board"
	"github.com/emirkrhan/fable/pkg/changes"
)

type recorded struct {
	method string
	path   string
	auth   string
	body   []byte
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *[]recorded) {
	t.Helper()
	var reqs []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		reqs = append(reqs, recorded{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization"), body: body})
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	logger, _ := test.NewNullLogger()
	return New(Options{BaseURL: srv.URL + "/", Token: "secret", Logger: logger}), &reqs
}

func snapshot() board.Snapshot {
	return board.Snapshot{
		Nodes: []board.Node{{ID: "A", Type: "storyCard", Data: map[string]any{"title": "A"}}},
		Edges: []board.Edge{},
	}
}

// ============================================================================
// Saves
// ============================================================================

func TestBoardSaver_SaveSnapshot(t *testing.T) {
	client, reqs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	err := client.Board("b 1").SaveSnapshot(context.Background(), snapshot())
	require.NoError(t, err)

	require.Len(t, *reqs, 1)
	got := (*reqs)[0]
	assert.Equal(t, http.MethodPut, got.method)
	assert.Equal(t, "/api/boards/b 1/content", got.path)
	assert.Equal(t, "Bearer secret", got.auth)

	var decoded board.Snapshot
	require.NoError(t, json.Unmarshal(got.body, &decoded))
	assert.Equal(t, "A", decoded.Nodes[0].ID)
}

func TestBoardSaver_SavePatches(t *testing.T) {
	client, reqs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	patches := []changes.Patch{{Kind: changes.KindUpdate, Target: changes.TargetNode, ID: "A", Payload: map[string]any{"x": 1.0}}}
	require.NoError(t, client.Board("b1").SavePatches(context.Background(), patches))

	got := (*reqs)[0]
	assert.Equal(t, http.MethodPatch, got.method)
	assert.Equal(t, "/api/boards/b1/changes", got.path)

	var decoded struct {
		Changes []changes.Patch `json:"changes"`
	}
	require.NoError(t, json.Unmarshal(got.body, &decoded))
	require.Len(t, decoded.Changes, 1)
	assert.Equal(t, "A", decoded.Changes[0].ID)
}

func TestClient_PayloadGuard(t *testing.T) {
	client, reqs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	client.maxPayload = 16

	err := client.Board("b1").SaveSnapshot(context.Background(), snapshot())
	require.Error(t, err)
	assert.ErrorIs(t, err, autosave.ErrPayloadTooLarge)
	assert.True(t, autosave.IsPermanent(err))
	assert.Empty(t, *reqs, "oversized payloads are never sent")
}

// ============================================================================
// Error classification
// ============================================================================

func TestClient_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
		tooLarge  bool
	}{
		{"payload too large", http.StatusRequestEntityTooLarge, true, true},
		{"bad request", http.StatusBadRequest, true, false},
		{"conflict", http.StatusConflict, true, false},
		{"request timeout", http.StatusRequestTimeout, false, false},
		{"too many requests", http.StatusTooManyRequests, false, false},
		{"server error", http.StatusInternalServerError, false, false},
		{"bad gateway", http.StatusBadGateway, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = fmt.Fprintf(w, `{"error":true,"message":"nope","code":%d}`, tt.status)
			})

			err := client.Board("b1").SaveSnapshot(context.Background(), snapshot())
			require.Error(t, err)
			assert.Equal(t, tt.permanent, autosave.IsPermanent(err))
			assert.Equal(t, tt.tooLarge, errors.Is(err, autosave.ErrPayloadTooLarge))

			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, "nope", se.Message)
		})
	}
}

func TestClient_PlainTextErrorBody(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
	})

	err := client.Board("b1").SaveSnapshot(context.Background(), snapshot())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "upstream unavailable", se.Message)
	assert.Contains(t, err.Error(), "503")
}

func TestClient_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	logger, _ := test.NewNullLogger()
	client := New(Options{BaseURL: url, Logger: logger})
	err := client.Board("b1").SaveSnapshot(context.Background(), snapshot())
	require.Error(t, err)
	assert.False(t, autosave.IsPermanent(err))
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	client.timeout = 20 * time.Millisecond

	err := client.Board("b1").SaveSnapshot(context.Background(), snapshot())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, autosave.IsPermanent(err))
}

// ============================================================================
// Reads
// ============================================================================

func TestClient_GetBoardAndUser(t *testing.T) {
	client, reqs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/boards/"):
			_ = json.NewEncoder(w).Encode(board.Board{ID: "b1", Name: "Plot", Nodes: snapshot().Nodes})
		case r.URL.Path == "/api/users/u1":
			_ = json.NewEncoder(w).Encode(board.User{ID: "u1", DisplayName: "Ada"})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":true,"message":"user not found","code":404}`))
		}
	})
	ctx := context.Background()

	b, err := client.GetBoard(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "Plot", b.Name)
	assert.Len(t, b.Nodes, 1)

	u, err := client.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", u.DisplayName)

	_, err = client.GetUser(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, autosave.IsPermanent(err))

	assert.Equal(t, http.MethodGet, (*reqs)[0].method)
}
