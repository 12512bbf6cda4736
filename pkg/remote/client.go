// Package remote is the HTTP client for the fable board API.
//
// A Client reads boards and users (it satisfies gateway.Source) and hands
// out per-board savers that satisfy autosave.Saver:
//
//	client := remote.New(remote.Options{BaseURL: "http://127.0.0.1:7474", Token: token})
//	engine, err := autosave.New(client.Board("board-42"), autosave.DefaultConfig("board-42"))
//
// Full snapshots are sent with PUT /api/boards/{id}/content and merged
// patches with PATCH /api/boards/{id}/changes. Responses with status 413, or
// any other 4xx except 408 and 429, are reported as permanent errors so the
// auto-save engine does not retry them.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/emirkrhan/fable/pkg/autosave"
	"github.com/emirkrhan/fable/pkg/board"
	"github.com/emirkrhan/fable/pkg/changes"
)

// Defaults applied when Options leave a field zero.
const (
	DefaultTimeout         = 10 * time.Second
	DefaultMaxPayloadBytes = 5 << 20
)

// ErrNotFound is returned when the board or user does not exist.
var ErrNotFound = errors.New("remote: not found")

// StatusError is a non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Retryable reports whether the request may succeed if sent again.
func (e *StatusError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return false
	default:
		return true
	}
}

// Options configures a Client.
type Options struct {
	// BaseURL is the API root, e.g. http://127.0.0.1:7474.
	BaseURL string
	// Token is sent as a bearer token when set.
	Token string
	// Timeout bounds each request. Default: 10s.
	Timeout time.Duration
	// MaxPayloadBytes rejects larger request bodies before sending.
	// Default: 5 MiB. Negative disables the check.
	MaxPayloadBytes int
	// HTTPClient overrides the transport. Default: a new http.Client.
	HTTPClient *http.Client
	// Logger for request diagnostics. Default: logrus standard logger.
	Logger logrus.FieldLogger
}

// Client talks to the board API.
type Client struct {
	base       string
	token      string
	timeout    time.Duration
	maxPayload int
	http       *http.Client
	logger     logrus.FieldLogger
}

// New creates a client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxPayloadBytes == 0 {
		opts.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Client{
		base:       strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		timeout:    opts.Timeout,
		maxPayload: opts.MaxPayloadBytes,
		http:       opts.HTTPClient,
		logger:     opts.Logger.WithField("component", "remote"),
	}
}

// GetBoard fetches a board document.
func (c *Client) GetBoard(ctx context.Context, id string) (board.Board, error) {
	var b board.Board
	err := c.do(ctx, http.MethodGet, "/api/boards/"+url.PathEscape(id), nil, &b)
	return b, err
}

// GetUser fetches a user profile.
func (c *Client) GetUser(ctx context.Context, id string) (board.User, error) {
	var u board.User
	err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(id), nil, &u)
	return u, err
}

// SaveContent replaces the content of board id.
func (c *Client) SaveContent(ctx context.Context, id string, s board.Snapshot) error {
	return c.do(ctx, http.MethodPut, "/api/boards/"+url.PathEscape(id)+"/content", s, nil)
}

// SaveChanges applies merged patches to board id.
func (c *Client) SaveChanges(ctx context.Context, id string, patches []changes.Patch) error {
	body := struct {
		Changes []changes.Patch `json:"changes"`
	}{Changes: patches}
	return c.do(ctx, http.MethodPatch, "/api/boards/"+url.PathEscape(id)+"/changes", body, nil)
}

// Board returns an autosave.Saver bound to board id.
func (c *Client) Board(id string) *BoardSaver {
	return &BoardSaver{client: c, id: id}
}

// BoardSaver saves one board through a Client.
type BoardSaver struct {
	client *Client
	id     string
}

// SaveSnapshot implements autosave.Saver.
func (s *BoardSaver) SaveSnapshot(ctx context.Context, snap board.Snapshot) error {
	return s.client.SaveContent(ctx, s.id, snap)
}

// SavePatches implements autosave.Saver.
func (s *BoardSaver) SavePatches(ctx context.Context, patches []changes.Patch) error {
	return s.client.SaveChanges(ctx, s.id, patches)
}

var _ autosave.Saver = (*BoardSaver)(nil)

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("encode %s %s: %w", method, path, err))
		}
		if c.maxPayload > 0 && len(data) > c.maxPayload {
			return backoff.Permanent(fmt.Errorf("%s %s: %d bytes exceeds limit of %d: %w",
				method, path, len(data), c.maxPayload, autosave.ErrPayloadTooLarge))
		}
		body = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.WithFields(logrus.Fields{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("remote request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(method, path, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func statusError(method, path string, resp *http.Response) error {
	var payload struct {
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &payload) != nil {
		payload.Message = strings.TrimSpace(string(raw))
	}
	se := &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: payload.Message}

	switch {
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return backoff.Permanent(fmt.Errorf("%w: %w", autosave.ErrPayloadTooLarge, se))
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(fmt.Errorf("%w: %w", ErrNotFound, se))
	case !se.Retryable():
		return backoff.Permanent(se)
	default:
		return se
	}
}
