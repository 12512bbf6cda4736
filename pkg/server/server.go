// Package server provides the reference HTTP board API for fable.
//
// The server stores boards and user profiles in a storage.Engine and exposes
// the endpoints the remote client and the auto-save engine talk to:
//
//	GET    /health                     liveness check
//	GET    /api/boards                 list boards (id, name, owner)
//	POST   /api/boards                 create a board
//	GET    /api/boards/{id}            fetch a board
//	PATCH  /api/boards/{id}            rename a board
//	DELETE /api/boards/{id}            delete a board
//	PUT    /api/boards/{id}/content    replace nodes and edges
//	PATCH  /api/boards/{id}/changes    apply merged change patches
//	GET    /api/users/{id}             fetch a user profile
//	PUT    /api/users/{id}             store a user profile
//
// Errors are JSON objects of the form {"error":true,"message":"...","code":N}.
// Bodies larger than Config.MaxRequestSize are rejected with 413.
//
// Example:
//
//	store := storage.NewMemoryEngine()
//	srv, err := server.New(store, server.DefaultConfig(), logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := srv.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer srv.Stop(context.Background())
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/emirkrhan/fable/pkg/clock"
	"github.com/emirkrhan/fable/pkg/storage"
)

// Errors returned by the server lifecycle.
var (
	ErrServerClosed  = errors.New("server closed")
	ErrInternalError = errors.New("internal server error")
)

// Config holds HTTP server configuration options.
type Config struct {
	// Address to bind to (default: "127.0.0.1" - localhost only)
	Address string
	// Port to listen on (default: 7474). Zero picks a free port.
	Port int
	// ReadTimeout for requests
	ReadTimeout time.Duration
	// WriteTimeout for responses
	WriteTimeout time.Duration
	// IdleTimeout for keep-alive connections
	IdleTimeout time.Duration
	// MaxRequestSize in bytes (default: 10MB)
	MaxRequestSize int64
	// AuthToken, when set, is required as a bearer token on /api routes.
	AuthToken string
	// EnableCORS for cross-origin requests (default: false)
	EnableCORS bool
	// CORSOrigins allowed origins. "*" allows any origin without credentials.
	CORSOrigins []string

	// RateLimitEnabled enables per-client rate limiting (default: true)
	RateLimitEnabled bool
	// RateLimitPerMinute sustained requests per client per minute (default: 600)
	RateLimitPerMinute int
	// RateLimitBurst max burst size for short request spikes (default: 50)
	RateLimitBurst int
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:            "127.0.0.1",
		Port:               7474,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       60 * time.Second,
		IdleTimeout:        120 * time.Second,
		MaxRequestSize:     10 * 1024 * 1024,
		EnableCORS:         false,
		RateLimitEnabled:   true,
		RateLimitPerMinute: 600,
		RateLimitBurst:     50,
	}
}

// Server is the reference board API.
type Server struct {
	config *Config
	store  storage.Engine
	logger logrus.FieldLogger
	clock  clock.Clock

	router      chi.Router
	httpServer  *http.Server
	listener    net.Listener
	rateLimiter *IPRateLimiter

	// writeMu serializes read-modify-write cycles on stored boards.
	writeMu sync.Mutex

	closed  atomic.Bool
	started time.Time

	requestCount   atomic.Int64
	errorCount     atomic.Int64
	activeRequests atomic.Int64
}

// New creates a server over store. A nil config uses DefaultConfig and a nil
// logger uses the logrus standard logger. The server is not started.
func New(store storage.Engine, config *Config, logger logrus.FieldLogger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("storage engine required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = DefaultConfig().MaxRequestSize
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Server{
		config: config,
		store:  store,
		logger: logger.WithField("component", "server"),
		clock:  clock.New(),
	}
	if config.RateLimitEnabled && config.RateLimitPerMinute > 0 {
		s.rateLimiter = NewIPRateLimiter(config.RateLimitPerMinute, config.RateLimitBurst)
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handle mounts an extra handler, e.g. a metrics endpoint. It must be
// called before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.router.Handle(pattern, h)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening and serving in the background.
func (s *Server) Start() error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.started = time.Now()

	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("HTTP server error")
		}
	}()

	s.logger.WithField("addr", listener.Addr().String()).Info("board API listening")
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Stats returns current server runtime statistics.
//
// Thread-safe: Can be called concurrently from multiple goroutines.
func (s *Server) Stats() ServerStats {
	var uptime time.Duration
	if !s.started.IsZero() {
		uptime = time.Since(s.started)
	}
	return ServerStats{
		Uptime:         uptime,
		RequestCount:   s.requestCount.Load(),
		ErrorCount:     s.errorCount.Load(),
		ActiveRequests: s.activeRequests.Load(),
	}
}

// ServerStats holds server metrics.
type ServerStats struct {
	Uptime         time.Duration `json:"uptime"`
	RequestCount   int64         `json:"request_count"`
	ErrorCount     int64         `json:"error_count"`
	ActiveRequests int64         `json:"active_requests"`
}

// Collectors exports the runtime statistics as Prometheus metrics.
func (s *Server) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "fable_server_requests_total",
			Help: "Number of HTTP requests served.",
		}, func() float64 { return float64(s.requestCount.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "fable_server_errors_total",
			Help: "Number of HTTP requests answered with an error.",
		}, func() float64 { return float64(s.errorCount.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "fable_server_active_requests",
			Help: "Number of HTTP requests in progress.",
		}, func() float64 { return float64(s.activeRequests.Load()) }),
	}
}

// =============================================================================
// Router Setup
// =============================================================================

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(s.recoveryMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.rateLimitMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/boards", func(r chi.Router) {
			r.Get("/", s.handleListBoards)
			r.Post("/", s.handleCreateBoard)
			r.Get("/{id}", s.handleGetBoard)
			r.Patch("/{id}", s.handleRenameBoard)
			r.Delete("/{id}", s.handleDeleteBoard)
			r.Put("/{id}/content", s.handleSaveContent)
			r.Patch("/{id}/changes", s.handleApplyChanges)
		})

		r.Get("/users/{id}", s.handleGetUser)
		r.Put("/users/{id}", s.handlePutUser)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, "not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"stats":  s.Stats(),
	})
}
