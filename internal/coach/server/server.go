// Package server exposes the chat pipeline over HTTP: POST /api/chat for
// authenticated streaming turns, plus /health and /status.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fitcoach/coach/common/trace"
	"github.com/fitcoach/coach/internal/coach/auth"
	"github.com/fitcoach/coach/internal/coach/chat"
)

const (
	defaultMaxBodyBytes    = 1 << 20
	defaultReadTimeout     = 15 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// Admitter decides whether an owner may start another turn.
type Admitter interface {
	Admit(ownerID string) error
}

// statusProvider is the minimal interface /status needs from the store.
type statusProvider interface {
	Ping(ctx context.Context) error
	ConversationCount(ctx context.Context) (int, error)
	MessageCount(ctx context.Context) (int, error)
}

// Config configures a Server. Chat and Verifier are required.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64

	Chat     *chat.Service
	Verifier auth.TokenVerifier
	Quota    Admitter
	Status   statusProvider
	Logger   *slog.Logger
}

// Server is the HTTP front of the coach.
type Server struct {
	cfg       Config
	chat      *chat.Service
	quota     Admitter
	status    statusProvider
	schema    *jsonschema.Schema
	logger    *slog.Logger
	startedAt time.Time
	mux       *http.ServeMux
	handler   http.Handler
	server    *http.Server
}

// New builds the routes. It does not listen.
func New(cfg Config) (*Server, error) {
	if cfg.Chat == nil {
		return nil, errors.New("server: chat service is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("server: token verifier is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	schema, err := compileChatSchema()
	if err != nil {
		return nil, fmt.Errorf("server: compile request schema: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		chat:      cfg.Chat,
		quota:     cfg.Quota,
		status:    cfg.Status,
		schema:    schema,
		logger:    logger,
		startedAt: time.Now(),
		mux:       http.NewServeMux(),
	}

	requireOwner := auth.Middleware(cfg.Verifier, logger)
	s.mux.Handle("POST /api/chat", requireOwner(http.HandlerFunc(s.handleChat)))
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.handler = withTrace(s.mux)
	return s, nil
}

// ServeHTTP implements http.Handler so the server can be tested without a
// live listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Start begins listening in the background. It returns once the listener
// is established and shuts the server down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) (net.Addr, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	}

	// No WriteTimeout: replies stream for as long as the model does, and
	// the upstream client timeout bounds that.
	s.server = &http.Server{
		Handler:           s,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		s.logger.Info("server: listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server: stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return ln.Addr(), nil
}

// Stop gracefully shuts the listener down, letting in-flight streams end.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("server: shutdown error", "err", err)
	}
}

// withTrace accepts or generates a trace id, echoes it and stores it in
// the request context.
func withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := trace.FromRequest(r)
		w.Header().Set(trace.Header, id)
		next.ServeHTTP(w, r.WithContext(trace.WithTraceID(r.Context(), id)))
	})
}
