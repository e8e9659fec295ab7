package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/screencap/internal/capture/core"
	"github.com/babelcloud/screencap/internal/capture/session"
	"github.com/babelcloud/screencap/internal/server/handlers"
	"github.com/babelcloud/screencap/internal/server/router"
)

// Option configures a Server.
type Option func(*Server)

// WithToken sets the control token; empty disables authentication.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithCaptureDefaults sets the configuration start commands override.
func WithCaptureDefaults(defaults func() core.CaptureConfig) Option {
	return func(s *Server) { s.defaults = defaults }
}

// Server is the recording control channel: start, stop and status commands
// plus a websocket stream of status events.
type Server struct {
	addr       string
	token      string
	defaults   func() core.CaptureConfig
	controller *session.Controller
	hub        *handlers.EventHub
	logger     *slog.Logger

	httpServer *http.Server
	mux        *http.ServeMux
	setupOnce  sync.Once
	handler    http.Handler

	// State
	mu        sync.RWMutex
	running   bool
	startTime time.Time
	buildID   string
	ctx       context.Context
	cancel    context.CancelFunc
	unsub     func()
}

// NewServer creates a control server for controller listening on addr.
func NewServer(addr string, controller *session.Controller, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:       addr,
		defaults:   core.DefaultCaptureConfig,
		controller: controller,
		hub:        handlers.NewEventHub(),
		logger:     slog.With("component", "server"),
		mux:        http.NewServeMux(),
		startTime:  time.Now(),
		buildID:    GetBuildID(),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler of the server, wiring routes and the event
// hub on first use.
func (s *Server) Handler() http.Handler {
	s.setupOnce.Do(func() {
		events, unsub := s.controller.Subscribe(64)
		s.unsub = unsub
		go s.hub.Run(s.ctx, events)

		s.setupRoutes()
		s.handler = s.loggingMiddleware(s.mux)
	})
	return s.handler
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.addr)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.startTime = time.Now()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("Control server listening", "addr", s.addr, "auth", s.token != "")
	err := s.httpServer.Serve(ln)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the server. A recording in progress is stopped and finalized.
func (s *Server) Stop() error {
	s.mu.RLock()
	httpServer := s.httpServer
	s.mu.RUnlock()

	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("HTTP server shutdown error", "error", err.Error())
			if err := httpServer.Close(); err != nil {
				s.logger.Warn("HTTP server force close error", "error", err.Error())
			}
		}
	}

	if s.controller.State() != session.StateIdle {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.controller.Stop(ctx); err != nil {
			s.logger.Error("Failed to finalize recording on shutdown", "error", err.Error())
		}
	}

	s.cancel()
	if s.unsub != nil {
		s.unsub()
	}
	s.hub.Close()
	s.logger.Info("Control server stopped")
	return nil
}

func (s *Server) setupRoutes() {
	routers := []router.Router{
		&router.APIRouter{},
	}
	for _, r := range routers {
		r.RegisterRoutes(s.mux, s)
	}
}

// IsRunning returns whether the server is serving
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// GetPort returns the listening port, or 0 when unknown.
func (s *Server) GetPort() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, port, err := net.SplitHostPort(s.addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// GetUptime returns server uptime
func (s *Server) GetUptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startTime)
}

// GetBuildID returns build ID
func (s *Server) GetBuildID() string {
	return s.buildID
}

// GetVersion returns version info
func (s *Server) GetVersion() string {
	return BuildInfo.Version
}

func (s *Server) Recorder() handlers.Recorder {
	return s.controller
}

func (s *Server) Events() *handlers.EventHub {
	return s.hub
}

func (s *Server) CaptureDefaults() core.CaptureConfig {
	return s.defaults()
}

func (s *Server) ControlToken() string {
	return s.token
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	length int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.status == 0 {
		lw.status = http.StatusOK
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.length += n
	return n, err
}

func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("http.Hijacker interface is not supported")
	}
	return hj.Hijack()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.status,
			"bytes", lw.length,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}
