// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes workflow executions over HTTP: server-sent event
// and WebSocket progress streams, detached starts with polling, stored
// files, metrics and health.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tombee/modelchain/internal/auth"
	"github.com/tombee/modelchain/internal/log"
	"github.com/tombee/modelchain/internal/runner"
	"github.com/tombee/modelchain/internal/tracing"
	pkgerrors "github.com/tombee/modelchain/pkg/errors"
)

// Metrics exposes the collectors and counts rejected requests.
type Metrics interface {
	Handler() http.Handler
	RecordRejection(reason string)
}

// RejectRateLimited is the rejection reason for throttled starts.
const RejectRateLimited = "rate_limited"

// Config wires a Server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration

	Runner *runner.Runner
	Auth   *auth.Authenticator

	// Limiter throttles execution starts per caller. May be nil.
	Limiter *auth.RateLimiter

	// Files serves stored files under /files/. May be nil.
	Files http.Handler

	// Metrics may be nil, which disables /metrics.
	Metrics Metrics

	// AllowedOrigins restricts WebSocket origins. Empty allows any origin.
	AllowedOrigins []string

	Logger *slog.Logger
}

// Server is the HTTP front end of the runner.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	http     *http.Server

	// cancelRequests ends every in-flight request context, which stops
	// streaming executions at their next step boundary.
	baseCtx        context.Context
	cancelRequests context.CancelFunc

	mu sync.RWMutex
	ln net.Listener
}

// New validates cfg and builds a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Runner == nil {
		return nil, &pkgerrors.ConfigError{Key: "server", Reason: "runner is required"}
	}
	if cfg.Auth == nil {
		cfg.Auth = &auth.Authenticator{}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:            cfg,
		logger:         logger,
		baseCtx:        ctx,
		cancelRequests: cancel,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Disabled for streaming; executions can run for many minutes.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s, nil
}

// Handler returns the routed handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	api := http.NewServeMux()
	api.HandleFunc("POST /v1/workflows/{id}/executions", s.handleStart)
	api.HandleFunc("GET /v1/workflows/{id}/executions/ws", s.handleWebSocket)
	api.HandleFunc("GET /v1/executions", s.handleList)
	api.HandleFunc("GET /v1/executions/{id}", s.handleGet)
	mux.Handle("/v1/", s.cfg.Auth.Middleware(api))

	if s.cfg.Files != nil {
		mux.Handle("GET /files/", s.cfg.Files)
	}
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics.Handler())
	}
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return tracing.Middleware(log.AccessLog(s.logger)(mux))
}

// Addr returns the bound address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe listens on cfg.Addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("server starting", slog.String("listen_addr", ln.Addr().String()))

	if s.cfg.Limiter != nil {
		stop := make(chan struct{})
		defer close(stop)
		go s.cfg.Limiter.RunCleanup(stop, time.Minute, 10*time.Minute)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		s.cancelRequests()
		return fmt.Errorf("server error: %w", err)
	}
}

// Shutdown stops admitting executions, lets open streams finish within the
// shutdown timeout, then cancels whatever is left and waits for it to
// record its final state.
func (s *Server) Shutdown() error {
	s.logger.Info("server shutting down",
		slog.Int("active_executions", s.cfg.Runner.ActiveCount()))
	s.cfg.Runner.StartDraining()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	httpErr := s.http.Shutdown(ctx)
	s.cancelRequests()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer stopCancel()
	stopErr := s.cfg.Runner.Stop(stopCtx)

	if httpErr != nil && !errors.Is(httpErr, context.DeadlineExceeded) {
		return fmt.Errorf("http shutdown: %w", httpErr)
	}
	return stopErr
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
