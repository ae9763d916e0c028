// Package server exposes the HTTP surface: the /session WebSocket endpoint
// that carries voice conversations, the health probes, and the Prometheus
// metrics scrape.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voceria/voceria/internal/health"
	"github.com/voceria/voceria/internal/observe"
	"github.com/voceria/voceria/internal/session"
)

// SessionFactory builds the session for one accepted client connection. The
// transport is already bound to the connection; the factory supplies the
// providers and the turn loop.
type SessionFactory func(id string, transport session.Transport) *session.Session

// Config carries the server's collaborators.
type Config struct {
	// Port is the TCP port to listen on.
	Port int

	// Manager tracks live sessions for shutdown.
	Manager *session.Manager

	// NewSession builds a session per client connection.
	NewSession SessionFactory

	// Health serves the liveness and readiness probes.
	Health *health.Handler

	// Metrics instruments the HTTP surface.
	Metrics *observe.Metrics
}

// Server is the HTTP server hosting the session endpoint and the
// operational routes.
type Server struct {
	http       *http.Server
	mgr        *session.Manager
	newSession SessionFactory

	// baseCtx is cancelled by Shutdown. Hijacked WebSocket connections are
	// invisible to http.Server.Shutdown, so each handler watches baseCtx
	// and closes its own connection.
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New assembles the routes and middleware. The server does not listen until
// ListenAndServe.
func New(cfg Config) *Server {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Server{
		mgr:        cfg.Manager,
		newSession: cfg.NewSession,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}

	mux := http.NewServeMux()
	cfg.Health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /session", s.handleSession)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           observe.Middleware(cfg.Metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the assembled HTTP handler. Tests serve it in-process.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks serving traffic until Shutdown is called or the
// listener fails. A shutdown-initiated close is not an error.
func (s *Server) ListenAndServe() error {
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes live WebSocket connections with a normal-closure frame,
// stops accepting new connections, and drains in-flight HTTP requests,
// bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.baseCancel()
	return s.http.Shutdown(ctx)
}
