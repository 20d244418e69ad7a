// Package api exposes parley over HTTP: a WebSocket stream for chat,
// a synchronous chat fallback, voice uploads, session management, and
// health probes.
//
// Endpoints:
//
//	GET  /ws/chat                       WebSocket chat stream
//	POST /api/chat                      synchronous chat (waits for the full reply)
//	POST /api/voice/transcriptions      voice clip upload
//	GET  /api/sessions                  list sessions
//	POST /api/sessions                  create session
//	GET  /api/sessions/{id}             fetch one session
//	DELETE /api/sessions/{id}           delete session and history
//	GET  /api/sessions/{id}/messages    paged history
//	GET  /health, /ready                probes
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/parleyhq/parley/internal/hub"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/transcribe"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:8080"

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 30 * time.Second

	// ReadHeaderTimeout prevents Slowloris-style header trickling.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 30 * time.Second

	// WriteTimeout must cover a full synchronous generation.
	WriteTimeout = 2 * time.Minute

	// IdleTimeout bounds keep-alive connections between requests.
	IdleTimeout = 2 * time.Minute
)

// Server is the HTTP server for parley.
type Server struct {
	mux    *http.ServeMux
	logger log.Logger

	health  *HealthHandler
	session *SessionHandler
	chat    *ChatHandler
	ws      *WSHandler
	voice   *VoiceHandler
}

// NewServer registers all routes. ready is the readiness probe; pool may
// be nil when voice transcription is not configured.
func NewServer(
	store session.Store,
	orch *orchestrator.Orchestrator,
	events *hub.Hub,
	pool *transcribe.Pool,
	ready func(ctx context.Context) error,
	logger log.Logger,
) *Server {
	mux := http.NewServeMux()

	s := &Server{
		mux:     mux,
		logger:  logger,
		health:  NewHealthHandler(ready, logger),
		session: NewSessionHandler(store, logger),
		chat:    NewChatHandler(orch, events, logger),
		ws:      NewWSHandler(orch, events, logger),
		voice:   NewVoiceHandler(pool, logger),
	}

	s.health.RegisterRoutes(mux)
	s.session.RegisterRoutes(mux)
	s.chat.RegisterRoutes(mux)
	s.ws.RegisterRoutes(mux)
	s.voice.RegisterRoutes(mux)

	return s
}

// Handler returns the routed handler with middleware applied.
// Middleware order: recovery, then logging, then the mux.
func (s *Server) Handler() http.Handler {
	return chain(s.mux,
		recoveryMiddleware(s.logger),
		loggingMiddleware(s.logger),
	)
}

// Run starts the server and blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
