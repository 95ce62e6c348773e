// Package api exposes the conversation engine over HTTP.
//
// Endpoints:
//
//	GET  /health                      liveness probe
//	GET  /ready                      readiness probe (database ping)
//	POST /v1/conversation/set        create or rename a conversation
//	GET  /v1/conversation/get        fetch one conversation
//	GET  /v1/conversation/list       list a dialog's conversations
//	POST /v1/conversation/rm         delete conversations
//	POST /v1/conversation/thumbup    record answer feedback
//	POST /v1/conversation/delete_msg remove a question/answer pair
//	POST /v1/conversation/completion run one turn (SSE stream by default)
//
// Every JSON endpoint answers with the {code, message, data} envelope; the
// completion stream carries the same envelope per SSE event.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ragline/ragline/internal/chat"
	"github.com/ragline/ragline/internal/log"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout guards against slow-header clients.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 30 * time.Second

	// IdleTimeout applies to keep-alive connections between requests.
	IdleTimeout = 120 * time.Second
)

// Server is the HTTP server.
type Server struct {
	mux    *http.ServeMux
	logger log.Logger

	health       *HealthHandler
	conversation *ConversationHandler
}

// NewServer creates the server with all routes registered.
func NewServer(engine *chat.Engine, sessions ConversationStore, dialogs DialogStore, pool *pgxpool.Pool, logger log.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{
		mux:          mux,
		logger:       logger,
		health:       NewHealthHandler(pool, logger),
		conversation: NewConversationHandler(engine, sessions, dialogs, logger),
	}
	s.health.RegisterRoutes(mux)
	s.conversation.RegisterRoutes(mux)
	return s
}

// Handler returns the HTTP handler with middleware applied.
// Middleware order: recovery, then logging, then the mux.
func (s *Server) Handler() http.Handler {
	return chain(s.mux, recoveryMiddleware(s.logger), loggingMiddleware(s.logger))
}

// Run starts the server and blocks until the context is cancelled or the
// listener fails. Shutdown is graceful within ShutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	// No WriteTimeout: completion streams are long-lived and bounded by the
	// request context instead.
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
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
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
