// Package api exposes the assessment engine over HTTP.
//
// It provides RESTful endpoints for participant lifecycle, schedule
// retrieval, submission and lab ingestion, reminder runs, and alert review.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/OutcomeKit/OutcomePipe/internal/engine"
	"github.com/OutcomeKit/OutcomePipe/internal/reminder"
	"github.com/OutcomeKit/OutcomePipe/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr overrides the default listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server handles HTTP requests against the engine and store.
type Server struct {
	addr       string
	eng        *engine.Engine
	reminders  *reminder.Engine
	st         store.Store
	httpServer *http.Server
}

// NewServer creates an API server over the given engine, reminder engine,
// and store.
func NewServer(eng *engine.Engine, reminders *reminder.Engine, st store.Store, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{addr: cfg.Addr, eng: eng, reminders: reminders, st: st}
}

// Handler builds the route table. It is exported so tests can mount the
// server on httptest without binding a socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/participants", s.participantsHandler)
	mux.HandleFunc("/participants/", s.participantSubresourceHandler)
	mux.HandleFunc("/submissions", s.submissionsHandler)
	mux.HandleFunc("/labs", s.labsHandler)
	mux.HandleFunc("/reminders/run", s.remindersRunHandler)
	mux.HandleFunc("/alerts", s.alertsHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Run starts the HTTP server and blocks until the context is canceled or
// the listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API server listening", "addr", s.addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server.Run: shutdown failed", "error", err)
			return err
		}
		slog.Info("Server.Run: API server stopped")
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
