// Package server hosts the P-Code pipeline: a Runner that drives executions
// on worker goroutines, an artifact Store, and a Connect service that
// exposes generation, streamed execution, cancellation and listings over
// HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/chazu/pcode/vm"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("pcode.server")

// Server serves the execution service over HTTP.
type Server struct {
	runner *Runner
	store  *Store
	mux    *http.ServeMux

	mu      sync.Mutex
	http    *http.Server
	stopped bool
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	runnerOpts []RunnerOption
	store      *Store
	listeners  []vm.Sink
}

// WithStore enables execution by artifact ID and storing generated
// artifacts. The Server closes the store on Stop.
func WithStore(s *Store) ServerOption {
	return func(c *serverConfig) { c.store = s }
}

// WithRunnerOptions configures the Server's Runner.
func WithRunnerOptions(opts ...RunnerOption) ServerOption {
	return func(c *serverConfig) { c.runnerOpts = append(c.runnerOpts, opts...) }
}

// WithListeners registers sinks that observe every execution.
func WithListeners(listeners ...vm.Sink) ServerOption {
	return func(c *serverConfig) { c.listeners = append(c.listeners, listeners...) }
}

// New creates a Server. It fails if the configured listeners cannot be
// registered.
func New(opts ...ServerOption) (*Server, error) {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &Server{
		store: cfg.store,
		mux:   http.NewServeMux(),
	}
	s.runner = NewRunner(cfg.runnerOpts...)

	svc, err := NewService(s.runner, s.store, cfg.listeners...)
	if err != nil {
		s.runner.Close()
		return nil, err
	}
	for path, handler := range svc.Handlers() {
		s.mux.Handle(path, handler)
	}
	return s, nil
}

// Handler returns the HTTP handler serving every procedure.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Runner returns the Server's Runner.
func (s *Server) Runner() *Runner {
	return s.runner
}

// ListenAndServe starts the HTTP server on the given address and blocks
// until Stop is called or the listener fails.
// The address should be in the form "host:port" or ":port".
func (s *Server) ListenAndServe(addr string) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.http = hs
	s.mu.Unlock()

	log.Noticef("P-Code server listening on %s", addr)
	log.Infof("  Connect (CBOR): http://%s%s", addr, ExecuteProcedure)
	err := hs.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop cancels running executions, shuts down the HTTP server and closes
// the store.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	hs := s.http
	s.mu.Unlock()

	// Finish executions first so streaming handlers return and Shutdown
	// does not wait on them.
	s.runner.Close()
	var err error
	if hs != nil {
		err = hs.Shutdown(ctx)
	}
	if s.store != nil {
		err = errors.Join(err, s.store.Close())
	}
	return err
}
