// Package api serves the HTTP status surface: /healthz for load
// balancers, /api/status for operators and bridgectl, /metrics for
// Prometheus, and an optional static dashboard directory.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"marketbridge/internal/config"
	"marketbridge/internal/engine"
	"marketbridge/internal/metrics"
)

// StatusProvider is the engine surface the status server reads. It is
// never written through; the server can only observe.
type StatusProvider interface {
	Snapshot() engine.Snapshot
	Metrics() *metrics.Metrics
}

// Server runs the HTTP status API.
type Server struct {
	cfg      config.APIConfig
	provider StatusProvider
	server   *http.Server
	addr     string
	logger   *slog.Logger
}

// NewServer creates the status server. Nothing listens until Start.
func NewServer(cfg config.APIConfig, provider StatusProvider, logger *slog.Logger) *Server {
	h := newHandlers(provider, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.HandleHealth)
	mux.HandleFunc("/api/status", h.HandleStatus)
	mux.Handle("/metrics", provider.Metrics().Handler())
	if cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
	}

	return &Server{
		cfg:      cfg,
		provider: provider,
		server: &http.Server{
			Addr:         cfg.Addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "api"),
	}
}

// Start binds the listener and serves in the background. Bind errors
// surface here; serve errors after a successful bind are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()
	s.logger.Info("status server listening", "addr", s.addr, "static_dir", s.cfg.StaticDir)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", "error", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping status server")
	return s.server.Shutdown(ctx)
}

// Addr returns the bound listen address, useful when configured with
// port 0.
func (s *Server) Addr() string { return s.addr }
