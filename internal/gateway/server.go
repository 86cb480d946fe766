// Package gateway assembles the middleware chain and HTTP servers for the
// coordination gate.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaymesh/agentgate/internal/auth"
	"github.com/relaymesh/agentgate/internal/config"
	"github.com/relaymesh/agentgate/internal/health"
	"github.com/relaymesh/agentgate/internal/middleware"
	"github.com/relaymesh/agentgate/internal/observability"
	"github.com/relaymesh/agentgate/internal/ratelimit"
	"github.com/relaymesh/agentgate/internal/risk"
)

// Components are the request-path pieces the server chains together.
// Limiter, Risk, and Health may be nil; the corresponding stage or probe
// is skipped.
type Components struct {
	Orchestrator *auth.Orchestrator
	Risk         *risk.Middleware
	Limiter      *ratelimit.AdaptiveLimiter
	Health       *health.Checker
}

// Server is the gate's HTTP server.
type Server struct {
	cfg     *config.Config
	logger  observability.Logger
	handler http.Handler
	server  *http.Server
	running atomic.Bool
}

// ServerOption is a functional option for configuring the server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(logger observability.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer builds the middleware chain around the coordinate handler.
// Order matters: request id and logging wrap everything, recovery guards
// the gate itself, then authentication, risk classification, and finally
// the adaptive limiter, which needs the risk multiplier.
func NewServer(cfg *config.Config, comp Components, opts ...ServerOption) *Server {
	s := &Server{
		cfg:    cfg,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	gated := http.Handler(newCoordinateMux())
	if comp.Limiter != nil {
		gated = ratelimit.Middleware(comp.Limiter)(gated)
	}
	if comp.Risk != nil {
		gated = comp.Risk.Handler()(gated)
	}
	gated = comp.Orchestrator.Middleware()(gated)

	root := http.NewServeMux()
	if comp.Health != nil {
		root.HandleFunc("/healthz", comp.Health.LivenessHandler)
		root.HandleFunc("/readyz", comp.Health.ReadinessHandler)
	} else {
		root.HandleFunc("/healthz", handleHealthz)
	}
	root.Handle("/", gated)

	chain := middleware.Recovery(s.logger)(root)
	chain = middleware.Logging(s.logger)(chain)
	chain = middleware.RequestID()(chain)
	s.handler = chain

	return s
}

// Handler exposes the assembled chain, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving. It returns once the listener is bound; serving
// continues on a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("server is already running")
	}

	addr := fmt.Sprintf(":%d", s.cfg.HTTPPort)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       time.Duration(s.cfg.ReadTimeout),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      time.Duration(s.cfg.WriteTimeout),
		IdleTimeout:       time.Duration(s.cfg.IdleTimeout),
		MaxHeaderBytes:    1 << 20,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.running.Store(true)
	s.logger.Info("server started", observability.String("address", addr))

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error", observability.Error(err))
		}
		s.running.Store(false)
	}()

	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.Load() {
		return nil
	}
	s.logger.Info("stopping server")
	if err := s.server.Shutdown(ctx); err != nil {
		if closeErr := s.server.Close(); closeErr != nil {
			return fmt.Errorf("failed to close server: %w", closeErr)
		}
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}
	s.running.Store(false)
	return nil
}

// IsRunning returns true if the server is serving.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// NewMetricsServer serves Prometheus metrics on the metrics port.
func NewMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
