// Package httpserver exposes the bridge's operational HTTP endpoints:
// metric exports plus the health, readiness, and liveness probes.
//
// Route layout:
//
//	GET /metrics       – Prometheus text exposition (format 0.0.4)
//	GET /metrics/json  – JSON metrics snapshot
//	GET /health        – process summary, always 200 while serving
//	GET /ready         – readiness probe: 200 once the feed is joined, 503 before
//	GET /live          – liveness probe, always 200 while serving
//
// The server binds loopback by default and carries no authentication;
// exposing it beyond the host is a deployment decision, not a bridge one.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wxwire/bridge/internal/metrics"
)

// Defaults for Config fields left zero.
const (
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 15 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// Config holds the HTTP server settings. Addr is required; zero timeouts
// take the package defaults.
type Config struct {
	// Addr is the listen address in host:port form.
	Addr string

	// Service and Version appear in the /health payload.
	Service string
	Version string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// ShutdownTimeout bounds the graceful drain once Run's context ends.
	ShutdownTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Service == "" {
		c.Service = "wxbridge"
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Server serves the metrics and probe endpoints for one bridge process.
type Server struct {
	cfg      Config
	registry *metrics.Registry
	logger   *slog.Logger

	ready   func() bool
	details func() map[string]any
	now     func() time.Time
}

// Option customizes a Server.
type Option func(*Server)

// WithReadiness installs the probe consulted by GET /ready. Without one the
// server reports ready as soon as it is serving.
func WithReadiness(fn func() bool) Option {
	return func(s *Server) { s.ready = fn }
}

// WithDetails installs a snapshot function whose entries are merged into
// the /ready payload (receiver state, queue depths, and the like).
func WithDetails(fn func() map[string]any) Option {
	return func(s *Server) { s.details = fn }
}

// New returns a server exporting reg. A nil logger falls back to
// slog.Default().
func New(cfg Config, reg *metrics.Registry, logger *slog.Logger, opts ...Option) *Server {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		registry: reg,
		logger:   logger.With(slog.String("component", "httpserver")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the configured route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/metrics", s.handleMetrics)
	r.Get("/metrics/json", s.handleMetricsJSON)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/live", s.handleLive)

	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests within
// the shutdown timeout. It returns nil on a clean stop and the listen error
// when the server cannot come up.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("metrics server listening", slog.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("httpserver: serve %s: %w", s.cfg.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("metrics server shutdown", slog.String("error", err.Error()))
		_ = srv.Close()
	}
	<-errCh
	s.logger.Info("metrics server stopped")
	return nil
}

// handleMetrics responds to GET /metrics with the Prometheus text
// exposition of every registered metric.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", metrics.ContentTypePrometheus)
	w.WriteHeader(http.StatusOK)
	if err := metrics.WritePrometheus(w, s.registry); err != nil {
		s.logger.Warn("metrics: write exposition", slog.String("error", err.Error()))
	}
}

// handleMetricsJSON responds to GET /metrics/json with the timestamped
// JSON snapshot of the same metrics.
func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(metrics.ExportJSON(s.registry)); err != nil {
		s.logger.Warn("metrics: encode snapshot", slog.String("error", err.Error()))
	}
}

// healthResponse is the GET /health payload.
type healthResponse struct {
	Status       string `json:"status"`
	Service      string `json:"service"`
	Version      string `json:"version"`
	Timestamp    string `json:"timestamp"`
	MetricsCount int    `json:"metrics_count"`
}

// handleHealth responds to GET /health. The endpoint answers 200 whenever
// the process is serving; readiness is /ready's job.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := healthResponse{
		Status:       "ok",
		Service:      s.cfg.Service,
		Version:      s.cfg.Version,
		Timestamp:    s.now().UTC().Format(time.RFC3339),
		MetricsCount: s.registry.Len(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(h)
}

// handleReady responds to GET /ready: 200 with status "ready" once the
// bridge is ingesting, 503 with status "starting" before that. Orchestrators
// use the distinction to hold traffic during connect and MUC join.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := s.ready == nil || s.ready()

	body := map[string]any{
		"status":    "ready",
		"service":   s.cfg.Service,
		"timestamp": s.now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if !ready {
		body["status"] = "starting"
		code = http.StatusServiceUnavailable
	}
	if s.details != nil {
		for k, v := range s.details() {
			body[k] = v
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// handleLive responds to GET /live with HTTP 200 so orchestrators can
// verify the process is alive even while it is still connecting.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}
