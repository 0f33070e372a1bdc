// Package server is the optional local status server.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vfhky/serv00-ct8-nezha/internal/version"
	"github.com/vfhky/serv00-ct8-nezha/pkg/plugin"
	"go.uber.org/zap"
)

// PluginSource provides the server with subsystem metadata and routes.
// Defined here (consumer-side) rather than importing the concrete registry.
type PluginSource interface {
	AllRoutes() map[string][]plugin.Route
	All() []plugin.Plugin
}

// StatusFunc composes the full status document.
type StatusFunc func(ctx context.Context) any

// ReadinessChecker returns nil when the daemon is ready, an error
// describing why not otherwise.
type ReadinessChecker func(ctx context.Context) error

// RouteRegistrar can register extra routes, such as the event stream.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Options wires the server to the daemon.
type Options struct {
	Plugins  PluginSource
	Status   StatusFunc
	Ready    ReadinessChecker
	Gatherer prometheus.Gatherer
	// Registerer receives the HTTP metrics. Nil skips them.
	Registerer prometheus.Registerer
	Extra      []RouteRegistrar
}

// Server serves health, metrics and status over HTTP.
type Server struct {
	httpServer *http.Server
	opts       Options
	logger     *zap.Logger
	mux        *http.ServeMux
	listener   net.Listener
}

// New creates a Server with middleware and routes.
func New(cfg Config, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	s := &Server{opts: opts, logger: logger, mux: mux}

	s.registerRoutes()
	for _, r := range opts.Extra {
		r.RegisterRoutes(mux)
	}
	s.mountPluginRoutes()

	var metrics *httpMetrics
	if opts.Registerer != nil {
		metrics = newHTTPMetrics(opts.Registerer)
	}
	probes := []string{"/healthz", "/readyz", "/metrics"}
	handler := Chain(mux,
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger, probes, metrics),
		SecurityHeadersMiddleware,
		VersionHeaderMiddleware,
		RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst, probes),
	)

	// No write timeout: the event stream holds its connection open.
	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	if s.opts.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	s.mux.HandleFunc("GET /api/v1/version", s.handleVersion)
	s.mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/v1/subsystems", s.handleSubsystems)
}

// mountPluginRoutes registers subsystem routes under /api/v1/{name}/.
func (s *Server) mountPluginRoutes() {
	if s.opts.Plugins == nil {
		return
	}
	for name, routes := range s.opts.Plugins.AllRoutes() {
		for _, route := range routes {
			pattern := fmt.Sprintf("%s /api/v1/%s%s", route.Method, name, route.Path)
			s.mux.HandleFunc(pattern, route.Handler)
			s.logger.Debug("mounted route",
				zap.String("subsystem", name),
				zap.String("pattern", pattern),
			)
		}
	}
}

// Listen binds the address so callers learn about a busy port before
// Serve runs in the background.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln
	return nil
}

// Addr is the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Serve blocks serving requests until Shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.logger.Info("status server listening", zap.String("addr", s.Addr()))
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down status server")
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealthz is a liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, version.Map())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Status == nil {
		Unavailable(w, "status is not available", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Status(r.Context()))
}

// SubsystemResponse describes one active subsystem.
type SubsystemResponse struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Roles       []string `json:"roles,omitempty"`
	Running     *bool    `json:"running,omitempty"`
}

func (s *Server) handleSubsystems(w http.ResponseWriter, _ *http.Request) {
	out := []SubsystemResponse{}
	if s.opts.Plugins != nil {
		for _, p := range s.opts.Plugins.All() {
			info := p.Info()
			resp := SubsystemResponse{
				Name:        info.Name,
				Version:     info.Version,
				Description: info.Description,
				Roles:       info.Roles,
			}
			if r, ok := p.(plugin.Runner); ok {
				running := r.Running()
				resp.Running = &running
			}
			out = append(out, resp)
		}
	}
	writeJSON(w, http.StatusOK, out)
}
