// Package frontend implements the HTTP routing front-end: one listener
// per configured server, redirecting matched requests to the backend
// that serves them.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/oneslot/oneslot/internal/manager"
	"github.com/oneslot/oneslot/internal/muxconfig"
)

// routedEndpoint is a muxconfig.EndpointConfig with its manager key
// precomputed.
type routedEndpoint struct {
	muxconfig.EndpointConfig
	key string
}

// Server wraps one net/http.Server bound to a ServerConfig, routing
// matched requests to the Manager.
type Server struct {
	cfg       muxconfig.ServerConfig
	endpoints []routedEndpoint
	manager   *manager.Manager
	log       *slog.Logger
	httpSrv   *http.Server
}

// New builds a Server for cfg. Endpoints are sorted longest-prefix-first,
// with the empty (catch-all) prefix sorted last.
func New(cfg muxconfig.ServerConfig, mgr *manager.Manager, log *slog.Logger) *Server {
	endpoints := make([]routedEndpoint, 0, len(cfg.Endpoints))
	for _, e := range cfg.Endpoints {
		endpoints = append(endpoints, routedEndpoint{
			EndpointConfig: e,
			key:            cfg.Name + ":" + e.Name,
		})
	}
	sort.SliceStable(endpoints, func(i, j int) bool {
		return len(endpoints[i].PathPrefix) > len(endpoints[j].PathPrefix)
	})

	s := &Server{
		cfg:       cfg,
		endpoints: endpoints,
		manager:   mgr,
		log:       log.With("component", "frontend", "server", cfg.Name),
	}

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: s,
	}

	return s
}

// Listen binds this server's listening socket without starting to accept
// connections. Splitting bind from serve lets a caller wait for every
// configured server's socket to be bound before running warmup.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", s.httpSrv.Addr, err)
	}
	return ln, nil
}

// Serve accepts connections on ln until Shutdown is called, returning
// http.ErrServerClosed on a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("listening", "addr", s.httpSrv.Addr)
	return s.httpSrv.Serve(ln)
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// ServeHTTP implements http.Handler, matching the request path against
// this server's endpoints and redirecting to the resolved backend.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := s.match(r.URL.Path)
	if !ok {
		s.log.Info("endpoint not found", "path", r.URL.Path)
		http.Error(w, "Endpoint not found", http.StatusNotFound)
		return
	}

	b, err := s.manager.Ready(r.Context(), endpoint.key)
	if err != nil {
		if errors.Is(err, manager.ErrBackendNotFound) {
			s.log.Error("routed endpoint missing from manager", "key", endpoint.key, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		s.log.Warn("backend not available", "key", endpoint.key, "error", err)
		http.Error(w, "Backend not available", http.StatusServiceUnavailable)
		return
	}

	backendURL, err := b.URL()
	if err != nil {
		s.log.Error("ready backend has no url", "key", endpoint.key, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	forwardedPath := r.URL.Path
	if endpoint.StripPrefix {
		forwardedPath = strings.TrimPrefix(forwardedPath, endpoint.PathPrefix)
		if !strings.HasPrefix(forwardedPath, "/") {
			forwardedPath = "/" + forwardedPath
		}
	}

	location := backendURL + forwardedPath
	if r.URL.RawQuery != "" {
		location += "?" + r.URL.RawQuery
	}

	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusTemporaryRedirect)
}

func (s *Server) match(path string) (routedEndpoint, bool) {
	for _, e := range s.endpoints {
		if e.PathPrefix == "" || strings.HasPrefix(path, e.PathPrefix) {
			return e, true
		}
	}
	return routedEndpoint{}, false
}

// ShutdownTimeout is the grace period given to in-flight requests during
// process shutdown.
const ShutdownTimeout = 5 * time.Second
