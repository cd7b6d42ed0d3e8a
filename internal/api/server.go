// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api implements the management API: a JSON HTTP surface for
// stats, history, and live access-control/user configuration, gated by
// session-cookie auth when security.auth_enabled is set.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Annihilater/net-relay/internal/audit"
	"github.com/Annihilater/net-relay/internal/auth"
	"github.com/Annihilater/net-relay/internal/config"
	"github.com/Annihilater/net-relay/internal/logging"
	"github.com/Annihilater/net-relay/internal/metrics"
	"github.com/Annihilater/net-relay/internal/registry"
)

const sessionCookieName = "netrelay_session"

// Server is the management API listener.
type Server struct {
	Registry *registry.Registry
	Config   *config.State
	Users    *auth.Store
	Audit    *audit.Logger
	Logger   *logging.Logger

	promRegistry *prometheus.Registry
	ws           *wsHub
	startTime    time.Time

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	server   *http.Server
}

// New builds a management API Server. logger may be nil.
func New(reg *registry.Registry, cfg *config.State, users *auth.Store, auditLog *audit.Logger, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	promReg := prometheus.NewRegistry()
	metrics.Register(promReg, reg)

	return &Server{
		Registry:     reg,
		Config:       cfg,
		Users:        users,
		Audit:        auditLog,
		Logger:       logger.With("component", "api"),
		promRegistry: promReg,
		ws:           newWSHub(reg),
		startTime:    time.Now(),
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/auth/check", s.handleAuthCheck)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)

	mux.Handle("GET /api/stats", s.requireAuth(http.HandlerFunc(s.handleStats)))
	mux.Handle("GET /api/history", s.requireAuth(http.HandlerFunc(s.handleHistory)))

	mux.Handle("GET /api/config/access-control", s.requireAuth(http.HandlerFunc(s.handleGetAccessControl)))
	mux.Handle("POST /api/config/ip/blacklist", s.requireAuth(http.HandlerFunc(s.handleAddIPBlacklist)))
	mux.Handle("DELETE /api/config/ip/blacklist", s.requireAuth(http.HandlerFunc(s.handleRemoveIPBlacklist)))
	mux.Handle("POST /api/config/ip/whitelist", s.requireAuth(http.HandlerFunc(s.handleAddIPWhitelist)))
	mux.Handle("DELETE /api/config/ip/whitelist", s.requireAuth(http.HandlerFunc(s.handleRemoveIPWhitelist)))
	mux.Handle("POST /api/config/rules", s.requireAuth(http.HandlerFunc(s.handleAddRule)))
	mux.Handle("DELETE /api/config/rules", s.requireAuth(http.HandlerFunc(s.handleRemoveRule)))

	mux.Handle("GET /api/config/security", s.requireAuth(http.HandlerFunc(s.handleGetSecurity)))
	mux.Handle("PUT /api/config/security", s.requireAuth(http.HandlerFunc(s.handlePutSecurity)))
	mux.Handle("POST /api/config/users", s.requireAuth(http.HandlerFunc(s.handleAddUser)))
	mux.Handle("DELETE /api/config/users", s.requireAuth(http.HandlerFunc(s.handleRemoveUser)))

	mux.Handle("GET /api/config/server", s.requireAuth(http.HandlerFunc(s.handleGetServer)))
	mux.Handle("PUT /api/config/server", s.requireAuth(http.HandlerFunc(s.handlePutServer)))

	mux.Handle("GET /api/stats/ws", s.requireAuth(http.HandlerFunc(s.ws.serveHTTP)))

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}))

	return mux
}

// ListenAndServe binds addr and serves the management API until ctx is
// cancelled or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.server = &http.Server{Handler: s.routes()}
	srv := s.server
	s.mu.Unlock()

	s.Logger.Info("management api listening", "addr", addr)

	go s.ws.run(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime_secs": s.Registry.Aggregated().UptimeSecs,
	})
}
