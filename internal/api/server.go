// Package api implements the bearer-authenticated HTTP surface: every
// lifecycle command the CLI can run is also reachable here, so the two
// control surfaces never drift. Routes and auth follow the same
// lightweight net/http.ServeMux style used throughout the daemon; no
// router library is pulled in for a handful of fixed paths.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/lobsterd/lobsterd/internal/agentclient"
	"github.com/lobsterd/lobsterd/internal/checks"
	"github.com/lobsterd/lobsterd/internal/config"
	"github.com/lobsterd/lobsterd/internal/errs"
	"github.com/lobsterd/lobsterd/internal/lifecycle"
	"github.com/lobsterd/lobsterd/internal/metrics"
	"github.com/lobsterd/lobsterd/internal/regfile"
)

// Server is the bearer-authenticated HTTP API. It shares the on-disk
// registry store with the CLI and drives the same *lifecycle.Manager.
type Server struct {
	logger    *slog.Logger
	store     *regfile.Store
	lifecycle *lifecycle.Manager
	metrics   *metrics.Registry

	httpSrv *http.Server
}

// NewServer builds a Server. metrics may be nil, in which case /metrics
// reports 404 rather than an empty body, matching how the rest of the
// API treats an unconfigured optional dependency.
func NewServer(logger *slog.Logger, store *regfile.Store, lc *lifecycle.Manager, m *metrics.Registry) *Server {
	return &Server{
		logger:    logger,
		store:     store,
		lifecycle: lc,
		metrics:   m,
	}
}

// Start builds the mux and begins serving on addr. Call Stop to shut down.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /openapi.json", s.handleOpenAPI)
	if s.metrics != nil {
		mux.HandleFunc("GET /metrics", s.handleMetrics)
	}

	mux.HandleFunc("GET /tenants", s.authed(s.handleListTenants))
	mux.HandleFunc("POST /tenants", s.authed(s.handleCreateTenant))
	mux.HandleFunc("DELETE /tenants/{name}", s.authed(s.handleDeleteTenant))
	mux.HandleFunc("POST /tenants/{name}/molt", s.authed(s.handleMoltTenant))
	mux.HandleFunc("POST /tenants/{name}/snap", s.authed(s.handleSnapTenant))
	mux.HandleFunc("GET /tenants/{name}/token", s.authed(s.handleTenantToken))
	mux.HandleFunc("GET /tenants/{name}/logs", s.authed(s.handleTenantLogs))

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	s.logger.Info("stopping API server")
	return s.httpSrv.Shutdown(ctx)
}

// authed wraps a handler with the bearer-token check shared by every
// route except /health, /healthz, /metrics and /openapi.json.
func (s *Server) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, err := s.store.LoadConfig()
		if err != nil {
			s.writeError(w, err)
			return
		}
		given := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(given) <= len(prefix) || given[:len(prefix)] != prefix {
			s.writeError(w, errs.New(errs.CodePermissionDenied, "missing bearer token"))
			return
		}
		given = given[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(given), []byte(host.API.APIToken)) != 1 {
			s.writeError(w, errs.New(errs.CodePermissionDenied, "invalid bearer token"))
			return
		}
		h(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleHealthz is a liveness-only probe: it never touches the registry,
// so it stays up even if the on-disk store is corrupt or locked.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleMetrics returns Prometheus/OpenMetrics text exposition.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if _, err := w.Write([]byte(s.metrics.Render())); err != nil {
		s.logger.Error("failed to write metrics response", "error", err)
	}
}

// handleOpenAPI serves a minimal OpenAPI 3.1 description of the route
// table above; hand-maintained rather than generated since the route set
// changes rarely.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	doc := map[string]any{
		"openapi": "3.1.0",
		"info":    map[string]any{"title": "lobsterd API", "version": "1"},
		"paths": map[string]any{
			"/health":               map[string]any{"get": map[string]any{"summary": "liveness probe"}},
			"/healthz":              map[string]any{"get": map[string]any{"summary": "liveness probe, no disk access"}},
			"/metrics":              map[string]any{"get": map[string]any{"summary": "Prometheus text exposition"}},
			"/tenants":              map[string]any{"get": map[string]any{"summary": "list tenants with health"}, "post": map[string]any{"summary": "spawn a tenant"}},
			"/tenants/{name}":       map[string]any{"delete": map[string]any{"summary": "evict a tenant"}},
			"/tenants/{name}/molt":  map[string]any{"post": map[string]any{"summary": "check, repair, re-check"}},
			"/tenants/{name}/snap":  map[string]any{"post": map[string]any{"summary": "archive the overlay"}},
			"/tenants/{name}/token": map[string]any{"get": map[string]any{"summary": "fetch the agent token"}},
			"/tenants/{name}/logs":  map[string]any{"get": map[string]any{"summary": "fetch recent guest logs"}},
		},
	}
	s.writeJSON(w, http.StatusOK, doc)
}

type tenantSummary struct {
	Name    string                     `json:"name"`
	Status  config.Status              `json:"status"`
	HostIP  string                     `json:"host_ip"`
	GuestIP string                     `json:"guest_ip"`
	Health  []config.HealthCheckResult `json:"health,omitempty"`
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	host, err := s.store.LoadConfig()
	if err != nil {
		s.writeError(w, err)
		return
	}
	reg, err := s.store.LoadRegistry()
	if err != nil {
		s.writeError(w, err)
		return
	}

	summaries := make([]tenantSummary, 0, len(reg.Tenants))
	deps := s.lifecycle.CheckDeps(host)
	for i := range reg.Tenants {
		t := &reg.Tenants[i]
		summaries = append(summaries, tenantSummary{
			Name:    t.Name,
			Status:  t.Status,
			HostIP:  t.HostIP,
			GuestIP: t.GuestIP,
			Health:  checks.RunAll(r.Context(), t, deps),
		})
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

type createTenantRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.New(errs.CodeValidationFailed, "malformed request body"))
		return
	}
	host, err := s.store.LoadConfig()
	if err != nil {
		s.writeError(w, err)
		return
	}
	tenant, err := s.lifecycle.Spawn(r.Context(), host, req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, tenant)
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	host, err := s.store.LoadConfig()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.lifecycle.Evict(r.Context(), host, name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"message": "tenant " + name + " evicted"})
}

func (s *Server) handleMoltTenant(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	host, err := s.store.LoadConfig()
	if err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.lifecycle.Molt(r.Context(), host, name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSnapTenant(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	host, err := s.store.LoadConfig()
	if err != nil {
		s.writeError(w, err)
		return
	}
	path, err := s.lifecycle.Snap(r.Context(), host, name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"archive_path": path})
}

func (s *Server) handleTenantToken(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	reg, err := s.store.LoadRegistry()
	if err != nil {
		s.writeError(w, err)
		return
	}
	tenant := reg.Find(name)
	if tenant == nil {
		s.writeError(w, errs.New(errs.CodeTenantNotFound, "tenant "+name+" not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"token": tenant.AgentToken})
}

func (s *Server) handleTenantLogs(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	host, err := s.store.LoadConfig()
	if err != nil {
		s.writeError(w, err)
		return
	}
	reg, err := s.store.LoadRegistry()
	if err != nil {
		s.writeError(w, err)
		return
	}
	tenant := reg.Find(name)
	if tenant == nil {
		s.writeError(w, errs.New(errs.CodeTenantNotFound, "tenant "+name+" not found"))
		return
	}
	ac := agentclient.New(tenant.GuestIP, host.AgentPort, tenant.AgentToken)
	logs, err := ac.GetLogs(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

// writeError renders err as {code, message} at the status errs.HTTPStatus
// maps its code to. Cause is never serialised.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	stripped := errs.Strip(err)
	s.writeJSON(w, errs.HTTPStatus(stripped.Code), stripped)
}
