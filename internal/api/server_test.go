package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lobsterd/lobsterd/internal/config"
	"github.com/lobsterd/lobsterd/internal/events"
	"github.com/lobsterd/lobsterd/internal/lifecycle"
	"github.com/lobsterd/lobsterd/internal/metrics"
	"github.com/lobsterd/lobsterd/internal/regfile"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testServer(t *testing.T, apiToken string, reg config.Registry) *Server {
	t.Helper()
	dir := t.TempDir()
	store := regfile.New(dir+"/config.json", dir+"/registry.json")
	host := config.DefaultHostConfig()
	host.API.APIToken = apiToken
	if err := store.SaveConfig(host); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	if err := store.SaveRegistry(reg); err != nil {
		t.Fatalf("SaveRegistry: %v", err)
	}
	mgr := &lifecycle.Manager{Store: store}
	return NewServer(noopLogger(), store, mgr, metrics.New("test-node"))
}

func TestHandleHealthNoAuthRequired(t *testing.T) {
	srv := testServer(t, "secret", config.Registry{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	srv.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", resp["status"])
	}
}

func TestHandleHealthzNoAuthRequired(t *testing.T) {
	srv := testServer(t, "secret", config.Registry{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	srv.handleHealthz(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHandleMetricsNoAuthRequired(t *testing.T) {
	srv := testServer(t, "secret", config.Registry{})
	srv.metrics.Observe(events.Event{Kind: events.KindSpawned, Tenant: "alpha"})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	srv.handleMetrics(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/plain; version=0.0.4; charset=utf-8" {
		t.Fatalf("unexpected content type: %s", ct)
	}
}

func TestHandleOpenAPINoAuthRequired(t *testing.T) {
	srv := testServer(t, "secret", config.Registry{})
	req := httptest.NewRequest(http.MethodGet, "/openapi.json", nil)
	w := httptest.NewRecorder()

	srv.handleOpenAPI(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAuthedRejectsMissingBearer(t *testing.T) {
	srv := testServer(t, "secret", config.Registry{})
	req := httptest.NewRequest(http.MethodGet, "/tenants", nil)
	w := httptest.NewRecorder()

	srv.authed(srv.handleListTenants)(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestAuthedRejectsWrongBearer(t *testing.T) {
	srv := testServer(t, "secret", config.Registry{})
	req := httptest.NewRequest(http.MethodGet, "/tenants", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()

	srv.authed(srv.handleListTenants)(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestAuthedAcceptsCorrectBearer(t *testing.T) {
	srv := testServer(t, "secret", config.Registry{})
	req := httptest.NewRequest(http.MethodGet, "/tenants", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()

	srv.authed(srv.handleListTenants)(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp []tenantSummary
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 0 {
		t.Fatalf("expected empty tenant list, got %v", resp)
	}
}

func TestHandleTenantTokenNotFound(t *testing.T) {
	srv := testServer(t, "secret", config.Registry{})
	req := httptest.NewRequest(http.MethodGet, "/tenants/alpha/token", nil)
	req.SetPathValue("name", "alpha")
	w := httptest.NewRecorder()

	srv.handleTenantToken(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandleTenantTokenFound(t *testing.T) {
	reg := config.Registry{Tenants: []config.Tenant{{
		Name:       "alpha",
		AgentToken: "tok-123",
		CreatedAt:  time.Now(),
	}}}
	srv := testServer(t, "secret", reg)
	req := httptest.NewRequest(http.MethodGet, "/tenants/alpha/token", nil)
	req.SetPathValue("name", "alpha")
	w := httptest.NewRecorder()

	srv.handleTenantToken(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["token"] != "tok-123" {
		t.Fatalf("expected tok-123, got %v", resp["token"])
	}
}

func TestHandleCreateTenantRejectsMalformedBody(t *testing.T) {
	srv := testServer(t, "secret", config.Registry{})
	req := httptest.NewRequest(http.MethodPost, "/tenants", nil)
	w := httptest.NewRecorder()

	srv.handleCreateTenant(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
}
