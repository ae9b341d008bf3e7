package caddyjwtauth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/caddyserver/caddy/v2"

	"github.com/puxu-msft/caddy-jwt-auth/internal/jwttest"
	"github.com/puxu-msft/caddy-jwt-auth/jwks"
	"github.com/puxu-msft/caddy-jwt-auth/metrics"
)

func cleanupHandlerRegistry() {
	for _, h := range listHandlers() {
		unregisterHandler(h.Name)
	}
}

// registerTestHandler registers a handler whose fetcher reads from srv.
func registerTestHandler(t *testing.T, srv *jwttest.Server) string {
	t.Helper()
	src, err := jwks.NewHTTPSource(srv.URL(), jwks.HTTPOptions{AllowInsecure: true})
	if err != nil {
		t.Fatal(err)
	}
	f := jwks.NewFetcher(src, jwks.Options{RefreshInterval: -1})
	name := registerHandler(HandlerInfo{
		ModuleID:    "http.handlers.jwt_auth",
		JWKSURL:     srv.URL(),
		TokenHeader: "Authorization",
		ClaimNames:  []string{"iss"},
	}, f)
	t.Cleanup(func() { unregisterHandler(name) })
	return name
}

func wantAPIStatus(t *testing.T, err error, status int) {
	t.Helper()
	var apiErr caddy.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want caddy.APIError", err)
	}
	if apiErr.HTTPStatus != status {
		t.Errorf("HTTPStatus = %d, want %d", apiErr.HTTPStatus, status)
	}
}

func TestAdminAPI_Routes(t *testing.T) {
	api := AdminAPI{}
	routes := api.Routes()

	expectedPatterns := []string{
		"/jwt-auth/handlers",
		"/jwt-auth/refresh",
		"/jwt-auth/stats",
	}
	if len(routes) != len(expectedPatterns) {
		t.Fatalf("Expected %d routes, got %d", len(expectedPatterns), len(routes))
	}
	for i, pattern := range expectedPatterns {
		if routes[i].Pattern != pattern {
			t.Errorf("Route[%d]: expected pattern %s, got %s", i, pattern, routes[i].Pattern)
		}
		if routes[i].Handler == nil {
			t.Errorf("Route[%d]: handler is nil", i)
		}
	}
}

func TestAdminAPI_handleHandlers(t *testing.T) {
	cleanupHandlerRegistry()

	srv := jwttest.NewServer(jwttest.DocumentFor(jwttest.NewRSASigner("k1", "RS256")))
	defer srv.Close()
	name := registerTestHandler(t, srv)

	api := AdminAPI{}
	req := httptest.NewRequest(http.MethodGet, "/jwt-auth/handlers", nil)
	w := httptest.NewRecorder()
	if err := api.handleHandlers(w, req); err != nil {
		t.Fatalf("handleHandlers returned error: %v", err)
	}

	var response HandlersResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.Total != 1 || len(response.Handlers) != 1 {
		t.Fatalf("Expected 1 handler, got total=%d len=%d", response.Total, len(response.Handlers))
	}
	h := response.Handlers[0]
	if h.Name != name || h.JWKSURL != srv.URL() {
		t.Errorf("handler = %+v", h)
	}
	if h.JWKS.Source != "http" {
		t.Errorf("JWKS.Source = %q, want http", h.JWKS.Source)
	}
	if len(h.JWKS.KeyIDs) != 0 {
		t.Errorf("KeyIDs before any refresh = %v, want none", h.JWKS.KeyIDs)
	}
}

func TestAdminAPI_handleRefresh(t *testing.T) {
	cleanupHandlerRegistry()

	srv := jwttest.NewServer(jwttest.DocumentFor(
		jwttest.NewRSASigner("k1", "RS256"),
		jwttest.NewEd25519Signer("k2"),
	))
	defer srv.Close()
	name := registerTestHandler(t, srv)

	api := AdminAPI{}
	req := httptest.NewRequest(http.MethodPost, "/jwt-auth/refresh?handler="+name, nil)
	w := httptest.NewRecorder()
	if err := api.handleRefresh(w, req); err != nil {
		t.Fatalf("handleRefresh returned error: %v", err)
	}

	var response RefreshResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	got, ok := response.Results[name]
	if !ok {
		t.Fatalf("no result for %s: %+v", name, response.Results)
	}
	if got.Keys != 2 || got.Error != "" {
		t.Errorf("result = %+v, want 2 keys and no error", got)
	}

	// The refreshed snapshot is visible through the handler listing.
	infos := listHandlers()
	if len(infos) != 1 || len(infos[0].JWKS.KeyIDs) != 2 {
		t.Errorf("listHandlers() = %+v, want 2 key ids", infos)
	}

	srv.SetStatus(http.StatusInternalServerError)
	w = httptest.NewRecorder()
	if err := api.handleRefresh(w, httptest.NewRequest(http.MethodPost, "/jwt-auth/refresh", nil)); err != nil {
		t.Fatalf("handleRefresh returned error: %v", err)
	}
	response = RefreshResponse{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.Results[name].Error == "" {
		t.Errorf("result = %+v, want error", response.Results[name])
	}
}

func TestAdminAPI_handleRefresh_Errors(t *testing.T) {
	cleanupHandlerRegistry()
	api := AdminAPI{}

	err := api.handleRefresh(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/jwt-auth/refresh", nil))
	wantAPIStatus(t, err, http.StatusMethodNotAllowed)

	err = api.handleRefresh(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/jwt-auth/refresh?handler=jwt_auth%23999", nil))
	wantAPIStatus(t, err, http.StatusNotFound)
}

func TestAdminAPI_handleStats(t *testing.T) {
	metrics.RecordVerdict(metrics.GateToken, "token_mismatch")

	api := AdminAPI{}
	w := httptest.NewRecorder()
	if err := api.handleStats(w, httptest.NewRequest(http.MethodGet, "/jwt-auth/stats", nil)); err != nil {
		t.Fatalf("handleStats returned error: %v", err)
	}

	var response StatsResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	info, ok := response.Verdicts[metrics.GateToken]["token_mismatch"]
	if !ok || info.Total == 0 {
		t.Errorf("token_mismatch stats = %+v, want at least one", info)
	}
	found := false
	for _, g := range response.Gates {
		if g == metrics.GateToken {
			found = true
		}
	}
	if !found {
		t.Errorf("Gates = %v, want %q", response.Gates, metrics.GateToken)
	}
}

func TestAdminAPI_MethodNotAllowed(t *testing.T) {
	api := AdminAPI{}
	req := httptest.NewRequest(http.MethodPost, "/", nil)

	wantAPIStatus(t, api.handleHandlers(httptest.NewRecorder(), req), http.StatusMethodNotAllowed)
	wantAPIStatus(t, api.handleStats(httptest.NewRecorder(), req), http.StatusMethodNotAllowed)
}

func TestHandlerRegistry(t *testing.T) {
	cleanupHandlerRegistry()

	a := registerHandler(HandlerInfo{ModuleID: "http.handlers.jwt_auth"}, nil)
	b := registerHandler(HandlerInfo{ModuleID: "http.handlers.jwt_auth"}, nil)
	defer unregisterHandler(b)

	if a == b {
		t.Fatalf("names must be unique, both %q", a)
	}
	if got := listHandlers(); len(got) != 2 {
		t.Fatalf("listHandlers() len = %d, want 2", len(got))
	}
	if got := lookupFetchers(""); len(got) != 0 {
		t.Errorf("lookupFetchers() = %v, want none for handlers without fetchers", got)
	}

	unregisterHandler(a)
	unregisterHandler("")
	got := listHandlers()
	if len(got) != 1 || got[0].Name != b {
		t.Errorf("listHandlers() = %+v, want only %s", got, b)
	}
}
