// Package caddyjwtauth provides Admin API endpoints for the auth handlers.
package caddyjwtauth

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/caddyserver/caddy/v2"

	"github.com/puxu-msft/caddy-jwt-auth/metrics"
)

func init() {
	caddy.RegisterModule(AdminAPI{})
}

// AdminAPI provides admin endpoints for the auth handlers.
type AdminAPI struct{}

// CaddyModule returns the Caddy module information.
func (AdminAPI) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "admin.api.jwt_auth",
		New: func() caddy.Module { return new(AdminAPI) },
	}
}

// Routes returns the admin routes.
func (a AdminAPI) Routes() []caddy.AdminRoute {
	return []caddy.AdminRoute{
		{
			Pattern: "/jwt-auth/handlers",
			Handler: caddy.AdminHandlerFunc(a.handleHandlers),
		},
		{
			Pattern: "/jwt-auth/refresh",
			Handler: caddy.AdminHandlerFunc(a.handleRefresh),
		},
		{
			Pattern: "/jwt-auth/stats",
			Handler: caddy.AdminHandlerFunc(a.handleStats),
		},
	}
}

// HandlersResponse lists provisioned jwt_auth handlers.
type HandlersResponse struct {
	Handlers []HandlerInfo `json:"handlers"`
	Total    int           `json:"total"`
}

// RefreshResponse reports a forced key set refresh per handler.
type RefreshResponse struct {
	Results map[string]RefreshOutcome `json:"results"`
}

// RefreshOutcome is the result of refreshing one handler's key set.
type RefreshOutcome struct {
	Keys  int    `json:"keys"`
	Error string `json:"error,omitempty"`
}

// StatsResponse contains verdict totals keyed by gate, then reason.
type StatsResponse struct {
	Verdicts map[string]map[string]metrics.VerdictInfo `json:"verdicts"`
	Gates    []string                                  `json:"gates"`
}

// handleHandlers returns every registered jwt_auth handler with its key
// set status.
func (a *AdminAPI) handleHandlers(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return caddy.APIError{
			HTTPStatus: http.StatusMethodNotAllowed,
			Err:        fmt.Errorf("method not allowed"),
		}
	}

	handlers := listHandlers()
	response := HandlersResponse{
		Handlers: handlers,
		Total:    len(handlers),
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(response)
}

// handleRefresh forces a key set refresh. The optional "handler" query
// parameter restricts it to one handler.
func (a *AdminAPI) handleRefresh(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return caddy.APIError{
			HTTPStatus: http.StatusMethodNotAllowed,
			Err:        fmt.Errorf("method not allowed"),
		}
	}

	name := r.URL.Query().Get("handler")
	fetchers := lookupFetchers(name)
	if name != "" && len(fetchers) == 0 {
		return caddy.APIError{
			HTTPStatus: http.StatusNotFound,
			Err:        fmt.Errorf("unknown handler %q", name),
		}
	}

	response := RefreshResponse{Results: make(map[string]RefreshOutcome, len(fetchers))}
	for n, f := range fetchers {
		store, err := f.Refresh(r.Context())
		outcome := RefreshOutcome{Keys: store.Len()}
		if err != nil {
			outcome.Error = err.Error()
		}
		response.Results[n] = outcome
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(response)
}

// handleStats returns verdict totals.
func (a *AdminAPI) handleStats(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return caddy.APIError{
			HTTPStatus: http.StatusMethodNotAllowed,
			Err:        fmt.Errorf("method not allowed"),
		}
	}

	response := StatsResponse{
		Verdicts: metrics.VerdictSnapshot(),
		Gates:    metrics.Gates(),
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(response)
}

// Interface guards
var (
	_ caddy.AdminRouter = (*AdminAPI)(nil)
)
