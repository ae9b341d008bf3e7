package caddyjwtauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/puxu-msft/caddy-jwt-auth/gate"
	"github.com/puxu-msft/caddy-jwt-auth/metrics"
)

func init() {
	caddy.RegisterModule(TokenAuth{})
}

// TokenAuth admits requests whose header carries a fixed shared secret.
type TokenAuth struct {
	// Header is the request header to read (default: Token).
	Header string `json:"header,omitempty"`

	// Value is the expected secret, compared exactly. Placeholders such as
	// {env.API_TOKEN} are expanded at provision time.
	Value string `json:"value,omitempty"`

	// Events enables the in-process event bus for this handler.
	Events bool `json:"events,omitempty"`

	logger *zap.Logger
	events *EventEmitter
	gate   *gate.TokenGate
}

// CaddyModule returns the Caddy module information.
func (TokenAuth) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.token_auth",
		New: func() caddy.Module { return new(TokenAuth) },
	}
}

// Provision builds the token gate.
func (t *TokenAuth) Provision(ctx caddy.Context) error {
	t.logger = ctx.Logger()
	t.events = NewEventEmitter(t.Events)

	repl := caddy.NewReplacer()
	value := repl.ReplaceAll(t.Value, "")

	var err error
	t.gate, err = gate.NewTokenGate(t.Header, value, t.logger)
	if err != nil {
		return fmt.Errorf("token_auth: %v", err)
	}

	t.logger.Debug("token_auth handler provisioned", zap.String("header", t.gate.Header()))
	return nil
}

// Validate checks the configuration.
func (t *TokenAuth) Validate() error {
	if t.Value == "" {
		return fmt.Errorf("value is required")
	}
	return nil
}

// ServeHTTP gates the request.
func (t *TokenAuth) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	timer := metrics.NewTimer()
	v := t.gate.Check(r.Header)
	if !v.Allowed {
		t.events.EmitDenied("", metrics.GateToken, string(v.Reason), "", "", r)
		return caddyhttp.Error(http.StatusUnauthorized, errors.New(string(v.Reason)))
	}
	t.events.EmitAllowed("", metrics.GateToken, "", timer.Elapsed(), r)
	return next.ServeHTTP(w, r)
}

// Interface guards
var (
	_ caddy.Module                = (*TokenAuth)(nil)
	_ caddy.Provisioner           = (*TokenAuth)(nil)
	_ caddy.Validator             = (*TokenAuth)(nil)
	_ caddyhttp.MiddlewareHandler = (*TokenAuth)(nil)
)
