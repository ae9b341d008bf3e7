// Package caddyjwtauth provides HTTP handlers that gate requests on a
// JWKS-verified bearer token or a static shared token.
package caddyjwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/puxu-msft/caddy-jwt-auth/claims"
	"github.com/puxu-msft/caddy-jwt-auth/gate"
	"github.com/puxu-msft/caddy-jwt-auth/jwks"
	"github.com/puxu-msft/caddy-jwt-auth/metrics"
	"github.com/puxu-msft/caddy-jwt-auth/tracing"
	"github.com/puxu-msft/caddy-jwt-auth/verifier"
)

// ClaimVarPrefix prefixes the request vars set by export_claims.
const ClaimVarPrefix = "jwt_claim."

func init() {
	caddy.RegisterModule(JwtAuth{})
}

// JwtAuth admits requests carrying a bearer JWT that verifies against a
// JWKS and whose claims equal the configured expectations. Everything else
// gets a bare 401.
type JwtAuth struct {
	// JWKSURL is the https URL of the key set. Exactly one of JWKSURL,
	// JWKSFile, JWKSRedis and JWKSEtcd is required. Placeholders such as
	// {env.JWKS_URL} are expanded.
	JWKSURL string `json:"jwks_url,omitempty"`

	// JWKSFile is a local key set file, reloaded when it changes.
	JWKSFile string `json:"jwks_file,omitempty"`

	// JWKSRedis reads the key set from Redis.
	JWKSRedis *RedisConfig `json:"jwks_redis,omitempty"`

	// JWKSEtcd reads the key set from etcd.
	JWKSEtcd *EtcdConfig `json:"jwks_etcd,omitempty"`

	// Claims are the expected claim values, compared in order with JSON
	// type-aware equality.
	Claims claims.Expected `json:"claims,omitempty"`

	// ClaimsFile loads further expected claims from a JSON or YAML object.
	ClaimsFile string `json:"claims_file,omitempty"`

	// TokenHeader carries the token (default: Authorization).
	TokenHeader string `json:"token_header,omitempty"`

	// TokenScheme is the required value prefix (default: Bearer).
	TokenScheme string `json:"token_scheme,omitempty"`

	// AllowedAlgs restricts accepted algorithms. Empty means any algorithm
	// the selected key supports.
	AllowedAlgs []string `json:"allowed_algs,omitempty"`

	// Leeway is clock skew tolerance for exp and nbf.
	Leeway caddy.Duration `json:"leeway,omitempty"`

	// RequireExp rejects tokens without an exp claim.
	RequireExp bool `json:"require_exp,omitempty"`

	// JWKS refresh behavior. Negative intervals disable the feature.
	JWKSRefreshInterval    caddy.Duration `json:"jwks_refresh_interval,omitempty"`
	JWKSTimeout            caddy.Duration `json:"jwks_timeout,omitempty"`
	JWKSMinRefreshInterval caddy.Duration `json:"jwks_min_refresh_interval,omitempty"`
	JWKSNegativeTTL        caddy.Duration `json:"jwks_negative_ttl,omitempty"`
	AllowInsecureJWKS      bool           `json:"allow_insecure_jwks,omitempty"`

	// ExportClaims names claims copied into request vars as
	// jwt_claim.<name> for allowed requests.
	ExportClaims []string `json:"export_claims,omitempty"`

	// Tracing enables OpenTelemetry spans.
	Tracing bool `json:"tracing,omitempty"`

	// Events enables the in-process event bus for this handler.
	Events bool `json:"events,omitempty"`

	logger     *zap.Logger
	tracer     *tracing.Tracer
	events     *EventEmitter
	fetcher    *jwks.Fetcher
	source     jwks.Source
	httpSource *jwks.HTTPSource
	gate       *gate.Gate
	adminName  string

	// for tests
	now func() time.Time
}

// CaddyModule returns the Caddy module information.
func (JwtAuth) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.jwt_auth",
		New: func() caddy.Module { return new(JwtAuth) },
	}
}

// Provision builds the key set fetcher and the gate. A failed initial
// fetch is logged, not returned: requests are denied with jwks_unavailable
// until a refresh succeeds.
func (j *JwtAuth) Provision(ctx caddy.Context) error {
	j.logger = ctx.Logger()
	j.tracer = tracing.NewTracer(j.Tracing)
	j.events = NewEventEmitter(j.Events)

	repl := caddy.NewReplacer()
	claimsFile := repl.ReplaceAll(j.ClaimsFile, "")

	expected, err := j.expectedClaims(claimsFile)
	if err != nil {
		return err
	}

	source, where, err := j.buildSource(repl)
	if err != nil {
		return err
	}
	j.source = source

	v, err := verifier.New(verifier.Options{
		Now:               j.now,
		Leeway:            time.Duration(j.Leeway),
		RequireExp:        j.RequireExp,
		AllowedAlgorithms: j.AllowedAlgs,
	})
	if err != nil {
		_ = j.closeSource()
		return fmt.Errorf("invalid allowed_algs: %v", err)
	}

	j.fetcher = jwks.NewFetcher(source, jwks.Options{
		RefreshInterval:    time.Duration(j.JWKSRefreshInterval),
		MinRefreshInterval: time.Duration(j.JWKSMinRefreshInterval),
		NegativeTTL:        time.Duration(j.JWKSNegativeTTL),
		Logger:             j.logger,
		Tracer:             j.tracer,
		Now:                j.now,
		OnRefresh: func(r jwks.RefreshResult) {
			j.events.EmitJWKSRefresh(j.adminName, r.Source, r.Keys, r.Duration, r.Err)
		},
	})

	j.gate, err = gate.New(gate.Config{
		Keys:     j.fetcher,
		Verifier: v,
		Expected: expected,
		Header:   j.TokenHeader,
		Scheme:   j.TokenScheme,
		Logger:   j.logger,
		Tracer:   j.tracer,
	})
	if err != nil {
		_ = j.closeSource()
		return err
	}

	// Register this handler for Admin API inspection before the first
	// refresh so refresh events carry its name.
	j.adminName = registerHandler(HandlerInfo{
		ModuleID:    "http.handlers.jwt_auth",
		Source:      source.Kind(),
		JWKSURL:     where.url,
		JWKSFile:    where.file,
		JWKSKey:     where.key,
		TokenHeader: j.tokenHeader(),
		ClaimNames:  expected.Names(),
	}, j.fetcher)

	if err := j.fetcher.Start(ctx.Context); err != nil {
		j.logger.Warn("initial jwks fetch failed, denying requests until a refresh succeeds",
			zap.String("source", source.Kind()),
			zap.Error(err),
		)
	}

	j.logger.Info("jwt_auth handler provisioned",
		zap.String("name", j.adminName),
		zap.String("source", source.Kind()),
		zap.Strings("claims", expected.Names()),
		zap.Bool("tracing", j.tracer.IsEnabled()),
	)
	return nil
}

// expectedClaims merges claims_file entries with inline claims. A name
// present in both is a configuration error.
func (j *JwtAuth) expectedClaims(path string) (claims.Expected, error) {
	var expected claims.Expected
	if path != "" {
		loaded, err := claims.LoadExpectedFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading claims_file: %v", err)
		}
		expected = loaded
	}
	for _, p := range j.Claims {
		var err error
		expected, err = expected.Add(p.Name, p.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid claims: %v", err)
		}
	}
	return expected, nil
}

func (j *JwtAuth) tokenHeader() string {
	if j.TokenHeader == "" {
		return gate.DefaultHeader
	}
	return j.TokenHeader
}

// Validate checks configuration that does not need provisioning.
func (j *JwtAuth) Validate() error {
	switch j.sourceCount() {
	case 0:
		return fmt.Errorf("one of jwks_url, jwks_file, jwks_redis and jwks_etcd is required")
	case 1:
	default:
		return fmt.Errorf("jwks_url, jwks_file, jwks_redis and jwks_etcd are mutually exclusive")
	}
	if j.JWKSRedis != nil && len(j.JWKSRedis.Addresses) == 0 {
		return fmt.Errorf("jwks_redis: at least one address is required")
	}
	if j.JWKSEtcd != nil && len(j.JWKSEtcd.Endpoints) == 0 {
		return fmt.Errorf("jwks_etcd: at least one endpoint is required")
	}
	if j.Leeway < 0 {
		return fmt.Errorf("leeway must not be negative")
	}
	if j.JWKSTimeout < 0 {
		return fmt.Errorf("jwks_timeout must not be negative")
	}
	for _, name := range j.ExportClaims {
		if name == "" {
			return fmt.Errorf("export_claims: empty claim name")
		}
	}
	return nil
}

// ServeHTTP gates the request.
func (j *JwtAuth) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	timer := metrics.NewTimer()
	ctx, span := j.tracer.StartCheck(r.Context(), metrics.GateJWT, r.Method, r.URL.Path)
	defer j.tracer.EndSpan(span)

	v := j.gate.Check(ctx, r.Header)
	j.tracer.RecordCheckTime(span, timer.Elapsed())

	if !v.Allowed {
		j.events.EmitDenied(j.adminName, metrics.GateJWT, string(v.Reason), v.KeyID, v.FailedClaim, r)
		w.Header().Set("WWW-Authenticate", "Bearer")
		return caddyhttp.Error(http.StatusUnauthorized, errors.New(string(v.Reason)))
	}

	j.events.EmitAllowed(j.adminName, metrics.GateJWT, v.KeyID, timer.Elapsed(), r)
	r = exportClaims(r, v.Claims, j.ExportClaims)
	return next.ServeHTTP(w, r)
}

// exportClaims sets jwt_claim.<name> vars for the named claims present in
// c. Scalars are set as text, arrays and objects as compact JSON.
func exportClaims(r *http.Request, c claims.Claims, names []string) *http.Request {
	if len(names) == 0 {
		return r
	}

	// Ensure vars table exists.
	ctx := r.Context()
	if ctx.Value(caddyhttp.VarsCtxKey) == nil {
		ctx = context.WithValue(ctx, caddyhttp.VarsCtxKey, map[string]any{})
		r = r.WithContext(ctx)
	}

	for _, name := range names {
		val, ok := c.Get(name)
		if !ok {
			continue
		}
		text, ok := val.Text()
		if !ok {
			b, err := json.Marshal(val)
			if err != nil {
				continue
			}
			text = string(b)
		}
		caddyhttp.SetVar(ctx, ClaimVarPrefix+name, text)
	}
	return r
}

// Cleanup stops background refreshes and releases source connections.
func (j *JwtAuth) Cleanup() error {
	unregisterHandler(j.adminName)
	if j.fetcher != nil {
		j.fetcher.Stop()
	}
	if j.httpSource != nil {
		j.httpSource.CloseIdleConnections()
	}
	return j.closeSource()
}

func (j *JwtAuth) closeSource() error {
	c, ok := j.source.(io.Closer)
	if !ok {
		return nil
	}
	if err := c.Close(); err != nil {
		j.logger.Warn("closing jwks source", zap.String("source", j.source.Kind()), zap.Error(err))
		return err
	}
	return nil
}

// Interface guards
var (
	_ caddy.Module                = (*JwtAuth)(nil)
	_ caddy.Provisioner           = (*JwtAuth)(nil)
	_ caddy.Validator             = (*JwtAuth)(nil)
	_ caddy.CleanerUpper          = (*JwtAuth)(nil)
	_ caddyhttp.MiddlewareHandler = (*JwtAuth)(nil)
)
