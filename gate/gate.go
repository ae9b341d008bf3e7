package gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/puxu-msft/caddy-jwt-auth/claims"
	"github.com/puxu-msft/caddy-jwt-auth/jwk"
	"github.com/puxu-msft/caddy-jwt-auth/jwks"
	"github.com/puxu-msft/caddy-jwt-auth/metrics"
	"github.com/puxu-msft/caddy-jwt-auth/tracing"
	"github.com/puxu-msft/caddy-jwt-auth/verifier"
)

// Header defaults.
const (
	DefaultHeader = "Authorization"
	DefaultScheme = "Bearer"
)

// KeySet supplies key set snapshots. *jwks.Fetcher implements it.
type KeySet interface {
	// Current returns the current snapshot without blocking.
	Current() (*jwk.Store, error)
	// RefreshMiss refreshes on behalf of an unknown kid, returning
	// jwks.ErrThrottled when it declines to.
	RefreshMiss(ctx context.Context, kid string) (*jwk.Store, error)
	// RefreshUnavailable refreshes while no snapshot exists, returning
	// jwks.ErrThrottled when it declines to.
	RefreshUnavailable(ctx context.Context) (*jwk.Store, error)
}

// Config configures a Gate.
type Config struct {
	Keys     KeySet
	Verifier *verifier.Verifier
	Expected claims.Expected

	// Header carries the token. Defaults to DefaultHeader.
	Header string
	// Scheme is the required value prefix, matched case-insensitively.
	// Defaults to DefaultScheme.
	Scheme string

	Logger *zap.Logger
	Tracer *tracing.Tracer
}

// Gate checks bearer tokens. It never mutates the key set; it can only ask
// it to refresh.
type Gate struct {
	keys     KeySet
	verifier *verifier.Verifier
	expected claims.Expected
	header   string
	scheme   string
	logger   *zap.Logger
	tracer   *tracing.Tracer
}

// New builds a Gate.
func New(cfg Config) (*Gate, error) {
	if cfg.Keys == nil {
		return nil, fmt.Errorf("gate: key set is required")
	}
	g := &Gate{
		keys:     cfg.Keys,
		verifier: cfg.Verifier,
		expected: cfg.Expected,
		header:   cfg.Header,
		scheme:   cfg.Scheme,
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
	}
	if g.verifier == nil {
		v, err := verifier.New(verifier.Options{})
		if err != nil {
			return nil, err
		}
		g.verifier = v
	}
	if g.header == "" {
		g.header = DefaultHeader
	}
	if g.scheme == "" {
		g.scheme = DefaultScheme
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if g.tracer == nil {
		g.tracer = tracing.NewTracer(false)
	}
	return g, nil
}

// Check decides whether the request carrying h may proceed.
func (g *Gate) Check(ctx context.Context, h http.Header) Verdict {
	timer := metrics.NewTimer()
	v := g.check(ctx, h)
	metrics.ObserveVerify(metrics.GateJWT, timer.Elapsed())
	metrics.RecordVerdict(metrics.GateJWT, string(v.Reason))

	span := tracing.SpanFromContext(ctx)
	g.tracer.RecordVerdict(span, v.Allowed, string(v.Reason))

	if !v.Allowed {
		fields := []zap.Field{zap.String("reason", string(v.Reason))}
		if v.KeyID != "" {
			fields = append(fields, zap.String("kid", v.KeyID))
		}
		if v.FailedClaim != "" {
			fields = append(fields, zap.String("claim", v.FailedClaim))
		}
		g.logger.Debug("request denied", fields...)
	}
	return v
}

func (g *Gate) check(ctx context.Context, h http.Header) Verdict {
	raw, ok := ExtractToken(h, g.header, g.scheme)
	if !ok {
		return deny(ReasonMissingToken)
	}

	store, err := g.keys.Current()
	if err != nil {
		if ctx.Err() != nil {
			return deny(ReasonJwksUnavailable)
		}
		if store, err = g.keys.RefreshUnavailable(ctx); err != nil {
			return deny(ReasonJwksUnavailable)
		}
	}

	tok, err := g.verifier.Verify(raw, store)
	if errors.Is(err, verifier.ErrUnknownKey) && ctx.Err() == nil {
		tok, err = g.retryUnknownKey(ctx, raw, tok, err)
	}

	var kid string
	if tok != nil {
		kid = tok.Header.KeyID
		g.tracer.RecordKey(tracing.SpanFromContext(ctx), kid, tok.Header.Algorithm)
	}
	if err != nil {
		v := deny(reasonFor(err))
		v.KeyID = kid
		return v
	}

	if ok, name := claims.Match(tok.Claims, g.expected); !ok {
		v := deny(ReasonClaimMismatch)
		v.KeyID = kid
		v.FailedClaim = name
		return v
	}
	return Verdict{Allowed: true, KeyID: kid, Claims: tok.Claims}
}

// retryUnknownKey asks the key set to refresh and verifies once more. When
// the refresh is declined or fails, the original unknown-key result stands:
// a snapshot exists, so the key set is not unavailable.
func (g *Gate) retryUnknownKey(ctx context.Context, raw string, tok *verifier.Token, verr error) (*verifier.Token, error) {
	kid := tok.Header.KeyID
	refreshed, err := g.keys.RefreshMiss(ctx, kid)
	switch {
	case err == nil:
		g.tracer.RecordRetry(tracing.SpanFromContext(ctx))
		return g.verifier.Verify(raw, refreshed)
	case errors.Is(err, jwks.ErrThrottled):
		return tok, verr
	default:
		g.logger.Warn("key set refresh for unknown kid failed", zap.String("kid", kid), zap.Error(err))
		return tok, verr
	}
}

// ExtractToken returns the credential in header h[name] after the given
// scheme and a space. The scheme match is case-insensitive. An empty scheme
// returns the whole header value.
func ExtractToken(h http.Header, name, scheme string) (string, bool) {
	value := strings.TrimSpace(h.Get(name))
	if value == "" {
		return "", false
	}
	if scheme == "" {
		return value, true
	}
	if len(value) <= len(scheme) || !strings.EqualFold(value[:len(scheme)], scheme) || value[len(scheme)] != ' ' {
		return "", false
	}
	token := strings.TrimSpace(value[len(scheme)+1:])
	if token == "" {
		return "", false
	}
	return token, true
}
