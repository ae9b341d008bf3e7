// Package tracing provides OpenTelemetry tracing support for the JWT and token gates.
package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// TracerName is the name of the tracer used by this package.
	TracerName = "github.com/puxu-msft/caddy-jwt-auth"

	// SpanNameCheck is the span name for a gate check.
	SpanNameCheck = "jwt_auth.check"

	// SpanNameJWKSRefresh is the span name for a key set refresh.
	SpanNameJWKSRefresh = "jwt_auth.jwks.refresh"
)

// Attribute keys for tracing.
const (
	AttrGate          = "jwt_auth.gate"
	AttrAllowed       = "jwt_auth.allowed"
	AttrReason        = "jwt_auth.reason"
	AttrKeyID         = "jwt_auth.kid"
	AttrAlgorithm     = "jwt_auth.alg"
	AttrRetried       = "jwt_auth.retried"
	AttrSource        = "jwt_auth.jwks.source"
	AttrKeyCount      = "jwt_auth.jwks.keys"
	AttrRequestMethod = "http.request.method"
	AttrRequestPath   = "http.request.path"
	AttrCheckTimeMs   = "jwt_auth.check_time_ms"
)

// Tracer wraps the OpenTelemetry tracer with convenience methods.
type Tracer struct {
	tracer  trace.Tracer
	enabled bool
}

// NewTracer creates a new Tracer.
// If enabled is false, all operations use a noop tracer.
func NewTracer(enabled bool) *Tracer {
	var tracer trace.Tracer
	if enabled {
		tracer = otel.Tracer(TracerName)
	} else {
		tracer = noop.NewTracerProvider().Tracer(TracerName)
	}
	return &Tracer{
		tracer:  tracer,
		enabled: enabled,
	}
}

// IsEnabled returns whether tracing is enabled.
func (t *Tracer) IsEnabled() bool {
	return t.enabled
}

// StartCheck starts a span for one gate check.
func (t *Tracer) StartCheck(ctx context.Context, gate, method, path string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanNameCheck,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrGate, gate),
			attribute.String(AttrRequestMethod, method),
			attribute.String(AttrRequestPath, path),
		),
	)
}

// StartJWKSRefresh starts a span for a key set refresh.
func (t *Tracer) StartJWKSRefresh(ctx context.Context, source string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanNameJWKSRefresh,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(AttrSource, source),
		),
	)
}

// RecordVerdict records the outcome of a gate check on the span.
func (t *Tracer) RecordVerdict(span trace.Span, allowed bool, reason string) {
	span.SetAttributes(attribute.Bool(AttrAllowed, allowed))
	if reason != "" {
		span.SetAttributes(attribute.String(AttrReason, reason))
	}
}

// RecordKey records the header key id and algorithm of the presented token.
func (t *Tracer) RecordKey(span trace.Span, kid, alg string) {
	span.SetAttributes(
		attribute.String(AttrKeyID, kid),
		attribute.String(AttrAlgorithm, alg),
	)
}

// RecordRetry records that verification was retried after a key set refresh.
func (t *Tracer) RecordRetry(span trace.Span) {
	span.SetAttributes(attribute.Bool(AttrRetried, true))
}

// RecordKeyCount records how many keys a refresh produced.
func (t *Tracer) RecordKeyCount(span trace.Span, n int) {
	span.SetAttributes(attribute.Int(AttrKeyCount, n))
}

// RecordCheckTime records the time taken by a gate check.
func (t *Tracer) RecordCheckTime(span trace.Span, duration time.Duration) {
	span.SetAttributes(attribute.Float64(AttrCheckTimeMs, float64(duration.Microseconds())/1000.0))
}

// RecordError records an error on the span.
func (t *Tracer) RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// EndSpan ends the span.
func (t *Tracer) EndSpan(span trace.Span) {
	span.End()
}

// SpanFromContext extracts the span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}
