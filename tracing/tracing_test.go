package tracing

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewTracer_Disabled(t *testing.T) {
	tracer := NewTracer(false)
	if tracer.IsEnabled() {
		t.Error("expected tracer to be disabled")
	}
}

func TestNewTracer_Enabled(t *testing.T) {
	tracer := NewTracer(true)
	if !tracer.IsEnabled() {
		t.Error("expected tracer to be enabled")
	}
}

func TestTracer_StartCheck(t *testing.T) {
	for _, enabled := range []bool{false, true} {
		tracer := NewTracer(enabled)

		ctx, span := tracer.StartCheck(context.Background(), "jwt", "GET", "/api")
		if ctx == nil {
			t.Error("expected non-nil context")
		}
		if span == nil {
			t.Fatal("expected non-nil span")
		}
		tracer.EndSpan(span)
	}
}

func TestTracer_StartJWKSRefresh(t *testing.T) {
	tracer := NewTracer(true)

	ctx, span := tracer.StartJWKSRefresh(context.Background(), "http")
	defer tracer.EndSpan(span)

	if ctx == nil {
		t.Error("expected non-nil context")
	}
	if span == nil {
		t.Error("expected non-nil span")
	}
}

func TestTracer_RecordMethods(t *testing.T) {
	for _, enabled := range []bool{false, true} {
		tracer := NewTracer(enabled)
		_, span := tracer.StartCheck(context.Background(), "jwt", "GET", "/")

		// These should not panic
		tracer.RecordKey(span, "k1", "RS256")
		tracer.RecordRetry(span)
		tracer.RecordVerdict(span, false, "unknown_key")
		tracer.RecordVerdict(span, true, "")
		tracer.RecordKeyCount(span, 2)
		tracer.RecordCheckTime(span, 100*time.Microsecond)
		tracer.RecordError(span, errors.New("test error"))
		tracer.EndSpan(span)
	}
}

func TestConstants(t *testing.T) {
	for _, name := range []string{TracerName, SpanNameCheck, SpanNameJWKSRefresh} {
		if name == "" {
			t.Error("span/tracer name should not be empty")
		}
	}
	attrs := []string{
		AttrGate, AttrAllowed, AttrReason, AttrKeyID, AttrAlgorithm, AttrRetried,
		AttrSource, AttrKeyCount, AttrRequestMethod, AttrRequestPath, AttrCheckTimeMs,
	}
	for _, attr := range attrs {
		if attr == "" {
			t.Error("attribute constant should not be empty")
		}
	}
}

func TestSpanFromContext(t *testing.T) {
	tracer := NewTracer(true)
	ctx, span := tracer.StartCheck(context.Background(), "token", "GET", "/")
	defer tracer.EndSpan(span)

	if got := SpanFromContext(ctx); got == nil {
		t.Error("expected span from context")
	}
}
