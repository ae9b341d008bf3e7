package gate

import (
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/puxu-msft/caddy-jwt-auth/metrics"
)

func TestTokenGate_Check(t *testing.T) {
	g, err := NewTokenGate("", "secret", nil)
	if err != nil {
		t.Fatalf("NewTokenGate() error = %v", err)
	}
	if g.Header() != DefaultTokenHeader {
		t.Errorf("Header() = %q, want %q", g.Header(), DefaultTokenHeader)
	}

	tests := []struct {
		name        string
		header      http.Header
		wantAllowed bool
		wantReason  Reason
	}{
		{"exact match", http.Header{"Token": {"secret"}}, true, ""},
		{"case differs", http.Header{"Token": {"Secret"}}, false, ReasonTokenMismatch},
		{"prefix only", http.Header{"Token": {"secre"}}, false, ReasonTokenMismatch},
		{"longer value", http.Header{"Token": {"secret2"}}, false, ReasonTokenMismatch},
		{"absent", http.Header{}, false, ReasonMissingToken},
		{"empty", http.Header{"Token": {""}}, false, ReasonMissingToken},
		{"other header", http.Header{"Authorization": {"secret"}}, false, ReasonMissingToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := g.Check(tt.header)
			if v.Allowed != tt.wantAllowed || v.Reason != tt.wantReason {
				t.Errorf("Check() = %+v, want allowed=%v reason=%q", v, tt.wantAllowed, tt.wantReason)
			}
		})
	}
}

func TestTokenGate_CustomHeader(t *testing.T) {
	g, err := NewTokenGate("X-Shared-Secret", "s3cr3t", nil)
	if err != nil {
		t.Fatal(err)
	}
	h := http.Header{}
	h.Set("x-shared-secret", "s3cr3t")
	if v := g.Check(h); !v.Allowed {
		t.Errorf("Check() = %+v, want allowed", v)
	}
}

func TestNewTokenGate_RequiresValue(t *testing.T) {
	if _, err := NewTokenGate("Token", "", nil); err == nil {
		t.Fatal("expected error for empty value")
	}
}

func TestCheckToken(t *testing.T) {
	if !CheckToken("secret", "secret") {
		t.Error("equal values should match")
	}
	if CheckToken("", "") {
		t.Error("empty value must never match")
	}
	if CheckToken("Secret", "secret") {
		t.Error("comparison must be case-sensitive")
	}
}

func TestTokenGate_RecordsMetrics(t *testing.T) {
	g, _ := NewTokenGate("Token", "secret", nil)
	before := testutil.ToFloat64(metrics.Verdicts.WithLabelValues(metrics.GateToken, string(ReasonTokenMismatch)))
	g.Check(http.Header{"Token": {"nope"}})
	after := testutil.ToFloat64(metrics.Verdicts.WithLabelValues(metrics.GateToken, string(ReasonTokenMismatch)))
	if after != before+1 {
		t.Fatalf("token_mismatch counter: before=%v after=%v", before, after)
	}
}
