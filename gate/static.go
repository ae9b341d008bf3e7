package gate

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/puxu-msft/caddy-jwt-auth/metrics"
)

// DefaultTokenHeader is the header read by TokenGate.
const DefaultTokenHeader = "Token"

// TokenGate admits requests whose header carries a fixed shared secret.
type TokenGate struct {
	header string
	value  []byte
	logger *zap.Logger
}

// NewTokenGate builds a TokenGate. An empty header name selects
// DefaultTokenHeader; value must not be empty.
func NewTokenGate(header, value string, logger *zap.Logger) (*TokenGate, error) {
	if value == "" {
		return nil, fmt.Errorf("token value is required")
	}
	if header == "" {
		header = DefaultTokenHeader
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenGate{header: header, value: []byte(value), logger: logger}, nil
}

// Header returns the header name checked.
func (g *TokenGate) Header() string { return g.header }

// Check compares the header value with the configured secret. Comparison
// is exact and case-sensitive.
func (g *TokenGate) Check(h http.Header) Verdict {
	timer := metrics.NewTimer()
	v := g.check(h)
	metrics.ObserveVerify(metrics.GateToken, timer.Elapsed())
	metrics.RecordVerdict(metrics.GateToken, string(v.Reason))
	if !v.Allowed {
		g.logger.Debug("request denied", zap.String("reason", string(v.Reason)), zap.String("header", g.header))
	}
	return v
}

func (g *TokenGate) check(h http.Header) Verdict {
	got := h.Get(g.header)
	if got == "" {
		return deny(ReasonMissingToken)
	}
	if !CheckToken(got, string(g.value)) {
		return deny(ReasonTokenMismatch)
	}
	return Verdict{Allowed: true}
}

// CheckToken reports whether got equals want, in constant time for equal
// lengths. An empty got never matches.
func CheckToken(got, want string) bool {
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
