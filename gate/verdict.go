// Package gate turns request headers into allow/deny verdicts.
package gate

import (
	"errors"

	"github.com/puxu-msft/caddy-jwt-auth/claims"
	"github.com/puxu-msft/caddy-jwt-auth/jwks"
	"github.com/puxu-msft/caddy-jwt-auth/verifier"
)

// Reason explains a denial. Reasons are for server-side logs and metrics;
// they are never sent to the client.
type Reason string

// Reason constants enumerate every possible denial.
const (
	ReasonMissingToken      Reason = "missing_token"
	ReasonMalformedToken    Reason = "malformed_token"
	ReasonUnknownKey        Reason = "unknown_key"
	ReasonAlgorithmMismatch Reason = "algorithm_mismatch"
	ReasonInvalidSignature  Reason = "invalid_signature"
	ReasonExpired           Reason = "expired"
	ReasonNotYetValid       Reason = "not_yet_valid"
	ReasonClaimMismatch     Reason = "claim_mismatch"
	ReasonJwksUnavailable   Reason = "jwks_unavailable"
	ReasonTokenMismatch     Reason = "token_mismatch"
)

// Reasons lists every Reason.
func Reasons() []Reason {
	return []Reason{
		ReasonMissingToken,
		ReasonMalformedToken,
		ReasonUnknownKey,
		ReasonAlgorithmMismatch,
		ReasonInvalidSignature,
		ReasonExpired,
		ReasonNotYetValid,
		ReasonClaimMismatch,
		ReasonJwksUnavailable,
		ReasonTokenMismatch,
	}
}

// Verdict is the outcome of one check.
type Verdict struct {
	Allowed bool
	// Reason is empty when Allowed.
	Reason Reason
	// FailedClaim names the first failing claim for ReasonClaimMismatch.
	FailedClaim string
	// KeyID is the token's kid when the header could be decoded.
	KeyID string
	// Claims holds the verified payload when Allowed.
	Claims claims.Claims
}

func deny(r Reason) Verdict {
	return Verdict{Reason: r}
}

// reasonFor maps a verification error onto a Reason.
func reasonFor(err error) Reason {
	switch {
	case errors.Is(err, verifier.ErrMalformedToken):
		return ReasonMalformedToken
	case errors.Is(err, verifier.ErrUnknownKey):
		return ReasonUnknownKey
	case errors.Is(err, verifier.ErrAlgorithmMismatch):
		return ReasonAlgorithmMismatch
	case errors.Is(err, verifier.ErrInvalidSignature):
		return ReasonInvalidSignature
	case errors.Is(err, verifier.ErrExpired):
		return ReasonExpired
	case errors.Is(err, verifier.ErrNotYetValid):
		return ReasonNotYetValid
	case errors.Is(err, jwks.ErrUnavailable):
		return ReasonJwksUnavailable
	default:
		// Unclassified failures deny as malformed rather than leaking through.
		return ReasonMalformedToken
	}
}
