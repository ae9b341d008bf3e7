// Package verifier decodes compact JWS tokens, verifies their signature
// against a key set and checks the registered time claims.
//
// Verification order is fixed: structure, header, key lookup, algorithm,
// signature, payload, then exp/nbf. Nothing in the payload is looked at
// before the signature has been verified.
package verifier

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/puxu-msft/caddy-jwt-auth/claims"
	"github.com/puxu-msft/caddy-jwt-auth/jwk"
)

// Verification failures. Returned errors wrap exactly one of these.
var (
	ErrMalformedToken    = errors.New("malformed token")
	ErrUnknownKey        = errors.New("unknown key id")
	ErrAlgorithmMismatch = errors.New("algorithm mismatch")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrExpired           = errors.New("token expired")
	ErrNotYetValid       = errors.New("token not yet valid")
)

// segmentEncoding is unpadded base64url that rejects non-canonical input.
var segmentEncoding = base64.RawURLEncoding.Strict()

// Header is the decoded JOSE header.
type Header struct {
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid"`
	Type      string `json:"typ,omitempty"`
}

// Token is the result of a successful verification. When Verify fails after
// the header was decoded, the returned Token carries the header only.
type Token struct {
	Header Header
	Claims claims.Claims
}

// Options configures a Verifier.
type Options struct {
	// Now overrides the clock.
	Now func() time.Time
	// Leeway is the clock skew tolerated on exp and nbf.
	Leeway time.Duration
	// RequireExp rejects tokens without an exp claim as expired.
	RequireExp bool
	// AllowedAlgorithms restricts the header algorithms accepted. Empty
	// means every algorithm a key can carry.
	AllowedAlgorithms []string
}

// Verifier verifies tokens. It holds no mutable state and is safe for
// concurrent use.
type Verifier struct {
	now        func() time.Time
	leeway     time.Duration
	requireExp bool
	allowed    map[string]struct{}
}

// New returns a Verifier. It fails when AllowedAlgorithms names an
// algorithm no key can carry, such as "none" or an HMAC algorithm.
func New(opts Options) (*Verifier, error) {
	v := &Verifier{
		now:        opts.Now,
		leeway:     opts.Leeway,
		requireExp: opts.RequireExp,
	}
	if v.now == nil {
		v.now = time.Now
	}
	if v.leeway < 0 {
		return nil, fmt.Errorf("leeway must not be negative")
	}
	if len(opts.AllowedAlgorithms) > 0 {
		supported := make(map[string]struct{})
		for _, a := range jwk.SupportedAlgorithms() {
			supported[a] = struct{}{}
		}
		v.allowed = make(map[string]struct{}, len(opts.AllowedAlgorithms))
		for _, a := range opts.AllowedAlgorithms {
			if _, ok := supported[a]; !ok {
				return nil, fmt.Errorf("unsupported algorithm %q", a)
			}
			v.allowed[a] = struct{}{}
		}
	}
	return v, nil
}

// Verify checks token against store.
func Verify(token string, store *jwk.Store) (*Token, error) {
	v, _ := New(Options{})
	return v.Verify(token, store)
}

// Verify checks token against store and returns its claims.
func (v *Verifier) Verify(token string, store *jwk.Store) (*Token, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(parts))
	}

	header, err := decodeHeader(parts[0])
	if err != nil {
		return nil, err
	}
	tok := &Token{Header: header}

	key, ok := store.Lookup(header.KeyID)
	if !ok {
		return tok, ErrUnknownKey
	}

	if !key.Accepts(header.Algorithm) || !v.allows(header.Algorithm) {
		return tok, fmt.Errorf("%w: token alg %q", ErrAlgorithmMismatch, header.Algorithm)
	}
	method := jwt.GetSigningMethod(header.Algorithm)
	if method == nil {
		return tok, fmt.Errorf("%w: token alg %q", ErrAlgorithmMismatch, header.Algorithm)
	}

	sig, err := segmentEncoding.DecodeString(parts[2])
	if err != nil {
		return tok, fmt.Errorf("%w: signature encoding", ErrInvalidSignature)
	}
	if err := method.Verify(parts[0]+"."+parts[1], sig, key.Public); err != nil {
		return tok, ErrInvalidSignature
	}

	payload, err := segmentEncoding.DecodeString(parts[1])
	if err != nil {
		return tok, fmt.Errorf("%w: payload encoding", ErrMalformedToken)
	}
	c, err := claims.Parse(payload)
	if err != nil {
		return tok, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	if err := v.checkTime(c); err != nil {
		return tok, err
	}

	tok.Claims = c
	return tok, nil
}

func (v *Verifier) allows(alg string) bool {
	if v.allowed == nil {
		return true
	}
	_, ok := v.allowed[alg]
	return ok
}

func decodeHeader(seg string) (Header, error) {
	raw, err := segmentEncoding.DecodeString(seg)
	if err != nil {
		return Header{}, fmt.Errorf("%w: header encoding", ErrMalformedToken)
	}
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return Header{}, fmt.Errorf("%w: header json", ErrMalformedToken)
	}
	if h.Algorithm == "" {
		return Header{}, fmt.Errorf("%w: header missing alg", ErrMalformedToken)
	}
	if h.KeyID == "" {
		return Header{}, fmt.Errorf("%w: header missing kid", ErrMalformedToken)
	}
	return h, nil
}

func (v *Verifier) checkTime(c claims.Claims) error {
	now := v.now()

	if exp, ok := c.Get("exp"); ok {
		t, err := numericDate(exp)
		if err != nil {
			return fmt.Errorf("%w: exp: %v", ErrMalformedToken, err)
		}
		if !now.Before(t.Add(v.leeway)) {
			return ErrExpired
		}
	} else if v.requireExp {
		return fmt.Errorf("%w: missing exp", ErrExpired)
	}

	if nbf, ok := c.Get("nbf"); ok {
		t, err := numericDate(nbf)
		if err != nil {
			return fmt.Errorf("%w: nbf: %v", ErrMalformedToken, err)
		}
		if now.Add(v.leeway).Before(t) {
			return ErrNotYetValid
		}
	}
	return nil
}

// numericDate converts a NumericDate claim (seconds since the epoch, possibly
// fractional) into a time.
func numericDate(v claims.Value) (time.Time, error) {
	f, ok := v.Float64()
	if !ok {
		return time.Time{}, fmt.Errorf("not a number")
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > math.MaxInt64/1e9 {
		return time.Time{}, fmt.Errorf("out of range")
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)), nil
}
