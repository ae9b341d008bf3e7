// Package jwk converts JSON Web Key entries into verification keys.
//
// Only public signature keys are produced: RSA (RS*/PS*), EC (ES*) and
// OKP/Ed25519 (EdDSA). Symmetric ("oct") keys are never accepted, so a token
// can never be verified with HMAC against material published in a JWKS.
package jwk

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
)

// MinRSABits is the smallest RSA modulus accepted from a key set.
const MinRSABits = 2048

// ErrUnsupported marks entries whose key type, curve or algorithm this package
// does not handle. Callers skip such entries instead of failing the whole set.
var ErrUnsupported = errors.New("jwk: unsupported key")

// RawKey is the wire form of a single JWKS entry.
type RawKey struct {
	KeyID     string `json:"kid"`
	KeyType   string `json:"kty"`
	Algorithm string `json:"alg,omitempty"`
	Use       string `json:"use,omitempty"`

	// RSA
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	// EC and OKP
	Curve string `json:"crv,omitempty"`
	X     string `json:"x,omitempty"`
	Y     string `json:"y,omitempty"`
}

// Key is an immutable, parsed verification key.
type Key struct {
	ID     string
	Type   string
	Curve  string
	Public crypto.PublicKey

	// declared is the "alg" member as published, possibly empty.
	declared string
	algs     []string
}

// DeclaredAlgorithm returns the "alg" member the key was published with.
func (k *Key) DeclaredAlgorithm() string { return k.declared }

// Algorithms returns the JWS algorithms this key may verify.
func (k *Key) Algorithms() []string {
	return append([]string(nil), k.algs...)
}

// Accepts reports whether a token header naming alg may be verified with k.
func (k *Key) Accepts(alg string) bool {
	for _, a := range k.algs {
		if a == alg {
			return true
		}
	}
	return false
}

var rsaAlgorithms = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}

var ecAlgorithmByCurve = map[string]string{
	"P-256": "ES256",
	"P-384": "ES384",
	"P-521": "ES512",
}

// SupportedAlgorithms lists every algorithm a parsed key can carry.
func SupportedAlgorithms() []string {
	return []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512", "EdDSA"}
}

// ParseKey converts a raw entry into a Key. Errors wrapping ErrUnsupported
// indicate an entry that is well-formed but outside the supported set.
func ParseKey(raw RawKey) (*Key, error) {
	if raw.KeyID == "" {
		return nil, fmt.Errorf("jwk: missing kid")
	}
	if raw.KeyType == "" {
		return nil, fmt.Errorf("jwk %q: missing kty", raw.KeyID)
	}
	if raw.Use != "" && raw.Use != "sig" {
		return nil, fmt.Errorf("%w: key %q has use %q", ErrUnsupported, raw.KeyID, raw.Use)
	}

	var (
		pub  crypto.PublicKey
		algs []string
		err  error
	)
	switch raw.KeyType {
	case "RSA":
		pub, err = parseRSA(raw)
		algs = rsaAlgorithms
	case "EC":
		pub, err = parseEC(raw)
		algs = []string{ecAlgorithmByCurve[raw.Curve]}
	case "OKP":
		pub, err = parseOKP(raw)
		algs = []string{"EdDSA"}
	default:
		return nil, fmt.Errorf("%w: key %q has kty %q", ErrUnsupported, raw.KeyID, raw.KeyType)
	}
	if err != nil {
		return nil, fmt.Errorf("jwk %q: %w", raw.KeyID, err)
	}

	if raw.Algorithm != "" {
		if !contains(algs, raw.Algorithm) {
			return nil, fmt.Errorf("%w: key %q (kty %s) declares alg %q", ErrUnsupported, raw.KeyID, raw.KeyType, raw.Algorithm)
		}
		algs = []string{raw.Algorithm}
	}

	return &Key{
		ID:       raw.KeyID,
		Type:     raw.KeyType,
		Curve:    raw.Curve,
		Public:   pub,
		declared: raw.Algorithm,
		algs:     append([]string(nil), algs...),
	}, nil
}

func parseRSA(raw RawKey) (*rsa.PublicKey, error) {
	if raw.N == "" || raw.E == "" {
		return nil, fmt.Errorf("invalid RSA key: missing n/e")
	}
	nBytes, err := decodeB64URL(raw.N)
	if err != nil {
		return nil, fmt.Errorf("decoding rsa n: %v", err)
	}
	eBytes, err := decodeB64URL(raw.E)
	if err != nil {
		return nil, fmt.Errorf("decoding rsa e: %v", err)
	}
	if len(eBytes) == 0 || len(eBytes) > 4 {
		return nil, fmt.Errorf("invalid rsa exponent")
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}
	if e < 3 || e%2 == 0 {
		return nil, fmt.Errorf("invalid rsa exponent")
	}
	n := new(big.Int).SetBytes(nBytes)
	if n.BitLen() < MinRSABits {
		return nil, fmt.Errorf("rsa modulus too small: %d bits", n.BitLen())
	}
	return &rsa.PublicKey{N: n, E: e}, nil
}

func parseEC(raw RawKey) (*ecdsa.PublicKey, error) {
	if raw.Curve == "" || raw.X == "" || raw.Y == "" {
		return nil, fmt.Errorf("invalid EC key: missing crv/x/y")
	}
	curve, err := ecCurve(raw.Curve)
	if err != nil {
		return nil, err
	}
	size := (curve.Params().BitSize + 7) / 8
	xBytes, err := decodeB64URL(raw.X)
	if err != nil {
		return nil, fmt.Errorf("decoding ec x: %v", err)
	}
	yBytes, err := decodeB64URL(raw.Y)
	if err != nil {
		return nil, fmt.Errorf("decoding ec y: %v", err)
	}
	if len(xBytes) != size || len(yBytes) != size {
		return nil, fmt.Errorf("ec coordinates must be %d bytes for %s", size, raw.Curve)
	}
	x := new(big.Int).SetBytes(xBytes)
	y := new(big.Int).SetBytes(yBytes)
	if !curve.IsOnCurve(x, y) {
		return nil, fmt.Errorf("ec point not on curve")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

func ecCurve(crv string) (elliptic.Curve, error) {
	switch crv {
	case "P-256":
		return elliptic.P256(), nil
	case "P-384":
		return elliptic.P384(), nil
	case "P-521":
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("%w: ec curve %q", ErrUnsupported, crv)
	}
}

func parseOKP(raw RawKey) (ed25519.PublicKey, error) {
	if raw.Curve != "Ed25519" {
		return nil, fmt.Errorf("%w: okp curve %q", ErrUnsupported, raw.Curve)
	}
	x, err := decodeB64URL(raw.X)
	if err != nil {
		return nil, fmt.Errorf("decoding okp x: %v", err)
	}
	if len(x) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ed25519 key must be %d bytes", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(x), nil
}

func decodeB64URL(s string) ([]byte, error) {
	// JWK uses base64url without padding.
	return base64.RawURLEncoding.DecodeString(s)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
