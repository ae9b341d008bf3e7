// Package jwttest provides signing keys, JWKS documents and a JWKS endpoint
// for tests and local experiments. Key generation failures panic: this
// package is not meant for production paths.
package jwttest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer holds a private key and the JWK describing its public half.
type Signer struct {
	KeyID  string
	Method jwt.SigningMethod

	private crypto.PrivateKey
	public  map[string]any
}

// NewRSASigner generates a 2048-bit RSA key for alg (RS256, PS384, ...).
func NewRSASigner(kid, alg string) *Signer {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic("jwttest: generating rsa key: " + err.Error())
	}
	return &Signer{
		KeyID:   kid,
		Method:  jwt.GetSigningMethod(alg),
		private: priv,
		public: map[string]any{
			"kty": "RSA",
			"kid": kid,
			"use": "sig",
			"alg": alg,
			"n":   b64(priv.N.Bytes()),
			"e":   b64(big.NewInt(int64(priv.E)).Bytes()),
		},
	}
}

// NewECSigner generates an ECDSA key on curve; the algorithm follows the curve.
func NewECSigner(kid string, curve elliptic.Curve) *Signer {
	priv, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		panic("jwttest: generating ec key: " + err.Error())
	}
	var alg string
	switch curve {
	case elliptic.P256():
		alg = "ES256"
	case elliptic.P384():
		alg = "ES384"
	default:
		alg = "ES512"
	}
	size := (curve.Params().BitSize + 7) / 8
	return &Signer{
		KeyID:   kid,
		Method:  jwt.GetSigningMethod(alg),
		private: priv,
		public: map[string]any{
			"kty": "EC",
			"kid": kid,
			"use": "sig",
			"alg": alg,
			"crv": curve.Params().Name,
			"x":   b64(priv.X.FillBytes(make([]byte, size))),
			"y":   b64(priv.Y.FillBytes(make([]byte, size))),
		},
	}
}

// NewEd25519Signer generates an Ed25519 key (alg EdDSA).
func NewEd25519Signer(kid string) *Signer {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic("jwttest: generating ed25519 key: " + err.Error())
	}
	return &Signer{
		KeyID:   kid,
		Method:  jwt.SigningMethodEdDSA,
		private: priv,
		public: map[string]any{
			"kty": "OKP",
			"kid": kid,
			"use": "sig",
			"alg": "EdDSA",
			"crv": "Ed25519",
			"x":   b64(pub),
		},
	}
}

// JWK returns a copy of the public JWK.
func (s *Signer) JWK() map[string]any {
	out := make(map[string]any, len(s.public))
	for k, v := range s.public {
		out[k] = v
	}
	return out
}

// Sign signs claims with the header {"alg": <method>, "kid": <KeyID>}.
func (s *Signer) Sign(claims jwt.MapClaims) string {
	return s.SignWithHeader(map[string]any{
		"alg": s.Method.Alg(),
		"typ": "JWT",
		"kid": s.KeyID,
	}, claims)
}

// SignWithHeader signs claims with an arbitrary header. The signature is
// always produced with the signer's own key and method, whatever the header
// says, which lets tests forge algorithm or kid mismatches.
func (s *Signer) SignWithHeader(header map[string]any, claims jwt.MapClaims) string {
	tok := jwt.NewWithClaims(s.Method, claims)
	tok.Header = header
	out, err := tok.SignedString(s.private)
	if err != nil {
		panic("jwttest: signing token: " + err.Error())
	}
	return out
}

// SignRaw signs arbitrary header and payload bytes, for tokens the jwt
// package would refuse to build.
func (s *Signer) SignRaw(header, payload []byte) string {
	signing := b64(header) + "." + b64(payload)
	sig, err := s.Method.Sign(signing, s.private)
	if err != nil {
		panic("jwttest: signing raw token: " + err.Error())
	}
	return signing + "." + b64(sig)
}

// Claims returns a claim set with iss and an exp one hour after now.
func Claims(iss string, now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss": iss,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
}

// Document encodes keys as a JWKS document.
func Document(keys ...map[string]any) []byte {
	if keys == nil {
		keys = []map[string]any{}
	}
	b, err := json.Marshal(map[string]any{"keys": keys})
	if err != nil {
		panic("jwttest: encoding jwks: " + err.Error())
	}
	return b
}

// DocumentFor encodes the public keys of signers as a JWKS document.
func DocumentFor(signers ...*Signer) []byte {
	keys := make([]map[string]any, 0, len(signers))
	for _, s := range signers {
		keys = append(keys, s.JWK())
	}
	return Document(keys...)
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
