package jwk

import (
	"crypto/elliptic"
	"encoding/json"
	"errors"
	"testing"

	"github.com/puxu-msft/caddy-jwt-auth/internal/jwttest"
)

func rawFrom(t *testing.T, m map[string]any) RawKey {
	t.Helper()
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw RawKey
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return raw
}

func TestParseKey_SupportedTypes(t *testing.T) {
	tests := []struct {
		name     string
		signer   *jwttest.Signer
		wantType string
		wantAlg  string
	}{
		{"rsa", jwttest.NewRSASigner("r1", "RS256"), "RSA", "RS256"},
		{"rsa-pss", jwttest.NewRSASigner("r2", "PS384"), "RSA", "PS384"},
		{"ec p-256", jwttest.NewECSigner("e1", elliptic.P256()), "EC", "ES256"},
		{"ec p-384", jwttest.NewECSigner("e2", elliptic.P384()), "EC", "ES384"},
		{"ec p-521", jwttest.NewECSigner("e3", elliptic.P521()), "EC", "ES512"},
		{"ed25519", jwttest.NewEd25519Signer("o1"), "OKP", "EdDSA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ParseKey(rawFrom(t, tt.signer.JWK()))
			if err != nil {
				t.Fatalf("ParseKey() error = %v", err)
			}
			if key.ID != tt.signer.KeyID {
				t.Errorf("ID = %q, want %q", key.ID, tt.signer.KeyID)
			}
			if key.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", key.Type, tt.wantType)
			}
			if !key.Accepts(tt.wantAlg) {
				t.Errorf("Accepts(%q) = false", tt.wantAlg)
			}
			if got := key.Algorithms(); len(got) != 1 {
				t.Errorf("Algorithms() = %v, want only %s", got, tt.wantAlg)
			}
		})
	}
}

func TestParseKey_NoDeclaredAlgAcceptsFamily(t *testing.T) {
	jwk := jwttest.NewRSASigner("r1", "RS256").JWK()
	delete(jwk, "alg")

	key, err := ParseKey(rawFrom(t, jwk))
	if err != nil {
		t.Fatalf("ParseKey() error = %v", err)
	}
	for _, alg := range []string{"RS256", "RS512", "PS256"} {
		if !key.Accepts(alg) {
			t.Errorf("Accepts(%q) = false, want true", alg)
		}
	}
	if key.Accepts("ES256") {
		t.Error("RSA key should not accept ES256")
	}
	if key.DeclaredAlgorithm() != "" {
		t.Errorf("DeclaredAlgorithm() = %q, want empty", key.DeclaredAlgorithm())
	}
}

func TestParseKey_Rejects(t *testing.T) {
	rsa := jwttest.NewRSASigner("r1", "RS256").JWK()
	ec := jwttest.NewECSigner("e1", elliptic.P256()).JWK()

	with := func(base map[string]any, k string, v any) map[string]any {
		out := make(map[string]any, len(base))
		for kk, vv := range base {
			out[kk] = vv
		}
		if v == nil {
			delete(out, k)
		} else {
			out[k] = v
		}
		return out
	}

	tests := []struct {
		name            string
		jwk             map[string]any
		wantUnsupported bool
	}{
		{"missing kid", with(rsa, "kid", nil), false},
		{"missing kty", with(rsa, "kty", nil), false},
		{"symmetric key", map[string]any{"kty": "oct", "kid": "h1", "k": "c2VjcmV0"}, true},
		{"encryption use", with(rsa, "use", "enc"), true},
		{"hmac alg on rsa", with(rsa, "alg", "HS256"), true},
		{"ec alg on rsa", with(rsa, "alg", "ES256"), true},
		{"missing modulus", with(rsa, "n", nil), false},
		{"small modulus", with(rsa, "n", "AQAB"), false},
		{"even exponent", with(rsa, "e", "Ag"), false},
		{"padded base64", with(rsa, "e", "AQAB=="), false},
		{"unknown curve", with(ec, "crv", "P-192"), true},
		{"short coordinate", with(ec, "x", "AQAB"), false},
		{"off-curve point", with(ec, "y", ec["x"]), false},
		{"bad okp curve", map[string]any{"kty": "OKP", "kid": "o1", "crv": "X25519", "x": "AAAA"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseKey(rawFrom(t, tt.jwk))
			if err == nil {
				t.Fatal("ParseKey() expected error")
			}
			if got := errors.Is(err, ErrUnsupported); got != tt.wantUnsupported {
				t.Errorf("errors.Is(err, ErrUnsupported) = %v, want %v (err: %v)", got, tt.wantUnsupported, err)
			}
		})
	}
}
