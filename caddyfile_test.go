package caddyjwtauth

import (
	"testing"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
)

func TestJwtAuth_UnmarshalCaddyfile(t *testing.T) {
	input := `jwt_auth {
		jwks_url https://issuer.example/.well-known/jwks.json
		claim iss https://issuer.example
		claim aud api
		claims_file /etc/caddy/claims.yaml
		token_header X-Access-Token
		token_scheme JWT
		allowed_algs RS256 ES256
		leeway 30s
		require_exp
		jwks_refresh_interval 5m
		jwks_timeout 2s
		jwks_min_refresh_interval off
		jwks_negative_ttl 1m
		allow_insecure_jwks
		export_claims sub tenant
		tracing
		events
	}`

	var j JwtAuth
	if err := j.UnmarshalCaddyfile(caddyfile.NewTestDispenser(input)); err != nil {
		t.Fatalf("UnmarshalCaddyfile error: %v", err)
	}

	if j.JWKSURL != "https://issuer.example/.well-known/jwks.json" {
		t.Errorf("JWKSURL = %q", j.JWKSURL)
	}
	names := j.Claims.Names()
	if len(names) != 2 || names[0] != "iss" || names[1] != "aud" {
		t.Errorf("claim names = %v, want [iss aud]", names)
	}
	if s, ok := j.Claims[1].Value.AsString(); !ok || s != "api" {
		t.Errorf("aud = %v, want string api", j.Claims[1].Value)
	}
	if j.ClaimsFile != "/etc/caddy/claims.yaml" {
		t.Errorf("ClaimsFile = %q", j.ClaimsFile)
	}
	if j.TokenHeader != "X-Access-Token" || j.TokenScheme != "JWT" {
		t.Errorf("TokenHeader/TokenScheme = %q/%q", j.TokenHeader, j.TokenScheme)
	}
	if len(j.AllowedAlgs) != 2 || j.AllowedAlgs[0] != "RS256" || j.AllowedAlgs[1] != "ES256" {
		t.Errorf("AllowedAlgs = %v", j.AllowedAlgs)
	}
	if j.Leeway != caddy.Duration(30*time.Second) {
		t.Errorf("Leeway = %v, want 30s", j.Leeway)
	}
	if !j.RequireExp || !j.AllowInsecureJWKS || !j.Tracing || !j.Events {
		t.Errorf("flags: require_exp=%v allow_insecure=%v tracing=%v events=%v", j.RequireExp, j.AllowInsecureJWKS, j.Tracing, j.Events)
	}
	if j.JWKSRefreshInterval != caddy.Duration(5*time.Minute) {
		t.Errorf("JWKSRefreshInterval = %v, want 5m", j.JWKSRefreshInterval)
	}
	if j.JWKSTimeout != caddy.Duration(2*time.Second) {
		t.Errorf("JWKSTimeout = %v, want 2s", j.JWKSTimeout)
	}
	if j.JWKSMinRefreshInterval >= 0 {
		t.Errorf("JWKSMinRefreshInterval = %v, want negative for off", j.JWKSMinRefreshInterval)
	}
	if j.JWKSNegativeTTL != caddy.Duration(time.Minute) {
		t.Errorf("JWKSNegativeTTL = %v, want 1m", j.JWKSNegativeTTL)
	}
	if len(j.ExportClaims) != 2 || j.ExportClaims[0] != "sub" || j.ExportClaims[1] != "tenant" {
		t.Errorf("ExportClaims = %v", j.ExportClaims)
	}
}

func TestJwtAuth_UnmarshalCaddyfile_KeyStores(t *testing.T) {
	t.Run("redis", func(t *testing.T) {
		input := `jwt_auth {
			jwks_redis {
				addresses redis-1:6379 redis-2:6379
				password {env.REDIS_PASSWORD}
				db 2
				cluster
				key auth:jwks
				channel off
				dial_timeout 1s
				read_timeout 500ms
				tls_ca /etc/ssl/redis-ca.pem
			}
			claim iss https://issuer.example
		}`
		var j JwtAuth
		if err := j.UnmarshalCaddyfile(caddyfile.NewTestDispenser(input)); err != nil {
			t.Fatalf("UnmarshalCaddyfile error: %v", err)
		}
		c := j.JWKSRedis
		if c == nil {
			t.Fatal("JWKSRedis not set")
		}
		if len(c.Addresses) != 2 || c.Addresses[1] != "redis-2:6379" {
			t.Errorf("Addresses = %v", c.Addresses)
		}
		if c.Password != "{env.REDIS_PASSWORD}" || c.DB != 2 || !c.Cluster {
			t.Errorf("Password/DB/Cluster = %q/%d/%v", c.Password, c.DB, c.Cluster)
		}
		if c.Key != "auth:jwks" || c.Channel != "off" {
			t.Errorf("Key/Channel = %q/%q", c.Key, c.Channel)
		}
		if c.DialTimeout != caddy.Duration(time.Second) || c.ReadTimeout != caddy.Duration(500*time.Millisecond) {
			t.Errorf("timeouts = %v/%v", c.DialTimeout, c.ReadTimeout)
		}
		if !c.TLSEnabled || c.TLSCAFile != "/etc/ssl/redis-ca.pem" {
			t.Errorf("TLS = %v/%q", c.TLSEnabled, c.TLSCAFile)
		}
		if len(j.Claims) != 1 {
			t.Errorf("claims after block = %v", j.Claims.Names())
		}
	})

	t.Run("etcd", func(t *testing.T) {
		input := `jwt_auth {
			jwks_etcd {
				endpoints https://etcd-1:2379 https://etcd-2:2379
				username caddy
				password secret
				key /auth/jwks
				request_timeout 3s
				tls_cert /etc/ssl/client.pem
				tls_key /etc/ssl/client-key.pem
				tls_skip_verify
			}
		}`
		var j JwtAuth
		if err := j.UnmarshalCaddyfile(caddyfile.NewTestDispenser(input)); err != nil {
			t.Fatalf("UnmarshalCaddyfile error: %v", err)
		}
		c := j.JWKSEtcd
		if c == nil {
			t.Fatal("JWKSEtcd not set")
		}
		if len(c.Endpoints) != 2 || c.Username != "caddy" || c.Password != "secret" || c.Key != "/auth/jwks" {
			t.Errorf("config = %+v", c)
		}
		if c.RequestTimeout != caddy.Duration(3*time.Second) {
			t.Errorf("RequestTimeout = %v", c.RequestTimeout)
		}
		if !c.TLSEnabled || !c.TLSSkipVerify || c.TLSCertFile != "/etc/ssl/client.pem" || c.TLSKeyFile != "/etc/ssl/client-key.pem" {
			t.Errorf("TLS options = %+v", c)
		}
	})

	for name, block := range map[string]string{
		"unknown redis option": "jwks_redis {\n sentinel x\n }",
		"bad db":               "jwks_redis {\n db -1\n }",
		"redis inline arg":     "jwks_redis localhost",
		"empty endpoints":      "jwks_etcd {\n endpoints\n }",
		"tls_ca without path":  "jwks_etcd {\n tls_ca\n }",
	} {
		input := "jwt_auth {\n" + block + "\n}"
		t.Run(name, func(t *testing.T) {
			var j JwtAuth
			if err := j.UnmarshalCaddyfile(caddyfile.NewTestDispenser(input)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestJwtAuth_UnmarshalCaddyfile_Inline(t *testing.T) {
	var j JwtAuth
	if err := j.UnmarshalCaddyfile(caddyfile.NewTestDispenser(`jwt_auth https://issuer.example/jwks.json`)); err != nil {
		t.Fatalf("UnmarshalCaddyfile error: %v", err)
	}
	if j.JWKSURL != "https://issuer.example/jwks.json" {
		t.Errorf("JWKSURL = %q", j.JWKSURL)
	}
}

func TestJwtAuth_UnmarshalCaddyfile_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"two inline args", `jwt_auth https://a https://b`},
		{"jwks_url missing arg", "jwt_auth {\n jwks_url\n}"},
		{"claim one arg", "jwt_auth {\n claim iss\n}"},
		{"claim three args", "jwt_auth {\n claim iss a b\n}"},
		{"duplicate claim", "jwt_auth {\n claim iss a\n claim iss b\n}"},
		{"allowed_algs empty", "jwt_auth {\n allowed_algs\n}"},
		{"bad leeway", "jwt_auth {\n leeway soon\n}"},
		{"leeway off", "jwt_auth {\n leeway off\n}"},
		{"negative timeout", "jwt_auth {\n jwks_timeout -1s\n}"},
		{"export_claims empty", "jwt_auth {\n export_claims\n}"},
		{"unknown", "jwt_auth {\n issuer x\n}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var j JwtAuth
			if err := j.UnmarshalCaddyfile(caddyfile.NewTestDispenser(tt.input)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestTokenAuth_UnmarshalCaddyfile(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantHeader string
		wantValue  string
		wantEvents bool
	}{
		{"inline", `token_auth secret`, "", "secret", false},
		{"block", "token_auth {\n header X-Api-Key\n value {env.API_KEY}\n events\n}", "X-Api-Key", "{env.API_KEY}", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ta TokenAuth
			if err := ta.UnmarshalCaddyfile(caddyfile.NewTestDispenser(tt.input)); err != nil {
				t.Fatalf("UnmarshalCaddyfile error: %v", err)
			}
			if ta.Header != tt.wantHeader || ta.Value != tt.wantValue || ta.Events != tt.wantEvents {
				t.Errorf("got header=%q value=%q events=%v", ta.Header, ta.Value, ta.Events)
			}
		})
	}

	var ta TokenAuth
	if err := ta.UnmarshalCaddyfile(caddyfile.NewTestDispenser("token_auth {\n header\n}")); err == nil {
		t.Error("expected error for header without argument")
	}
	if err := ta.UnmarshalCaddyfile(caddyfile.NewTestDispenser("token_auth {\n prefix x\n}")); err == nil {
		t.Error("expected error for unknown subdirective")
	}
}
