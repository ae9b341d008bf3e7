package caddyjwtauth

import (
	"testing"

	"github.com/puxu-msft/caddy-jwt-auth/gate"
)

func TestTokenAuth_CaddyModule(t *testing.T) {
	info := TokenAuth{}.CaddyModule()
	if string(info.ID) != "http.handlers.token_auth" {
		t.Errorf("ID = %q, want %q", info.ID, "http.handlers.token_auth")
	}
	if _, ok := info.New().(*TokenAuth); !ok {
		t.Error("New() should return *TokenAuth")
	}
}

func TestTokenAuth_ServeHTTP(t *testing.T) {
	ta := &TokenAuth{Value: "secret"}
	if err := ta.Provision(newTestContext(t)); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	tests := []struct {
		name       string
		header     string
		value      string
		wantReason gate.Reason
	}{
		{"match", "Token", "secret", ""},
		{"case differs", "Token", "Secret", gate.ReasonTokenMismatch},
		{"empty", "Token", "", gate.ReasonMissingToken},
		{"absent", "", "", gate.ReasonMissingToken},
		{"wrong header", "Authorization", "secret", gate.ReasonMissingToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, seen, err := serve(t, ta, tt.header, tt.value)
			if tt.wantReason == "" {
				if err != nil || seen == nil {
					t.Fatalf("err = %v, next called = %v", err, seen != nil)
				}
				return
			}
			wantUnauthorized(t, w, seen, err, tt.wantReason)
		})
	}
}

func TestTokenAuth_EnvValueAndHeader(t *testing.T) {
	t.Setenv("TOKEN_AUTH_TEST_VALUE", "from-env")

	ta := &TokenAuth{Header: "X-Internal-Token", Value: "{env.TOKEN_AUTH_TEST_VALUE}"}
	if err := ta.Provision(newTestContext(t)); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	if _, seen, err := serve(t, ta, "X-Internal-Token", "from-env"); err != nil || seen == nil {
		t.Fatalf("err = %v, next called = %v", err, seen != nil)
	}
	w, seen, err := serve(t, ta, "X-Internal-Token", "{env.TOKEN_AUTH_TEST_VALUE}")
	wantUnauthorized(t, w, seen, err, gate.ReasonTokenMismatch)
}

func TestTokenAuth_ProvisionEmptyValue(t *testing.T) {
	ta := &TokenAuth{Value: "{env.TOKEN_AUTH_TEST_UNSET}"}
	if err := ta.Provision(newTestContext(t)); err == nil {
		t.Fatal("Provision() error = nil, want error for empty value")
	}
}

func TestTokenAuth_Validate(t *testing.T) {
	if err := (&TokenAuth{}).Validate(); err == nil {
		t.Error("Validate() error = nil, want error for missing value")
	}
	if err := (&TokenAuth{Value: "v"}).Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}
