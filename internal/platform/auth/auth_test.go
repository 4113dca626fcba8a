package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	cfg := DefaultConfig()
	cfg.Mode = ModeOIDC
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for oidc without issuer")
	}

	cfg = DefaultConfig()
	cfg.DevRoles = []string{" , "}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for empty dev roles")
	}

	cfg = DefaultConfig()
	cfg.Mode = "ldap"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestNew_DevIdentity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DevRoles = []string{"Viewer,operator", "viewer"}
	authn, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	identity, err := authn.Authenticate(context.Background(), nil)
	if err != nil {
		t.Fatalf("Authenticate() err=%v", err)
	}
	if identity.Subject != "dev-user" {
		t.Fatalf("subject=%q, want dev-user", identity.Subject)
	}
	if len(identity.Roles) != 2 || identity.Roles[0] != "viewer" || identity.Roles[1] != "operator" {
		t.Fatalf("roles=%v, want [viewer operator]", identity.Roles)
	}
}

func TestOIDCIdentityFromClaims(t *testing.T) {
	a := &OIDCAuthenticator{rolesClaim: "roles", emailClaim: "email"}
	identity := a.identity(map[string]any{
		"sub":   "user-1",
		"email": "user@example.test",
		"roles": []any{"Admin", 7, "viewer"},
	})
	if identity.Subject != "user-1" || identity.Email != "user@example.test" {
		t.Fatalf("identity=%+v", identity)
	}
	if !HasAtLeast(identity.Roles, RoleAdmin) || len(identity.Roles) != 2 {
		t.Fatalf("roles=%v", identity.Roles)
	}

	nested := &OIDCAuthenticator{rolesClaim: "realm_access.roles", emailClaim: "email"}
	identity = nested.identity(map[string]any{
		"sub":          "user-2",
		"realm_access": map[string]any{"roles": []any{"operator"}},
	})
	if len(identity.Roles) != 1 || identity.Roles[0] != RoleOperator {
		t.Fatalf("nested roles=%v", identity.Roles)
	}
	if missing := nested.identity(map[string]any{"realm_access": "x"}); missing.Roles != nil {
		t.Fatalf("roles=%v, want none", missing.Roles)
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"Bearer":       "",
		"":             "",
	}
	for header, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", header)
		got, ok := bearerToken(r)
		if got != want || ok != (want != "") {
			t.Fatalf("bearerToken(%q)=%q,%v want %q", header, got, ok, want)
		}
	}
}
