package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

type tokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// OIDCAuthenticator accepts bearer ID tokens issued by the configured provider.
type OIDCAuthenticator struct {
	rolesClaim string
	emailClaim string
	verifier   tokenVerifier
}

func NewOIDCAuthenticator(ctx context.Context, cfg Config) (*OIDCAuthenticator, error) {
	if cfg.Mode != ModeOIDC {
		return nil, fmt.Errorf("auth mode must be oidc (got %q)", cfg.Mode)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider %s: %w", cfg.OIDCIssuerURL, err)
	}
	return &OIDCAuthenticator{
		rolesClaim: cfg.RolesClaim,
		emailClaim: cfg.EmailClaim,
		verifier:   provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID}),
	}, nil
}

func (a *OIDCAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	raw, ok := bearerToken(r)
	if !ok {
		return Identity{}, ErrUnauthenticated
	}
	token, err := a.verifier.Verify(ctx, raw)
	if err != nil {
		return Identity{}, fmt.Errorf("verify token: %w", err)
	}
	var claims map[string]any
	if err := token.Claims(&claims); err != nil {
		return Identity{}, fmt.Errorf("decode claims: %w", err)
	}
	return a.identity(claims), nil
}

func (a *OIDCAuthenticator) identity(claims map[string]any) Identity {
	subject, _ := claims["sub"].(string)
	email, _ := lookupClaim(claims, a.emailClaim).(string)
	return Identity{
		Subject: subject,
		Email:   email,
		Roles:   rolesFrom(lookupClaim(claims, a.rolesClaim)),
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// lookupClaim resolves dotted paths such as realm_access.roles.
func lookupClaim(claims map[string]any, path string) any {
	var cur any = claims
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		if cur, ok = m[key]; !ok {
			return nil
		}
	}
	return cur
}

func rolesFrom(v any) []string {
	switch typed := v.(type) {
	case string:
		return normalizeRoles([]string{typed})
	case []string:
		return normalizeRoles(typed)
	case []any:
		values := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				values = append(values, s)
			}
		}
		return normalizeRoles(values)
	}
	return nil
}
