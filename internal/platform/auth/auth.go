package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Mode string

const (
	ModeOIDC     Mode = "oidc"
	ModeDev      Mode = "dev"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	Mode Mode `mapstructure:"mode"`

	RolesClaim string `mapstructure:"roles_claim"`
	EmailClaim string `mapstructure:"email_claim"`

	OIDCIssuerURL string `mapstructure:"oidc_issuer_url"`
	OIDCClientID  string `mapstructure:"oidc_client_id"`

	DevSubject string   `mapstructure:"dev_subject"`
	DevEmail   string   `mapstructure:"dev_email"`
	DevRoles   []string `mapstructure:"dev_roles"`
}

func DefaultConfig() Config {
	return Config{
		Mode:       ModeDev,
		RolesClaim: "roles",
		EmailClaim: "email",
		DevSubject: "dev-user",
		DevEmail:   "dev-user@example.local",
		DevRoles:   []string{RoleAdmin},
	}
}

func ParseMode(raw string) (Mode, error) {
	switch mode := Mode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case ModeOIDC, ModeDev, ModeDisabled:
		return mode, nil
	default:
		return "", fmt.Errorf("auth.mode must be one of: oidc, dev, disabled (got %q)", raw)
	}
}

func (c Config) Validate() error {
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if strings.TrimSpace(c.RolesClaim) == "" {
		return errors.New("auth.roles_claim is required")
	}
	if strings.TrimSpace(c.EmailClaim) == "" {
		return errors.New("auth.email_claim is required")
	}

	switch c.Mode {
	case ModeOIDC:
		if strings.TrimSpace(c.OIDCIssuerURL) == "" {
			return errors.New("auth.oidc_issuer_url is required when auth.mode=oidc")
		}
		if strings.TrimSpace(c.OIDCClientID) == "" {
			return errors.New("auth.oidc_client_id is required when auth.mode=oidc")
		}
	case ModeDev:
		if strings.TrimSpace(c.DevSubject) == "" {
			return errors.New("auth.dev_subject is required when auth.mode=dev")
		}
		if len(normalizeRoles(c.DevRoles)) == 0 {
			return errors.New("auth.dev_roles must be non-empty when auth.mode=dev")
		}
	}
	return nil
}

// New builds the Authenticator for cfg.Mode.
func New(ctx context.Context, cfg Config) (Authenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch Mode(strings.ToLower(string(cfg.Mode))) {
	case ModeOIDC:
		return NewOIDCAuthenticator(ctx, cfg)
	case ModeDev:
		return NewDevAuthenticator(cfg), nil
	default:
		return DisabledAuthenticator{}, nil
	}
}

func normalizeRoles(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			item := strings.ToLower(strings.TrimSpace(part))
			if item == "" {
				continue
			}
			if _, ok := seen[item]; ok {
				continue
			}
			seen[item] = struct{}{}
			out = append(out, item)
		}
	}
	return out
}
