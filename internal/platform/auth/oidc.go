package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/zonepilot-labs/zonepilot-go/internal/platform/env"
)

type OIDCConfig struct {
	IssuerURL  string
	ClientID   string
	RolesClaim string
	EmailClaim string
}

func OIDCConfigFromEnv() (OIDCConfig, error) {
	cfg := OIDCConfig{
		IssuerURL:  env.String("ZONEPILOT_OIDC_ISSUER_URL", ""),
		ClientID:   env.String("ZONEPILOT_OIDC_CLIENT_ID", ""),
		RolesClaim: env.String("ZONEPILOT_OIDC_ROLES_CLAIM", "roles"),
		EmailClaim: env.String("ZONEPILOT_OIDC_EMAIL_CLAIM", "email"),
	}
	if err := cfg.Validate(); err != nil {
		return OIDCConfig{}, err
	}
	return cfg, nil
}

func (c OIDCConfig) Validate() error {
	if strings.TrimSpace(c.IssuerURL) == "" {
		return errors.New("ZONEPILOT_OIDC_ISSUER_URL is required")
	}
	if strings.TrimSpace(c.ClientID) == "" {
		return errors.New("ZONEPILOT_OIDC_CLIENT_ID is required")
	}
	if strings.TrimSpace(c.RolesClaim) == "" {
		return errors.New("ZONEPILOT_OIDC_ROLES_CLAIM is required")
	}
	if strings.TrimSpace(c.EmailClaim) == "" {
		return errors.New("ZONEPILOT_OIDC_EMAIL_CLAIM is required")
	}
	return nil
}

// OIDCAuthenticator verifies bearer ID tokens against the configured
// issuer. Approvals and other human actions come in through this path.
type OIDCAuthenticator struct {
	cfg      OIDCConfig
	verifier *oidc.IDTokenVerifier
}

func NewOIDCAuthenticator(ctx context.Context, cfg OIDCConfig) (*OIDCAuthenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	return &OIDCAuthenticator{
		cfg:      cfg,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

func (a *OIDCAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	rawToken := tokenFromHeader(r)
	if rawToken == "" {
		return Identity{}, ErrUnauthenticated
	}

	idToken, err := a.verifier.Verify(ctx, rawToken)
	if err != nil {
		return Identity{}, err
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, err
	}

	subject, _ := claims["sub"].(string)
	email := extractStringClaim(claims, a.cfg.EmailClaim)
	roles := extractRolesClaim(claims, a.cfg.RolesClaim)

	return Identity{
		Subject: subject,
		Email:   email,
		Roles:   roles,
	}, nil
}

func tokenFromHeader(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func extractStringClaim(claims map[string]any, name string) string {
	v, _ := claims[name].(string)
	return strings.TrimSpace(v)
}

func extractRolesClaim(claims map[string]any, name string) []string {
	switch v := claims[name].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.ToLower(strings.TrimSpace(s)))
			}
		}
		return out
	case string:
		return parseCSV(v)
	default:
		return nil
	}
}
