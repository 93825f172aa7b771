// Package oidc verifies OpenID Connect ID tokens presented as bearer
// credentials and maps them to registry principals.
package oidc

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/group-allocator/group-registry/internal/config"
)

// Verifier checks ID tokens from one issuer for one client id.
type Verifier struct {
	verifier       *oidc.IDTokenVerifier
	principalClaim string
}

// NewVerifier runs OIDC discovery against cfg.IssuerURL.
func NewVerifier(ctx context.Context, cfg *config.OIDCConfig) (*Verifier, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("OIDC is not enabled")
	}
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("OIDC issuer URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("OIDC client ID is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}
	return &Verifier{
		verifier:       provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		principalClaim: claimOrDefault(cfg.PrincipalClaim),
	}, nil
}

// NewVerifierWithKeySet skips discovery and trusts keys directly.
func NewVerifierWithKeySet(issuer, clientID, principalClaim string, keys oidc.KeySet) *Verifier {
	return &Verifier{
		verifier:       oidc.NewVerifier(issuer, keys, &oidc.Config{ClientID: clientID}),
		principalClaim: claimOrDefault(principalClaim),
	}
}

func claimOrDefault(c string) string {
	if c == "" {
		return "sub"
	}
	return c
}

// Principal verifies rawIDToken and returns the configured claim.
func (v *Verifier) Principal(ctx context.Context, rawIDToken string) (string, error) {
	idToken, err := v.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return "", fmt.Errorf("failed to verify ID token: %w", err)
	}
	if v.principalClaim == "sub" {
		return idToken.Subject, nil
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return "", fmt.Errorf("failed to parse ID token claims: %w", err)
	}
	s, ok := claims[v.principalClaim].(string)
	if !ok || s == "" {
		return "", errors.New("ID token has no " + v.principalClaim + " claim")
	}
	return s, nil
}
