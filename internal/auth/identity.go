package auth

import (
	"context"
	"errors"
	"strings"
)

// Credential kinds, reported as auth_method in logs and audit entries.
const (
	MethodJWT    = "jwt"
	MethodOIDC   = "oidc"
	MethodAPIKey = "api_key"
)

// ErrInvalidCredentials is returned when no configured verifier accepts a
// token.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Identity is a resolved caller.
type Identity struct {
	Principal string
	Method    string
}

// PrincipalVerifier turns a raw token into a principal. The OIDC verifier
// implements it.
type PrincipalVerifier interface {
	Principal(ctx context.Context, rawToken string) (string, error)
}

// Resolver tries, in order, a JWT from this service, an OIDC ID token, and
// an API key. Nil verifiers are skipped.
type Resolver struct {
	// Issuer is the iss claim of tokens minted by this service
	Issuer  string
	JWT  bool
	OIDC PrincipalVerifier
	// OIDCPrefix namespaces principals taken from OIDC ID tokens
	OIDCPrefix string
	Keyring    *Keyring
}

// Resolve maps a bearer token to an identity.
func (r *Resolver) Resolve(ctx context.Context, token string) (*Identity, error) {
	if r.Keyring != nil && r.Keyring.Owns(token) {
		if principal, ok := r.Keyring.Lookup(token); ok {
			return &Identity{Principal: principal, Method: MethodAPIKey}, nil
		}
		return nil, ErrInvalidCredentials
	}

	if strings.Count(token, ".") == 2 {
		if r.JWT {
			if claims, err := ValidateJWT(token, r.Issuer); err == nil {
				return &Identity{Principal: claims.Principal, Method: MethodJWT}, nil
			}
		}
		if r.OIDC != nil {
			if principal, err := r.OIDC.Principal(ctx, token); err == nil {
				return &Identity{Principal: r.OIDCPrefix + principal, Method: MethodOIDC}, nil
			}
		}
	}
	return nil, ErrInvalidCredentials
}
