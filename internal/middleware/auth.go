package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/group-allocator/group-registry/internal/auth"
)

// Context keys set by the identity middleware.
const (
	PrincipalKey  = "principal"
	AuthMethodKey = "auth_method"
)

// IdentityResolver maps a bearer token to a caller. *auth.Resolver
// implements it.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (*auth.Identity, error)
}

// RequireIdentity rejects requests that do not carry a valid bearer token
func RequireIdentity(resolver IdentityResolver) gin.HandlerFunc {
	return identity(resolver, true)
}

// OptionalIdentity resolves a bearer token when one is sent. Anonymous
// requests pass through; a token that is present but invalid is still
// rejected so a typo never silently downgrades a caller to anonymous.
func OptionalIdentity(resolver IdentityResolver) gin.HandlerFunc {
	return identity(resolver, false)
}

func identity(resolver IdentityResolver, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" && !required {
			c.Next()
			return
		}

		token, err := auth.ExtractBearerToken(header)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		id, err := resolver.Resolve(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired credentials"})
			return
		}

		c.Set(PrincipalKey, id.Principal)
		c.Set(AuthMethodKey, id.Method)
		c.Next()
	}
}

// Principal returns the caller resolved for this request, or "" when the
// request is anonymous.
func Principal(c *gin.Context) string {
	return c.GetString(PrincipalKey)
}
