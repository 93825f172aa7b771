// Package auth - jwt.go issues and verifies the HS256 bearer tokens minted by
// this service. The signing secret is read once from GRP_JWT_SECRET.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SecretEnv names the environment variable holding the JWT signing secret.
const SecretEnv = "GRP_JWT_SECRET"

var (
	jwtSecret     string
	jwtSecretOnce sync.Once
	jwtSecretErr  error
)

// Claims represents the JWT claims structure
type Claims struct {
	Principal string `json:"principal"`
	jwt.RegisteredClaims
}

func isDevMode() bool {
	devMode := os.Getenv("GRP_DEV_MODE")
	return devMode == "true" || devMode == "1" || os.Getenv("GIN_MODE") == "debug"
}

func generateRandomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("dev-fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// ValidateJWTSecret checks that the signing secret is configured. Outside dev
// mode a missing secret is fatal; in dev mode a random one is generated.
// Call this at application startup.
func ValidateJWTSecret() error {
	jwtSecretOnce.Do(func() {
		secret := os.Getenv(SecretEnv)
		if secret == "" {
			if isDevMode() {
				jwtSecret = generateRandomSecret()
				slog.Warn(SecretEnv + " not set; using a generated secret, tokens will not survive a restart")
				return
			}
			jwtSecretErr = errors.New(SecretEnv + " is required outside dev mode; generate one with: openssl rand -hex 32")
			return
		}
		if len(secret) < 32 {
			slog.Warn(SecretEnv+" is shorter than the recommended 32 characters", "length", len(secret))
		}
		jwtSecret = secret
	})
	return jwtSecretErr
}

// GetJWTSecret returns the validated secret and panics if it is unusable.
func GetJWTSecret() string {
	if jwtSecret == "" {
		if err := ValidateJWTSecret(); err != nil {
			panic(err)
		}
	}
	return jwtSecret
}

// GenerateJWT issues a token naming principal.
func GenerateJWT(principal, issuer string, expiresIn time.Duration) (string, error) {
	if principal == "" {
		return "", errors.New("principal is required")
	}
	if expiresIn == 0 {
		expiresIn = time.Hour
	}

	now := time.Now()
	claims := &Claims{
		Principal: principal,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   principal,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(GetJWTSecret()))
}

// ValidateJWT parses and validates a token issued by issuer.
func ValidateJWT(tokenString, issuer string) (*Claims, error) {
	secret := GetJWTSecret()

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Principal == "" {
		claims.Principal = claims.Subject
	}
	if claims.Principal == "" {
		return nil, errors.New("token names no principal")
	}
	return claims, nil
}
