// Package auth resolves bearer credentials to registry principals. Three
// credential kinds are accepted: HS256 JWTs minted by this service, OIDC ID
// tokens from a configured issuer, and long-lived API keys listed by bcrypt
// hash in a keyring file.
// See internal/middleware/auth.go for the request-time logic.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyLength is the length of the random part of the API key in bytes
	APIKeyLength = 32

	// DisplayPrefixLength is the number of characters kept as the lookup prefix
	DisplayPrefixLength = 10

	// BcryptCost is the cost factor for bcrypt hashing
	BcryptCost = 12
)

// GenerateAPIKey creates a random key of the form <prefix>_<random>.
// Returns the full key (shown once), its bcrypt hash, and the lookup prefix.
func GenerateAPIKey(prefix string) (key string, hash string, displayPrefix string, err error) {
	randomBytes := make([]byte, APIKeyLength)
	if _, err = rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	fullKey := fmt.Sprintf("%s_%s", strings.TrimSuffix(prefix, "_"), base64.RawURLEncoding.EncodeToString(randomBytes))

	hash, err = HashAPIKey(fullKey)
	if err != nil {
		return "", "", "", err
	}

	displayPrefix = fullKey
	if len(fullKey) > DisplayPrefixLength {
		displayPrefix = fullKey[:DisplayPrefixLength]
	}
	return fullKey, hash, displayPrefix, nil
}

// HashAPIKey bcrypt-hashes key.
func HashAPIKey(key string) (string, error) {
	hashBytes, err := bcrypt.GenerateFromPassword([]byte(key), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hashBytes), nil
}

// ValidateAPIKey checks if a provided key matches the stored hash
func ValidateAPIKey(providedKey, storedHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(providedKey)) == nil
}

// ExtractBearerToken extracts the credential from an Authorization header
// of the form "Bearer <token>".
func ExtractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header is empty")
	}

	const scheme = "Bearer "
	if len(header) < len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
		return "", errors.New("authorization header must start with 'Bearer '")
	}

	token := strings.TrimSpace(header[len(scheme):])
	if token == "" {
		return "", errors.New("bearer token is empty")
	}
	return token, nil
}
