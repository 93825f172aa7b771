package auth

import (
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// resetJWTSecret resets the package-level sync.Once so tests can set a fresh secret.
func resetJWTSecret() {
	jwtSecret = ""
	jwtSecretOnce = sync.Once{}
	jwtSecretErr = nil
}

func TestMain(m *testing.M) {
	os.Setenv(SecretEnv, "test-jwt-secret-that-is-32-chars-!")
	os.Exit(m.Run())
}

func TestValidateJWTSecret(t *testing.T) {
	t.Run("valid secret from env", func(t *testing.T) {
		resetJWTSecret()
		t.Setenv(SecretEnv, "exactly-32-char-secret-for-test!!")
		if err := ValidateJWTSecret(); err != nil {
			t.Errorf("ValidateJWTSecret() unexpected error: %v", err)
		}
	})

	t.Run("production mode requires secret", func(t *testing.T) {
		resetJWTSecret()
		t.Setenv(SecretEnv, "")
		t.Setenv("GRP_DEV_MODE", "")
		t.Setenv("GIN_MODE", "release")
		if err := ValidateJWTSecret(); err == nil {
			t.Error("ValidateJWTSecret() expected error without secret, got nil")
		}
	})

	t.Run("dev mode generates random secret", func(t *testing.T) {
		resetJWTSecret()
		t.Setenv(SecretEnv, "")
		t.Setenv("GRP_DEV_MODE", "true")
		if err := ValidateJWTSecret(); err != nil {
			t.Errorf("ValidateJWTSecret() unexpected error in dev mode: %v", err)
		}
		if GetJWTSecret() == "" {
			t.Error("GetJWTSecret() returned empty string after dev mode init")
		}
	})

	resetJWTSecret()
}

func TestGenerateAndValidateJWT(t *testing.T) {
	resetJWTSecret()

	t.Run("round trip", func(t *testing.T) {
		token, err := GenerateJWT("OwnerA", "group-registry", time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT() error: %v", err)
		}
		claims, err := ValidateJWT(token, "group-registry")
		if err != nil {
			t.Fatalf("ValidateJWT() error: %v", err)
		}
		if claims.Principal != "OwnerA" || claims.Subject != "OwnerA" {
			t.Errorf("claims = %+v, want principal OwnerA", claims)
		}
	})

	t.Run("wrong issuer", func(t *testing.T) {
		token, _ := GenerateJWT("OwnerA", "someone-else", time.Hour)
		if _, err := ValidateJWT(token, "group-registry"); err == nil {
			t.Error("ValidateJWT() expected issuer mismatch error")
		}
	})

	t.Run("expired", func(t *testing.T) {
		token, _ := GenerateJWT("OwnerA", "group-registry", -time.Minute)
		if _, err := ValidateJWT(token, "group-registry"); err == nil {
			t.Error("ValidateJWT() expected error for expired token")
		}
	})

	t.Run("tampered", func(t *testing.T) {
		token, _ := GenerateJWT("OwnerA", "group-registry", time.Hour)
		parts := strings.Split(token, ".")
		forged := parts[0] + "." + parts[1] + ".AAAA"
		if _, err := ValidateJWT(forged, "group-registry"); err == nil {
			t.Error("ValidateJWT() expected error for bad signature")
		}
	})

	t.Run("other signing method rejected", func(t *testing.T) {
		tok := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{Principal: "OwnerA"})
		raw, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := ValidateJWT(raw, ""); err == nil {
			t.Error("ValidateJWT() accepted an unsigned token")
		}
	})

	t.Run("empty principal", func(t *testing.T) {
		if _, err := GenerateJWT("", "group-registry", time.Hour); err == nil {
			t.Error("GenerateJWT() expected error for empty principal")
		}
	})
}
