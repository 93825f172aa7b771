package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/group-allocator/group-registry/internal/config"
)

// cheapHash keeps bcrypt fast in tests.
func cheapHash(t *testing.T, key string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(h)
}

func newTestKeyring(t *testing.T) *Keyring {
	t.Helper()
	k, err := NewKeyring("grp_", 8)
	if err != nil {
		t.Fatal(err)
	}
	k.Replace([]config.KeyringEntry{
		{Principal: "OwnerA", Hash: cheapHash(t, "grp_owner_secret"), Prefix: "grp_owner"},
		{Principal: "Bob", Hash: cheapHash(t, "grp_bob_secret")},
	})
	return k
}

func TestKeyring_Lookup(t *testing.T) {
	k := newTestKeyring(t)

	if p, ok := k.Lookup("grp_owner_secret"); !ok || p != "OwnerA" {
		t.Errorf("Lookup(owner) = %q, %v", p, ok)
	}
	if p, ok := k.Lookup("grp_bob_secret"); !ok || p != "Bob" {
		t.Errorf("Lookup(bob) = %q, %v", p, ok)
	}
	if _, ok := k.Lookup("grp_nobody"); ok {
		t.Error("Lookup(unknown) succeeded")
	}
	if k.Len() != 2 {
		t.Errorf("Len() = %d, want 2", k.Len())
	}
}

func TestKeyring_ReplaceRevokesCachedKeys(t *testing.T) {
	k := newTestKeyring(t)
	if _, ok := k.Lookup("grp_bob_secret"); !ok {
		t.Fatal("initial lookup failed")
	}
	if k.cache.Len() == 0 {
		t.Fatal("successful lookup was not cached")
	}

	k.Replace([]config.KeyringEntry{{Principal: "OwnerA", Hash: cheapHash(t, "grp_owner_secret")}})
	if _, ok := k.Lookup("grp_bob_secret"); ok {
		t.Error("Lookup() still accepts a removed key")
	}
}

func TestKeyring_Owns(t *testing.T) {
	k := newTestKeyring(t)
	if !k.Owns("grp_abc") || k.Owns("eyJ.a.b") {
		t.Error("Owns() does not follow the prefix")
	}
}

type stubOIDC struct {
	principal string
	err       error
}

func (s stubOIDC) Principal(context.Context, string) (string, error) { return s.principal, s.err }

func TestResolver(t *testing.T) {
	resetJWTSecret()
	k := newTestKeyring(t)
	jwtToken, err := GenerateJWT("OwnerA", "group-registry", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	r := &Resolver{Issuer: "group-registry", JWT: true, OIDC: stubOIDC{principal: "carol@example.com"}, Keyring: k}

	tests := []struct {
		name       string
		token      string
		wantPrin   string
		wantMethod string
	}{
		{"api key", "grp_bob_secret", "Bob", MethodAPIKey},
		{"service jwt", jwtToken, "OwnerA", MethodJWT},
		{"oidc fallback", "aaa.bbb.ccc", "carol@example.com", MethodOIDC},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := r.Resolve(ctx, tt.token)
			if err != nil {
				t.Fatalf("Resolve() error: %v", err)
			}
			if id.Principal != tt.wantPrin || id.Method != tt.wantMethod {
				t.Errorf("Resolve() = %+v, want %s via %s", id, tt.wantPrin, tt.wantMethod)
			}
		})
	}

	t.Run("unknown api key does not fall through", func(t *testing.T) {
		if _, err := r.Resolve(ctx, "grp_wrong"); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("Resolve() error = %v, want ErrInvalidCredentials", err)
		}
	})

	t.Run("opaque token", func(t *testing.T) {
		if _, err := r.Resolve(ctx, "something"); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("Resolve() error = %v, want ErrInvalidCredentials", err)
		}
	})

	t.Run("oidc principal is namespaced", func(t *testing.T) {
		r := &Resolver{Issuer: "group-registry", JWT: true, OIDC: stubOIDC{principal: "OwnerA"}, OIDCPrefix: "oidc:"}
		id, err := r.Resolve(ctx, "aaa.bbb.ccc")
		if err != nil {
			t.Fatalf("Resolve() error: %v", err)
		}
		if id.Principal != "oidc:OwnerA" {
			t.Errorf("Resolve() principal = %q, want oidc:OwnerA", id.Principal)
		}

		id, err = r.Resolve(ctx, jwtToken)
		if err != nil {
			t.Fatalf("Resolve() error: %v", err)
		}
		if id.Principal != "OwnerA" {
			t.Errorf("Resolve() principal = %q, want OwnerA", id.Principal)
		}
	})

	t.Run("oidc rejects", func(t *testing.T) {
		r := &Resolver{OIDC: stubOIDC{err: errors.New("bad")}}
		if _, err := r.Resolve(ctx, "aaa.bbb.ccc"); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("Resolve() error = %v, want ErrInvalidCredentials", err)
		}
	})
}
