package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/group-allocator/group-registry/internal/auth"
)

type stubResolver map[string]auth.Identity

func (s stubResolver) Resolve(_ context.Context, token string) (*auth.Identity, error) {
	id, ok := s[token]
	if !ok {
		return nil, auth.ErrInvalidCredentials
	}
	return &id, nil
}

func newIdentityRouter(mw gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw)
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"principal": Principal(c),
			"method":    c.GetString(AuthMethodKey),
		})
	})
	return r
}

func doIdentity(r *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// RequireIdentity / OptionalIdentity
// ---------------------------------------------------------------------------

func TestIdentityMiddleware(t *testing.T) {
	resolver := stubResolver{"good": {Principal: "OwnerA", Method: auth.MethodAPIKey}}

	tests := []struct {
		name       string
		required   bool
		header     string
		wantStatus int
		wantBody   string
	}{
		{"required, missing header", true, "", http.StatusUnauthorized, ""},
		{"required, wrong scheme", true, "Basic abc", http.StatusUnauthorized, ""},
		{"required, empty bearer", true, "Bearer   ", http.StatusUnauthorized, ""},
		{"required, unknown token", true, "Bearer nope", http.StatusUnauthorized, ""},
		{"required, valid token", true, "Bearer good", http.StatusOK, `{"method":"api_key","principal":"OwnerA"}`},
		{"required, lowercase scheme", true, "bearer good", http.StatusOK, `{"method":"api_key","principal":"OwnerA"}`},
		{"optional, missing header", false, "", http.StatusOK, `{"method":"","principal":""}`},
		{"optional, unknown token", false, "Bearer nope", http.StatusUnauthorized, ""},
		{"optional, valid token", false, "Bearer good", http.StatusOK, `{"method":"api_key","principal":"OwnerA"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := OptionalIdentity(resolver)
			if tt.required {
				mw = RequireIdentity(resolver)
			}
			w := doIdentity(newIdentityRouter(mw), tt.header)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantBody != "" && w.Body.String() != tt.wantBody {
				t.Errorf("body = %s, want %s", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestRequireIdentity_WithJWTResolver(t *testing.T) {
	token, err := auth.GenerateJWT("OwnerA", "group-registry", time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}
	resolver := &auth.Resolver{Issuer: "group-registry", JWT: true}

	w := doIdentity(newIdentityRouter(RequireIdentity(resolver)), "Bearer "+token)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if want := `{"method":"jwt","principal":"OwnerA"}`; w.Body.String() != want {
		t.Errorf("body = %s, want %s", w.Body.String(), want)
	}
}
