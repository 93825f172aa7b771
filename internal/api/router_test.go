package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/group-allocator/group-registry/internal/auth"
	"github.com/group-allocator/group-registry/internal/config"
	"github.com/group-allocator/group-registry/internal/db/models"
	"github.com/group-allocator/group-registry/internal/db/repositories"
	"github.com/group-allocator/group-registry/internal/documents"
	"github.com/group-allocator/group-registry/internal/kvstore/memory"
	"github.com/group-allocator/group-registry/internal/middleware"
	"github.com/group-allocator/group-registry/internal/registry"
	"github.com/group-allocator/group-registry/internal/storage/local"
)

const owner = "OwnerA"

func init() {
	gin.SetMode(gin.TestMode)
}

// ---------------------------------------------------------------------------
// test doubles
// ---------------------------------------------------------------------------

type stubResolver map[string]string

func (s stubResolver) Resolve(_ context.Context, token string) (*auth.Identity, error) {
	p, ok := s[token]
	if !ok {
		return nil, auth.ErrInvalidCredentials
	}
	return &auth.Identity{Principal: p, Method: auth.MethodJWT}, nil
}

var tokens = stubResolver{
	"owner-token": owner,
	"other-token": "Mallory",
}

// flakyStore lets a test take the store offline.
type flakyStore struct {
	*memory.Store
	down atomic.Bool
}

func (s *flakyStore) Ping(ctx context.Context) error {
	if s.down.Load() {
		return errors.New("connection refused")
	}
	return s.Store.Ping(ctx)
}

type emptyLister struct{}

func (emptyLister) ListAuditEvents(context.Context, repositories.AuditFilters, int, int) ([]*models.AuditEvent, int, error) {
	return []*models.AuditEvent{}, 0, nil
}

func (emptyLister) GetAuditEvent(context.Context, string) (*models.AuditEvent, error) {
	return nil, nil
}

type routerEnv struct {
	router *gin.Engine
	bg     *BackgroundServices
	store  *flakyStore
}

func newRouterEnv(t *testing.T, cfg *config.Config, withDocs bool, lister bool) *routerEnv {
	t.Helper()
	store := &flakyStore{Store: memory.New()}
	reg, err := registry.New(context.Background(), store, owner)
	require.NoError(t, err)

	deps := Dependencies{Registry: reg, Resolver: tokens}
	if withDocs {
		st, err := local.New(&config.LocalStorageConfig{BasePath: t.TempDir()})
		require.NoError(t, err)
		deps.Documents, err = documents.NewService(st, config.DocumentsConfig{MaxSizeBytes: 1024})
		require.NoError(t, err)
		cfg.Documents.MaxSizeBytes = 1024
	}
	if lister {
		deps.AuditEvents = emptyLister{}
	}

	router, bg, err := NewRouter(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(bg.Shutdown)
	return &routerEnv{router: router, bg: bg, store: store}
}

func (e *routerEnv) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func baseConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Security.CORS.AllowedOrigins = []string{"https://allocator.example"}
	return cfg
}

// ---------------------------------------------------------------------------
// health, readiness and version
// ---------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	env := newRouterEnv(t, baseConfig(), false, false)

	w := env.do(http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)

	env.store.down.Store(true)
	w = env.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "store unreachable")
}

func TestReady(t *testing.T) {
	env := newRouterEnv(t, baseConfig(), true, false)

	w := env.do(http.MethodGet, "/ready", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Ready  bool              `json:"ready"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Ready)
	assert.Equal(t, map[string]string{"store": "healthy", "documents": "healthy"}, body.Checks)

	env.store.down.Store(true)
	w = env.do(http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestVersion(t *testing.T) {
	old := Version
	Version = "1.2.3"
	t.Cleanup(func() { Version = old })

	env := newRouterEnv(t, baseConfig(), false, false)
	w := env.do(http.MethodGet, "/version", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"version":"1.2.3","api_version":"v1"}`, w.Body.String())
}

// ---------------------------------------------------------------------------
// route wiring
// ---------------------------------------------------------------------------

func TestRoutes_Authentication(t *testing.T) {
	env := newRouterEnv(t, baseConfig(), true, false)

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		body       string
		wantStatus int
	}{
		{"anonymous create", http.MethodPost, "/api/v1/groups", "", `{"group_id":1,"members":["a"],"metadata_hash":"h"}`, http.StatusCreated},
		{"create with invalid token", http.MethodPost, "/api/v1/groups", "forged", `{"group_id":2,"members":["a"],"metadata_hash":"h"}`, http.StatusUnauthorized},
		{"contract create by other caller", http.MethodPost, "/api/v1/contract/create_group", "other-token", `{"group_id":3,"members":["a"],"metadata_hash":"h"}`, http.StatusCreated},
		{"anonymous read", http.MethodGet, "/api/v1/groups/1", "", "", http.StatusOK},
		{"anonymous stats", http.MethodGet, "/api/v1/stats", "", "", http.StatusOK},
		{"anonymous update", http.MethodPut, "/api/v1/groups/1/metadata", "", `{"metadata_hash":"x"}`, http.StatusUnauthorized},
		{"non-owner update", http.MethodPut, "/api/v1/groups/1/metadata", "other-token", `{"metadata_hash":"x"}`, http.StatusForbidden},
		{"owner update", http.MethodPut, "/api/v1/groups/1/metadata", "owner-token", `{"metadata_hash":"x"}`, http.StatusOK},
		{"owner contract update", http.MethodPost, "/api/v1/contract/update_metadata", "owner-token", `{"group_id":1,"metadata_hash":"y"}`, http.StatusOK},
		{"anonymous upload", http.MethodPost, "/api/v1/groups/1/documents", "", "doc", http.StatusUnauthorized},
		{"document lookup", http.MethodGet, "/api/v1/documents/" + strings.Repeat("a", 64), "", "", http.StatusNotFound},
		{"audit not mounted", http.MethodGet, "/api/v1/audit", "owner-token", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestRoutes_DocumentsDisabled(t *testing.T) {
	env := newRouterEnv(t, baseConfig(), false, false)

	w := env.do(http.MethodGet, "/api/v1/documents/"+strings.Repeat("a", 64), "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotContains(t, w.Body.String(), "document not found")
}

func TestRoutes_AuditOwnerOnly(t *testing.T) {
	env := newRouterEnv(t, baseConfig(), false, true)

	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/api/v1/audit", "", "").Code)
	assert.Equal(t, http.StatusForbidden, env.do(http.MethodGet, "/api/v1/audit", "other-token", "").Code)

	w := env.do(http.MethodGet, "/api/v1/audit", "owner-token", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"events":[]`)
}

func TestRoutes_RateLimit(t *testing.T) {
	cfg := baseConfig()
	cfg.Security.RateLimiting = config.RateLimitingConfig{Enabled: true, Backend: "memory", RequestsPerMinute: 1, Burst: 1}
	env := newRouterEnv(t, cfg, false, false)

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/v1/stats", "", "").Code)
	w := env.do(http.MethodGet, "/api/v1/stats", "", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// probes are not rate limited
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/health", "", "").Code)
}

func TestNewRouter_RedisLimiterNeedsClient(t *testing.T) {
	cfg := baseConfig()
	cfg.Security.RateLimiting = config.RateLimitingConfig{Enabled: true, Backend: "redis", RequestsPerMinute: 10}
	reg, err := registry.New(context.Background(), memory.New(), owner)
	require.NoError(t, err)

	_, _, err = NewRouter(cfg, Dependencies{Registry: reg, Resolver: tokens})
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// middleware chain
// ---------------------------------------------------------------------------

func TestCORS(t *testing.T) {
	env := newRouterEnv(t, baseConfig(), false, false)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/groups", nil)
	req.Header.Set("Origin", "https://allocator.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://allocator.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, PUT, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")

	req = httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_Wildcard(t *testing.T) {
	cfg := baseConfig()
	cfg.Security.CORS.AllowedOrigins = []string{"*"}
	cfg.Security.CORS.AllowedMethods = []string{"GET"}
	env := newRouterEnv(t, cfg, false, false)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Empty(t, w.Header().Get("Vary"))
}

func TestMiddlewareChain_Headers(t *testing.T) {
	env := newRouterEnv(t, baseConfig(), false, false)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, "req-123", w.Header().Get(middleware.RequestIDHeader))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
}

func TestBackgroundServices_ShutdownIdempotent(t *testing.T) {
	cfg := baseConfig()
	cfg.Security.RateLimiting = config.RateLimitingConfig{Enabled: true, Backend: "memory", RequestsPerMinute: 60}
	env := newRouterEnv(t, cfg, false, false)

	env.bg.Shutdown()
	// t.Cleanup calls Shutdown again
}
