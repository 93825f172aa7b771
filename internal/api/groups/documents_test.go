package groups

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/group-allocator/group-registry/internal/audit"
	"github.com/group-allocator/group-registry/internal/config"
	"github.com/group-allocator/group-registry/internal/documents"
	"github.com/group-allocator/group-registry/internal/kvstore/memory"
	"github.com/group-allocator/group-registry/internal/middleware"
	"github.com/group-allocator/group-registry/internal/registry"
	"github.com/group-allocator/group-registry/internal/storage/local"
)

const helloSHA = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

type docEnv struct {
	reg    *registry.Registry
	router *gin.Engine
	audit  *captureShipper
}

func newDocEnv(t *testing.T, cfg config.DocumentsConfig) *docEnv {
	t.Helper()
	ctx := context.Background()

	reg, err := registry.New(ctx, memory.New(), owner)
	require.NoError(t, err)
	require.NoError(t, reg.CreateGroup(ctx, 1, registry.JoinMembers("a", "b"), registry.MetadataHashFromString("initial")))

	store, err := local.New(&config.LocalStorageConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	if cfg.MaxSizeBytes == 0 {
		cfg.MaxSizeBytes = 1024
	}
	svc, err := documents.NewService(store, cfg)
	require.NoError(t, err)

	ship := &captureShipper{}
	h := NewDocumentHandler(reg, svc, cfg.MaxSizeBytes)

	r := gin.New()
	v1 := r.Group("/api/v1", asPrincipal(), middleware.AuditMiddleware(audit.NewRecorder(ship, true)))
	v1.POST("/groups/:id/documents", h.UploadHandler())
	v1.GET("/documents/:ref", h.GetHandler())

	return &docEnv{reg: reg, router: r, audit: ship}
}

func (e *docEnv) serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func rawUpload(url, principal string, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	if principal != "" {
		req.Header.Set("X-Test-Principal", principal)
	}
	return req
}

func multipartUpload(t *testing.T, url string, doc, sig []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("document", "group.json")
	require.NoError(t, err)
	_, err = fw.Write(doc)
	require.NoError(t, err)
	if sig != nil {
		sw, err := mw.CreateFormFile("signature", "group.json.asc")
		require.NoError(t, err)
		_, err = sw.Write(sig)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, url, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Test-Principal", owner)
	return req
}

// signingKey writes the armored public half of a fresh OpenPGP entity and
// returns its path together with the entity.
func signingKey(t *testing.T) (string, *openpgp.Entity) {
	t.Helper()
	entity, err := openpgp.NewEntity("Owner", "", "owner@example.com", nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.Serialize(w))
	require.NoError(t, w.Close())

	path := filepath.Join(t.TempDir(), "owner.asc")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0600))
	return path, entity
}

func detachSign(t *testing.T, entity *openpgp.Entity, data []byte) []byte {
	t.Helper()
	var sig bytes.Buffer
	require.NoError(t, openpgp.ArmoredDetachSign(&sig, entity, bytes.NewReader(data), nil))
	return sig.Bytes()
}

func TestUpload_RawBody(t *testing.T) {
	env := newDocEnv(t, config.DocumentsConfig{})

	w := env.serve(rawUpload("/api/v1/groups/1/documents", owner, []byte("hello")))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var body struct {
		GroupID      uint64              `json:"group_id"`
		MetadataHash string              `json:"metadata_hash"`
		Document     *documents.Document `json:"document"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body.GroupID)
	assert.Equal(t, helloSHA, body.MetadataHash)
	require.NotNil(t, body.Document)
	assert.NotEmpty(t, body.Document.CID)

	hash, err := env.reg.Metadata(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, helloSHA, hash.String())

	assert.Eventually(t, func() bool {
		for _, a := range env.audit.actions() {
			if a == audit.ActionDocumentUploaded {
				return true
			}
		}
		return false
	}, testWait, testTick)
}

func TestUpload_Rejections(t *testing.T) {
	env := newDocEnv(t, config.DocumentsConfig{MaxSizeBytes: 16})

	tests := []struct {
		name       string
		req        *http.Request
		wantStatus int
	}{
		{"non-owner", rawUpload("/api/v1/groups/1/documents", "Mallory", []byte("hello")), http.StatusForbidden},
		{"anonymous", rawUpload("/api/v1/groups/1/documents", "", []byte("hello")), http.StatusForbidden},
		{"missing group", rawUpload("/api/v1/groups/2/documents", owner, []byte("hello")), http.StatusNotFound},
		{"bad group id", rawUpload("/api/v1/groups/x/documents", owner, []byte("hello")), http.StatusBadRequest},
		{"empty", rawUpload("/api/v1/groups/1/documents", owner, nil), http.StatusBadRequest},
		{"too large", rawUpload("/api/v1/groups/1/documents", owner, bytes.Repeat([]byte("x"), 64)), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.serve(tt.req)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())

			hash, err := env.reg.Metadata(context.Background(), 1)
			require.NoError(t, err)
			assert.Equal(t, "initial", hash.String())
		})
	}
}

func TestUpload_BadSignatureHeader(t *testing.T) {
	env := newDocEnv(t, config.DocumentsConfig{})

	req := rawUpload("/api/v1/groups/1/documents", owner, []byte("hello"))
	req.Header.Set(SignatureHeader, "%%%not-base64")
	w := env.serve(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpload_SignatureRequired(t *testing.T) {
	keyPath, entity := signingKey(t)
	env := newDocEnv(t, config.DocumentsConfig{RequireSignature: true, SigningKeyFiles: []string{keyPath}})
	doc := []byte(`{"name":"team blue"}`)

	w := env.serve(rawUpload("/api/v1/groups/1/documents", owner, doc))
	assert.Equal(t, http.StatusBadRequest, w.Code, "unsigned upload")

	w = env.serve(multipartUpload(t, "/api/v1/groups/1/documents", doc, detachSign(t, entity, []byte("other"))))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "signature over other content")

	w = env.serve(multipartUpload(t, "/api/v1/groups/1/documents", doc, detachSign(t, entity, doc)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	stored := body["document"].(map[string]interface{})
	assert.NotEmpty(t, stored["signer"])
}

func TestUpload_SignatureHeader(t *testing.T) {
	keyPath, entity := signingKey(t)
	env := newDocEnv(t, config.DocumentsConfig{SigningKeyFiles: []string{keyPath}})
	doc := []byte("hello")

	req := rawUpload("/api/v1/groups/1/documents", owner, doc)
	req.Header.Set(SignatureHeader, base64.StdEncoding.EncodeToString(detachSign(t, entity, doc)))
	w := env.serve(req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.serve(httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+helloSHA, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Document-Signer"))
}

func TestGetDocument(t *testing.T) {
	env := newDocEnv(t, config.DocumentsConfig{})
	w := env.serve(rawUpload("/api/v1/groups/1/documents", owner, []byte("hello")))
	require.Equal(t, http.StatusCreated, w.Code)

	var body struct {
		Document documents.Document `json:"document"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	for _, ref := range []string{helloSHA, strings.ToUpper(helloSHA), body.Document.CID} {
		w := env.serve(httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+ref, nil))
		require.Equal(t, http.StatusOK, w.Code, ref)
		assert.Equal(t, "hello", w.Body.String())
		assert.Equal(t, `"`+helloSHA+`"`, w.Header().Get("ETag"))
		assert.Equal(t, helloSHA, w.Header().Get("X-Content-SHA256"))
		assert.Equal(t, body.Document.CID, w.Header().Get("X-Content-CID"))
		assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
	}

	missing := strings.Repeat("0", 64)
	assert.Equal(t, http.StatusNotFound, env.serve(httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+missing, nil)).Code)
	assert.Equal(t, http.StatusBadRequest, env.serve(httptest.NewRequest(http.MethodGet, "/api/v1/documents/not-a-ref", nil)).Code)
}
