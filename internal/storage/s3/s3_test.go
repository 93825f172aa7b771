package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	appconfig "github.com/group-allocator/group-registry/internal/config"
	"github.com/group-allocator/group-registry/internal/storage"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  appconfig.S3StorageConfig
	}{
		{"missing bucket", appconfig.S3StorageConfig{Region: "us-east-1"}},
		{"missing region", appconfig.S3StorageConfig{Bucket: "b"}},
		{"static without keys", appconfig.S3StorageConfig{Bucket: "b", Region: "us-east-1", AuthMethod: "static"}},
		{"unsupported auth", appconfig.S3StorageConfig{Bucket: "b", Region: "us-east-1", AuthMethod: "kerberos"}},
		{"oidc without role", appconfig.S3StorageConfig{Bucket: "b", Region: "us-east-1", AuthMethod: "oidc"}},
		{"oidc without token file", appconfig.S3StorageConfig{
			Bucket: "b", Region: "us-east-1", AuthMethod: "oidc", RoleARN: "arn:aws:iam::123456789:role/r",
		}},
		{"assume_role without role", appconfig.S3StorageConfig{Bucket: "b", Region: "us-east-1", AuthMethod: "assume_role"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(&tt.cfg); err == nil {
				t.Error("New() = nil error, want error")
			}
		})
	}
}

type s3Object struct {
	data        []byte
	contentType string
	meta        map[string]string
}

// newS3TestStorage points an S3Storage at a path-style fake that implements
// PUT, GET, HEAD and DELETE on objects.
func newS3TestStorage(t *testing.T) *S3Storage {
	t.Helper()

	var mu sync.Mutex
	objects := map[string]*s3Object{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		idx := strings.IndexByte(path, '/')
		if idx < 0 {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		key := path[idx+1:]

		mu.Lock()
		defer mu.Unlock()

		writeHeaders := func(o *s3Object) {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(o.data)))
			w.Header().Set("Content-Type", o.contentType)
			w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
			w.Header().Set("ETag", `"etag"`)
			for k, v := range o.meta {
				w.Header().Set("x-amz-meta-"+k, v)
			}
		}

		switch r.Method {
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			o := &s3Object{data: data, contentType: r.Header.Get("Content-Type"), meta: map[string]string{}}
			for hk, hv := range r.Header {
				lk := strings.ToLower(hk)
				if strings.HasPrefix(lk, "x-amz-meta-") && len(hv) > 0 {
					o.meta[strings.TrimPrefix(lk, "x-amz-meta-")] = hv[0]
				}
			}
			objects[key] = o
			w.Header().Set("ETag", `"etag"`)
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			o, ok := objects[key]
			if !ok {
				w.Header().Set("Content-Type", "application/xml")
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
				return
			}
			writeHeaders(o)
			w.WriteHeader(http.StatusOK)
			w.Write(o.data)
		case http.MethodHead:
			o, ok := objects[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeHeaders(o)
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			delete(objects, key)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)

	s, err := New(&appconfig.S3StorageConfig{
		Bucket:          "test-bucket",
		Region:          "us-east-1",
		AuthMethod:      "static",
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
		Endpoint:        srv.URL,
	})
	if err != nil {
		t.Fatalf("New() for mock S3: %v", err)
	}
	return s
}

func TestS3_PutStatDelete(t *testing.T) {
	s := newS3TestStorage(t)
	ctx := context.Background()

	obj, err := s.Put(ctx, "documents/abc", []byte("hello s3"), storage.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"signer": "beef"},
	})
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	st, err := s.Stat(ctx, "documents/abc")
	if err != nil {
		t.Fatalf("Stat() error: %v", err)
	}
	if st.SHA256 != obj.SHA256 {
		t.Errorf("Stat().SHA256 = %q, want %q", st.SHA256, obj.SHA256)
	}
	if st.Metadata["signer"] != "beef" {
		t.Errorf("Stat().Metadata = %v", st.Metadata)
	}
	if st.ContentType != "application/json" {
		t.Errorf("Stat().ContentType = %q", st.ContentType)
	}

	_, got, err := s.Get(ctx, "documents/abc")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.SHA256 != obj.SHA256 {
		t.Errorf("Get().SHA256 = %q, want %q", got.SHA256, obj.SHA256)
	}

	if err := s.Delete(ctx, "documents/abc"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := s.Stat(ctx, "documents/abc"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Stat() after delete = %v, want ErrNotFound", err)
	}
}

func TestS3_GetMissing(t *testing.T) {
	s := newS3TestStorage(t)
	_, _, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}
