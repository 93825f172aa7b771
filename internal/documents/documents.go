// Package documents stores group metadata documents by content address. A
// document's SHA-256 hex digest is the value recorded as a group's metadata
// hash, so anyone holding the hash can fetch and check the document.
package documents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/group-allocator/group-registry/internal/config"
	"github.com/group-allocator/group-registry/internal/storage"
	"github.com/group-allocator/group-registry/internal/telemetry"
	"github.com/group-allocator/group-registry/internal/validation"
	"github.com/group-allocator/group-registry/pkg/checksum"
)

const (
	keyPrefix = "documents/"

	metaCID    = "cid"
	metaSigner = "signer"
)

var (
	ErrEmpty             = errors.New("document is empty")
	ErrTooLarge          = errors.New("document exceeds maximum size")
	ErrSignatureRequired = errors.New("document signature is required")
	ErrNotFound          = errors.New("document not found")
	ErrInvalidRef        = errors.New("invalid document reference")
)

// Document describes a stored metadata document.
type Document struct {
	SHA256      string    `json:"sha256"`
	CID         string    `json:"cid"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	Signer      string    `json:"signer,omitempty"`
	StoredAt    time.Time `json:"stored_at"`
}

// Service validates and stores documents in a storage backend.
type Service struct {
	store            storage.Storage
	maxSize          int64
	requireSignature bool
	verifier         *validation.SignatureVerifier
}

// NewService loads the configured signing keys and binds to store.
func NewService(store storage.Storage, cfg config.DocumentsConfig) (*Service, error) {
	verifier, err := validation.LoadSignatureVerifier(cfg.SigningKeyFiles)
	if err != nil {
		return nil, err
	}
	if cfg.RequireSignature && verifier.KeyCount() == 0 {
		return nil, errors.New("documents.require_signature is set but no signing keys are configured")
	}
	return &Service{
		store:            store,
		maxSize:          cfg.MaxSizeBytes,
		requireSignature: cfg.RequireSignature,
		verifier:         verifier,
	}, nil
}

// Backend names the storage backend.
func (s *Service) Backend() string { return s.store.Name() }

// Put validates data, checks signature when present (or required), and
// stores the document under its digest. Storing identical content twice is
// harmless.
func (s *Service) Put(ctx context.Context, data, signature []byte, contentType string) (*Document, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	if s.maxSize > 0 && int64(len(data)) > s.maxSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d bytes)", ErrTooLarge, len(data), s.maxSize)
	}
	if len(signature) == 0 && s.requireSignature {
		return nil, ErrSignatureRequired
	}

	var signer *validation.Signer
	if len(signature) > 0 {
		var err error
		if signer, err = s.verifier.Verify(data, signature); err != nil {
			return nil, err
		}
	}

	digest, err := checksum.Sum(data)
	if err != nil {
		return nil, err
	}

	meta := map[string]string{metaCID: digest.CID}
	if signer != nil {
		meta[metaSigner] = signer.Fingerprint
	}
	obj, err := s.store.Put(ctx, keyPrefix+digest.SHA256, data, storage.PutOptions{
		ContentType: contentType,
		Metadata:    meta,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store document: %w", err)
	}

	telemetry.DocumentsUploadedTotal.WithLabelValues(s.store.Name(), strconv.FormatBool(signer != nil)).Inc()
	slog.InfoContext(ctx, "document stored",
		"sha256", digest.SHA256,
		"size", obj.Size,
		"backend", s.store.Name(),
		"signed", signer != nil,
	)
	return toDocument(obj, digest), nil
}

// Get fetches a document by SHA-256 hex digest or CID.
func (s *Service) Get(ctx context.Context, ref string) ([]byte, *Document, error) {
	sum, err := checksum.Normalize(ref)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}

	data, obj, err := s.store.Get(ctx, keyPrefix+sum)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("%s: %w", sum, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read document: %w", err)
	}

	digest, err := checksum.Sum(data)
	if err != nil {
		return nil, nil, err
	}
	if digest.SHA256 != sum {
		return nil, nil, fmt.Errorf("document %s is corrupt: content hashes to %s", sum, digest.SHA256)
	}
	return data, toDocument(obj, digest), nil
}

// Ping checks that the storage backend answers. A missing probe object is
// a healthy answer.
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.store.Stat(ctx, keyPrefix+".probe")
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

func toDocument(obj *storage.Object, digest checksum.Digest) *Document {
	d := &Document{
		SHA256:      digest.SHA256,
		CID:         digest.CID,
		Size:        obj.Size,
		ContentType: obj.ContentType,
		StoredAt:    obj.LastModified,
	}
	if obj.Metadata != nil {
		d.Signer = obj.Metadata[metaSigner]
	}
	return d
}
