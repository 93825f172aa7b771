// Package storage defines the blob Storage interface used for metadata
// documents, plus the backend registry.
//
// Backends register themselves from init():
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// and cmd/server blank-imports every backend package.
package storage

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/group-allocator/group-registry/pkg/checksum"
)

// ErrNotFound is returned by Get and Stat for missing objects.
var ErrNotFound = errors.New("object not found")

// MetaSHA256 is the object metadata key holding the content SHA-256 hex.
const MetaSHA256 = "sha256"

// Storage is a flat key/blob store. Objects are small enough to hold in
// memory, so the interface deals in byte slices.
type Storage interface {
	// Put writes data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte, opts PutOptions) (*Object, error)

	// Get returns the object's content and attributes.
	Get(ctx context.Context, key string) ([]byte, *Object, error)

	// Stat returns the object's attributes without its content.
	Stat(ctx context.Context, key string) (*Object, error)

	// Delete removes key. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Name is the backend name used in configuration and metrics.
	Name() string
}

// PutOptions carries optional object attributes.
type PutOptions struct {
	ContentType string
	// Metadata keys must be lowercase alphanumerics; Azure rejects anything
	// that is not a valid identifier.
	Metadata map[string]string
}

// Object describes a stored blob.
type Object struct {
	Key          string
	Size         int64
	ContentType  string
	SHA256       string
	Metadata     map[string]string
	LastModified time.Time
}

// Describe builds the Object for data about to be written under key. The
// SHA-256 is also recorded in the returned metadata so backends can persist
// it next to the blob.
func Describe(key string, data []byte, opts PutOptions) (*Object, error) {
	sum, err := checksum.CalculateSHA256(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	meta := make(map[string]string, len(opts.Metadata)+1)
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	meta[MetaSHA256] = sum

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &Object{
		Key:          key,
		Size:         int64(len(data)),
		ContentType:  contentType,
		SHA256:       sum,
		Metadata:     meta,
		LastModified: time.Now().UTC(),
	}, nil
}
