// Package local implements the filesystem storage backend. It suits
// development and single-node deployments; several registry instances would
// need a shared filesystem.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/group-allocator/group-registry/internal/config"
	"github.com/group-allocator/group-registry/internal/storage"
)

const attrsSuffix = ".attrs.json"

func init() {
	storage.Register("local", func(cfg *config.Config) (storage.Storage, error) {
		return New(&cfg.Storage.Local)
	})
}

// LocalStorage stores each object as a file under basePath, with its
// attributes in a JSON sidecar next to it.
type LocalStorage struct {
	basePath string
}

type attrs struct {
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata"`
}

// New creates a new local filesystem storage backend
func New(cfg *config.LocalStorageConfig) (*LocalStorage, error) {
	if cfg.BasePath == "" {
		return nil, errors.New("local storage base_path is required")
	}
	if err := os.MkdirAll(cfg.BasePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStorage{basePath: cfg.BasePath}, nil
}

// Name implements storage.Storage.
func (s *LocalStorage) Name() string { return "local" }

func (s *LocalStorage) fullPath(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.basePath, clean), nil
}

// Put writes the object and its sidecar via temp files and renames, so a
// reader sees either the old or the new content.
func (s *LocalStorage) Put(_ context.Context, key string, data []byte, opts storage.PutOptions) (*storage.Object, error) {
	fullPath, err := s.fullPath(key)
	if err != nil {
		return nil, err
	}
	obj, err := storage.Describe(key, data, opts)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	sidecar, err := json.Marshal(attrs{ContentType: obj.ContentType, Metadata: obj.Metadata})
	if err != nil {
		return nil, fmt.Errorf("failed to encode attributes: %w", err)
	}
	if err := writeAtomic(fullPath+attrsSuffix, sidecar); err != nil {
		return nil, err
	}
	if err := writeAtomic(fullPath, data); err != nil {
		return nil, err
	}
	return obj, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

// Get implements storage.Storage.
func (s *LocalStorage) Get(ctx context.Context, key string) ([]byte, *storage.Object, error) {
	obj, err := s.Stat(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	fullPath, _ := s.fullPath(key)
	data, err := os.ReadFile(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, obj, nil
}

// Stat implements storage.Storage.
func (s *LocalStorage) Stat(_ context.Context, key string) (*storage.Object, error) {
	fullPath, err := s.fullPath(key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	obj := &storage.Object{Key: key, Size: info.Size(), LastModified: info.ModTime().UTC()}
	raw, err := os.ReadFile(fullPath + attrsSuffix)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Written by hand or by an older build; attributes are unknown.
	case err != nil:
		return nil, fmt.Errorf("failed to read attributes: %w", err)
	default:
		var a attrs
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("failed to decode attributes: %w", err)
		}
		obj.ContentType = a.ContentType
		obj.Metadata = a.Metadata
		obj.SHA256 = a.Metadata[storage.MetaSHA256]
	}
	return obj, nil
}

// Delete implements storage.Storage.
func (s *LocalStorage) Delete(_ context.Context, key string) error {
	fullPath, err := s.fullPath(key)
	if err != nil {
		return err
	}
	for _, p := range []string{fullPath, fullPath + attrsSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete file: %w", err)
		}
	}
	return nil
}
