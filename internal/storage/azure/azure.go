// Package azure implements the Azure Blob Storage backend using shared key
// authentication. Endpoint overrides the service URL for Azurite and
// sovereign clouds.
package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"

	"github.com/group-allocator/group-registry/internal/config"
	"github.com/group-allocator/group-registry/internal/storage"
)

func init() {
	storage.Register("azure", func(cfg *config.Config) (storage.Storage, error) {
		return New(&cfg.Storage.Azure)
	})
}

// AzureStorage implements storage.Storage on one container.
type AzureStorage struct {
	client        *azblob.Client
	containerName string
}

// New creates a new Azure Blob Storage backend
func New(cfg *config.AzureStorageConfig) (*AzureStorage, error) {
	if cfg.AccountName == "" {
		return nil, fmt.Errorf("azure storage account name is required")
	}
	if cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure storage account key is required")
	}
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("azure storage container name is required")
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	serviceURL := cfg.Endpoint
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}

	return &AzureStorage{client: client, containerName: cfg.ContainerName}, nil
}

// Name implements storage.Storage.
func (s *AzureStorage) Name() string { return "azure" }

func (s *AzureStorage) blobClient(key string) *blob.Client {
	return s.client.ServiceClient().NewContainerClient(s.containerName).NewBlobClient(key)
}

// Put implements storage.Storage.
func (s *AzureStorage) Put(ctx context.Context, key string, data []byte, opts storage.PutOptions) (*storage.Object, error) {
	obj, err := storage.Describe(key, data, opts)
	if err != nil {
		return nil, err
	}

	meta := make(map[string]*string, len(obj.Metadata))
	for k, v := range obj.Metadata {
		meta[k] = &v
	}
	contentType := obj.ContentType

	bb := s.client.ServiceClient().NewContainerClient(s.containerName).NewBlockBlobClient(key)
	_, err = bb.Upload(ctx, streaming.NopCloser(bytes.NewReader(data)), &blockblob.UploadOptions{
		Metadata:    meta,
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload to Azure Blob: %w", err)
	}
	return obj, nil
}

// Get implements storage.Storage.
func (s *AzureStorage) Get(ctx context.Context, key string) ([]byte, *storage.Object, error) {
	resp, err := s.blobClient(key).DownloadStream(ctx, nil)
	if err != nil {
		return nil, nil, mapErr(key, "download from", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read Azure Blob: %w", err)
	}

	meta := lowerMeta(resp.Metadata)
	obj := &storage.Object{
		Key:      key,
		Size:     int64(len(data)),
		Metadata: meta,
		SHA256:   meta[storage.MetaSHA256],
	}
	if resp.ContentType != nil {
		obj.ContentType = *resp.ContentType
	}
	if resp.LastModified != nil {
		obj.LastModified = *resp.LastModified
	}
	return data, obj, nil
}

// Stat implements storage.Storage.
func (s *AzureStorage) Stat(ctx context.Context, key string) (*storage.Object, error) {
	props, err := s.blobClient(key).GetProperties(ctx, nil)
	if err != nil {
		return nil, mapErr(key, "stat", err)
	}

	meta := lowerMeta(props.Metadata)
	obj := &storage.Object{
		Key:      key,
		Metadata: meta,
		SHA256:   meta[storage.MetaSHA256],
	}
	if props.ContentLength != nil {
		obj.Size = *props.ContentLength
	}
	if props.ContentType != nil {
		obj.ContentType = *props.ContentType
	}
	if props.LastModified != nil {
		obj.LastModified = *props.LastModified
	}
	return obj, nil
}

// Delete implements storage.Storage.
func (s *AzureStorage) Delete(ctx context.Context, key string) error {
	_, err := s.blobClient(key).Delete(ctx, nil)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete from Azure Blob: %w", err)
	}
	return nil
}

// EnsureContainer creates the container if it does not exist yet.
func (s *AzureStorage) EnsureContainer(ctx context.Context) error {
	_, err := s.client.ServiceClient().NewContainerClient(s.containerName).Create(ctx, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("failed to create container: %w", err)
	}
	return nil
}

// lowerMeta normalises metadata keys, which come back canonicalised from
// HTTP headers.
func lowerMeta(in map[string]*string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if v != nil {
			out[strings.ToLower(k)] = *v
		}
	}
	return out
}

func isNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func mapErr(key, action string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	return fmt.Errorf("failed to %s Azure Blob: %w", action, err)
}
