// Azure Blob Storage byte store.
//
// Segments of a key live in one container under
// {prefix}{key}/{offset as 16 hex digits}, each a block blob written with a
// single upload.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/i-harbor/iharbor-s3/internal/config"
)

// AzureBlobAPI defines the subset of the Azure Blob Storage client used by
// AzureBlobs. This allows mocking in tests.
type AzureBlobAPI interface {
	UploadBlob(ctx context.Context, containerName, blobName string, data []byte) error
	DownloadRange(ctx context.Context, containerName, blobName string, offset, count int64) (io.ReadCloser, error)
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	ListBlobs(ctx context.Context, containerName, prefix string) ([]blobInfo, error)
	ContainerExists(ctx context.Context, containerName string) error
}

// AzureBlobs is the blob layer of the "azure" storage backend.
type AzureBlobs struct {
	// Container is the Azure Blob container name.
	Container string
	client    AzureBlobAPI
}

// NewAzureStore creates an Azure Blob client from cfg, verifies the
// container and returns a segmented ByteStore over it.
func NewAzureStore(ctx context.Context, cfg config.AzureConfig) (*SegmentedStore, error) {
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure storage container is required")
	}
	client, err := newRealAzureClient(cfg.AccountURL, cfg.ConnectionString, cfg.UseManagedIdentity)
	if err != nil {
		return nil, err
	}

	blobs := NewAzureBlobsWithClient(cfg.Container, client)
	if err := blobs.Ping(ctx); err != nil {
		return nil, fmt.Errorf("cannot access Azure container %q: %w", cfg.Container, err)
	}
	slog.Info("azure byte store initialized", "container", cfg.Container, "prefix", cfg.Prefix)
	return newSegmentedStore(blobs, cfg.Prefix), nil
}

// NewAzureBlobsWithClient wraps a pre-configured client, typically a mock.
func NewAzureBlobsWithClient(container string, client AzureBlobAPI) *AzureBlobs {
	return &AzureBlobs{Container: container, client: client}
}

func (b *AzureBlobs) PutBlob(ctx context.Context, name string, data []byte) error {
	if err := b.client.UploadBlob(ctx, b.Container, name, data); err != nil {
		return fmt.Errorf("uploading %q to Azure: %w", name, err)
	}
	return nil
}

func (b *AzureBlobs) GetBlobRange(ctx context.Context, name string, offset, length int64) (io.ReadCloser, error) {
	rc, err := b.client.DownloadRange(ctx, b.Container, name, offset, length)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, fmt.Errorf("blob %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("downloading %q from Azure: %w", name, err)
	}
	return rc, nil
}

func (b *AzureBlobs) ListBlobs(ctx context.Context, prefix string) ([]blobInfo, error) {
	out, err := b.client.ListBlobs(ctx, b.Container, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing Azure prefix %q: %w", prefix, err)
	}
	return out, nil
}

func (b *AzureBlobs) RemoveBlob(ctx context.Context, name string) error {
	if err := b.client.DeleteBlob(ctx, b.Container, name); err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("deleting %q from Azure: %w", name, err)
	}
	return nil
}

func (b *AzureBlobs) Ping(ctx context.Context) error {
	return b.client.ContainerExists(ctx, b.Container)
}

// isAzureNotFound checks if an Azure error is a not-found error.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "the specified blob does not exist")
}
