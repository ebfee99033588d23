package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// realAzureClient wraps the official Azure SDK client to satisfy AzureBlobAPI.
type realAzureClient struct {
	client *azblob.Client
}

// newRealAzureClient creates a real Azure Blob client. If connectionString is
// non-empty, it uses connection string auth. If useManagedIdentity is true, it
// uses managed identity credentials. Otherwise it falls back to
// DefaultAzureCredential.
func newRealAzureClient(accountURL, connectionString string, useManagedIdentity bool) (*realAzureClient, error) {
	if connectionString != "" {
		client, err := azblob.NewClientFromConnectionString(connectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client from connection string: %w", err)
		}
		return &realAzureClient{client: client}, nil
	}

	if useManagedIdentity {
		cred, err := azidentity.NewManagedIdentityCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure managed identity credential: %w", err)
		}
		client, err := azblob.NewClient(accountURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client with managed identity: %w", err)
		}
		return &realAzureClient{client: client}, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}
	return &realAzureClient{client: client}, nil
}

func (c *realAzureClient) UploadBlob(ctx context.Context, containerName, blobName string, data []byte) error {
	_, err := c.client.UploadBuffer(ctx, containerName, blobName, data, nil)
	return err
}

func (c *realAzureClient) DownloadRange(ctx context.Context, containerName, blobName string, offset, count int64) (io.ReadCloser, error) {
	resp, err := c.client.DownloadStream(ctx, containerName, blobName, &azblob.DownloadStreamOptions{
		Range: azblob.HTTPRange{Offset: offset, Count: count},
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *realAzureClient) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	_, err := c.client.DeleteBlob(ctx, containerName, blobName, nil)
	return err
}

func (c *realAzureClient) ListBlobs(ctx context.Context, containerName, prefix string) ([]blobInfo, error) {
	pager := c.client.NewListBlobsFlatPager(containerName, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	var out []blobInfo
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			var size int64
			if item.Properties != nil && item.Properties.ContentLength != nil {
				size = *item.Properties.ContentLength
			}
			out = append(out, blobInfo{Name: *item.Name, Size: size})
		}
	}
	return out, nil
}

func (c *realAzureClient) ContainerExists(ctx context.Context, containerName string) error {
	_, err := c.client.ServiceClient().NewContainerClient(containerName).GetProperties(ctx, nil)
	return err
}
