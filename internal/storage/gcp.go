// Google Cloud Storage byte store.
//
// Segments of a key live in one upstream GCS bucket under
// {prefix}{key}/{offset as 16 hex digits}. Credentials are resolved via
// Application Default Credentials unless a credentials file is configured.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/i-harbor/iharbor-s3/internal/config"
)

// GCSAPI defines the subset of the GCS client used by GCSBlobs. This allows
// mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given GCS object.
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
	// NewRangeReader returns a reader for length bytes at offset.
	NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, error)
	// Delete deletes the given GCS object.
	Delete(ctx context.Context, bucket, object string) error
	// ListObjects lists objects with the given prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]blobInfo, error)
	// BucketAttrs checks that the bucket exists.
	BucketAttrs(ctx context.Context, bucket string) error
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	return c.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

func (c *realGCSClient) NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewRangeReader(ctx, offset, length)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]blobInfo, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var out []blobInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, blobInfo{Name: attrs.Name, Size: attrs.Size})
	}
	return out, nil
}

func (c *realGCSClient) BucketAttrs(ctx context.Context, bucket string) error {
	_, err := c.client.Bucket(bucket).Attrs(ctx)
	return err
}

// GCSBlobs is the blob layer of the "gcp" storage backend.
type GCSBlobs struct {
	// Bucket is the upstream GCS bucket name.
	Bucket string
	client GCSAPI
}

// NewGCPStore creates a GCS client, verifies the upstream bucket and returns
// a segmented ByteStore over it.
func NewGCPStore(ctx context.Context, cfg config.GCPConfig) (*SegmentedStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcp storage bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	blobs := NewGCSBlobsWithClient(cfg.Bucket, &realGCSClient{client: client})
	if err := blobs.Ping(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream GCS bucket %q: %w", cfg.Bucket, err)
	}
	slog.Info("gcp byte store initialized", "bucket", cfg.Bucket, "project", cfg.Project, "prefix", cfg.Prefix)
	return newSegmentedStore(blobs, cfg.Prefix), nil
}

// NewGCSBlobsWithClient wraps a pre-configured GCS client, typically a mock.
func NewGCSBlobsWithClient(bucket string, client GCSAPI) *GCSBlobs {
	return &GCSBlobs{Bucket: bucket, client: client}
}

func (b *GCSBlobs) PutBlob(ctx context.Context, name string, data []byte) error {
	w := b.client.NewWriter(ctx, b.Bucket, name)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return fmt.Errorf("writing %q to GCS: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing %q in GCS: %w", name, err)
	}
	return nil
}

func (b *GCSBlobs) GetBlobRange(ctx context.Context, name string, offset, length int64) (io.ReadCloser, error) {
	rc, err := b.client.NewRangeReader(ctx, b.Bucket, name, offset, length)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, fmt.Errorf("blob %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("reading %q from GCS: %w", name, err)
	}
	return rc, nil
}

func (b *GCSBlobs) ListBlobs(ctx context.Context, prefix string) ([]blobInfo, error) {
	out, err := b.client.ListObjects(ctx, b.Bucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing GCS prefix %q: %w", prefix, err)
	}
	return out, nil
}

func (b *GCSBlobs) RemoveBlob(ctx context.Context, name string) error {
	if err := b.client.Delete(ctx, b.Bucket, name); err != nil && !isGCSNotFound(err) {
		return fmt.Errorf("deleting %q from GCS: %w", name, err)
	}
	return nil
}

func (b *GCSBlobs) Ping(ctx context.Context) error {
	return b.client.BucketAttrs(ctx, b.Bucket)
}

// isGCSNotFound checks if a GCS error is a 404/not-found error.
func isGCSNotFound(err error) bool {
	return errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist)
}
