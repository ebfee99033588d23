// AWS S3 byte store.
//
// Segments of a key live in one upstream bucket:
//
//	{prefix}{key}/{offset as 16 hex digits}
//
// Credentials are resolved via the standard AWS credential chain (env vars,
// ~/.aws/credentials, IAM role, etc.) unless static keys are configured.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/i-harbor/iharbor-s3/internal/config"
)

// S3API defines the subset of the AWS S3 client used by AWSBlobs. This
// allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// AWSBlobs is the blob layer of the "aws" storage backend.
type AWSBlobs struct {
	// Bucket is the upstream S3 bucket name.
	Bucket string
	client S3API
}

// NewAWSStore builds an S3 client from cfg, verifies that the upstream
// bucket is reachable and returns a segmented ByteStore over it.
func NewAWSStore(ctx context.Context, cfg config.AWSConfig) (*SegmentedStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws storage bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	blobs := NewAWSBlobsWithClient(cfg.Bucket, client)
	if err := blobs.Ping(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream S3 bucket %q: %w", cfg.Bucket, err)
	}
	slog.Info("aws byte store initialized", "bucket", cfg.Bucket, "region", region, "prefix", cfg.Prefix)
	return newSegmentedStore(blobs, cfg.Prefix), nil
}

// NewAWSBlobsWithClient wraps a pre-configured S3 client, typically a mock.
func NewAWSBlobsWithClient(bucket string, client S3API) *AWSBlobs {
	return &AWSBlobs{Bucket: bucket, client: client}
}

func (b *AWSBlobs) PutBlob(ctx context.Context, name string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(name),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("putting %q to S3: %w", name, err)
	}
	return nil
}

func (b *AWSBlobs) GetBlobRange(ctx context.Context, name string, offset, length int64) (io.ReadCloser, error) {
	if length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(name),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, fmt.Errorf("blob %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("getting %q from S3: %w", name, err)
	}
	return resp.Body, nil
}

func (b *AWSBlobs) ListBlobs(ctx context.Context, prefix string) ([]blobInfo, error) {
	var out []blobInfo
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.Bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing S3 prefix %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, blobInfo{Name: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)})
		}
	}
	return out, nil
}

// RemoveBlob deletes name. S3 DeleteObject already succeeds for missing
// keys; a NotFound from a compatible gateway is treated the same way.
func (b *AWSBlobs) RemoveBlob(ctx context.Context, name string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(name),
	})
	if err != nil && !isAWSNotFound(err) {
		return fmt.Errorf("deleting %q from S3: %w", name, err)
	}
	return nil
}

func (b *AWSBlobs) Ping(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.Bucket),
	})
	return err
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return true
	}
	return false
}
