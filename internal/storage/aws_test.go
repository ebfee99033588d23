package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// mockS3Client implements S3API for unit testing.
type mockS3Client struct {
	mu sync.Mutex
	// objects stores all objects keyed by their S3 key.
	objects map[string][]byte
	// putObjectCalls tracks the number of PutObject calls for verification.
	putObjectCalls int
	// lastRange records the Range header of the last GetObject.
	lastRange string
	// headErr, when set, is returned by HeadBucket.
	headErr error
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putObjectCalls++
	m.objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	if r := aws.ToString(params.Range); r != "" {
		m.lastRange = r
		var start, end int64
		if _, err := fmt.Sscanf(r, "bytes=%d-%d", &start, &end); err != nil {
			return nil, fmt.Errorf("bad range %q", r)
		}
		if end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}
		data = data[start : end+1]
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(append([]byte(nil), data...)))}, nil
}

func (m *mockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if m.headErr != nil {
		return nil, m.headErr
	}
	return &s3.HeadBucketOutput{}, nil
}

func (m *mockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := aws.ToString(params.Prefix)
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(m.objects[k])))})
	}
	return out, nil
}

func TestAWSBlobsSegmentNames(t *testing.T) {
	mock := newMockS3Client()
	s := newSegmentedStore(NewAWSBlobsWithClient("upstream", mock), "iharbor/")
	ctx := context.Background()

	if err := s.Write(ctx, "part_u_1", 0, []byte("abc")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Write(ctx, "part_u_1", 3, []byte("def")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	for _, want := range []string{
		"iharbor/part_u_1/0000000000000000",
		"iharbor/part_u_1/0000000000000003",
	} {
		if _, ok := mock.objects[want]; !ok {
			t.Errorf("missing upstream object %q", want)
		}
	}
	if mock.putObjectCalls != 2 {
		t.Errorf("PutObject calls: got %d, want 2", mock.putObjectCalls)
	}
}

func TestAWSBlobsRangeHeader(t *testing.T) {
	mock := newMockS3Client()
	blobs := NewAWSBlobsWithClient("upstream", mock)
	ctx := context.Background()
	if err := blobs.PutBlob(ctx, "b", []byte("0123456789")); err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	rc, err := blobs.GetBlobRange(ctx, "b", 2, 5)
	if err != nil {
		t.Fatalf("GetBlobRange: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "23456" {
		t.Errorf("range content: got %q, want %q", got, "23456")
	}
	if mock.lastRange != "bytes=2-6" {
		t.Errorf("range header: got %q, want %q", mock.lastRange, "bytes=2-6")
	}
}

func TestAWSBlobsNotFound(t *testing.T) {
	blobs := NewAWSBlobsWithClient("upstream", newMockS3Client())
	_, err := blobs.GetBlobRange(context.Background(), "missing", 0, 1)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestIsAWSNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"NoSuchKey type", &types.NoSuchKey{}, true},
		{"NotFound code", &smithy.GenericAPIError{Code: "NotFound"}, true},
		{"AccessDenied", &smithy.GenericAPIError{Code: "AccessDenied"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isAWSNotFound(tc.err); got != tc.want {
				t.Errorf("isAWSNotFound: got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAWSHealthCheckFailure(t *testing.T) {
	mock := newMockS3Client()
	mock.headErr = &smithy.GenericAPIError{Code: "Forbidden"}
	s := newSegmentedStore(NewAWSBlobsWithClient("upstream", mock), "")
	if err := s.HealthCheck(context.Background()); err == nil {
		t.Error("expected HealthCheck error")
	}
}
