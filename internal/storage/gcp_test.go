package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	gcs "cloud.google.com/go/storage"
)

// mockGCSClient implements GCSAPI for unit testing.
type mockGCSClient struct {
	mu sync.Mutex
	// objects stores all objects keyed by "bucket/object".
	objects map[string][]byte
	// deleteCalls tracks the number of Delete calls.
	deleteCalls int
}

func newMockGCSClient() *mockGCSClient {
	return &mockGCSClient{objects: make(map[string][]byte)}
}

// mockGCSWriter buffers data and commits it on Close, like a GCS writer.
type mockGCSWriter struct {
	buf    bytes.Buffer
	commit func([]byte)
}

func (w *mockGCSWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *mockGCSWriter) Close() error {
	w.commit(w.buf.Bytes())
	return nil
}

func (m *mockGCSClient) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	return &mockGCSWriter{commit: func(data []byte) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.objects[bucket+"/"+object] = append([]byte(nil), data...)
	}}
}

func (m *mockGCSClient) NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+object]
	if !ok {
		return nil, gcs.ErrObjectNotExist
	}
	end := int64(len(data))
	if length >= 0 && offset+length < end {
		end = offset + length
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), data[offset:end]...))), nil
}

func (m *mockGCSClient) Delete(ctx context.Context, bucket, object string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls++
	k := bucket + "/" + object
	if _, ok := m.objects[k]; !ok {
		return gcs.ErrObjectNotExist
	}
	delete(m.objects, k)
	return nil
}

func (m *mockGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]blobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []blobInfo
	for k, v := range m.objects {
		name, ok := strings.CutPrefix(k, bucket+"/")
		if ok && strings.HasPrefix(name, prefix) {
			out = append(out, blobInfo{Name: name, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *mockGCSClient) BucketAttrs(ctx context.Context, bucket string) error {
	return nil
}

func TestGCSBlobsRemoveMissingIsNotAnError(t *testing.T) {
	mock := newMockGCSClient()
	blobs := NewGCSBlobsWithClient("upstream", mock)
	if err := blobs.RemoveBlob(context.Background(), "nothing"); err != nil {
		t.Errorf("RemoveBlob: %v", err)
	}
	if mock.deleteCalls != 1 {
		t.Errorf("Delete calls: got %d, want 1", mock.deleteCalls)
	}
}

func TestGCSBlobsNotFound(t *testing.T) {
	blobs := NewGCSBlobsWithClient("upstream", newMockGCSClient())
	if _, err := blobs.GetBlobRange(context.Background(), "missing", 0, 4); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestIsGCSNotFound(t *testing.T) {
	if !isGCSNotFound(gcs.ErrObjectNotExist) {
		t.Error("ErrObjectNotExist should be not-found")
	}
	if !isGCSNotFound(gcs.ErrBucketNotExist) {
		t.Error("ErrBucketNotExist should be not-found")
	}
	if isGCSNotFound(errors.New("quota exceeded")) {
		t.Error("unrelated error should not be not-found")
	}
}
