package multipart

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/i-harbor/iharbor-s3/internal/metadata"
	"github.com/i-harbor/iharbor-s3/internal/storage"
)

const kib = 1 << 10

// faultyStore wraps a ByteStore and fails or blocks selected calls. Hooks
// receive the key and the 1-based number of calls made for that key.
type faultyStore struct {
	storage.ByteStore

	mu          sync.Mutex
	writeCalls  map[string]int
	deleteCalls map[string]int

	failWrite  func(key string, n int) bool
	failDelete func(key string, n int) bool
	onWrite    func(key string)
}

var errInjected = errors.New("injected failure")

func newFaultyStore() *faultyStore {
	return &faultyStore{
		ByteStore:   storage.NewMemoryStore(),
		writeCalls:  make(map[string]int),
		deleteCalls: make(map[string]int),
	}
}

func (f *faultyStore) Write(ctx context.Context, key string, offset int64, data []byte) error {
	f.mu.Lock()
	f.writeCalls[key]++
	n := f.writeCalls[key]
	fail, hook := f.failWrite, f.onWrite
	f.mu.Unlock()
	if hook != nil {
		hook(key)
	}
	if fail != nil && fail(key, n) {
		return errInjected
	}
	return f.ByteStore.Write(ctx, key, offset, data)
}

func (f *faultyStore) Delete(ctx context.Context, key string, sizeHint int64) error {
	f.mu.Lock()
	f.deleteCalls[key]++
	n := f.deleteCalls[key]
	fail := f.failDelete
	f.mu.Unlock()
	if fail != nil && fail(key, n) {
		return errInjected
	}
	return f.ByteStore.Delete(ctx, key, sizeHint)
}

// faultyMeta wraps a metadata store and fails selected writes on demand.
type faultyMeta struct {
	metadata.Store

	mu               sync.Mutex
	failDeleteUpload bool
	failUpdateObject bool
	failDeletePart   bool
	// afterFindUploads runs once FindUploads has read its rows.
	afterFindUploads func()
}

func (f *faultyMeta) fails(flag *bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *flag
}

func (f *faultyMeta) DeleteUpload(ctx context.Context, id string) error {
	if f.fails(&f.failDeleteUpload) {
		return errInjected
	}
	return f.Store.DeleteUpload(ctx, id)
}

func (f *faultyMeta) UpdateObject(ctx context.Context, obj *metadata.ObjectRecord) error {
	if f.fails(&f.failUpdateObject) {
		return errInjected
	}
	return f.Store.UpdateObject(ctx, obj)
}

func (f *faultyMeta) DeletePart(ctx context.Context, bucketID int64, uploadID string, partNumber int) error {
	if f.fails(&f.failDeletePart) {
		return errInjected
	}
	return f.Store.DeletePart(ctx, bucketID, uploadID, partNumber)
}

func (f *faultyMeta) FindUploads(ctx context.Context, bucketName, key string) ([]metadata.UploadRecord, error) {
	uploads, err := f.Store.FindUploads(ctx, bucketName, key)
	f.mu.Lock()
	hook := f.afterFindUploads
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return uploads, err
}

type fixture struct {
	mgr    *Manager
	meta   *faultyMeta
	store  *faultyStore
	bucket *metadata.BucketRecord
}

func testOptions() Options {
	return Options{
		MinPartSize:  5 * kib,
		MaxPartSize:  64 * kib,
		MaxParts:     10000,
		UploadExpiry: DefaultOptions().UploadExpiry,
		ChunkSize:    kib,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	meta := &faultyMeta{Store: metadata.NewMemoryStore()}
	store := newFaultyStore()
	b, err := meta.CreateBucket(context.Background(), "photos")
	if err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	return &fixture{
		mgr:    NewManager(meta, store, testOptions()),
		meta:   meta,
		store:  store,
		bucket: b,
	}
}

func (f *fixture) initiate(t *testing.T, key string) *metadata.UploadRecord {
	t.Helper()
	u, err := f.mgr.Initiate(context.Background(), f.bucket, key, metadata.SharePrivate)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	return u
}

// payload returns size deterministic bytes that differ per seed.
func payload(seed byte, size int) []byte {
	out := make([]byte, size)
	for i := range out {
		out[i] = seed + byte(i%251)
	}
	return out
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// uploadPart uploads data as part n and returns its quoted ETag.
func (f *fixture) uploadPart(t *testing.T, u *metadata.UploadRecord, n int, data []byte) string {
	t.Helper()
	p, err := f.mgr.UploadPart(context.Background(), u, PartInput{
		PartNumber: n,
		Size:       int64(len(data)),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		t.Fatalf("UploadPart(%d): %v", n, err)
	}
	return QuoteETag(p.PartMD5)
}

func (f *fixture) readKey(t *testing.T, key string) []byte {
	t.Helper()
	rc, err := f.store.ReadStream(context.Background(), key, 0, -1)
	if err != nil {
		t.Fatalf("ReadStream(%q): %v", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading %q: %v", key, err)
	}
	return data
}

func (f *fixture) keyExists(key string) bool {
	_, err := f.store.Size(context.Background(), key)
	return err == nil
}

func (f *fixture) status(t *testing.T, id string) metadata.UploadStatus {
	t.Helper()
	u, err := f.meta.GetUpload(context.Background(), id)
	if err != nil {
		t.Fatalf("GetUpload(%s): %v", id, err)
	}
	return u.Status
}

func (f *fixture) uploadGone(t *testing.T, id string) bool {
	t.Helper()
	_, err := f.meta.GetUpload(context.Background(), id)
	if err != nil && !errors.Is(err, metadata.ErrNotFound) {
		t.Fatalf("GetUpload(%s): %v", id, err)
	}
	return errors.Is(err, metadata.ErrNotFound)
}
