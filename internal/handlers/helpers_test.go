package handlers

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/i-harbor/iharbor-s3/internal/metadata"
	"github.com/i-harbor/iharbor-s3/internal/multipart"
	"github.com/i-harbor/iharbor-s3/internal/storage"
	"github.com/i-harbor/iharbor-s3/internal/xmlutil"
)

const testMinPart = 1024

type testEnv struct {
	meta    *metadata.SQLiteStore
	store   *storage.LocalStore
	mgr     *multipart.Manager
	buckets *BucketHandler
	mp      *MultipartHandler
	objects *ObjectHandler
}

// newTestEnv wires the handlers to a temporary SQLite database and a local
// byte store.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	meta, err := metadata.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	store, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	mgr := multipart.NewManager(meta, store, multipart.Options{MinPartSize: testMinPart, ChunkSize: 256})
	return &testEnv{
		meta:    meta,
		store:   store,
		mgr:     mgr,
		buckets: NewBucketHandler(meta, "iharbor", "iharbor", "us-east-1"),
		mp:      NewMultipartHandler(meta, mgr, "iharbor", "iharbor", 0),
		objects: NewObjectHandler(meta, store),
	}
}

func (e *testEnv) createBucket(t *testing.T, name string) {
	t.Helper()
	rec := httptest.NewRecorder()
	e.buckets.CreateBucket(rec, httptest.NewRequest(http.MethodPut, "/"+name, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("CreateBucket(%s) status = %d, body: %s", name, rec.Code, rec.Body.String())
	}
}

func (e *testEnv) initiate(t *testing.T, bucket, key string) string {
	t.Helper()
	rec := httptest.NewRecorder()
	e.mp.CreateMultipartUpload(rec, httptest.NewRequest(http.MethodPost, "/"+bucket+"/"+key+"?uploads", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("CreateMultipartUpload status = %d, body: %s", rec.Code, rec.Body.String())
	}
	var result xmlutil.InitiateMultipartUploadResult
	if err := xml.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("Decode XML: %v", err)
	}
	return result.UploadID
}

func (e *testEnv) putPart(bucket, key, uploadID string, n int, data []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPut, fmt.Sprintf("/%s/%s?partNumber=%d&uploadId=%s", bucket, key, n, uploadID), bytes.NewReader(data))
	rec := httptest.NewRecorder()
	e.mp.UploadPart(rec, req)
	return rec
}

func (e *testEnv) uploadPart(t *testing.T, bucket, key, uploadID string, n int, data []byte) string {
	t.Helper()
	rec := e.putPart(bucket, key, uploadID, n, data)
	if rec.Code != http.StatusOK {
		t.Fatalf("UploadPart(%d) status = %d, body: %s", n, rec.Code, rec.Body.String())
	}
	return rec.Header().Get("ETag")
}

func (e *testEnv) complete(bucket, key, uploadID string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/"+bucket+"/"+key+"?uploadId="+uploadID, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.mp.CompleteMultipartUpload(rec, req)
	return rec
}

// manifest renders a CompleteMultipartUpload body for parts 1..len(etags).
func manifest(etags ...string) string {
	var b strings.Builder
	b.WriteString("<CompleteMultipartUpload>")
	for i, etag := range etags {
		fmt.Fprintf(&b, "<Part><PartNumber>%d</PartNumber><ETag>%s</ETag></Part>", i+1, etag)
	}
	b.WriteString("</CompleteMultipartUpload>")
	return b.String()
}

func fill(seed byte, n int) []byte {
	return bytes.Repeat([]byte{seed}, n)
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// composeObject uploads parts and completes them into bucket/key.
func (e *testEnv) composeObject(t *testing.T, bucket, key string, parts ...[]byte) xmlutil.CompleteMultipartUploadResult {
	t.Helper()
	id := e.initiate(t, bucket, key)
	var etags []string
	for i, p := range parts {
		etags = append(etags, e.uploadPart(t, bucket, key, id, i+1, p))
	}
	rec := e.complete(bucket, key, id, manifest(etags...))
	if rec.Code != http.StatusOK {
		t.Fatalf("CompleteMultipartUpload status = %d, body: %s", rec.Code, rec.Body.String())
	}
	var result xmlutil.CompleteMultipartUploadResult
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("Decode XML: %v", err)
	}
	return result
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header     string
		size       int64
		start, end int64
		wantErr    bool
	}{
		{"bytes=0-4", 10, 0, 4, false},
		{"bytes=5-", 10, 5, 9, false},
		{"bytes=-3", 10, 7, 9, false},
		{"bytes=-30", 10, 0, 9, false},
		{"bytes=2-100", 10, 2, 9, false},
		{"bytes=10-", 10, 0, 0, true},
		{"bytes=5-2", 10, 0, 0, true},
		{"bytes=0-1,3-4", 10, 0, 0, true},
		{"items=0-1", 10, 0, 0, true},
		{"bytes=0-1", 0, 0, 0, true},
	}
	for _, tc := range tests {
		start, end, err := parseRange(tc.header, tc.size)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseRange(%q, %d): expected error", tc.header, tc.size)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseRange(%q, %d): %v", tc.header, tc.size, err)
			continue
		}
		if start != tc.start || end != tc.end {
			t.Errorf("parseRange(%q, %d) = %d-%d, want %d-%d", tc.header, tc.size, start, end, tc.start, tc.end)
		}
	}
}

func TestShareCodeFromACL(t *testing.T) {
	tests := []struct {
		acl     string
		want    int
		wantErr bool
	}{
		{"", metadata.SharePrivate, false},
		{"private", metadata.SharePrivate, false},
		{"public-read", metadata.SharePublicRead, false},
		{"public-read-write", metadata.SharePublicReadWrite, false},
		{"authenticated-read", 0, true},
	}
	for _, tc := range tests {
		got, err := shareCodeFromACL(tc.acl)
		if (err != nil) != tc.wantErr {
			t.Errorf("shareCodeFromACL(%q) error = %v, wantErr %v", tc.acl, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("shareCodeFromACL(%q) = %d, want %d", tc.acl, got, tc.want)
		}
	}
}

func TestValidateBucketName(t *testing.T) {
	for _, name := range []string{"abc", "my-bucket", "a.b.c", "bucket123"} {
		if msg := validateBucketName(name); msg != "" {
			t.Errorf("validateBucketName(%q) = %q, want valid", name, msg)
		}
	}
	for _, name := range []string{"ab", "UPPER", "-start", "end-", "192.168.1.1", "xn--abc", "a..b"} {
		if msg := validateBucketName(name); msg == "" {
			t.Errorf("validateBucketName(%q) = valid, want error", name)
		}
	}
}
