package handlers

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/i-harbor/iharbor-s3/internal/metadata"
	"github.com/i-harbor/iharbor-s3/internal/multipart"
	"github.com/i-harbor/iharbor-s3/internal/xmlutil"
)

func TestCreateMultipartUpload(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "test-bucket")

	id := env.initiate(t, "test-bucket", "dir/test-key")
	if len(id) != 64 {
		t.Errorf("UploadID length = %d, want 64", len(id))
	}

	// Initiating the same key again resumes the same upload.
	if again := env.initiate(t, "test-bucket", "dir/test-key"); again != id {
		t.Errorf("second initiate = %s, want %s", again, id)
	}
}

func TestCreateMultipartUploadACL(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "acl-bucket")

	req := httptest.NewRequest(http.MethodPost, "/acl-bucket/k?uploads", nil)
	req.Header.Set("x-amz-acl", "public-read")
	rec := httptest.NewRecorder()
	env.mp.CreateMultipartUpload(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
	var result xmlutil.InitiateMultipartUploadResult
	if err := xml.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("Decode XML: %v", err)
	}
	u, err := env.meta.GetUpload(t.Context(), result.UploadID)
	if err != nil {
		t.Fatalf("GetUpload: %v", err)
	}
	if u.ShareCode != metadata.SharePublicRead {
		t.Errorf("ShareCode = %d, want %d", u.ShareCode, metadata.SharePublicRead)
	}

	req = httptest.NewRequest(http.MethodPost, "/acl-bucket/k2?uploads", nil)
	req.Header.Set("x-amz-acl", "bogus")
	rec = httptest.NewRecorder()
	env.mp.CreateMultipartUpload(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bogus ACL status = %d, want 400", rec.Code)
	}
}

func TestCreateMultipartUploadErrors(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "b-1")

	tests := []struct {
		name string
		path string
		code string
		want int
	}{
		{"no such bucket", "/nonexistent/k?uploads", "NoSuchBucket", http.StatusNotFound},
		{"no key", "/b-1/?uploads", "InvalidArgument", http.StatusBadRequest},
		{"key too long", "/b-1/" + strings.Repeat("k", 1025) + "?uploads", "KeyTooLongError", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			env.mp.CreateMultipartUpload(rec, httptest.NewRequest(http.MethodPost, tc.path, nil))
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
			if !strings.Contains(rec.Body.String(), tc.code) {
				t.Errorf("expected %s, got: %s", tc.code, rec.Body.String())
			}
		})
	}
}

func TestUploadPart(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "parts")
	id := env.initiate(t, "parts", "k")
	data := fill('x', 2000)

	etag := env.uploadPart(t, "parts", "k", id, 1, data)
	if want := `"` + md5Hex(data) + `"`; etag != want {
		t.Errorf("ETag = %s, want %s", etag, want)
	}

	rec := env.putPart("parts", "k", id, 0, data)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "InvalidArgument") {
		t.Errorf("part 0: status = %d, body: %s", rec.Code, rec.Body.String())
	}
	rec = env.putPart("parts", "k", "unknown-upload", 1, data)
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), "NoSuchUpload") {
		t.Errorf("unknown upload: status = %d, body: %s", rec.Code, rec.Body.String())
	}
	rec = env.putPart("parts", "other-key", id, 1, data)
	if rec.Code != http.StatusNotFound {
		t.Errorf("wrong key: status = %d, want 404", rec.Code)
	}
}

func TestUploadPartContentMD5(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "digest")
	id := env.initiate(t, "digest", "k")
	data := fill('d', 100)
	good := md5.Sum(data)
	bad := md5.Sum([]byte("other"))

	tests := []struct {
		name   string
		header string
		want   int
		code   string
	}{
		{"matching", base64.StdEncoding.EncodeToString(good[:]), http.StatusOK, ""},
		{"mismatch", base64.StdEncoding.EncodeToString(bad[:]), http.StatusBadRequest, "BadDigest"},
		{"malformed", "zzz", http.StatusBadRequest, "InvalidDigest"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/digest/k?partNumber=1&uploadId="+id, strings.NewReader(string(data)))
			req.Header.Set("Content-MD5", tc.header)
			rec := httptest.NewRecorder()
			env.mp.UploadPart(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d, body: %s", rec.Code, tc.want, rec.Body.String())
			}
			if tc.code != "" && !strings.Contains(rec.Body.String(), tc.code) {
				t.Errorf("expected %s, got: %s", tc.code, rec.Body.String())
			}
		})
	}
}

func TestCompleteMultipartUpload(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "done")
	p1, p2 := fill('a', testMinPart), fill('b', 10)

	result := env.composeObject(t, "done", "path/to/obj", p1, p2)
	if result.Bucket != "done" || result.Key != "path/to/obj" {
		t.Errorf("result = %+v", result)
	}
	if result.Location != "/done/path/to/obj" {
		t.Errorf("Location = %q", result.Location)
	}
	want, err := multipart.CompositeETag([]string{md5Hex(p1), md5Hex(p2)})
	if err != nil {
		t.Fatalf("CompositeETag: %v", err)
	}
	if result.ETag != want {
		t.Errorf("ETag = %s, want %s", result.ETag, want)
	}

	rec := httptest.NewRecorder()
	env.objects.GetObject(rec, httptest.NewRequest(http.MethodGet, "/done/path/to/obj", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GetObject status = %d, body: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != string(p1)+string(p2) {
		t.Errorf("object body has %d bytes, want %d", len(got), len(p1)+len(p2))
	}
}

func TestCompleteMultipartUploadRejections(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "rej")
	id := env.initiate(t, "rej", "k")
	small := env.uploadPart(t, "rej", "k", id, 1, fill('s', 10))
	last := env.uploadPart(t, "rej", "k", id, 2, fill('l', 10))

	tests := []struct {
		name string
		body string
		code string
	}{
		{"not xml", "not xml at all", "MalformedXML"},
		{"no parts", "<CompleteMultipartUpload></CompleteMultipartUpload>", "MalformedXML"},
		{"descending", `<CompleteMultipartUpload><Part><PartNumber>2</PartNumber><ETag>` + last + `</ETag></Part><Part><PartNumber>1</PartNumber><ETag>` + small + `</ETag></Part></CompleteMultipartUpload>`, "InvalidPartOrder"},
		{"wrong etag", manifest(small, `"00000000000000000000000000000000"`), "InvalidPart"},
		{"too small", manifest(small, last), "EntityTooSmall"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.complete("rej", "k", id, tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), "<Code>"+tc.code+"</Code>") {
				t.Errorf("expected %s, got: %s", tc.code, rec.Body.String())
			}
		})
	}

	u, err := env.meta.GetUpload(t.Context(), id)
	if err != nil {
		t.Fatalf("upload gone after rejected completions: %v", err)
	}
	if u.Status != metadata.StatusUploading {
		t.Errorf("status = %s, want uploading", u.Status)
	}
	if _, err := env.meta.GetObject(t.Context(), u.BucketID, "k"); err == nil {
		t.Error("a rejected completion created the destination object")
	}
}

func TestCompleteMultipartUploadNoSuchUpload(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "nsu")
	rec := env.complete("nsu", "k", "missing", manifest(`"abc"`))
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), "NoSuchUpload") {
		t.Errorf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
}

func TestCompletedUploadIsGone(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "gone")
	id := env.initiate(t, "gone", "k")
	etag := env.uploadPart(t, "gone", "k", id, 1, fill('g', 5))
	if rec := env.complete("gone", "k", id, manifest(etag)); rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d, body: %s", rec.Code, rec.Body.String())
	}
	rec := env.complete("gone", "k", id, manifest(etag))
	if rec.Code != http.StatusNotFound {
		t.Errorf("second complete status = %d, want 404", rec.Code)
	}
}

func TestAbortMultipartUpload(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "abort")
	id := env.initiate(t, "abort", "k")
	env.uploadPart(t, "abort", "k", id, 1, fill('p', 50))

	req := httptest.NewRequest(http.MethodDelete, "/abort/k?uploadId="+id, nil)
	rec := httptest.NewRecorder()
	env.mp.AbortMultipartUpload(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Abort status = %d, body: %s", rec.Code, rec.Body.String())
	}
	if _, err := env.store.Size(t.Context(), metadata.PartStorageKey(id, 1)); err == nil {
		t.Error("part bytes survived the abort")
	}

	rec = httptest.NewRecorder()
	env.mp.AbortMultipartUpload(rec, httptest.NewRequest(http.MethodDelete, "/abort/k?uploadId="+id, nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("second Abort status = %d, want 404", rec.Code)
	}
}

func TestStaleUploadAfterBucketRecreate(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "reborn")
	id := env.initiate(t, "reborn", "k")

	rec := httptest.NewRecorder()
	env.buckets.DeleteBucket(rec, httptest.NewRequest(http.MethodDelete, "/reborn", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DeleteBucket status = %d", rec.Code)
	}
	env.createBucket(t, "reborn")

	rec = env.putPart("reborn", "k", id, 1, fill('x', 10))
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), "NoSuchUpload") {
		t.Errorf("stale upload: status = %d, body: %s", rec.Code, rec.Body.String())
	}
	if fresh := env.initiate(t, "reborn", "k"); fresh == id {
		t.Error("new bucket reused the stale upload")
	}
}

func TestListParts(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "lp")
	id := env.initiate(t, "lp", "k")
	for n := 1; n <= 5; n++ {
		env.uploadPart(t, "lp", "k", id, n, fill(byte('0'+n), n*10))
	}

	get := func(query string) xmlutil.ListPartsResult {
		t.Helper()
		rec := httptest.NewRecorder()
		env.mp.ListParts(rec, httptest.NewRequest(http.MethodGet, "/lp/k?uploadId="+id+query, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("ListParts status = %d, body: %s", rec.Code, rec.Body.String())
		}
		var result xmlutil.ListPartsResult
		if err := xml.NewDecoder(rec.Body).Decode(&result); err != nil {
			t.Fatalf("Decode XML: %v", err)
		}
		return result
	}

	all := get("")
	if len(all.Parts) != 5 || all.IsTruncated {
		t.Fatalf("parts = %d truncated = %v, want 5 untruncated", len(all.Parts), all.IsTruncated)
	}
	if all.Parts[2].Size != 30 || all.Parts[2].ETag != `"`+md5Hex(fill('3', 30))+`"` {
		t.Errorf("part 3 = %+v", all.Parts[2])
	}

	page := get("&max-parts=2&part-number-marker=1")
	if len(page.Parts) != 2 || page.Parts[0].PartNumber != 2 || !page.IsTruncated || page.NextPartNumberMarker != 3 {
		t.Errorf("page = %+v", page)
	}
}

func TestListMultipartUploads(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "lmu")
	for _, key := range []string{"a/1", "a/2", "b/1"} {
		env.initiate(t, "lmu", key)
	}

	get := func(query string) xmlutil.ListMultipartUploadsResult {
		t.Helper()
		rec := httptest.NewRecorder()
		env.mp.ListMultipartUploads(rec, httptest.NewRequest(http.MethodGet, "/lmu?uploads"+query, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("ListMultipartUploads status = %d, body: %s", rec.Code, rec.Body.String())
		}
		var result xmlutil.ListMultipartUploadsResult
		if err := xml.NewDecoder(rec.Body).Decode(&result); err != nil {
			t.Fatalf("Decode XML: %v", err)
		}
		return result
	}

	if all := get(""); len(all.Uploads) != 3 {
		t.Errorf("uploads = %d, want 3", len(all.Uploads))
	}
	if pref := get("&prefix=a/"); len(pref.Uploads) != 2 {
		t.Errorf("prefixed uploads = %d, want 2", len(pref.Uploads))
	}

	first := get("&max-uploads=2")
	if len(first.Uploads) != 2 || !first.IsTruncated || first.NextKeyMarker != "a/2" {
		t.Fatalf("first page = %+v", first)
	}
	rest := get(fmt.Sprintf("&key-marker=%s&upload-id-marker=%s", first.NextKeyMarker, first.NextUploadIDMarker))
	if len(rest.Uploads) != 1 || rest.Uploads[0].Key != "b/1" || rest.IsTruncated {
		t.Errorf("second page = %+v", rest)
	}

	rec := httptest.NewRecorder()
	env.mp.ListMultipartUploads(rec, httptest.NewRequest(http.MethodGet, "/nope?uploads", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing bucket status = %d, want 404", rec.Code)
	}
}
