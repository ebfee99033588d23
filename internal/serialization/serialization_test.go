package serialization

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/i-harbor/iharbor-s3/internal/metadata"
)

// seedIDs are the rows created by createTestDB.
type seedIDs struct {
	bucket   *metadata.BucketRecord
	uploadID string
}

// createTestDB initializes a metadata database in dir, optionally holding
// one bucket, one composed object, one upload with two parts and one
// stale upload.
func createTestDB(t *testing.T, dir string, seed bool) (string, seedIDs) {
	t.Helper()
	dbPath := filepath.Join(dir, "metadata.db")
	store, err := metadata.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	var ids seedIDs
	if !seed {
		return dbPath, ids
	}
	ctx := context.Background()
	created := time.Date(2026, 2, 25, 12, 0, 0, 0, time.UTC)

	b, err := store.CreateBucket(ctx, "test-bucket")
	if err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	ids.bucket = b

	obj, _, err := store.GetOrCreateObject(ctx, b.ID, "photos/cat.jpg")
	if err != nil {
		t.Fatalf("GetOrCreateObject: %v", err)
	}
	obj.Size = 142857
	obj.ETag = `"9b2cf535f27731c974343645a3985328-2"`
	obj.UploadID = "upload-done"
	obj.ModifiedAt = created
	if err := store.UpdateObject(ctx, obj); err != nil {
		t.Fatalf("UpdateObject: %v", err)
	}

	ids.uploadID = "upload-abc123"
	uploads := []*metadata.UploadRecord{
		{ID: ids.uploadID, BucketID: b.ID, BucketName: b.Name, ObjectKey: "large-file.bin", CreatedAt: created, Status: metadata.StatusUploading},
		{ID: "upload-stale", BucketID: b.ID + 100, BucketName: b.Name, ObjectKey: "old.bin", CreatedAt: created, Status: metadata.StatusUploading},
	}
	for _, u := range uploads {
		u.KeyMD5 = metadata.KeyMD5(u.ObjectKey)
		if err := store.CreateUpload(ctx, u); err != nil {
			t.Fatalf("CreateUpload: %v", err)
		}
	}
	for n := 1; n <= 2; n++ {
		p := &metadata.PartRecord{
			BucketID:     b.ID,
			UploadID:     ids.uploadID,
			PartNumber:   n,
			Size:         5242880,
			ObjectOffset: -1,
			PartMD5:      "098f6bcd4621d373cade4e832627b4f6",
			ModifiedAt:   created,
		}
		if err := store.PutPart(ctx, p); err != nil {
			t.Fatalf("PutPart: %v", err)
		}
	}
	return dbPath, ids
}

func parseExport(t *testing.T, s string) map[string]any {
	t.Helper()
	var data map[string]any
	if err := json.Unmarshal([]byte(s), &data); err != nil {
		t.Fatalf("parsing export: %v", err)
	}
	return data
}

func TestExportAllTables(t *testing.T) {
	dbPath, _ := createTestDB(t, t.TempDir(), true)
	out, err := ExportMetadata(dbPath, nil)
	if err != nil {
		t.Fatalf("ExportMetadata: %v", err)
	}
	data := parseExport(t, out)

	envelope, ok := data["iharbor_export"].(map[string]any)
	if !ok {
		t.Fatalf("missing export envelope: %v", data)
	}
	if envelope["version"] != float64(ExportVersion) {
		t.Errorf("version = %v, want %d", envelope["version"], ExportVersion)
	}

	want := map[string]int{"buckets": 1, "objects": 1, "multipart_uploads": 2, "multipart_parts": 2}
	for table, n := range want {
		rows, _ := data[table].([]any)
		if len(rows) != n {
			t.Errorf("%s: got %d rows, want %d", table, len(rows), n)
		}
	}

	parts := data["multipart_parts"].([]any)
	first := parts[0].(map[string]any)
	if first["part_num"] != float64(1) || first["obj_offset"] != float64(-1) || first["upload_id"] != "upload-abc123" {
		t.Errorf("first part row = %v", first)
	}
}

func TestExportNullFields(t *testing.T) {
	dbPath, _ := createTestDB(t, t.TempDir(), true)
	out, err := ExportMetadata(dbPath, &ExportOptions{Tables: []string{"multipart_uploads"}})
	if err != nil {
		t.Fatalf("ExportMetadata: %v", err)
	}
	rows := parseExport(t, out)["multipart_uploads"].([]any)
	row := rows[0].(map[string]any)
	if v, ok := row["expire_time"]; !ok || v != nil {
		t.Errorf("expire_time = %v (present %v), want null", v, ok)
	}
}

func TestExportPartialTables(t *testing.T) {
	dbPath, _ := createTestDB(t, t.TempDir(), true)
	out, err := ExportMetadata(dbPath, &ExportOptions{Tables: []string{"buckets"}})
	if err != nil {
		t.Fatalf("ExportMetadata: %v", err)
	}
	data := parseExport(t, out)
	if _, ok := data["buckets"]; !ok {
		t.Error("buckets missing from partial export")
	}
	if _, ok := data["objects"]; ok {
		t.Error("objects present in a buckets-only export")
	}

	if _, err := ExportMetadata(dbPath, &ExportOptions{Tables: []string{"credentials"}}); err == nil {
		t.Error("exporting an unknown table succeeded")
	}
}

func TestExportSortedKeys(t *testing.T) {
	dbPath, _ := createTestDB(t, t.TempDir(), true)
	out, err := ExportMetadata(dbPath, &ExportOptions{Tables: []string{"buckets"}})
	if err != nil {
		t.Fatalf("ExportMetadata: %v", err)
	}
	created := strings.Index(out, `"created_at"`)
	id := strings.Index(out, `"id"`)
	name := strings.Index(out, `"name"`)
	if !(created < id && id < name) {
		t.Errorf("keys are not sorted:\n%s", out)
	}
	if !strings.Contains(out, "\n  \"buckets\"") {
		t.Errorf("export is not indented with two spaces:\n%s", out)
	}
}

func TestRoundTrip(t *testing.T) {
	srcPath, ids := createTestDB(t, t.TempDir(), true)
	out, err := ExportMetadata(srcPath, nil)
	if err != nil {
		t.Fatalf("ExportMetadata: %v", err)
	}

	dstPath, _ := createTestDB(t, t.TempDir(), false)
	res, err := ImportMetadata(dstPath, out, nil)
	if err != nil {
		t.Fatalf("ImportMetadata: %v", err)
	}
	if res.Counts["multipart_parts"] != 2 || res.Counts["multipart_uploads"] != 2 {
		t.Errorf("counts = %v", res.Counts)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "1 multipart uploads") {
		t.Errorf("warnings = %v, want one stale upload warning", res.Warnings)
	}

	store, err := metadata.NewSQLiteStore(dstPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	b, err := store.GetBucket(ctx, "test-bucket")
	if err != nil {
		t.Fatalf("GetBucket: %v", err)
	}
	if b.ID != ids.bucket.ID {
		t.Errorf("bucket id = %d, want %d", b.ID, ids.bucket.ID)
	}
	obj, err := store.GetObject(ctx, b.ID, "photos/cat.jpg")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if obj.Size != 142857 || obj.UploadID != "upload-done" {
		t.Errorf("object = %+v", obj)
	}
	u, err := store.GetUpload(ctx, ids.uploadID)
	if err != nil {
		t.Fatalf("GetUpload: %v", err)
	}
	if u.Status != metadata.StatusUploading || !u.BelongsTo(b) {
		t.Errorf("upload = %+v", u)
	}
	parts, err := store.ListParts(ctx, b.ID, ids.uploadID)
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	if len(parts) != 2 || parts[1].Size != 5242880 || parts[1].ObjectOffset != -1 {
		t.Errorf("parts = %+v", parts)
	}

	// New buckets keep getting fresh ids after an import.
	nb, err := store.CreateBucket(ctx, "another")
	if err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	if nb.ID <= b.ID {
		t.Errorf("new bucket id %d does not follow imported id %d", nb.ID, b.ID)
	}
}

func TestImportMergeIdempotent(t *testing.T) {
	dbPath, _ := createTestDB(t, t.TempDir(), true)
	out, err := ExportMetadata(dbPath, nil)
	if err != nil {
		t.Fatalf("ExportMetadata: %v", err)
	}
	res, err := ImportMetadata(dbPath, out, nil)
	if err != nil {
		t.Fatalf("ImportMetadata: %v", err)
	}
	for _, table := range AllTables {
		if res.Counts[table] != 0 {
			t.Errorf("%s: inserted %d rows into a database that already holds them", table, res.Counts[table])
		}
	}
	if res.Skipped["multipart_parts"] != 2 {
		t.Errorf("skipped parts = %d, want 2", res.Skipped["multipart_parts"])
	}
}

func TestImportReplace(t *testing.T) {
	srcPath, _ := createTestDB(t, t.TempDir(), true)
	out, err := ExportMetadata(srcPath, &ExportOptions{Tables: []string{"buckets", "multipart_uploads"}})
	if err != nil {
		t.Fatalf("ExportMetadata: %v", err)
	}

	dstPath, _ := createTestDB(t, t.TempDir(), true)
	res, err := ImportMetadata(dstPath, out, &ImportOptions{Replace: true})
	if err != nil {
		t.Fatalf("ImportMetadata: %v", err)
	}
	if res.Counts["buckets"] != 1 || res.Counts["multipart_uploads"] != 2 {
		t.Errorf("counts = %v", res.Counts)
	}

	// Tables absent from the document are left alone.
	check, err := ExportMetadata(dstPath, &ExportOptions{Tables: []string{"multipart_parts"}})
	if err != nil {
		t.Fatalf("ExportMetadata: %v", err)
	}
	if rows := parseExport(t, check)["multipart_parts"].([]any); len(rows) != 2 {
		t.Errorf("multipart_parts has %d rows after a replace that did not name it", len(rows))
	}
}

func TestImportInvalidVersion(t *testing.T) {
	dbPath, _ := createTestDB(t, t.TempDir(), false)
	for _, doc := range []string{
		`{"iharbor_export": {"version": 99}}`,
		`{"buckets": []}`,
		`not json`,
	} {
		if _, err := ImportMetadata(dbPath, doc, nil); err == nil {
			t.Errorf("ImportMetadata(%q) succeeded", doc)
		}
	}
}
