package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/i-harbor/iharbor-s3/internal/metadata"
	"github.com/i-harbor/iharbor-s3/internal/multipart"
	"github.com/i-harbor/iharbor-s3/internal/storage"
)

type fixture struct {
	dir        string
	configPath string
	dbPath     string
	objectsDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:        dir,
		configPath: filepath.Join(dir, "iharbor-s3.yaml"),
		dbPath:     filepath.Join(dir, "metadata.db"),
		objectsDir: filepath.Join(dir, "objects"),
	}
	cfg := fmt.Sprintf(`metadata:
  engine: sqlite
  sqlite:
    path: %s
storage:
  backend: local
  local:
    root_dir: %s
multipart:
  min_part_size: 1KiB
  chunk_size: 256B
`, f.dbPath, f.objectsDir)
	if err := os.WriteFile(f.configPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return f
}

// run executes the admin command line with args and returns its stdout.
func (f *fixture) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", f.configPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

// seed creates bucket and an upload with one part of size bytes for each
// key, created age ago.
func (f *fixture) seed(t *testing.T, bucket string, age time.Duration, keys ...string) []string {
	t.Helper()
	ctx := context.Background()
	meta, err := metadata.NewSQLiteStore(f.dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer meta.Close()
	store, err := storage.NewLocalStore(f.objectsDir)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	b, err := meta.GetBucket(ctx, bucket)
	if err != nil {
		if b, err = meta.CreateBucket(ctx, bucket); err != nil {
			t.Fatalf("CreateBucket: %v", err)
		}
	}
	mgr := multipart.NewManager(meta, store, multipart.Options{MinPartSize: 1024, ChunkSize: 256})
	var ids []string
	for _, key := range keys {
		u, err := mgr.Initiate(ctx, b, key, metadata.SharePrivate)
		if err != nil {
			t.Fatalf("Initiate: %v", err)
		}
		data := bytes.Repeat([]byte("x"), 2048)
		if _, err := mgr.UploadPart(ctx, u, multipart.PartInput{PartNumber: 1, Size: int64(len(data)), Body: bytes.NewReader(data)}); err != nil {
			t.Fatalf("UploadPart: %v", err)
		}
		if age > 0 {
			if _, err := meta.DB().Exec(`UPDATE multipart_uploads SET create_time = ? WHERE id = ?`,
				time.Now().Add(-age).UTC().Format("2006-01-02T15:04:05.000Z"), u.ID); err != nil {
				t.Fatalf("backdating upload: %v", err)
			}
		}
		ids = append(ids, u.ID)
	}
	return ids
}

// expire moves the expiry of the given uploads into the past.
func (f *fixture) expire(t *testing.T, ids ...string) {
	t.Helper()
	meta, err := metadata.NewSQLiteStore(f.dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer meta.Close()
	past := time.Now().Add(-time.Minute).UTC().Format("2006-01-02T15:04:05.000Z")
	for _, id := range ids {
		if _, err := meta.DB().Exec(`UPDATE multipart_uploads SET expire_time = ? WHERE id = ?`, past, id); err != nil {
			t.Fatalf("expiring upload: %v", err)
		}
	}
}

func (f *fixture) partExists(uploadID string) bool {
	_, err := os.Stat(filepath.Join(f.objectsDir, metadata.PartStorageKey(uploadID, 1)))
	return err == nil
}

func TestBucketCommands(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "", "bucket", "create", "photos")
	if err != nil {
		t.Fatalf("bucket create: %v", err)
	}
	if !strings.Contains(out, "Created bucket photos") {
		t.Errorf("create output = %q", out)
	}
	if _, err := f.run(t, "", "bucket", "create", "photos"); err == nil {
		t.Error("creating an existing bucket succeeded")
	}

	out, err = f.run(t, "", "bucket", "list")
	if err != nil {
		t.Fatalf("bucket list: %v", err)
	}
	if !strings.Contains(out, "photos") || !strings.Contains(out, "OBJECTS") {
		t.Errorf("list output = %q", out)
	}

	if _, err := f.run(t, "", "bucket", "delete", "photos"); err != nil {
		t.Fatalf("bucket delete: %v", err)
	}
	if _, err := f.run(t, "", "bucket", "delete", "photos"); err == nil {
		t.Error("deleting a missing bucket succeeded")
	}
}

func TestUploadsList(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "media", 48*time.Hour, "old.bin")
	f.seed(t, "media", 0, "new.bin")

	out, err := f.run(t, "", "uploads", "list")
	if err != nil {
		t.Fatalf("uploads list: %v", err)
	}
	for _, want := range []string{"old.bin", "new.bin", "2.0 KiB", "uploading", "2 uploads"} {
		if !strings.Contains(out, want) {
			t.Errorf("list output lacks %q:\n%s", want, out)
		}
	}

	out, err = f.run(t, "", "uploads", "list", "--older-than", "24h")
	if err != nil {
		t.Fatalf("uploads list --older-than: %v", err)
	}
	if !strings.Contains(out, "old.bin") || strings.Contains(out, "new.bin") {
		t.Errorf("filtered list output:\n%s", out)
	}
}

func TestUploadsListMarksStale(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "gone", 0, "k")
	if _, err := f.run(t, "", "bucket", "delete", "gone"); err != nil {
		t.Fatalf("bucket delete: %v", err)
	}
	out, err := f.run(t, "", "uploads", "list", "--bucket", "gone")
	if err != nil {
		t.Fatalf("uploads list: %v", err)
	}
	if !strings.Contains(out, "stale") {
		t.Errorf("stale upload not marked:\n%s", out)
	}
}

func TestUploadsClear(t *testing.T) {
	f := newFixture(t)
	old := f.seed(t, "media", 10*24*time.Hour, "old.bin")
	fresh := f.seed(t, "media", 0, "new.bin")
	f.expire(t, old...)
	f.expire(t, fresh...)

	out, err := f.run(t, "", "uploads", "clear", "--days-ago", "7", "--yes")
	if err != nil {
		t.Fatalf("uploads clear: %v", err)
	}
	if !strings.Contains(out, "aborted 1") {
		t.Errorf("clear output = %q", out)
	}
	if f.partExists(old[0]) {
		t.Error("part of the old upload survived")
	}
	if !f.partExists(fresh[0]) {
		t.Error("part of the fresh upload was deleted")
	}
}

func TestUploadsClearKeepsUnexpired(t *testing.T) {
	f := newFixture(t)
	ids := f.seed(t, "media", 40*24*time.Hour, "a.bin")

	out, err := f.run(t, "", "uploads", "clear", "--yes")
	if err != nil {
		t.Fatalf("uploads clear: %v", err)
	}
	if !strings.Contains(out, "No uploads to reclaim.") {
		t.Errorf("clear output = %q", out)
	}
	if !f.partExists(ids[0]) {
		t.Fatal("an unexpired upload was reclaimed")
	}

	out, err = f.run(t, "", "uploads", "clear", "--ignore-expiry", "--yes")
	if err != nil {
		t.Fatalf("uploads clear --ignore-expiry: %v", err)
	}
	if !strings.Contains(out, "aborted 1") || f.partExists(ids[0]) {
		t.Errorf("--ignore-expiry did not reclaim the upload: %q", out)
	}
}

func TestUploadsClearConfirmation(t *testing.T) {
	f := newFixture(t)
	ids := f.seed(t, "media", 0, "a.bin")
	f.expire(t, ids...)

	out, err := f.run(t, "n\n", "uploads", "clear", "--days-ago", "0")
	if err != nil {
		t.Fatalf("uploads clear: %v", err)
	}
	if !strings.Contains(out, "Reclaim 1 uploads?") || !strings.Contains(out, "Aborted.") {
		t.Errorf("declined clear output = %q", out)
	}
	if !f.partExists(ids[0]) {
		t.Fatal("a declined clear deleted parts")
	}

	if _, err := f.run(t, "y\n", "uploads", "clear", "--days-ago", "0", "--bucket", "media"); err != nil {
		t.Fatalf("uploads clear: %v", err)
	}
	if f.partExists(ids[0]) {
		t.Error("a confirmed clear left the part behind")
	}
}

func TestUploadsClearOrphans(t *testing.T) {
	f := newFixture(t)
	ids := f.seed(t, "gone", 0, "k")
	if _, err := f.run(t, "", "bucket", "delete", "gone"); err != nil {
		t.Fatalf("bucket delete: %v", err)
	}
	out, err := f.run(t, "", "uploads", "clear", "--days-ago", "0", "--ignore-expiry", "--yes")
	if err != nil {
		t.Fatalf("uploads clear: %v", err)
	}
	if !strings.Contains(out, "purged 1 orphans (1 part keys)") {
		t.Errorf("clear output = %q", out)
	}
	if f.partExists(ids[0]) {
		t.Error("orphan part survived")
	}
}

func TestExportImport(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "media", 0, "a.bin", "b.bin")

	exportPath := filepath.Join(f.dir, "meta.json")
	if _, err := f.run(t, "", "export", "--output", exportPath); err != nil {
		t.Fatalf("export: %v", err)
	}
	data, err := os.ReadFile(exportPath)
	if err != nil {
		t.Fatalf("reading export: %v", err)
	}
	if !strings.Contains(string(data), `"iharbor_export"`) {
		t.Errorf("export document lacks its envelope")
	}

	out, err := f.run(t, string(data), "import")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !strings.Contains(out, "multipart_uploads: 0 imported, 2 skipped") {
		t.Errorf("import output = %q", out)
	}

	if _, err := f.run(t, "", "export", "--tables", "credentials"); err == nil {
		t.Error("exporting an unknown table succeeded")
	}
}
