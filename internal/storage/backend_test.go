package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
)

// storeFactories lists every ByteStore implementation reachable without
// external services.
func storeFactories() map[string]func(t *testing.T) ByteStore {
	return map[string]func(t *testing.T) ByteStore{
		"memory": func(t *testing.T) ByteStore { return NewMemoryStore() },
		"local": func(t *testing.T) ByteStore {
			s, err := NewLocalStore(filepath.Join(t.TempDir(), "objects"))
			if err != nil {
				t.Fatalf("NewLocalStore: %v", err)
			}
			return s
		},
		"sqlite": func(t *testing.T) ByteStore {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "blobs.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
		"aws": func(t *testing.T) ByteStore {
			return newSegmentedStore(NewAWSBlobsWithClient("upstream", newMockS3Client()), "iharbor/")
		},
		"gcp": func(t *testing.T) ByteStore {
			return newSegmentedStore(NewGCSBlobsWithClient("upstream", newMockGCSClient()), "")
		},
		"azure": func(t *testing.T) ByteStore {
			return newSegmentedStore(NewAzureBlobsWithClient("upstream", newMockAzureClient()), "pfx/")
		},
	}
}

func forEachByteStore(t *testing.T, fn func(t *testing.T, s ByteStore)) {
	t.Helper()
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func readAll(t *testing.T, s ByteStore, key string, offset, end int64) []byte {
	t.Helper()
	rc, err := s.ReadStream(context.Background(), key, offset, end)
	if err != nil {
		t.Fatalf("ReadStream(%q, %d, %d): %v", key, offset, end, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading %q: %v", key, err)
	}
	return data
}

func TestWriteAtOffsets(t *testing.T) {
	forEachByteStore(t, func(t *testing.T, s ByteStore) {
		ctx := context.Background()
		if err := s.Write(ctx, "obj_1", 0, []byte("hello")); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := s.Write(ctx, "obj_1", 5, []byte(" world")); err != nil {
			t.Fatalf("Write: %v", err)
		}

		if got := readAll(t, s, "obj_1", 0, -1); string(got) != "hello world" {
			t.Errorf("content: got %q, want %q", got, "hello world")
		}
		size, err := s.Size(ctx, "obj_1")
		if err != nil {
			t.Fatalf("Size: %v", err)
		}
		if size != 11 {
			t.Errorf("size: got %d, want 11", size)
		}
	})
}

func TestReadRanges(t *testing.T) {
	forEachByteStore(t, func(t *testing.T, s ByteStore) {
		ctx := context.Background()
		// Two segments so that ranges cross a boundary on segmented stores.
		if err := s.Write(ctx, "k", 0, []byte("0123")); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := s.Write(ctx, "k", 4, []byte("456789")); err != nil {
			t.Fatalf("Write: %v", err)
		}

		tests := []struct {
			offset, end int64
			want        string
		}{
			{0, 10, "0123456789"},
			{2, 7, "23456"},
			{4, 5, "4"},
			{8, 100, "89"},
			{3, 3, ""},
		}
		for _, tc := range tests {
			if got := readAll(t, s, "k", tc.offset, tc.end); string(got) != tc.want {
				t.Errorf("range [%d,%d): got %q, want %q", tc.offset, tc.end, got, tc.want)
			}
		}

		if _, err := s.ReadStream(ctx, "k", 11, -1); err == nil {
			t.Error("expected error for offset past the end")
		}
	})
}

func TestMissingKey(t *testing.T) {
	forEachByteStore(t, func(t *testing.T, s ByteStore) {
		ctx := context.Background()
		if _, err := s.ReadStream(ctx, "absent", 0, -1); !errors.Is(err, ErrNotFound) {
			t.Errorf("ReadStream: got %v, want ErrNotFound", err)
		}
		if _, err := s.Size(ctx, "absent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Size: got %v, want ErrNotFound", err)
		}
		if err := s.Delete(ctx, "absent", 0); err != nil {
			t.Errorf("Delete of missing key: %v", err)
		}
		if err := s.Truncate(ctx, "absent"); err != nil {
			t.Errorf("Truncate of missing key: %v", err)
		}
	})
}

func TestDelete(t *testing.T) {
	forEachByteStore(t, func(t *testing.T, s ByteStore) {
		ctx := context.Background()
		if err := s.Write(ctx, "part_u_1", 0, []byte("abc")); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := s.Delete(ctx, "part_u_1", 3); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := s.Size(ctx, "part_u_1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Size after delete: got %v, want ErrNotFound", err)
		}
		if err := s.Delete(ctx, "part_u_1", 3); err != nil {
			t.Errorf("second Delete: %v", err)
		}
	})
}

func TestTruncateThenRewrite(t *testing.T) {
	forEachByteStore(t, func(t *testing.T, s ByteStore) {
		ctx := context.Background()
		if err := s.Write(ctx, "k", 0, bytes.Repeat([]byte("x"), 64)); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := s.Truncate(ctx, "k"); err != nil {
			t.Fatalf("Truncate: %v", err)
		}
		if err := s.Write(ctx, "k", 0, []byte("abc")); err != nil {
			t.Fatalf("Write after truncate: %v", err)
		}
		if got := readAll(t, s, "k", 0, -1); string(got) != "abc" {
			t.Errorf("content after rewrite: got %q, want %q", got, "abc")
		}
	})
}

func TestKeysDoNotShareBytes(t *testing.T) {
	forEachByteStore(t, func(t *testing.T, s ByteStore) {
		ctx := context.Background()
		if err := s.Write(ctx, "a", 0, []byte("first")); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := s.Write(ctx, "ab", 0, []byte("second")); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if got := readAll(t, s, "a", 0, -1); string(got) != "first" {
			t.Errorf("a: got %q", got)
		}
		if err := s.Delete(ctx, "a", 0); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if got := readAll(t, s, "ab", 0, -1); string(got) != "second" {
			t.Errorf("ab after deleting a: got %q", got)
		}
	})
}

func TestHealthCheck(t *testing.T) {
	forEachByteStore(t, func(t *testing.T, s ByteStore) {
		if err := s.HealthCheck(context.Background()); err != nil {
			t.Errorf("HealthCheck: %v", err)
		}
	})
}

func TestCheckRange(t *testing.T) {
	tests := []struct {
		offset, end, size int64
		want              int64
		wantErr           bool
	}{
		{0, -1, 10, 10, false},
		{0, 20, 10, 10, false},
		{5, 7, 10, 7, false},
		{10, -1, 10, 10, false},
		{11, -1, 10, 0, true},
		{-1, 5, 10, 0, true},
		{6, 5, 10, 0, true},
	}
	for _, tc := range tests {
		got, err := checkRange(tc.offset, tc.end, tc.size)
		if (err != nil) != tc.wantErr {
			t.Errorf("checkRange(%d,%d,%d) err: got %v, wantErr %v", tc.offset, tc.end, tc.size, err, tc.wantErr)
			continue
		}
		if err == nil && got != tc.want {
			t.Errorf("checkRange(%d,%d,%d): got %d, want %d", tc.offset, tc.end, tc.size, got, tc.want)
		}
	}
}

func TestValidateKey(t *testing.T) {
	for _, key := range []string{"", "a/b", `a\b`, "..", "x..y"} {
		if err := validateKey(key); err == nil {
			t.Errorf("validateKey(%q): expected error", key)
		}
	}
	for _, key := range []string{"part_0190a1b2c3_1", "12_345"} {
		if err := validateKey(key); err != nil {
			t.Errorf("validateKey(%q): %v", key, err)
		}
	}
}
