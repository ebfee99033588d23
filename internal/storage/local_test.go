package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestNewLocalStoreCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "objects")
	if _, err := NewLocalStore(root); err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		t.Fatalf("stat root: %v", err)
	}
	if !info.IsDir() {
		t.Error("root is not a directory")
	}
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	if err := s.Write(context.Background(), "../escape", 0, []byte("x")); err == nil {
		t.Error("expected error for key with path traversal")
	}
}

func TestLocalStoreTruncateKeepsEmptyKey(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()
	if err := s.Write(ctx, "k", 0, []byte("abcdef")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Truncate(ctx, "k"); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	size, err := s.Size(ctx, "k")
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 0 {
		t.Errorf("size after truncate: got %d, want 0", size)
	}
}

func TestLocalStoreHealthCheckMissingRoot(t *testing.T) {
	s := &LocalStore{RootDir: filepath.Join(t.TempDir(), "gone")}
	if err := s.HealthCheck(context.Background()); err == nil {
		t.Error("expected error for missing root")
	}
}
