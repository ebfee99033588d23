package uid

import (
	"sort"
	"testing"
	"time"
)

func TestNewUploadIDShape(t *testing.T) {
	id := NewUploadID()
	if len(id) != UploadIDLength {
		t.Fatalf("len = %d, want %d", len(id), UploadIDLength)
	}
	for _, c := range id {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			t.Fatalf("id %q has non-hex character %q", id, c)
		}
	}
}

func TestNewUploadIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewUploadID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestNewUploadIDSortsByCreation(t *testing.T) {
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, NewUploadID())
		time.Sleep(2 * time.Millisecond)
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	for i := range ids {
		if ids[i] != sorted[i] {
			t.Fatalf("ids not in creation order: %v", ids)
		}
	}
}

func TestTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	got, ok := Time(NewUploadID())
	if !ok {
		t.Fatal("Time returned ok=false for a fresh id")
	}
	if got.Before(before) || got.After(time.Now().Add(time.Second)) {
		t.Errorf("Time = %v, want close to now", got)
	}
	if _, ok := Time("short"); ok {
		t.Error("Time accepted a malformed id")
	}
}
