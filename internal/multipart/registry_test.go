package multipart

import (
	"context"
	"errors"
	"testing"

	s3err "github.com/i-harbor/iharbor-s3/internal/errors"
	"github.com/i-harbor/iharbor-s3/internal/metadata"
)

func TestInitiateReusesUploadingUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.initiate(t, "k")
	f.uploadPart(t, first, 1, payload(1, kib))

	again, err := f.mgr.Initiate(ctx, f.bucket, "k", metadata.SharePublicRead)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("upload id: got %s, want the existing %s", again.ID, first.ID)
	}
	stored, err := f.meta.GetUpload(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetUpload: %v", err)
	}
	if stored.ShareCode != metadata.SharePublicRead {
		t.Errorf("share code: got %d, want %d", stored.ShareCode, metadata.SharePublicRead)
	}
	if _, err := f.meta.GetPart(ctx, f.bucket.ID, first.ID, 1); err != nil {
		t.Errorf("parts of the reused upload were lost: %v", err)
	}

	other, err := f.mgr.Initiate(ctx, f.bucket, "other", metadata.SharePrivate)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if other.ID == first.ID {
		t.Error("a different key reused the same upload")
	}
}

func TestInitiateRejectsComposing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.initiate(t, "k")
	if err := f.mgr.Transition(ctx, u, metadata.StatusComposing); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	_, err := f.mgr.Initiate(ctx, f.bucket, "k", metadata.SharePrivate)
	if !errors.Is(err, s3err.ErrCompleteMultipartAlreadyInProgress) {
		t.Fatalf("got %v, want CompleteMultipartAlreadyInProgress", err)
	}
}

func TestInitiateDoesNotRebindUnderCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.initiate(t, "k")

	// A completion takes the gate after Initiate has found the upload.
	f.meta.afterFindUploads = func() {
		if ok, err := f.meta.SwapUploadStatus(ctx, u.ID, metadata.StatusUploading, metadata.StatusComposing); err != nil || !ok {
			t.Errorf("SwapUploadStatus = %v, %v", ok, err)
		}
	}
	_, err := f.mgr.Initiate(ctx, f.bucket, "k", metadata.SharePublicReadWrite)
	if !errors.Is(err, s3err.ErrCompleteMultipartAlreadyInProgress) {
		t.Fatalf("got %v, want CompleteMultipartAlreadyInProgress", err)
	}
	stored, err := f.meta.GetUpload(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUpload: %v", err)
	}
	if stored.ShareCode != metadata.SharePrivate {
		t.Errorf("share code rewritten under a completion: got %d", stored.ShareCode)
	}
	if stored.Status != metadata.StatusComposing {
		t.Errorf("status: got %s, want composing", stored.Status)
	}
}

func TestInitiateRebindReleasesGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.initiate(t, "k")
	if _, err := f.mgr.Initiate(ctx, f.bucket, "k", metadata.SharePublicRead); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if got := f.status(t, u.ID); got != metadata.StatusUploading {
		t.Fatalf("status after rebind: got %s, want uploading", got)
	}
	f.uploadPart(t, u, 1, payload(1, kib))
}

func TestInitiateReplacesCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.initiate(t, "k")
	for _, s := range []metadata.UploadStatus{metadata.StatusComposing, metadata.StatusCompleted} {
		if err := f.mgr.Transition(ctx, u, s); err != nil {
			t.Fatalf("Transition(%s): %v", s, err)
		}
	}
	fresh := f.initiate(t, "k")
	if fresh.ID == u.ID {
		t.Fatal("completed upload was reused")
	}
	if !f.uploadGone(t, u.ID) {
		t.Error("completed upload row still present")
	}
}

func TestStaleUploadAfterBucketRecreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.initiate(t, "k")

	if err := f.meta.DeleteBucket(ctx, f.bucket.Name); err != nil {
		t.Fatalf("DeleteBucket: %v", err)
	}
	b, err := f.meta.CreateBucket(ctx, f.bucket.Name)
	if err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	if b.ID == f.bucket.ID {
		t.Fatalf("recreated bucket reused id %d", b.ID)
	}

	if _, err := f.mgr.Lookup(ctx, b, "k", old.ID); !errors.Is(err, s3err.ErrNoSuchUpload) {
		t.Errorf("Lookup: got %v, want NoSuchUpload", err)
	}
	if !f.uploadGone(t, old.ID) {
		t.Error("stale upload row still present")
	}

	fresh, err := f.mgr.Initiate(ctx, b, "k", metadata.SharePrivate)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if fresh.ID == old.ID || fresh.BucketID != b.ID {
		t.Errorf("new upload %+v is bound to the old bucket", fresh)
	}
}

func TestFindActiveForKeyDropsStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.initiate(t, "k")
	if err := f.meta.DeleteBucket(ctx, f.bucket.Name); err != nil {
		t.Fatalf("DeleteBucket: %v", err)
	}
	b, err := f.meta.CreateBucket(ctx, f.bucket.Name)
	if err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}

	u, err := f.mgr.FindActiveForKey(ctx, b, "k")
	if err != nil {
		t.Fatalf("FindActiveForKey: %v", err)
	}
	if u != nil {
		t.Errorf("got upload %s, want none", u.ID)
	}
	if !f.uploadGone(t, old.ID) {
		t.Error("stale upload row still present")
	}
}

func TestLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.initiate(t, "k")

	tests := []struct {
		name    string
		key, id string
		wantErr error
	}{
		{"match", "k", u.ID, nil},
		{"wrong key", "other", u.ID, s3err.ErrNoSuchUpload},
		{"unknown id", "k", "nope", s3err.ErrNoSuchUpload},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := f.mgr.Lookup(ctx, f.bucket, tc.key, tc.id)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("got %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			if got.ID != u.ID {
				t.Errorf("id: got %s, want %s", got.ID, u.ID)
			}
		})
	}
	if f.uploadGone(t, u.ID) {
		t.Error("a key mismatch deleted the upload")
	}
}

func TestTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u := f.initiate(t, "k")
	if err := f.mgr.Transition(ctx, u, metadata.StatusCompleted); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("uploading to completed: got %v, want ErrInvalidTransition", err)
	}
	if err := f.mgr.Transition(ctx, u, metadata.StatusUploading); err != nil {
		t.Errorf("same-state transition: %v", err)
	}
	if err := f.mgr.Transition(ctx, u, metadata.StatusComposing); err != nil {
		t.Fatalf("uploading to composing: %v", err)
	}
	if u.Status != metadata.StatusComposing {
		t.Errorf("in-memory status: got %s, want composing", u.Status)
	}

	// A second holder of a stale copy loses the gate.
	stale := *u
	stale.Status = metadata.StatusUploading
	if err := f.mgr.Transition(ctx, &stale, metadata.StatusComposing); !errors.Is(err, s3err.ErrCompleteMultipartAlreadyInProgress) {
		t.Errorf("second gate: got %v, want CompleteMultipartAlreadyInProgress", err)
	}

	if err := f.mgr.Transition(ctx, u, metadata.StatusUploading); err != nil {
		t.Fatalf("composing to uploading: %v", err)
	}
	if got := f.status(t, u.ID); got != metadata.StatusUploading {
		t.Errorf("stored status: got %s, want uploading", got)
	}
}

func TestListUploadsSkipsStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.initiate(t, "a")
	if err := f.meta.DeleteBucket(ctx, f.bucket.Name); err != nil {
		t.Fatalf("DeleteBucket: %v", err)
	}
	b, err := f.meta.CreateBucket(ctx, f.bucket.Name)
	if err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	live, err := f.mgr.Initiate(ctx, b, "b", metadata.SharePrivate)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	uploads, err := f.mgr.ListUploads(ctx, b, metadata.ListUploadsOptions{})
	if err != nil {
		t.Fatalf("ListUploads: %v", err)
	}
	if len(uploads) != 1 || uploads[0].ID != live.ID {
		t.Errorf("got %+v, want only %s", uploads, live.ID)
	}
}
