package multipart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	s3err "github.com/i-harbor/iharbor-s3/internal/errors"
	"github.com/i-harbor/iharbor-s3/internal/metadata"
	"github.com/i-harbor/iharbor-s3/internal/uid"
)

// ErrInvalidTransition is returned by Transition for a move the state
// machine does not allow.
var ErrInvalidTransition = errors.New("multipart: invalid status transition")

// transitions lists the allowed status moves.
var transitions = map[metadata.UploadStatus][]metadata.UploadStatus{
	metadata.StatusUploading: {metadata.StatusComposing},
	metadata.StatusComposing: {metadata.StatusUploading, metadata.StatusCompleted},
}

func allowed(from, to metadata.UploadStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Create registers a new upload for key in bucket. A nil expiresAt applies
// the default expiry.
func (m *Manager) Create(ctx context.Context, bucket *metadata.BucketRecord, key string, shareCode int, expiresAt *time.Time) (*metadata.UploadRecord, error) {
	now := m.now()
	if expiresAt == nil {
		exp := now.Add(m.opts.UploadExpiry)
		expiresAt = &exp
	}
	u := &metadata.UploadRecord{
		ID:         uid.NewUploadID(),
		BucketID:   bucket.ID,
		BucketName: bucket.Name,
		ObjectKey:  key,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
		Status:     metadata.StatusUploading,
		ShareCode:  shareCode,
	}
	if err := m.meta.CreateUpload(ctx, u); err != nil {
		return nil, fmt.Errorf("creating upload for %s/%s: %w", bucket.Name, key, err)
	}
	return u, nil
}

// Get returns the upload with the given id, or s3err.ErrNoSuchUpload.
func (m *Manager) Get(ctx context.Context, id string) (*metadata.UploadRecord, error) {
	u, err := m.meta.GetUpload(ctx, id)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, s3err.ErrNoSuchUpload
	}
	if err != nil {
		return nil, fmt.Errorf("getting upload %s: %w", id, err)
	}
	return u, nil
}

// Lookup resolves an upload addressed by a request on bucket/key. Unknown
// ids, uploads of another key and uploads left behind by a deleted bucket
// of the same name all yield s3err.ErrNoSuchUpload; the stale ones are
// deleted on the way.
func (m *Manager) Lookup(ctx context.Context, bucket *metadata.BucketRecord, key, id string) (*metadata.UploadRecord, error) {
	u, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.BucketName != bucket.Name || u.ObjectKey != key {
		return nil, s3err.ErrNoSuchUpload
	}
	if !u.BelongsTo(bucket) {
		m.dropStale(ctx, u)
		return nil, s3err.ErrNoSuchUpload
	}
	return u, nil
}

// FindActiveForKey returns the first upload recorded for key under bucket,
// or nil when there is none. Uploads bound to an earlier bucket of the same
// name are deleted and skipped.
func (m *Manager) FindActiveForKey(ctx context.Context, bucket *metadata.BucketRecord, key string) (*metadata.UploadRecord, error) {
	uploads, err := m.meta.FindUploads(ctx, bucket.Name, key)
	if err != nil {
		return nil, fmt.Errorf("finding uploads of %s/%s: %w", bucket.Name, key, err)
	}
	var found *metadata.UploadRecord
	for i := range uploads {
		u := &uploads[i]
		if !u.BelongsTo(bucket) {
			m.dropStale(ctx, u)
			continue
		}
		if found == nil {
			found = u
		}
	}
	return found, nil
}

func (m *Manager) dropStale(ctx context.Context, u *metadata.UploadRecord) {
	if err := m.meta.DeleteUpload(ctx, u.ID); err != nil {
		slog.Warn("deleting stale upload", "upload_id", u.ID, "bucket", u.BucketName, "error", err)
		return
	}
	slog.Info("deleted stale upload", "upload_id", u.ID, "bucket", u.BucketName, "bucket_id", u.BucketID)
}

// Rebind points an existing upload at bucket/key with a new share code and
// expiry. A nil expiresAt applies the default expiry from now.
func (m *Manager) Rebind(ctx context.Context, u *metadata.UploadRecord, bucket *metadata.BucketRecord, key string, shareCode int, expiresAt *time.Time) error {
	if expiresAt == nil {
		exp := m.now().Add(m.opts.UploadExpiry)
		expiresAt = &exp
	}
	next := *u
	next.BucketID = bucket.ID
	next.BucketName = bucket.Name
	next.ObjectKey = key
	next.ShareCode = shareCode
	next.ExpiresAt = expiresAt
	if err := m.meta.UpdateUpload(ctx, &next); err != nil {
		return fmt.Errorf("rebinding upload %s: %w", u.ID, err)
	}
	*u = next
	return nil
}

// Transition moves u to the target status with a conditional write on its
// current status. It is a no-op when u is already in the target status.
//
// A failed Uploading to Composing move is reported by what the row holds
// now: Composing yields ErrCompleteMultipartAlreadyInProgress, Completed
// deletes the row and yields ErrNoSuchUpload, as does a missing row.
func (m *Manager) Transition(ctx context.Context, u *metadata.UploadRecord, to metadata.UploadStatus) error {
	if u.Status == to {
		return nil
	}
	if !allowed(u.Status, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, u.Status, to)
	}
	swapped, err := m.meta.SwapUploadStatus(ctx, u.ID, u.Status, to)
	if err != nil {
		return fmt.Errorf("setting upload %s to %s: %w", u.ID, to, err)
	}
	if swapped {
		u.Status = to
		return nil
	}

	cur, err := m.Get(ctx, u.ID)
	if err != nil {
		return err
	}
	u.Status = cur.Status
	return m.statusError(ctx, cur)
}

// acquire takes the Composing gate for a completion or an abort.
func (m *Manager) acquire(ctx context.Context, u *metadata.UploadRecord) error {
	if u.Status != metadata.StatusUploading {
		return m.statusError(ctx, u)
	}
	return m.Transition(ctx, u, metadata.StatusComposing)
}

// statusError maps an upload that cannot accept a new operation to the
// error reported to the client. Completed uploads are purged.
func (m *Manager) statusError(ctx context.Context, u *metadata.UploadRecord) error {
	switch u.Status {
	case metadata.StatusComposing:
		return s3err.ErrCompleteMultipartAlreadyInProgress
	case metadata.StatusCompleted:
		if err := m.meta.DeleteUpload(ctx, u.ID); err != nil {
			slog.Warn("deleting completed upload", "upload_id", u.ID, "error", err)
		}
		return s3err.ErrNoSuchUpload
	default:
		return fmt.Errorf("%w: upload %s holds %s", ErrInvalidTransition, u.ID, u.Status)
	}
}

// Initiate starts a multipart upload for key. An abandoned upload of the
// same key is rebound and reused; one that is being composed is refused.
func (m *Manager) Initiate(ctx context.Context, bucket *metadata.BucketRecord, key string, shareCode int) (*metadata.UploadRecord, error) {
	u, err := m.FindActiveForKey(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	if u != nil {
		switch u.Status {
		case metadata.StatusUploading:
			err := m.rebindGated(ctx, u, bucket, key, shareCode)
			if err == nil {
				return u, nil
			}
			// NoSuchUpload: the upload finished since it was found.
			if !errors.Is(err, s3err.ErrNoSuchUpload) {
				return nil, err
			}
		case metadata.StatusComposing:
			return nil, s3err.ErrCompleteMultipartAlreadyInProgress
		default:
			if err := m.meta.DeleteUpload(ctx, u.ID); err != nil {
				return nil, fmt.Errorf("deleting completed upload %s: %w", u.ID, err)
			}
		}
	}
	return m.Create(ctx, bucket, key, shareCode, nil)
}

// rebindGated runs Rebind while holding the Composing gate. Part uploads
// that arrive meanwhile are refused as during a completion.
func (m *Manager) rebindGated(ctx context.Context, u *metadata.UploadRecord, bucket *metadata.BucketRecord, key string, shareCode int) error {
	if err := m.acquire(ctx, u); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	err := m.Rebind(ctx, u, bucket, key, shareCode, nil)
	m.revert(ctx, u)
	return err
}

// ListUploads lists the uploads of bucket. Only uploads bound to the live
// bucket are returned.
func (m *Manager) ListUploads(ctx context.Context, bucket *metadata.BucketRecord, opts metadata.ListUploadsOptions) ([]metadata.UploadRecord, error) {
	opts.BucketName = bucket.Name
	opts.BucketID = bucket.ID
	uploads, err := m.meta.ListUploads(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("listing uploads of %s: %w", bucket.Name, err)
	}
	return uploads, nil
}

// ListParts returns the parts recorded for an upload, by part number.
func (m *Manager) ListParts(ctx context.Context, u *metadata.UploadRecord) ([]metadata.PartRecord, error) {
	parts, err := m.meta.ListParts(ctx, u.BucketID, u.ID)
	if err != nil {
		return nil, fmt.Errorf("listing parts of %s: %w", u.ID, err)
	}
	return parts, nil
}
