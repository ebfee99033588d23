package multipart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	s3err "github.com/i-harbor/iharbor-s3/internal/errors"
	"github.com/i-harbor/iharbor-s3/internal/metadata"
	"github.com/i-harbor/iharbor-s3/internal/metrics"
	"github.com/i-harbor/iharbor-s3/internal/storage"
)

// orphanProbeLimit is the number of consecutive missing part keys after
// which PurgeOrphan stops probing.
const orphanProbeLimit = 10

// Abort reclaims the uncomposed parts of u and deletes the upload row.
//
// Abort holds the Composing gate while it runs, so it never overlaps a
// completion. If more than half of the parts cannot be reclaimed the upload
// is left in place and an internal error is returned; otherwise the failed
// parts get one more attempt before the row is deleted.
func (m *Manager) Abort(ctx context.Context, u *metadata.UploadRecord) error {
	if err := m.acquire(ctx, u); err != nil {
		metrics.AbortsTotal.WithLabelValues("rejected").Inc()
		return err
	}
	ctx = context.WithoutCancel(ctx)
	if err := m.reclaim(ctx, u); err != nil {
		m.revert(ctx, u)
		metrics.AbortsTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.AbortsTotal.WithLabelValues("success").Inc()
	slog.Info("multipart upload aborted", "upload_id", u.ID, "bucket", u.BucketName, "key", u.ObjectKey)
	return nil
}

func (m *Manager) reclaim(ctx context.Context, u *metadata.UploadRecord) error {
	parts, err := m.meta.ListUncomposedParts(ctx, u.BucketID, u.ID)
	if err != nil {
		return fmt.Errorf("listing parts of %s: %w", u.ID, err)
	}

	failed := m.reclaimParts(ctx, parts)
	if len(failed)*2 > len(parts) {
		return s3err.ErrInternalError.WithMessage(
			fmt.Sprintf("Could not reclaim %d of %d parts; please retry.", len(failed), len(parts)))
	}
	if len(failed) > 0 {
		if still := m.reclaimParts(ctx, failed); len(still) > 0 {
			return s3err.ErrInternalError.WithMessage(
				fmt.Sprintf("Could not reclaim %d of %d parts; please retry.", len(still), len(parts)))
		}
	}

	if err := retryOnce(ctx, "delete upload", func() error { return m.meta.DeleteUpload(ctx, u.ID) }); err != nil {
		return fmt.Errorf("deleting upload %s: %w", u.ID, err)
	}
	return nil
}

// reclaimParts deletes the bytes and then the row of each part and returns
// the parts that could not be fully reclaimed. A part whose bytes cannot
// be deleted keeps its row so that a later attempt still finds it.
func (m *Manager) reclaimParts(ctx context.Context, parts []metadata.PartRecord) []metadata.PartRecord {
	var failed []metadata.PartRecord
	for _, p := range parts {
		if err := m.deletePartBytes(ctx, &p); err != nil {
			failed = append(failed, p)
			continue
		}
		if err := m.deletePartRow(ctx, &p); err != nil {
			failed = append(failed, p)
		}
	}
	return failed
}

// PurgeOrphan removes an upload whose bucket no longer exists. Its part
// rows went with the bucket, so part bytes are found by probing keys
// part_{id}_1, part_{id}_2, ... until orphanProbeLimit consecutive keys are
// missing. It returns the number of part keys deleted.
func (m *Manager) PurgeOrphan(ctx context.Context, u *metadata.UploadRecord) (int, error) {
	deleted, misses := 0, 0
	for n := 1; n <= m.opts.MaxParts && misses < orphanProbeLimit; n++ {
		key := metadata.PartStorageKey(u.ID, n)
		size, err := m.store.Size(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			misses++
			continue
		}
		if err != nil {
			return deleted, fmt.Errorf("probing %s: %w", key, err)
		}
		misses = 0
		if err := retryOnce(ctx, "delete orphan part", func() error { return m.store.Delete(ctx, key, size) }); err != nil {
			return deleted, fmt.Errorf("deleting %s: %w", key, err)
		}
		deleted++
	}
	if err := retryOnce(ctx, "delete upload", func() error { return m.meta.DeleteUpload(ctx, u.ID) }); err != nil {
		return deleted, fmt.Errorf("deleting upload %s: %w", u.ID, err)
	}
	return deleted, nil
}
