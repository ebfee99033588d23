package multipart

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"time"

	s3err "github.com/i-harbor/iharbor-s3/internal/errors"
	"github.com/i-harbor/iharbor-s3/internal/metadata"
	"github.com/i-harbor/iharbor-s3/internal/metrics"
	"github.com/i-harbor/iharbor-s3/internal/storage"
)

// CompletePart is one entry of a completion manifest.
type CompletePart struct {
	PartNumber int
	ETag       string
}

// CompleteResult describes a composed object.
type CompleteResult struct {
	Bucket   string
	Key      string
	ObjectID int64
	// ETag is the quoted composite ETag.
	ETag string
	Size int64
	// MD5 is the hex md5 of the composed bytes.
	MD5   string
	Parts int
}

// ValidateManifest checks the shape of a completion manifest: non-empty,
// part numbers within 1..maxParts and strictly ascending.
func ValidateManifest(parts []CompletePart, maxParts int) error {
	if len(parts) == 0 {
		return s3err.ErrMalformedXML.WithMessage("The XML you provided did not list any parts.")
	}
	for i, p := range parts {
		if p.PartNumber < 1 || p.PartNumber > maxParts {
			return s3err.ErrInvalidPart.WithMessage(
				fmt.Sprintf("Part number %d is out of range 1..%d.", p.PartNumber, maxParts))
		}
		if i > 0 && p.PartNumber <= parts[i-1].PartNumber {
			return s3err.ErrInvalidPartOrder
		}
	}
	return nil
}

// Complete composes the parts named by manifest into the object u targets.
//
// Once the upload is Composing the work runs to the end even if ctx is
// cancelled. Any failure before the object row is finalized reverts the
// upload to Uploading so that the client can retry.
func (m *Manager) Complete(ctx context.Context, bucket *metadata.BucketRecord, u *metadata.UploadRecord, manifest []CompletePart) (*CompleteResult, error) {
	if err := ValidateManifest(manifest, m.opts.MaxParts); err != nil {
		metrics.CompletionsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if err := m.acquire(ctx, u); err != nil {
		metrics.CompletionsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	metrics.ComposingUploads.Inc()
	defer metrics.ComposingUploads.Dec()
	start := time.Now()

	ctx = context.WithoutCancel(ctx)
	res, err := m.compose(ctx, bucket, u, manifest)
	if err != nil {
		m.revert(ctx, u)
		result := "failed"
		if s3err.As(err).Code != s3err.ErrInternalError.Code {
			result = "rejected"
		}
		metrics.CompletionsTotal.WithLabelValues(result).Inc()
		return nil, err
	}

	m.finish(ctx, u)
	metrics.CompletionsTotal.WithLabelValues("success").Inc()
	metrics.CompletionDuration.Observe(time.Since(start).Seconds())
	metrics.ComposedBytes.Observe(float64(res.Size))
	slog.Info("multipart upload completed",
		"upload_id", u.ID, "bucket", bucket.Name, "key", u.ObjectKey,
		"parts", res.Parts, "size", res.Size, "etag", res.ETag)
	return res, nil
}

// partSelection is the outcome of matching a manifest against stored parts.
type partSelection struct {
	used   []metadata.PartRecord
	unused []metadata.PartRecord
}

// selectParts matches the manifest against the parts recorded for u.
func (m *Manager) selectParts(ctx context.Context, u *metadata.UploadRecord, manifest []CompletePart) (*partSelection, error) {
	stored, err := m.meta.ListParts(ctx, u.BucketID, u.ID)
	if err != nil {
		return nil, fmt.Errorf("listing parts of %s: %w", u.ID, err)
	}
	byNumber := make(map[int]metadata.PartRecord, len(stored))
	for _, p := range stored {
		byNumber[p.PartNumber] = p
	}

	sel := &partSelection{used: make([]metadata.PartRecord, 0, len(manifest))}
	inManifest := make(map[int]bool, len(manifest))
	last := len(manifest) - 1
	for i, want := range manifest {
		p, ok := byNumber[want.PartNumber]
		if !ok {
			return nil, s3err.ErrInvalidPart.WithMessage(
				fmt.Sprintf("Part %d has not been uploaded.", want.PartNumber))
		}
		if NormalizeETag(want.ETag) != NormalizeETag(p.PartMD5) {
			return nil, s3err.ErrInvalidPart.WithMessage(
				fmt.Sprintf("The ETag of part %d does not match the uploaded part.", want.PartNumber))
		}
		if i != last && p.Size < m.opts.MinPartSize {
			return nil, s3err.ErrEntityTooSmall.WithExtra("PartNumber", fmt.Sprint(p.PartNumber))
		}
		inManifest[p.PartNumber] = true
		sel.used = append(sel.used, p)
	}
	if len(sel.used) != len(manifest) {
		return nil, s3err.ErrInvalidPart
	}
	for _, p := range stored {
		if !inManifest[p.PartNumber] {
			sel.unused = append(sel.unused, p)
		}
	}
	return sel, nil
}

// compose runs the completion steps that follow the gate. The caller owns
// reverting the upload when it fails.
func (m *Manager) compose(ctx context.Context, bucket *metadata.BucketRecord, u *metadata.UploadRecord, manifest []CompletePart) (*CompleteResult, error) {
	sel, err := m.selectParts(ctx, u, manifest)
	if err != nil {
		return nil, err
	}

	etag := newCompositeETag()
	for _, p := range sel.used {
		if err := etag.add(p.PartMD5); err != nil {
			return nil, fmt.Errorf("part %d of %s: %w", p.PartNumber, u.ID, err)
		}
	}
	compositeETag := etag.String()

	obj, err := m.prepareObject(ctx, bucket, u)
	if err != nil {
		return nil, err
	}
	dst := metadata.ObjectStorageKey(bucket.ID, obj.ID)

	whole := md5.New()
	var offset int64
	for i := range sel.used {
		p := &sel.used[i]
		if err := m.copyPart(ctx, p, dst, offset, whole); err != nil {
			return nil, err
		}
		p.ObjectID = obj.ID
		p.ObjectOffset = offset
		p.ObjectETag = compositeETag
		p.PartsCount = len(sel.used)
		offset += p.Size
	}

	// Parts are stamped only once every byte is in place and unstamped again
	// if the object cannot be finalized. Abort reclaims unstamped parts only.
	if err := retryOnce(ctx, "update part composition", func() error { return m.meta.UpdatePartComposition(ctx, sel.used) }); err != nil {
		m.uncompose(ctx, u, sel.used)
		return nil, fmt.Errorf("recording composition of %s: %w", u.ID, err)
	}

	obj.Size = offset
	obj.MD5 = hex.EncodeToString(whole.Sum(nil))
	obj.ETag = compositeETag
	obj.ShareCode = u.ShareCode
	obj.UploadID = u.ID
	obj.ModifiedAt = m.now()
	if err := m.meta.UpdateObject(ctx, obj); err != nil {
		m.uncompose(ctx, u, sel.used)
		return nil, fmt.Errorf("finalizing object %s/%s: %w", bucket.Name, u.ObjectKey, err)
	}

	m.cleanupAfterCompose(ctx, u, sel)

	return &CompleteResult{
		Bucket:   bucket.Name,
		Key:      u.ObjectKey,
		ObjectID: obj.ID,
		ETag:     compositeETag,
		Size:     obj.Size,
		MD5:      obj.MD5,
		Parts:    len(sel.used),
	}, nil
}

// prepareObject resolves the destination object row and clears whatever a
// previous composition left under it: its bytes and the part rows that
// described it.
func (m *Manager) prepareObject(ctx context.Context, bucket *metadata.BucketRecord, u *metadata.UploadRecord) (*metadata.ObjectRecord, error) {
	obj, created, err := m.meta.GetOrCreateObject(ctx, bucket.ID, u.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("resolving object %s/%s: %w", bucket.Name, u.ObjectKey, err)
	}

	if u.ObjectID != obj.ID {
		next := *u
		next.ObjectID = obj.ID
		if err := m.meta.UpdateUpload(ctx, &next); err != nil {
			return nil, fmt.Errorf("binding upload %s to object %d: %w", u.ID, obj.ID, err)
		}
		u.ObjectID = obj.ID
	}
	if created {
		return obj, nil
	}

	// An earlier failed attempt may have written bytes even when the row
	// still reports size 0.
	key := metadata.ObjectStorageKey(bucket.ID, obj.ID)
	if err := retryOnce(ctx, "truncate object", func() error { return m.store.Truncate(ctx, key) }); err != nil {
		return nil, fmt.Errorf("resetting %s: %w", key, err)
	}

	if obj.UploadID != "" && obj.UploadID != u.ID {
		old, err := m.meta.ListParts(ctx, bucket.ID, obj.UploadID)
		if err != nil {
			return nil, fmt.Errorf("listing previous composition of %s: %w", key, err)
		}
		for _, p := range old {
			if p.ObjectID != obj.ID {
				continue
			}
			if err := m.meta.DeletePart(ctx, bucket.ID, p.UploadID, p.PartNumber); err != nil {
				slog.Warn("dropping previous composition row", "upload_id", p.UploadID, "part_number", p.PartNumber, "error", err)
				metrics.CleanupFailuresTotal.WithLabelValues("previous_row").Inc()
			}
		}
	}
	return obj, nil
}

// copyPart streams the bytes of p into dst at offset in bounded chunks,
// feeding them to whole. A failed write is retried once. A read that fails
// mid-stream is resumed once from the current position.
func (m *Manager) copyPart(ctx context.Context, p *metadata.PartRecord, dst string, offset int64, whole hash.Hash) error {
	if p.Size == 0 {
		return nil
	}
	src := p.StorageKey()
	buf := make([]byte, min(int64(m.opts.ChunkSize), p.Size))
	var pos int64
	resumed := false

	rc, err := m.store.ReadStream(ctx, src, 0, p.Size)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer func() { rc.Close() }()

	for pos < p.Size {
		n, rerr := io.ReadFull(rc, buf[:min(int64(len(buf)), p.Size-pos)])
		if n > 0 {
			chunk := buf[:n]
			at := offset + pos
			if err := retryOnce(ctx, "write object", func() error { return m.store.Write(ctx, dst, at, chunk) }); err != nil {
				return fmt.Errorf("writing %s at %d: %w", dst, at, err)
			}
			whole.Write(chunk)
			pos += int64(n)
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			if pos < p.Size {
				return fmt.Errorf("part %s holds %d bytes, want %d", src, pos, p.Size)
			}
			break
		}
		if resumed {
			return fmt.Errorf("reading %s at %d: %w", src, pos, rerr)
		}
		resumed = true
		next, err := m.store.ReadStream(ctx, src, pos, p.Size)
		if err != nil {
			return fmt.Errorf("reopening %s at %d: %w", src, pos, err)
		}
		rc.Close()
		rc = next
	}
	return nil
}

// cleanupAfterCompose deletes the unused parts entirely and the bytes of
// the used ones. Failures are logged and counted, never returned.
func (m *Manager) cleanupAfterCompose(ctx context.Context, u *metadata.UploadRecord, sel *partSelection) {
	for _, p := range sel.unused {
		if err := m.deletePartBytes(ctx, &p); err != nil {
			continue
		}
		m.deletePartRow(ctx, &p)
	}
	for _, p := range sel.used {
		m.deletePartBytes(ctx, &p)
	}
}

// deletePartBytes removes the bytes of p, retrying once.
func (m *Manager) deletePartBytes(ctx context.Context, p *metadata.PartRecord) error {
	key := p.StorageKey()
	err := retryOnce(ctx, "delete part bytes", func() error { return m.store.Delete(ctx, key, p.Size) })
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		slog.Warn("deleting part bytes", "upload_id", p.UploadID, "part_number", p.PartNumber, "key", key, "error", err)
		metrics.CleanupFailuresTotal.WithLabelValues("part_bytes").Inc()
		return err
	}
	return nil
}

// deletePartRow removes the row of p, retrying once.
func (m *Manager) deletePartRow(ctx context.Context, p *metadata.PartRecord) error {
	err := retryOnce(ctx, "delete part row", func() error {
		return m.meta.DeletePart(ctx, p.BucketID, p.UploadID, p.PartNumber)
	})
	if err != nil {
		slog.Warn("deleting part row", "upload_id", p.UploadID, "part_number", p.PartNumber, "error", err)
		metrics.CleanupFailuresTotal.WithLabelValues("part_row").Inc()
	}
	return err
}

// uncompose clears the composition fields of parts.
func (m *Manager) uncompose(ctx context.Context, u *metadata.UploadRecord, parts []metadata.PartRecord) {
	reset := make([]metadata.PartRecord, len(parts))
	for i, p := range parts {
		p.ObjectID = 0
		p.ObjectOffset = -1
		p.ObjectETag = ""
		p.PartsCount = 0
		reset[i] = p
	}
	err := retryOnce(ctx, "reset part composition", func() error { return m.meta.UpdatePartComposition(ctx, reset) })
	if err != nil {
		slog.Error("resetting part composition", "upload_id", u.ID, "parts", len(parts), "error", err)
		metrics.CleanupFailuresTotal.WithLabelValues("part_row").Inc()
	}
}

// revert returns a Composing upload to Uploading.
func (m *Manager) revert(ctx context.Context, u *metadata.UploadRecord) {
	if err := m.Transition(ctx, u, metadata.StatusUploading); err != nil {
		slog.Error("reverting upload to uploading", "upload_id", u.ID, "error", err)
	}
}

// finish deletes the upload row of a composed object. When that fails
// twice the upload is marked Completed so that it is purged, not composed
// again, when it is next seen.
func (m *Manager) finish(ctx context.Context, u *metadata.UploadRecord) {
	err := retryOnce(ctx, "delete upload", func() error { return m.meta.DeleteUpload(ctx, u.ID) })
	if err == nil {
		return
	}
	slog.Warn("deleting completed upload row", "upload_id", u.ID, "error", err)
	if terr := m.Transition(ctx, u, metadata.StatusCompleted); terr != nil {
		slog.Error("marking upload completed", "upload_id", u.ID, "error", terr)
	}
}
