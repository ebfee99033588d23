package multipart

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"

	s3err "github.com/i-harbor/iharbor-s3/internal/errors"
	"github.com/i-harbor/iharbor-s3/internal/metadata"
	"github.com/i-harbor/iharbor-s3/internal/metrics"
)

// PartInput is one part upload request.
type PartInput struct {
	PartNumber int
	// Size is the declared body length. The body must deliver exactly
	// Size bytes.
	Size int64
	Body io.Reader
	// ContentMD5 is the optional base64 Content-MD5 header value.
	ContentMD5 string
}

// ValidatePartNumber checks that n is within 1..MaxParts.
func (m *Manager) ValidatePartNumber(n int) error {
	if n < 1 || n > m.opts.MaxParts {
		return s3err.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("Part number must be an integer between 1 and %d, inclusive", m.opts.MaxParts))
	}
	return nil
}

// UploadPart streams in.Body to the byte store under the part key of
// in.PartNumber and records the part. Re-uploading a part number replaces
// both its bytes and its row.
func (m *Manager) UploadPart(ctx context.Context, u *metadata.UploadRecord, in PartInput) (*metadata.PartRecord, error) {
	if err := m.ValidatePartNumber(in.PartNumber); err != nil {
		return nil, err
	}
	if in.Size < 0 {
		return nil, s3err.ErrMissingContentLength
	}
	if in.Size > m.opts.MaxPartSize {
		return nil, s3err.ErrEntityTooLarge
	}
	var wantMD5 []byte
	if in.ContentMD5 != "" {
		raw, err := base64.StdEncoding.DecodeString(in.ContentMD5)
		if err != nil || len(raw) != md5.Size {
			return nil, s3err.ErrInvalidDigest
		}
		wantMD5 = raw
	}
	if err := m.acceptsParts(ctx, u); err != nil {
		return nil, err
	}

	key := metadata.PartStorageKey(u.ID, in.PartNumber)
	if err := retryOnce(ctx, "truncate part", func() error { return m.store.Truncate(ctx, key) }); err != nil {
		return nil, fmt.Errorf("truncating %s: %w", key, err)
	}

	sum, err := m.writeStream(ctx, key, in.Body, in.Size)
	if err != nil {
		m.discardPart(u, in.PartNumber, in.Size)
		return nil, err
	}
	if wantMD5 != nil && !bytes.Equal(sum, wantMD5) {
		m.discardPart(u, in.PartNumber, in.Size)
		return nil, s3err.ErrBadDigest
	}

	// The upload may have entered Composing while the body streamed.
	if err := m.acceptsParts(ctx, u); err != nil {
		return nil, err
	}

	p := &metadata.PartRecord{
		BucketID:     u.BucketID,
		UploadID:     u.ID,
		PartNumber:   in.PartNumber,
		Size:         in.Size,
		ObjectOffset: -1,
		PartMD5:      hex.EncodeToString(sum),
		ModifiedAt:   m.now(),
	}
	if err := m.meta.PutPart(ctx, p); err != nil {
		return nil, fmt.Errorf("recording part %d of %s: %w", in.PartNumber, u.ID, err)
	}
	metrics.PartsUploadedTotal.Inc()
	metrics.PartBytesTotal.Add(float64(in.Size))
	return p, nil
}

// acceptsParts re-reads the upload row and fails unless it is Uploading.
func (m *Manager) acceptsParts(ctx context.Context, u *metadata.UploadRecord) error {
	cur, err := m.Get(ctx, u.ID)
	if err != nil {
		return err
	}
	u.Status = cur.Status
	if cur.Status == metadata.StatusUploading {
		return nil
	}
	return m.statusError(ctx, cur)
}

// writeStream copies exactly size bytes of r into key in chunks and returns
// their md5.
func (m *Manager) writeStream(ctx context.Context, key string, r io.Reader, size int64) ([]byte, error) {
	h := md5.New()
	buf := make([]byte, min(int64(m.opts.ChunkSize), max(size, 1)))
	var off int64
	for off < size {
		n, err := io.ReadFull(r, buf[:min(int64(len(buf)), size-off)])
		if n > 0 {
			chunk := buf[:n]
			h.Write(chunk)
			at := off
			if werr := retryOnce(ctx, "write part", func() error { return m.store.Write(ctx, key, at, chunk) }); werr != nil {
				return nil, fmt.Errorf("writing %s at %d: %w", key, at, werr)
			}
			off += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if off < size {
				return nil, s3err.ErrIncompleteBody
			}
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading part body: %w", err)
		}
	}
	return h.Sum(nil), nil
}

// discardPart removes the bytes of a rejected part upload. The row of an
// earlier upload of the same part number goes too, since its bytes were
// truncated.
func (m *Manager) discardPart(u *metadata.UploadRecord, partNumber int, size int64) {
	ctx := context.Background()
	key := metadata.PartStorageKey(u.ID, partNumber)
	if err := m.store.Delete(ctx, key, size); err != nil {
		slog.Warn("discarding rejected part bytes", "upload_id", u.ID, "part_number", partNumber, "key", key, "error", err)
		metrics.CleanupFailuresTotal.WithLabelValues("part_bytes").Inc()
	}
	if err := m.meta.DeletePart(ctx, u.BucketID, u.ID, partNumber); err != nil {
		slog.Warn("deleting superseded part row", "upload_id", u.ID, "part_number", partNumber, "error", err)
		metrics.CleanupFailuresTotal.WithLabelValues("part_row").Inc()
	}
}

