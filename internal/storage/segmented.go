package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// blobInfo describes one stored blob.
type blobInfo struct {
	Name string
	Size int64
}

// blobStore is the whole-blob API of an object store that cannot write at
// an offset (S3, GCS, Azure Blob, sqlite).
type blobStore interface {
	PutBlob(ctx context.Context, name string, data []byte) error
	// GetBlobRange returns length bytes of name starting at offset.
	GetBlobRange(ctx context.Context, name string, offset, length int64) (io.ReadCloser, error)
	// ListBlobs returns every blob whose name starts with prefix.
	ListBlobs(ctx context.Context, prefix string) ([]blobInfo, error)
	// RemoveBlob deletes name. Removing a missing blob is not an error.
	RemoveBlob(ctx context.Context, name string) error
	Ping(ctx context.Context) error
}

// segment is one Write of a key, stored as its own blob.
type segment struct {
	name   string
	offset int64
	size   int64
}

// SegmentedStore implements ByteStore over a blobStore. Every Write becomes
// a blob named {prefix}{key}/{offset as 16 hex digits}; reads stitch the
// segments of a key back together in offset order. Writers must not
// overlap segments, which holds for part uploads (each part key is
// truncated before it is rewritten) and for composition (contiguous,
// ascending writes after a truncate).
type SegmentedStore struct {
	blobs  blobStore
	prefix string
}

var _ ByteStore = (*SegmentedStore)(nil)

func newSegmentedStore(blobs blobStore, prefix string) *SegmentedStore {
	return &SegmentedStore{blobs: blobs, prefix: prefix}
}

func (s *SegmentedStore) segmentPrefix(key string) string {
	return s.prefix + key + "/"
}

func (s *SegmentedStore) segmentName(key string, offset int64) string {
	return fmt.Sprintf("%s%016x", s.segmentPrefix(key), offset)
}

// segments lists the segments of key in offset order.
func (s *SegmentedStore) segments(ctx context.Context, key string) ([]segment, error) {
	prefix := s.segmentPrefix(key)
	blobs, err := s.blobs.ListBlobs(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing segments of %q: %w", key, err)
	}
	segs := make([]segment, 0, len(blobs))
	for _, b := range blobs {
		suffix := strings.TrimPrefix(b.Name, prefix)
		if len(suffix) != 16 {
			continue
		}
		off, err := strconv.ParseInt(suffix, 16, 64)
		if err != nil {
			continue
		}
		segs = append(segs, segment{name: b.Name, offset: off, size: b.Size})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].offset < segs[j].offset })
	return segs, nil
}

func (s *SegmentedStore) Write(ctx context.Context, key string, offset int64, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if offset < 0 {
		return fmt.Errorf("storage: negative offset %d", offset)
	}
	if len(data) == 0 {
		return nil
	}
	if err := s.blobs.PutBlob(ctx, s.segmentName(key, offset), data); err != nil {
		return fmt.Errorf("writing %q at %d: %w", key, offset, err)
	}
	return nil
}

func (s *SegmentedStore) ReadStream(ctx context.Context, key string, offset, end int64) (io.ReadCloser, error) {
	segs, err := s.segments(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("key %q: %w", key, ErrNotFound)
	}

	var size int64
	for _, seg := range segs {
		if seg.offset != size {
			return nil, fmt.Errorf("storage: segments of %q are not contiguous at %d", key, size)
		}
		size += seg.size
	}
	end, err = checkRange(offset, end, size)
	if err != nil {
		return nil, err
	}

	var spans []segment
	for _, seg := range segs {
		lo, hi := max(offset, seg.offset), min(end, seg.offset+seg.size)
		if lo >= hi {
			continue
		}
		// offset is relative to the segment blob here.
		spans = append(spans, segment{name: seg.name, offset: lo - seg.offset, size: hi - lo})
	}
	return &segmentReader{ctx: ctx, blobs: s.blobs, spans: spans}, nil
}

func (s *SegmentedStore) Size(ctx context.Context, key string) (int64, error) {
	segs, err := s.segments(ctx, key)
	if err != nil {
		return 0, err
	}
	if len(segs) == 0 {
		return 0, fmt.Errorf("key %q: %w", key, ErrNotFound)
	}
	last := segs[len(segs)-1]
	return last.offset + last.size, nil
}

func (s *SegmentedStore) Delete(ctx context.Context, key string, sizeHint int64) error {
	return s.removeSegments(ctx, key)
}

// Truncate removes every segment. The key then reads as missing until it
// is written again.
func (s *SegmentedStore) Truncate(ctx context.Context, key string) error {
	return s.removeSegments(ctx, key)
}

func (s *SegmentedStore) removeSegments(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	segs, err := s.segments(ctx, key)
	if err != nil {
		return err
	}
	var errs []error
	for _, seg := range segs {
		if err := s.blobs.RemoveBlob(ctx, seg.name); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", seg.name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *SegmentedStore) HealthCheck(ctx context.Context) error {
	return s.blobs.Ping(ctx)
}

// Close closes the underlying blob store if it holds resources.
func (s *SegmentedStore) Close() error {
	if c, ok := s.blobs.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// segmentReader opens one span at a time so that only a single ranged
// download is in flight.
type segmentReader struct {
	ctx   context.Context
	blobs blobStore
	spans []segment
	cur   io.ReadCloser
}

func (r *segmentReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if len(r.spans) == 0 {
				return 0, io.EOF
			}
			span := r.spans[0]
			r.spans = r.spans[1:]
			rc, err := r.blobs.GetBlobRange(r.ctx, span.name, span.offset, span.size)
			if err != nil {
				return 0, fmt.Errorf("reading %s: %w", span.name, err)
			}
			r.cur = rc
		}
		n, err := r.cur.Read(p)
		if err == io.EOF {
			r.cur.Close()
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *segmentReader) Close() error {
	r.spans = nil
	if r.cur != nil {
		err := r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}
