package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	s3err "github.com/i-harbor/iharbor-s3/internal/errors"
	"github.com/i-harbor/iharbor-s3/internal/metadata"
	"github.com/i-harbor/iharbor-s3/internal/storage"
	"github.com/i-harbor/iharbor-s3/internal/xmlutil"
)

// ObjectHandler serves reads of composed objects.
type ObjectHandler struct {
	meta  metadata.Store
	store storage.ByteStore
}

// NewObjectHandler creates a new ObjectHandler with the given dependencies.
func NewObjectHandler(meta metadata.Store, store storage.ByteStore) *ObjectHandler {
	return &ObjectHandler{meta: meta, store: store}
}

// objectRead is a resolved read: the object and the inclusive byte range to
// serve. partial is set for Range and partNumber reads.
type objectRead struct {
	bucket     *metadata.BucketRecord
	obj        *metadata.ObjectRecord
	start, end int64
	partial    bool
	partsCount int
}

func (o *objectRead) length() int64 {
	if o.obj.Size == 0 {
		return 0
	}
	return o.end - o.start + 1
}

// GetObject handles GET /{bucket}/{object}. Supports the Range header and
// the partNumber query parameter, which selects one part of a composed
// object.
func (h *ObjectHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	rd, err := h.resolve(r)
	countOperation("GetObject", err)
	if err != nil {
		if errors.Is(err, s3err.ErrInvalidRange) {
			if obj := rangeErrorObject(err); obj != nil {
				w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", obj.Size))
			}
		}
		writeError(w, r, err)
		return
	}

	h.setHeaders(w, rd)
	if rd.length() == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	rc, err := h.store.ReadStream(r.Context(), metadata.ObjectStorageKey(rd.bucket.ID, rd.obj.ID), rd.start, rd.end+1)
	if err != nil {
		w.Header().Del("Content-Length")
		w.Header().Del("Content-Range")
		writeError(w, r, fmt.Errorf("opening object %s/%s: %w", rd.bucket.Name, rd.obj.Key, err))
		return
	}
	defer rc.Close()

	if rd.partial {
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("streaming object", "bucket", rd.bucket.Name, "key", rd.obj.Key, "error", err)
	}
}

// HeadObject handles HEAD /{bucket}/{object} and returns the object headers
// without a body.
func (h *ObjectHandler) HeadObject(w http.ResponseWriter, r *http.Request) {
	rd, err := h.resolve(r)
	countOperation("HeadObject", err)
	if err != nil {
		writeHeadError(w, r, err)
		return
	}
	h.setHeaders(w, rd)
	if rd.partial {
		w.WriteHeader(http.StatusPartialContent)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// rangeError carries the object whose size made a range unsatisfiable.
type rangeError struct {
	*s3err.S3Error
	obj *metadata.ObjectRecord
}

func (e *rangeError) Unwrap() error { return e.S3Error }

func rangeErrorObject(err error) *metadata.ObjectRecord {
	var re *rangeError
	if errors.As(err, &re) {
		return re.obj
	}
	return nil
}

func (h *ObjectHandler) resolve(r *http.Request) (*objectRead, error) {
	ctx := r.Context()
	bucket, err := lookupBucket(ctx, h.meta, extractBucketName(r))
	if err != nil {
		return nil, err
	}
	key := extractObjectKey(r)
	if key == "" {
		return nil, s3err.ErrNoSuchKey
	}
	obj, err := h.meta.GetObject(ctx, bucket.ID, key)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, s3err.ErrNoSuchKey
	}
	if err != nil {
		return nil, fmt.Errorf("getting object %s/%s: %w", bucket.Name, key, err)
	}
	// A row without an ETag belongs to a completion that never finished.
	if obj.ETag == "" {
		return nil, s3err.ErrNoSuchKey
	}

	rd := &objectRead{bucket: bucket, obj: obj, start: 0, end: obj.Size - 1}
	rangeHeader := r.Header.Get("Range")
	partParam := r.URL.Query().Get("partNumber")
	switch {
	case partParam != "" && rangeHeader != "":
		return nil, s3err.ErrInvalidArgument.WithMessage("Cannot specify both Range header and partNumber query parameter.")
	case partParam != "":
		n, err := strconv.Atoi(partParam)
		if err != nil || n < 1 {
			return nil, s3err.ErrInvalidArgument.WithMessage("partNumber must be a positive integer.")
		}
		if err := h.selectPart(ctx, rd, n); err != nil {
			return nil, err
		}
	case rangeHeader != "":
		start, end, err := parseRange(rangeHeader, obj.Size)
		if err != nil {
			return nil, &rangeError{S3Error: s3err.ErrInvalidRange, obj: obj}
		}
		rd.start, rd.end, rd.partial = start, end, true
	}
	return rd, nil
}

// selectPart narrows rd to part n of a composed object. An object that was
// not composed from parts has a single part spanning the whole object.
func (h *ObjectHandler) selectPart(ctx context.Context, rd *objectRead, n int) error {
	if rd.obj.UploadID == "" {
		if n != 1 {
			return s3err.ErrInvalidRange.WithMessage("The requested partnumber is not satisfiable.")
		}
		rd.partsCount = 1
		return nil
	}
	parts, err := h.meta.ListParts(ctx, rd.bucket.ID, rd.obj.UploadID)
	if err != nil {
		return fmt.Errorf("listing parts of %s: %w", rd.obj.UploadID, err)
	}
	for _, p := range parts {
		if p.ObjectID != rd.obj.ID || p.PartNumber != n {
			continue
		}
		rd.partsCount = p.PartsCount
		rd.start = p.ObjectOffset
		rd.end = p.ObjectOffset + p.Size - 1
		rd.partial = true
		return nil
	}
	return s3err.ErrInvalidRange.WithMessage("The requested partnumber is not satisfiable.")
}

func (h *ObjectHandler) setHeaders(w http.ResponseWriter, rd *objectRead) {
	hdr := w.Header()
	hdr.Set("Content-Type", "application/octet-stream")
	hdr.Set("ETag", rd.obj.ETag)
	hdr.Set("Last-Modified", xmlutil.FormatTimeHTTP(rd.obj.ModifiedAt))
	hdr.Set("Accept-Ranges", "bytes")
	hdr.Set("Content-Length", strconv.FormatInt(rd.length(), 10))
	if rd.partsCount > 0 {
		hdr.Set("x-amz-mp-parts-count", strconv.Itoa(rd.partsCount))
	}
	if rd.partial && rd.length() > 0 {
		hdr.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rd.start, rd.end, rd.obj.Size))
	}
}
