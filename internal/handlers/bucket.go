package handlers

import (
	"errors"
	"fmt"
	"net/http"

	s3err "github.com/i-harbor/iharbor-s3/internal/errors"
	"github.com/i-harbor/iharbor-s3/internal/metadata"
	"github.com/i-harbor/iharbor-s3/internal/xmlutil"
)

// BucketHandler contains handlers for S3 bucket-level operations.
type BucketHandler struct {
	meta         metadata.Store
	ownerID      string
	ownerDisplay string
	region       string
}

// NewBucketHandler creates a new BucketHandler with the given dependencies.
func NewBucketHandler(meta metadata.Store, ownerID, ownerDisplay, region string) *BucketHandler {
	return &BucketHandler{
		meta:         meta,
		ownerID:      ownerID,
		ownerDisplay: ownerDisplay,
		region:       region,
	}
}

// ListBuckets handles GET / and returns a list of all buckets.
func (h *BucketHandler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := h.meta.ListBuckets(r.Context())
	countOperation("ListBuckets", err)
	if err != nil {
		writeError(w, r, fmt.Errorf("listing buckets: %w", err))
		return
	}

	result := &xmlutil.ListAllMyBucketsResult{
		Owner: xmlutil.Owner{ID: h.ownerID, DisplayName: h.ownerDisplay},
	}
	for _, b := range buckets {
		result.Buckets = append(result.Buckets, xmlutil.Bucket{
			Name:         b.Name,
			CreationDate: xmlutil.FormatTimeS3(b.CreatedAt),
		})
	}
	xmlutil.RenderListBuckets(w, result)
}

// CreateBucket handles PUT /{bucket}. Creating a bucket that already exists
// succeeds, following the us-east-1 behavior.
func (h *BucketHandler) CreateBucket(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	if msg := validateBucketName(bucketName); msg != "" {
		countOperation("CreateBucket", s3err.ErrInvalidBucketName)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidBucketName.WithMessage(msg))
		return
	}

	_, err := h.meta.CreateBucket(r.Context(), bucketName)
	if errors.Is(err, metadata.ErrConflict) {
		err = nil
	}
	countOperation("CreateBucket", err)
	if err != nil {
		writeError(w, r, fmt.Errorf("creating bucket %s: %w", bucketName, err))
		return
	}

	w.Header().Set("Location", "/"+bucketName)
	w.WriteHeader(http.StatusOK)
}

// DeleteBucket handles DELETE /{bucket}. The bucket must hold no objects.
// Multipart uploads of the bucket are left behind; their rows no longer
// match a live bucket and are reclaimed later.
func (h *BucketHandler) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	err := h.deleteBucket(r)
	countOperation("DeleteBucket", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *BucketHandler) deleteBucket(r *http.Request) error {
	ctx := r.Context()
	bucket, err := lookupBucket(ctx, h.meta, extractBucketName(r))
	if err != nil {
		return err
	}
	n, err := h.meta.CountObjects(ctx, bucket.ID)
	if err != nil {
		return fmt.Errorf("counting objects of %s: %w", bucket.Name, err)
	}
	if n > 0 {
		return s3err.ErrBucketNotEmpty
	}
	if err := h.meta.DeleteBucket(ctx, bucket.Name); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return s3err.ErrNoSuchBucket
		}
		return fmt.Errorf("deleting bucket %s: %w", bucket.Name, err)
	}
	return nil
}

// HeadBucket handles HEAD /{bucket} and checks whether the specified bucket
// exists.
func (h *BucketHandler) HeadBucket(w http.ResponseWriter, r *http.Request) {
	_, err := lookupBucket(r.Context(), h.meta, extractBucketName(r))
	countOperation("HeadBucket", err)
	if err != nil {
		writeHeadError(w, r, err)
		return
	}
	w.Header().Set("x-amz-bucket-region", h.region)
	w.WriteHeader(http.StatusOK)
}
