package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	s3err "github.com/i-harbor/iharbor-s3/internal/errors"
	"github.com/i-harbor/iharbor-s3/internal/metadata"
	"github.com/i-harbor/iharbor-s3/internal/multipart"
	"github.com/i-harbor/iharbor-s3/internal/xmlutil"
)

// listLimit is the default and maximum page size of the listing operations.
const listLimit = 1000

// MultipartHandler contains handlers for S3 multipart upload operations.
type MultipartHandler struct {
	meta         metadata.Store
	mgr          *multipart.Manager
	ownerID      string
	ownerDisplay string
	keepAlive    time.Duration
}

// NewMultipartHandler creates a new MultipartHandler. keepAlive is the idle
// period after which a completion response is padded; zero disables it.
func NewMultipartHandler(meta metadata.Store, mgr *multipart.Manager, ownerID, ownerDisplay string, keepAlive time.Duration) *MultipartHandler {
	return &MultipartHandler{
		meta:         meta,
		mgr:          mgr,
		ownerID:      ownerID,
		ownerDisplay: ownerDisplay,
		keepAlive:    keepAlive,
	}
}

func (h *MultipartHandler) owner() xmlutil.Owner {
	return xmlutil.Owner{ID: h.ownerID, DisplayName: h.ownerDisplay}
}

// lookupUpload resolves the bucket and the upload addressed by the
// uploadId query parameter.
func (h *MultipartHandler) lookupUpload(r *http.Request) (*metadata.BucketRecord, *metadata.UploadRecord, error) {
	ctx := r.Context()
	uploadID := r.URL.Query().Get("uploadId")
	if uploadID == "" {
		return nil, nil, s3err.ErrInvalidArgument.WithMessage("uploadId is required.")
	}
	bucket, err := lookupBucket(ctx, h.meta, extractBucketName(r))
	if err != nil {
		return nil, nil, err
	}
	u, err := h.mgr.Lookup(ctx, bucket, extractObjectKey(r), uploadID)
	if err != nil {
		return nil, nil, err
	}
	return bucket, u, nil
}

// CreateMultipartUpload handles POST /{bucket}/{object}?uploads and initiates
// a multipart upload, or resumes an abandoned one of the same key.
func (h *MultipartHandler) CreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := extractObjectKey(r)

	u, err := func() (*metadata.UploadRecord, error) {
		if err := validateObjectKey(key); err != nil {
			return nil, err
		}
		shareCode, err := shareCodeFromACL(r.Header.Get("x-amz-acl"))
		if err != nil {
			return nil, err
		}
		bucket, err := lookupBucket(ctx, h.meta, extractBucketName(r))
		if err != nil {
			return nil, err
		}
		return h.mgr.Initiate(ctx, bucket, key, shareCode)
	}()
	countOperation("CreateMultipartUpload", err)
	if err != nil {
		writeError(w, r, err)
		return
	}

	xmlutil.RenderInitiateMultipartUpload(w, &xmlutil.InitiateMultipartUploadResult{
		Bucket:   u.BucketName,
		Key:      u.ObjectKey,
		UploadID: u.ID,
	})
}

// UploadPart handles PUT /{bucket}/{object}?partNumber=N&uploadId=ID and
// stores a single part of a multipart upload.
func (h *MultipartHandler) UploadPart(w http.ResponseWriter, r *http.Request) {
	p, err := h.uploadPart(r)
	countOperation("UploadPart", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("ETag", multipart.QuoteETag(p.PartMD5))
	w.WriteHeader(http.StatusOK)
}

func (h *MultipartHandler) uploadPart(r *http.Request) (*metadata.PartRecord, error) {
	partNumber, err := strconv.Atoi(r.URL.Query().Get("partNumber"))
	if err != nil {
		return nil, s3err.ErrInvalidArgument.WithMessage("partNumber must be an integer.")
	}
	if err := h.mgr.ValidatePartNumber(partNumber); err != nil {
		return nil, err
	}
	_, u, err := h.lookupUpload(r)
	if err != nil {
		return nil, err
	}
	return h.mgr.UploadPart(r.Context(), u, multipart.PartInput{
		PartNumber: partNumber,
		Size:       r.ContentLength,
		Body:       r.Body,
		ContentMD5: r.Header.Get("Content-MD5"),
	})
}

// CompleteMultipartUpload handles POST /{bucket}/{object}?uploadId=ID and
// composes the listed parts into the final object.
//
// Composition can outlast client and proxy idle timeouts, so the response
// is padded while it runs; see xmlutil.KeepAliveWriter.
func (h *MultipartHandler) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	bucket, u, manifest, err := h.prepareCompletion(r)
	if err != nil {
		countOperation("CompleteMultipartUpload", err)
		writeError(w, r, err)
		return
	}

	ka := xmlutil.StartKeepAlive(w, h.keepAlive)
	res, err := h.mgr.Complete(r.Context(), bucket, u, manifest)
	countOperation("CompleteMultipartUpload", err)
	if err != nil {
		s3e := s3err.As(err)
		if s3e.Code == s3err.ErrInternalError.Code {
			logFailure(r, err)
		}
		ka.FinishError(r, s3e)
		return
	}
	ka.Finish(http.StatusOK, &xmlutil.CompleteMultipartUploadResult{
		Location: fmt.Sprintf("/%s/%s", res.Bucket, res.Key),
		Bucket:   res.Bucket,
		Key:      res.Key,
		ETag:     res.ETag,
	})
}

// prepareCompletion parses and checks the manifest before the upload is
// resolved, so a malformed request never touches the upload.
func (h *MultipartHandler) prepareCompletion(r *http.Request) (*metadata.BucketRecord, *metadata.UploadRecord, []multipart.CompletePart, error) {
	manifest, err := parseCompleteMultipartXML(r.Body)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := multipart.ValidateManifest(manifest, h.mgr.Options().MaxParts); err != nil {
		return nil, nil, nil, err
	}
	bucket, u, err := h.lookupUpload(r)
	if err != nil {
		return nil, nil, nil, err
	}
	return bucket, u, manifest, nil
}

// AbortMultipartUpload handles DELETE /{bucket}/{object}?uploadId=ID and
// reclaims the parts of an upload.
func (h *MultipartHandler) AbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	_, u, err := h.lookupUpload(r)
	if err == nil {
		err = h.mgr.Abort(r.Context(), u)
	}
	countOperation("AbortMultipartUpload", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListParts handles GET /{bucket}/{object}?uploadId=ID and returns the parts
// uploaded so far.
func (h *MultipartHandler) ListParts(w http.ResponseWriter, r *http.Request) {
	result, err := h.listParts(r)
	countOperation("ListParts", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	xmlutil.RenderListParts(w, result)
}

func (h *MultipartHandler) listParts(r *http.Request) (*xmlutil.ListPartsResult, error) {
	marker, err := queryInt(r, "part-number-marker", 0)
	if err != nil {
		return nil, err
	}
	maxParts, err := queryInt(r, "max-parts", listLimit)
	if err != nil {
		return nil, err
	}
	maxParts = min(maxParts, listLimit)

	_, u, err := h.lookupUpload(r)
	if err != nil {
		return nil, err
	}
	parts, err := h.mgr.ListParts(r.Context(), u)
	if err != nil {
		return nil, err
	}

	result := &xmlutil.ListPartsResult{
		Bucket:           u.BucketName,
		Key:              u.ObjectKey,
		UploadID:         u.ID,
		Initiator:        h.owner(),
		Owner:            h.owner(),
		StorageClass:     "STANDARD",
		PartNumberMarker: marker,
		MaxParts:         maxParts,
	}
	for _, p := range parts {
		if p.PartNumber <= marker {
			continue
		}
		if len(result.Parts) == maxParts {
			result.IsTruncated = true
			break
		}
		result.Parts = append(result.Parts, xmlutil.Part{
			PartNumber:   p.PartNumber,
			LastModified: xmlutil.FormatTimeS3(p.ModifiedAt),
			ETag:         multipart.QuoteETag(p.PartMD5),
			Size:         p.Size,
		})
	}
	if n := len(result.Parts); n > 0 {
		result.NextPartNumberMarker = result.Parts[n-1].PartNumber
	}
	return result, nil
}

// ListMultipartUploads handles GET /{bucket}?uploads and returns the
// multipart uploads of the bucket, ordered by key and upload id.
func (h *MultipartHandler) ListMultipartUploads(w http.ResponseWriter, r *http.Request) {
	result, err := h.listUploads(r)
	countOperation("ListMultipartUploads", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	xmlutil.RenderListMultipartUploads(w, result)
}

func (h *MultipartHandler) listUploads(r *http.Request) (*xmlutil.ListMultipartUploadsResult, error) {
	q := r.URL.Query()
	maxUploads, err := queryInt(r, "max-uploads", listLimit)
	if err != nil {
		return nil, err
	}
	maxUploads = min(maxUploads, listLimit)

	bucket, err := lookupBucket(r.Context(), h.meta, extractBucketName(r))
	if err != nil {
		return nil, err
	}

	encoding := q.Get("encoding-type")
	result := &xmlutil.ListMultipartUploadsResult{
		Bucket:         bucket.Name,
		KeyMarker:      q.Get("key-marker"),
		UploadIDMarker: q.Get("upload-id-marker"),
		Prefix:         q.Get("prefix"),
		MaxUploads:     maxUploads,
		EncodingType:   encoding,
	}
	if maxUploads == 0 {
		return result, nil
	}

	uploads, err := h.mgr.ListUploads(r.Context(), bucket, metadata.ListUploadsOptions{
		Prefix:         result.Prefix,
		KeyMarker:      result.KeyMarker,
		UploadIDMarker: result.UploadIDMarker,
		Limit:          maxUploads + 1,
	})
	if err != nil {
		return nil, err
	}
	if len(uploads) > maxUploads {
		uploads = uploads[:maxUploads]
		result.IsTruncated = true
	}
	for _, u := range uploads {
		result.Uploads = append(result.Uploads, xmlutil.Upload{
			Key:          xmlutil.EncodeKeyURL(u.ObjectKey, encoding),
			UploadID:     u.ID,
			Initiator:    h.owner(),
			Owner:        h.owner(),
			StorageClass: "STANDARD",
			Initiated:    xmlutil.FormatTimeS3(u.CreatedAt),
		})
	}
	if result.IsTruncated {
		last := uploads[len(uploads)-1]
		result.NextKeyMarker = xmlutil.EncodeKeyURL(last.ObjectKey, encoding)
		result.NextUploadIDMarker = last.ID
	}
	return result, nil
}
