// Package handlers implements the S3 HTTP operations served by the gateway:
// bucket bootstrap, the multipart upload lifecycle and object reads.
package handlers

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	s3err "github.com/i-harbor/iharbor-s3/internal/errors"
	"github.com/i-harbor/iharbor-s3/internal/metadata"
	"github.com/i-harbor/iharbor-s3/internal/metrics"
	"github.com/i-harbor/iharbor-s3/internal/multipart"
	"github.com/i-harbor/iharbor-s3/internal/xmlutil"
)

// maxKeyLength is the longest accepted object key, in bytes.
const maxKeyLength = 1024

// maxManifestBytes caps the CompleteMultipartUpload request body. A full
// 10000 part manifest fits well below it.
const maxManifestBytes = 4 << 20

// bucketNameRegex validates bucket names per S3 naming rules:
// - 3-63 characters
// - Lowercase letters, numbers, hyphens, and periods only
// - Must begin and end with a letter or number
var bucketNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]{1,61}[a-z0-9]$`)

// ipAddressRegex detects IP address-formatted bucket names.
var ipAddressRegex = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)

// validateBucketName checks whether the given name is a valid S3 bucket name.
// Returns an error message string if invalid, or empty string if valid.
func validateBucketName(name string) string {
	if len(name) < 3 || len(name) > 63 {
		return "Bucket name must be between 3 and 63 characters long"
	}
	if !bucketNameRegex.MatchString(name) {
		return "Bucket name can only contain lowercase letters, numbers, hyphens, and periods"
	}
	if ipAddressRegex.MatchString(name) {
		return "Bucket name must not be formatted as an IP address"
	}
	if strings.HasPrefix(name, "xn--") {
		return "Bucket name must not start with xn--"
	}
	if strings.Contains(name, "..") {
		return "Bucket name must not contain consecutive periods"
	}
	return ""
}

// writeError renders err as an S3 error document. Failures outside the S3
// taxonomy are logged and rendered as InternalError.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	s3e := s3err.As(err)
	if s3e.Code == s3err.ErrInternalError.Code {
		logFailure(r, err)
	}
	xmlutil.WriteErrorResponse(w, r, s3e)
}

func logFailure(r *http.Request, err error) {
	slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
}

// writeHeadError answers a HEAD request, which carries no body, with the
// status of err.
func writeHeadError(w http.ResponseWriter, r *http.Request, err error) {
	s3e := s3err.As(err)
	if s3e.Code == s3err.ErrInternalError.Code {
		logFailure(r, err)
	}
	w.Header().Set("x-amz-error-code", s3e.Code)
	w.WriteHeader(s3e.HTTPStatus)
}

// lookupBucket returns the live bucket with the given name or
// s3err.ErrNoSuchBucket.
func lookupBucket(ctx context.Context, meta metadata.Store, name string) (*metadata.BucketRecord, error) {
	if name == "" {
		return nil, s3err.ErrNoSuchBucket
	}
	b, err := meta.GetBucket(ctx, name)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, s3err.ErrNoSuchBucket
	}
	if err != nil {
		return nil, fmt.Errorf("getting bucket %s: %w", name, err)
	}
	return b, nil
}

// extractBucketName extracts the bucket name from the URL path.
func extractBucketName(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		return path[:idx]
	}
	return path
}

// extractObjectKey extracts the object key from the request URL path.
// The key is everything after the bucket name in the path.
func extractObjectKey(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, "/")
	idx := strings.IndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[idx+1:]
}

// validateObjectKey checks the key addressed by a multipart request.
func validateObjectKey(key string) error {
	if key == "" {
		return s3err.ErrInvalidArgument.WithMessage("An object key is required.")
	}
	if len(key) > maxKeyLength {
		return s3err.ErrKeyTooLongError
	}
	return nil
}

// shareCodeFromACL maps a canned x-amz-acl value to the share code applied
// to the composed object.
func shareCodeFromACL(acl string) (int, error) {
	switch acl {
	case "", "private":
		return metadata.SharePrivate, nil
	case "public-read":
		return metadata.SharePublicRead, nil
	case "public-read-write":
		return metadata.SharePublicReadWrite, nil
	default:
		return 0, s3err.ErrInvalidArgument.WithMessage(fmt.Sprintf("Unsupported canned ACL %q.", acl))
	}
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, s3err.ErrInvalidArgument.WithMessage(fmt.Sprintf("Invalid value for %s: %q.", name, v))
	}
	return n, nil
}

// parseCompleteMultipartXML parses the CompleteMultipartUpload request body
// into a manifest. An unparsable body is MalformedXML.
func parseCompleteMultipartXML(body io.Reader) ([]multipart.CompletePart, error) {
	var req xmlutil.CompleteMultipartUpload
	if err := xml.NewDecoder(io.LimitReader(body, maxManifestBytes)).Decode(&req); err != nil {
		return nil, s3err.ErrMalformedXML
	}
	parts := make([]multipart.CompletePart, len(req.Parts))
	for i, p := range req.Parts {
		parts[i] = multipart.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag}
	}
	return parts, nil
}

// parseRange parses an HTTP Range header value and returns the byte range
// [start, end] inclusive. Supports three formats:
//   - bytes=0-4   (first 5 bytes)
//   - bytes=5-    (from byte 5 to end)
//   - bytes=-10   (last 10 bytes)
//
// Returns an error for unsatisfiable ranges or invalid syntax.
func parseRange(rangeHeader string, objectSize int64) (start, end int64, err error) {
	if objectSize == 0 {
		return 0, 0, fmt.Errorf("empty object")
	}
	if !strings.HasPrefix(rangeHeader, "bytes=") {
		return 0, 0, fmt.Errorf("invalid range header: missing bytes= prefix")
	}
	rangeSpec := strings.TrimPrefix(rangeHeader, "bytes=")

	// Only a single range is supported.
	if strings.Contains(rangeSpec, ",") {
		return 0, 0, fmt.Errorf("multi-range not supported")
	}

	startStr, endStr, ok := strings.Cut(rangeSpec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid range spec: %q", rangeSpec)
	}
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)
	if startStr == "" && endStr == "" {
		return 0, 0, fmt.Errorf("invalid range: both start and end are empty")
	}

	if startStr == "" {
		suffixLen, parseErr := strconv.ParseInt(endStr, 10, 64)
		if parseErr != nil || suffixLen <= 0 {
			return 0, 0, fmt.Errorf("invalid suffix length: %q", endStr)
		}
		if suffixLen >= objectSize {
			return 0, objectSize - 1, nil
		}
		return objectSize - suffixLen, objectSize - 1, nil
	}

	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("invalid range start: %q", startStr)
	}
	if start >= objectSize {
		return 0, 0, fmt.Errorf("range start %d beyond object size %d", start, objectSize)
	}
	if endStr == "" {
		return start, objectSize - 1, nil
	}

	end, err = strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < 0 {
		return 0, 0, fmt.Errorf("invalid range end: %q", endStr)
	}
	if end >= objectSize {
		end = objectSize - 1
	}
	if start > end {
		return 0, 0, fmt.Errorf("range start %d > end %d", start, end)
	}
	return start, end, nil
}

// countOperation records one S3 operation by name.
func countOperation(op string, err error) {
	status := "ok"
	if err != nil {
		status = s3err.As(err).Code
	}
	metrics.S3OperationsTotal.WithLabelValues(op, status).Inc()
}
