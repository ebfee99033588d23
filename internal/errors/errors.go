// Package errors defines the S3 error taxonomy returned by the gateway.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// S3Error is a client-visible failure with a machine-readable code, a
// human-readable message and the HTTP status it is rendered with.
type S3Error struct {
	// Code is the S3 error code (e.g., "NoSuchUpload").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the HTTP status code to return.
	HTTPStatus int
	// ExtraFields holds additional elements included in the XML error body.
	ExtraFields map[string]string
}

// Error implements the error interface for S3Error.
func (e *S3Error) Error() string {
	return fmt.Sprintf("S3Error %s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// WithMessage returns a copy of the S3Error carrying a more specific message.
func (e *S3Error) WithMessage(msg string) *S3Error {
	cp := *e
	cp.Message = msg
	return &cp
}

// WithExtra returns a copy of the S3Error with the given extra field set.
func (e *S3Error) WithExtra(key, value string) *S3Error {
	cp := *e
	cp.ExtraFields = make(map[string]string, len(e.ExtraFields)+1)
	for k, v := range e.ExtraFields {
		cp.ExtraFields[k] = v
	}
	cp.ExtraFields[key] = value
	return &cp
}

// Is reports whether target is an S3Error with the same code, so copies made
// by WithMessage and WithExtra still match their sentinel under errors.Is.
func (e *S3Error) Is(target error) bool {
	t, ok := target.(*S3Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// As returns the S3Error found in err's chain, or ErrInternalError when the
// chain holds none. A nil err yields nil.
func As(err error) *S3Error {
	if err == nil {
		return nil
	}
	var s3e *S3Error
	if errors.As(err, &s3e) {
		return s3e
	}
	return ErrInternalError
}

var (
	// ErrNoSuchBucket is returned when the specified bucket does not exist.
	ErrNoSuchBucket = &S3Error{
		Code:       "NoSuchBucket",
		Message:    "The specified bucket does not exist",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrNoSuchKey is returned when the specified object key does not exist.
	ErrNoSuchKey = &S3Error{
		Code:       "NoSuchKey",
		Message:    "The specified key does not exist",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrBucketAlreadyOwnedByYou is returned when creating a bucket that exists.
	ErrBucketAlreadyOwnedByYou = &S3Error{
		Code:       "BucketAlreadyOwnedByYou",
		Message:    "Your previous request to create the named bucket succeeded and you already own it",
		HTTPStatus: http.StatusConflict,
	}

	// ErrBucketNotEmpty is returned when deleting a bucket that still holds objects.
	ErrBucketNotEmpty = &S3Error{
		Code:       "BucketNotEmpty",
		Message:    "The bucket you tried to delete is not empty",
		HTTPStatus: http.StatusConflict,
	}

	// ErrInvalidBucketName is returned when the bucket name is invalid.
	ErrInvalidBucketName = &S3Error{
		Code:       "InvalidBucketName",
		Message:    "The specified bucket is not valid",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrNoSuchUpload is returned when the upload id is unknown, bound to a
	// deleted bucket of the same name, or already completed.
	ErrNoSuchUpload = &S3Error{
		Code:       "NoSuchUpload",
		Message:    "The specified multipart upload does not exist. The upload ID may be invalid, or the upload may have been aborted or completed.",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrCompleteMultipartAlreadyInProgress is returned while another request
	// is composing the upload.
	ErrCompleteMultipartAlreadyInProgress = &S3Error{
		Code:       "CompleteMultipartAlreadyInProgress",
		Message:    "Complete multipart upload is already in progress.",
		HTTPStatus: http.StatusConflict,
	}

	// ErrInvalidPart is returned when a manifest part is missing or its ETag
	// does not match the stored part.
	ErrInvalidPart = &S3Error{
		Code:       "InvalidPart",
		Message:    "One or more of the specified parts could not be found. The part might not have been uploaded, or the specified entity tag might not have matched the part's entity tag.",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrInvalidPartOrder is returned when manifest part numbers are not
	// strictly ascending.
	ErrInvalidPartOrder = &S3Error{
		Code:       "InvalidPartOrder",
		Message:    "The list of parts was not in ascending order. The parts list must be specified in order by part number.",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrEntityTooSmall is returned when a non-final part is below the minimum size.
	ErrEntityTooSmall = &S3Error{
		Code:       "EntityTooSmall",
		Message:    "Your proposed upload is smaller than the minimum allowed object size.",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrEntityTooLarge is returned when a part exceeds the maximum part size.
	ErrEntityTooLarge = &S3Error{
		Code:       "EntityTooLarge",
		Message:    "Your proposed upload exceeds the maximum allowed size.",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrInternalError is returned for persistence or backend failures.
	ErrInternalError = &S3Error{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrNotImplemented is returned for operations this gateway does not serve.
	ErrNotImplemented = &S3Error{
		Code:       "NotImplemented",
		Message:    "A header you provided implies functionality that is not implemented.",
		HTTPStatus: http.StatusNotImplemented,
	}

	// ErrMalformedXML is returned when the request body is not well-formed XML.
	ErrMalformedXML = &S3Error{
		Code:       "MalformedXML",
		Message:    "The XML you provided was not well-formed or did not validate against our published schema.",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrMethodNotAllowed is returned for unsupported methods on a resource.
	ErrMethodNotAllowed = &S3Error{
		Code:       "MethodNotAllowed",
		Message:    "The specified method is not allowed against this resource.",
		HTTPStatus: http.StatusMethodNotAllowed,
	}

	// ErrInvalidArgument is returned for invalid query or header values.
	ErrInvalidArgument = &S3Error{
		Code:       "InvalidArgument",
		Message:    "Invalid Argument",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrInvalidRange is returned when the requested range cannot be satisfied.
	ErrInvalidRange = &S3Error{
		Code:       "InvalidRange",
		Message:    "The requested range is not satisfiable",
		HTTPStatus: http.StatusRequestedRangeNotSatisfiable,
	}

	// ErrMissingContentLength is returned when a part upload has no length.
	ErrMissingContentLength = &S3Error{
		Code:       "MissingContentLength",
		Message:    "You must provide the Content-Length HTTP header.",
		HTTPStatus: http.StatusLengthRequired,
	}

	// ErrKeyTooLongError is returned when the object key exceeds 1024 bytes.
	ErrKeyTooLongError = &S3Error{
		Code:       "KeyTooLongError",
		Message:    "Your key is too long.",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrBadDigest is returned when Content-MD5 does not match the received bytes.
	ErrBadDigest = &S3Error{
		Code:       "BadDigest",
		Message:    "The Content-MD5 you specified did not match what we received.",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrInvalidDigest is returned when Content-MD5 is not valid base64 md5.
	ErrInvalidDigest = &S3Error{
		Code:       "InvalidDigest",
		Message:    "The Content-MD5 you specified is not valid.",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrIncompleteBody is returned when fewer bytes arrive than Content-Length.
	ErrIncompleteBody = &S3Error{
		Code:       "IncompleteBody",
		Message:    "You did not provide the number of bytes specified by the Content-Length HTTP header.",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrServiceUnavailable is returned when a dependency is unhealthy.
	ErrServiceUnavailable = &S3Error{
		Code:       "ServiceUnavailable",
		Message:    "Reduce your request rate.",
		HTTPStatus: http.StatusServiceUnavailable,
	}
)
