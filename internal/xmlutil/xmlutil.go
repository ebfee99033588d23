// Package xmlutil provides helpers for rendering S3-compatible XML responses.
package xmlutil

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	s3err "github.com/i-harbor/iharbor-s3/internal/errors"
)

// xmlHeader is the standard XML declaration prepended to all responses.
const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

// ErrorResponse is the XML structure for S3 error responses.
// Note: Error XML has NO xmlns namespace (unlike success responses).
type ErrorResponse struct {
	XMLName   xml.Name       `xml:"Error"`
	Code      string         `xml:"Code"`
	Message   string         `xml:"Message"`
	Resource  string         `xml:"Resource,omitempty"`
	RequestID string         `xml:"RequestId"`
	Extra     []ExtraElement `xml:",any"`
}

// ExtraElement is an additional element of an error body, such as the
// PartNumber of an InvalidPart error.
type ExtraElement struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

// NewErrorResponse builds the error document for s3Err.
func NewErrorResponse(s3Err *s3err.S3Error, resource, requestID string) ErrorResponse {
	resp := ErrorResponse{
		Code:      s3Err.Code,
		Message:   s3Err.Message,
		Resource:  resource,
		RequestID: requestID,
	}
	names := make([]string, 0, len(s3Err.ExtraFields))
	for k := range s3Err.ExtraFields {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		resp.Extra = append(resp.Extra, ExtraElement{XMLName: xml.Name{Local: k}, Value: s3Err.ExtraFields[k]})
	}
	return resp
}

// Owner represents an S3 bucket or upload owner.
type Owner struct {
	ID          string `xml:"ID"`
	DisplayName string `xml:"DisplayName"`
}

// Bucket represents a single bucket in a ListBuckets response.
type Bucket struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

// ListAllMyBucketsResult is the XML structure for ListBuckets responses.
type ListAllMyBucketsResult struct {
	XMLName xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListAllMyBucketsResult"`
	Owner   Owner    `xml:"Owner"`
	Buckets []Bucket `xml:"Buckets>Bucket"`
}

// CommonPrefix represents a common prefix in a listing response.
type CommonPrefix struct {
	Prefix string `xml:"Prefix"`
}

// InitiateMultipartUploadResult is the XML response for CreateMultipartUpload.
type InitiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ InitiateMultipartUploadResult"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

// CompleteMultipartUpload is the request body of CompleteMultipartUpload.
type CompleteMultipartUpload struct {
	XMLName xml.Name       `xml:"CompleteMultipartUpload"`
	Parts   []CompletePart `xml:"Part"`
}

// CompletePart is one manifest entry.
type CompletePart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

// CompleteMultipartUploadResult is the XML response for CompleteMultipartUpload.
type CompleteMultipartUploadResult struct {
	XMLName  xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ CompleteMultipartUploadResult"`
	Location string   `xml:"Location"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	ETag     string   `xml:"ETag"`
}

// Part represents a single part in a multipart upload listing.
type Part struct {
	PartNumber   int    `xml:"PartNumber"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
}

// ListPartsResult is the XML response for ListParts.
type ListPartsResult struct {
	XMLName              xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListPartsResult"`
	Bucket               string   `xml:"Bucket"`
	Key                  string   `xml:"Key"`
	UploadID             string   `xml:"UploadId"`
	Initiator            Owner    `xml:"Initiator"`
	Owner                Owner    `xml:"Owner"`
	StorageClass         string   `xml:"StorageClass"`
	PartNumberMarker     int      `xml:"PartNumberMarker"`
	NextPartNumberMarker int      `xml:"NextPartNumberMarker"`
	MaxParts             int      `xml:"MaxParts"`
	IsTruncated          bool     `xml:"IsTruncated"`
	Parts                []Part   `xml:"Part"`
}

// Upload represents a single in-progress multipart upload.
type Upload struct {
	Key          string `xml:"Key"`
	UploadID     string `xml:"UploadId"`
	Initiator    Owner  `xml:"Initiator"`
	Owner        Owner  `xml:"Owner"`
	StorageClass string `xml:"StorageClass"`
	Initiated    string `xml:"Initiated"`
}

// ListMultipartUploadsResult is the XML response for ListMultipartUploads.
type ListMultipartUploadsResult struct {
	XMLName            xml.Name       `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListMultipartUploadsResult"`
	Bucket             string         `xml:"Bucket"`
	KeyMarker          string         `xml:"KeyMarker"`
	UploadIDMarker     string         `xml:"UploadIdMarker"`
	NextKeyMarker      string         `xml:"NextKeyMarker"`
	NextUploadIDMarker string         `xml:"NextUploadIdMarker"`
	Prefix             string         `xml:"Prefix"`
	Delimiter          string         `xml:"Delimiter,omitempty"`
	MaxUploads         int            `xml:"MaxUploads"`
	EncodingType       string         `xml:"EncodingType,omitempty"`
	IsTruncated        bool           `xml:"IsTruncated"`
	Uploads            []Upload       `xml:"Upload"`
	CommonPrefixes     []CommonPrefix `xml:"CommonPrefixes"`
}

// RenderError writes an S3 error XML response to the given ResponseWriter.
// The request ID is taken from the x-amz-request-id response header.
func RenderError(w http.ResponseWriter, r *http.Request, s3Err *s3err.S3Error, resource string) {
	requestID := w.Header().Get("x-amz-request-id")
	writeXML(w, s3Err.HTTPStatus, NewErrorResponse(s3Err, resource, requestID))
}

// WriteErrorResponse is a convenience function that renders an S3 error
// using the request path as the resource.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, s3Err *s3err.S3Error) {
	RenderError(w, r, s3Err, r.URL.Path)
}

// RenderListBuckets writes a ListAllMyBucketsResult XML response.
func RenderListBuckets(w http.ResponseWriter, result *ListAllMyBucketsResult) {
	writeXML(w, http.StatusOK, result)
}

// RenderInitiateMultipartUpload writes an InitiateMultipartUploadResult XML response.
func RenderInitiateMultipartUpload(w http.ResponseWriter, result *InitiateMultipartUploadResult) {
	writeXML(w, http.StatusOK, result)
}

// RenderListParts writes a ListPartsResult XML response.
func RenderListParts(w http.ResponseWriter, result *ListPartsResult) {
	writeXML(w, http.StatusOK, result)
}

// RenderListMultipartUploads writes a ListMultipartUploadsResult XML response.
func RenderListMultipartUploads(w http.ResponseWriter, result *ListMultipartUploadsResult) {
	writeXML(w, http.StatusOK, result)
}

// FormatTimeS3 formats a time.Time as an S3-compatible ISO 8601 string
// with millisecond precision (e.g., "2006-01-02T15:04:05.000Z").
func FormatTimeS3(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// FormatTimeHTTP formats a time.Time as an HTTP date per RFC 7231
// (e.g., "Mon, 02 Jan 2006 15:04:05 GMT").
func FormatTimeHTTP(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// EncodeKeyURL returns the URL-encoded version of the key if encodingType is "url",
// otherwise returns the key unchanged.
func EncodeKeyURL(key string, encodingType string) string {
	if encodingType != "url" {
		return key
	}
	return url.QueryEscape(key)
}

// writeXML marshals v as XML and writes it to w with the given HTTP status code.
func writeXML(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)

	io.WriteString(w, xmlHeader)
	encodeBody(w, v)
}

func encodeBody(w io.Writer, v any) {
	enc := xml.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(w, "<!-- XML encoding error: %v -->", err)
	}
}
