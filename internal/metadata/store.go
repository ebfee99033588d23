// Package metadata defines the relational metadata model of the gateway:
// buckets, objects, multipart upload rows and the per-bucket part rows,
// together with the engines that persist them.
package metadata

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("metadata: not found")
	// ErrConflict is returned when a uniqueness constraint would be violated.
	ErrConflict = errors.New("metadata: conflict")
)

// UploadStatus is the lifecycle state of a multipart upload.
type UploadStatus int

const (
	// StatusUploading accepts part uploads, completion and abort.
	StatusUploading UploadStatus = 1
	// StatusComposing is held by exactly one completion request.
	StatusComposing UploadStatus = 2
	// StatusCompleted marks an upload whose row could not be deleted after
	// a successful completion.
	StatusCompleted UploadStatus = 3
)

func (s UploadStatus) String() string {
	switch s {
	case StatusUploading:
		return "uploading"
	case StatusComposing:
		return "composing"
	case StatusCompleted:
		return "completed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Share codes applied to composed objects.
const (
	SharePrivate         = 0
	SharePublicRead      = 1
	SharePublicReadWrite = 2
)

// BucketRecord is a live bucket. IDs are never reused, so a bucket deleted
// and recreated under the same name gets a new ID.
type BucketRecord struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// ObjectRecord is a row of a bucket's object tree.
type ObjectRecord struct {
	ID       int64
	BucketID int64
	Key      string
	Size     int64
	// MD5 is the hex digest of the literal object bytes.
	MD5 string
	// ETag is the quoted entity tag reported to clients; for composed
	// objects it is the multipart composite ETag.
	ETag      string
	ShareCode int
	// UploadID names the upload whose used part rows describe the layout
	// of a composed object. Empty for objects that were never composed.
	UploadID   string
	ModifiedAt time.Time
	CreatedAt  time.Time
}

// UploadRecord is one multipart upload task.
type UploadRecord struct {
	ID string
	// BucketID and BucketName are both recorded so that an upload left
	// behind by a deleted bucket is not mistaken for one of a new bucket
	// with the same name.
	BucketID   int64
	BucketName string
	ObjectID   int64
	ObjectKey  string
	KeyMD5     string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	Status     UploadStatus
	ShareCode  int
}

// BelongsTo reports whether the upload is bound to the given live bucket.
func (u *UploadRecord) BelongsTo(b *BucketRecord) bool {
	return u.BucketID == b.ID && u.BucketName == b.Name
}

// PartRecord is one uploaded part. Parts are addressed by
// (BucketID, UploadID, PartNumber).
type PartRecord struct {
	ID         int64
	BucketID   int64
	UploadID   string
	ObjectID   int64 // 0 until the part is composed into an object
	PartNumber int
	Size       int64
	// ObjectOffset is the byte offset of the part inside the composed
	// object, or -1 before composition.
	ObjectOffset int64
	PartMD5      string // hex md5 of the part bytes, unquoted
	ModifiedAt   time.Time
	ObjectETag   string
	PartsCount   int
}

// ListUploadsOptions filters ListUploads. Results are ordered by
// (ObjectKey, ID).
type ListUploadsOptions struct {
	// BucketName restricts results to uploads recorded under this name.
	BucketName string
	// BucketID, when non-zero, additionally requires a matching bucket id.
	BucketID int64
	Prefix   string
	// KeyMarker and UploadIDMarker resume a listing after the given pair.
	KeyMarker      string
	UploadIDMarker string
	// CreatedBefore, when non-zero, keeps uploads created strictly earlier.
	CreatedBefore time.Time
	// ExpiredBefore, when non-zero, keeps uploads whose expiry is strictly
	// earlier. Uploads recorded without an expiry are kept; bound them with
	// CreatedBefore.
	ExpiredBefore time.Time
	// Limit caps the number of rows returned; 0 means no limit.
	Limit int
}

// BucketStore persists buckets.
type BucketStore interface {
	// CreateBucket inserts a bucket and assigns its ID. ErrConflict if the
	// name is taken.
	CreateBucket(ctx context.Context, name string) (*BucketRecord, error)
	GetBucket(ctx context.Context, name string) (*BucketRecord, error)
	// DeleteBucket removes the bucket with its object rows and part rows.
	// Upload rows are left in place and become stale.
	DeleteBucket(ctx context.Context, name string) error
	ListBuckets(ctx context.Context) ([]BucketRecord, error)
}

// ObjectStore persists the object tree of each bucket.
type ObjectStore interface {
	GetObject(ctx context.Context, bucketID int64, key string) (*ObjectRecord, error)
	// GetOrCreateObject returns the object row for key, inserting an empty
	// one when none exists. created reports whether a row was inserted.
	GetOrCreateObject(ctx context.Context, bucketID int64, key string) (obj *ObjectRecord, created bool, err error)
	// UpdateObject persists Size, MD5, ETag, ShareCode, UploadID and
	// ModifiedAt of an existing row.
	UpdateObject(ctx context.Context, obj *ObjectRecord) error
	CountObjects(ctx context.Context, bucketID int64) (int64, error)
}

// UploadStore persists multipart upload rows.
type UploadStore interface {
	CreateUpload(ctx context.Context, u *UploadRecord) error
	GetUpload(ctx context.Context, id string) (*UploadRecord, error)
	// FindUploads returns every upload recorded for (bucketName, key),
	// oldest first, regardless of status or bucket id.
	FindUploads(ctx context.Context, bucketName, key string) ([]UploadRecord, error)
	ListUploads(ctx context.Context, opts ListUploadsOptions) ([]UploadRecord, error)
	// UpdateUpload persists the target fields of an upload: bucket binding,
	// object id and key, expiry and share code. Status is not written.
	UpdateUpload(ctx context.Context, u *UploadRecord) error
	// SwapUploadStatus sets the status to `to` only if it currently equals
	// `from`, as one atomic conditional write. swapped is false when the
	// row is missing or holds another status.
	SwapUploadStatus(ctx context.Context, id string, from, to UploadStatus) (swapped bool, err error)
	// DeleteUpload removes the upload row. Deleting a missing row is not
	// an error.
	DeleteUpload(ctx context.Context, id string) error
}

// PartStore persists part rows, scoped by bucket id.
type PartStore interface {
	// PutPart inserts the part or overwrites the row with the same
	// (BucketID, UploadID, PartNumber). Composition fields are reset.
	PutPart(ctx context.Context, p *PartRecord) error
	GetPart(ctx context.Context, bucketID int64, uploadID string, partNumber int) (*PartRecord, error)
	// ListParts returns all parts of an upload ordered by part number.
	ListParts(ctx context.Context, bucketID int64, uploadID string) ([]PartRecord, error)
	// ListUncomposedParts returns the parts of an upload whose ObjectID is 0.
	ListUncomposedParts(ctx context.Context, bucketID int64, uploadID string) ([]PartRecord, error)
	// UpdatePartComposition persists ObjectID, ObjectOffset, ObjectETag and
	// PartsCount of each of parts, all of which must exist. The sqlite and
	// memory engines apply the whole batch or nothing; the cloud engines
	// write part by part and may stop halfway.
	UpdatePartComposition(ctx context.Context, parts []PartRecord) error
	// DeletePart removes a part row. Deleting a missing row is not an error.
	DeletePart(ctx context.Context, bucketID int64, uploadID string, partNumber int) error
}

// Store is the complete metadata engine.
type Store interface {
	BucketStore
	ObjectStore
	UploadStore
	PartStore
	Ping(ctx context.Context) error
	Close() error
}

// KeyMD5 returns the hex md5 of an object key, used to index key lookups.
func KeyMD5(key string) string {
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ObjectStorageKey is the byte store key of a composed object.
func ObjectStorageKey(bucketID, objectID int64) string {
	return fmt.Sprintf("%d_%d", bucketID, objectID)
}

// PartStorageKey is the byte store key of an uploaded part.
func PartStorageKey(uploadID string, partNumber int) string {
	return fmt.Sprintf("part_%s_%d", uploadID, partNumber)
}

// StorageKey returns the byte store key of the part.
func (p *PartRecord) StorageKey() string {
	return PartStorageKey(p.UploadID, p.PartNumber)
}

// matchesListOptions reports whether u passes the filters of opts, other
// than Limit. Engines that cannot push filters into a query share it.
func matchesListOptions(u *UploadRecord, opts ListUploadsOptions) bool {
	if opts.BucketName != "" && u.BucketName != opts.BucketName {
		return false
	}
	if opts.BucketID != 0 && u.BucketID != opts.BucketID {
		return false
	}
	if opts.Prefix != "" && (len(u.ObjectKey) < len(opts.Prefix) || u.ObjectKey[:len(opts.Prefix)] != opts.Prefix) {
		return false
	}
	if opts.KeyMarker != "" {
		if u.ObjectKey < opts.KeyMarker {
			return false
		}
		if u.ObjectKey == opts.KeyMarker && (opts.UploadIDMarker == "" || u.ID <= opts.UploadIDMarker) {
			return false
		}
	}
	if !opts.CreatedBefore.IsZero() && !u.CreatedAt.Before(opts.CreatedBefore) {
		return false
	}
	if !opts.ExpiredBefore.IsZero() && u.ExpiresAt != nil && !u.ExpiresAt.Before(opts.ExpiredBefore) {
		return false
	}
	return true
}

func uploadLess(a, b *UploadRecord) bool {
	if a.ObjectKey != b.ObjectKey {
		return a.ObjectKey < b.ObjectKey
	}
	return a.ID < b.ID
}
