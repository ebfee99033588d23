// Package uid generates the identifiers handed out by the gateway.
package uid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UploadIDLength is the length of ids returned by NewUploadID.
const UploadIDLength = 64

// NewUploadID returns a 64-character hex multipart upload id. The first half
// is a UUIDv7, so ids sort by creation time; the second half is a random
// UUIDv4.
func NewUploadID() string {
	ts, err := uuid.NewV7()
	if err != nil {
		return fallbackID()
	}
	return strings.ReplaceAll(ts.String(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// New generates a 32-character hex string for temporary names.
func New() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func fallbackID() string {
	return fmt.Sprintf("%032x", time.Now().UnixNano()) + New()
}

// Time returns the creation time embedded in an upload id produced by
// NewUploadID. ok is false for ids that do not carry a UUIDv7 prefix.
func Time(uploadID string) (t time.Time, ok bool) {
	if len(uploadID) != UploadIDLength {
		return time.Time{}, false
	}
	id, err := uuid.Parse(uploadID[:32])
	if err != nil || id.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec), true
}
