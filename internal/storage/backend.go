// Package storage defines the byte store that holds part and object bytes,
// and its implementations: RADOS, the local filesystem, memory, sqlite and
// the cloud object stores.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNotFound is returned when a key holds no bytes.
var ErrNotFound = errors.New("storage: key not found")

// ByteStore is a key-addressed store of byte ranges. Keys are opaque
// strings. All methods must be safe for concurrent use.
type ByteStore interface {
	// Write stores data at offset within key, creating the key if needed.
	Write(ctx context.Context, key string, offset int64, data []byte) error

	// ReadStream returns the bytes of key in [offset, end). A negative end
	// reads to the end of the key. The caller must close the stream. Reading
	// a missing key returns ErrNotFound.
	ReadStream(ctx context.Context, key string, offset, end int64) (io.ReadCloser, error)

	// Size returns the number of bytes stored under key, or ErrNotFound.
	Size(ctx context.Context, key string) (int64, error)

	// Delete removes key. sizeHint is the expected size in bytes and may be
	// zero when unknown. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string, sizeHint int64) error

	// Truncate discards every byte of key so that the next write starts
	// from an empty key. Truncating a missing key is not an error.
	Truncate(ctx context.Context, key string) error

	// HealthCheck verifies that the store is reachable.
	HealthCheck(ctx context.Context) error
}

// validateKey rejects keys that would escape a path-based namespace.
func validateKey(key string) error {
	if key == "" || strings.ContainsAny(key, "/\\") || strings.Contains(key, "..") {
		return fmt.Errorf("storage: invalid key %q", key)
	}
	return nil
}

// checkRange validates a [offset, end) read against the size of a key and
// returns the effective end.
func checkRange(offset, end, size int64) (int64, error) {
	if end < 0 || end > size {
		end = size
	}
	if offset < 0 || offset > end {
		return 0, fmt.Errorf("storage: invalid range [%d, %d) for size %d", offset, end, size)
	}
	return end, nil
}

// Close releases the resources held by s if it holds any.
func Close(s ByteStore) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
