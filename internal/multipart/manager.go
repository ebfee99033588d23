// Package multipart implements the multipart upload lifecycle: the upload
// registry and its state machine, the part upload path, the completion
// engine that composes parts into one object and the abort engine that
// reclaims an abandoned upload.
//
// All coordination between concurrent requests goes through the metadata
// store. The only mutual exclusion on an upload is the Uploading to
// Composing transition, performed as one conditional write.
package multipart

import (
	"context"
	"log/slog"
	"time"

	"github.com/i-harbor/iharbor-s3/internal/config"
	"github.com/i-harbor/iharbor-s3/internal/metadata"
	"github.com/i-harbor/iharbor-s3/internal/storage"
)

// Options holds the multipart limits.
type Options struct {
	// MinPartSize applies to every manifest part except the last one.
	MinPartSize int64
	MaxPartSize int64
	// MaxParts is the highest accepted part number.
	MaxParts int
	// UploadExpiry is the default lifetime of a new upload.
	UploadExpiry time.Duration
	// ChunkSize bounds each read and write against the byte store.
	ChunkSize int
}

// OptionsFromConfig converts the multipart section of the configuration.
func OptionsFromConfig(cfg config.MultipartConfig) Options {
	return Options{
		MinPartSize:  int64(cfg.MinPartSize),
		MaxPartSize:  int64(cfg.MaxPartSize),
		MaxParts:     cfg.MaxParts,
		UploadExpiry: cfg.UploadExpiry,
		ChunkSize:    int(cfg.ChunkSize),
	}
}

// DefaultOptions returns the limits of the default configuration.
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default().Multipart)
}

// Manager runs multipart operations against one metadata store and one
// byte store. It holds no per-upload state and is safe for concurrent use.
type Manager struct {
	meta  metadata.Store
	store storage.ByteStore
	opts  Options
	now   func() time.Time
}

// NewManager creates a Manager. Zero-valued options fall back to the
// defaults.
func NewManager(meta metadata.Store, store storage.ByteStore, opts Options) *Manager {
	d := DefaultOptions()
	if opts.MinPartSize <= 0 {
		opts.MinPartSize = d.MinPartSize
	}
	if opts.MaxPartSize <= 0 {
		opts.MaxPartSize = d.MaxPartSize
	}
	if opts.MaxParts <= 0 {
		opts.MaxParts = d.MaxParts
	}
	if opts.UploadExpiry <= 0 {
		opts.UploadExpiry = d.UploadExpiry
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = d.ChunkSize
	}
	return &Manager{
		meta:  meta,
		store: store,
		opts:  opts,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Options returns the limits the manager enforces.
func (m *Manager) Options() Options {
	return m.opts
}

// retryOnce runs op and, if it fails while ctx is still live, runs it a
// second time. The second error is returned.
func retryOnce(ctx context.Context, what string, op func() error) error {
	err := op()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	slog.Debug("retrying after failure", "op", what, "error", err)
	return op()
}
