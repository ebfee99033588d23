//go:build ceph

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ceph/go-ceph/rados"

	"github.com/i-harbor/iharbor-s3/internal/config"
)

// radosReadChunk bounds a single librados read.
const radosReadChunk = 4 << 20

// RadosStore implements ByteStore on a Ceph RADOS pool. Each key is one
// RADOS object.
type RadosStore struct {
	conn  *rados.Conn
	ioctx *rados.IOContext
	pool  string
}

var _ ByteStore = (*RadosStore)(nil)

// NewRadosStore connects to the cluster described by cfg and opens an I/O
// context on its pool.
func NewRadosStore(ctx context.Context, cfg config.RadosConfig) (ByteStore, error) {
	if cfg.Pool == "" {
		return nil, fmt.Errorf("rados pool is required")
	}
	conn, err := rados.NewConnWithUser(cfg.User)
	if err != nil {
		return nil, fmt.Errorf("creating rados connection: %w", err)
	}
	if cfg.ConfFile != "" {
		err = conn.ReadConfigFile(cfg.ConfFile)
	} else {
		err = conn.ReadDefaultConfigFile()
	}
	if err != nil {
		return nil, fmt.Errorf("reading ceph config: %w", err)
	}
	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to ceph cluster: %w", err)
	}
	ioctx, err := conn.OpenIOContext(cfg.Pool)
	if err != nil {
		conn.Shutdown()
		return nil, fmt.Errorf("opening pool %q: %w", cfg.Pool, err)
	}
	slog.Info("rados byte store initialized", "pool", cfg.Pool, "user", cfg.User)
	return &RadosStore{conn: conn, ioctx: ioctx, pool: cfg.Pool}, nil
}

func (s *RadosStore) Write(ctx context.Context, key string, offset int64, data []byte) error {
	if offset < 0 {
		return fmt.Errorf("storage: negative offset %d", offset)
	}
	if err := s.ioctx.Write(key, data, uint64(offset)); err != nil {
		return fmt.Errorf("rados write %q at %d: %w", key, offset, err)
	}
	return nil
}

func (s *RadosStore) ReadStream(ctx context.Context, key string, offset, end int64) (io.ReadCloser, error) {
	size, err := s.Size(ctx, key)
	if err != nil {
		return nil, err
	}
	end, err = checkRange(offset, end, size)
	if err != nil {
		return nil, err
	}
	return &radosReader{ctx: ctx, ioctx: s.ioctx, key: key, pos: offset, end: end}, nil
}

func (s *RadosStore) Size(ctx context.Context, key string) (int64, error) {
	stat, err := s.ioctx.Stat(key)
	if err != nil {
		if errors.Is(err, rados.ErrNotFound) {
			return 0, fmt.Errorf("key %q: %w", key, ErrNotFound)
		}
		return 0, fmt.Errorf("rados stat %q: %w", key, err)
	}
	return int64(stat.Size), nil
}

func (s *RadosStore) Delete(ctx context.Context, key string, sizeHint int64) error {
	if err := s.ioctx.Delete(key); err != nil && !errors.Is(err, rados.ErrNotFound) {
		return fmt.Errorf("rados delete %q: %w", key, err)
	}
	return nil
}

func (s *RadosStore) Truncate(ctx context.Context, key string) error {
	if err := s.ioctx.Truncate(key, 0); err != nil && !errors.Is(err, rados.ErrNotFound) {
		return fmt.Errorf("rados truncate %q: %w", key, err)
	}
	return nil
}

func (s *RadosStore) HealthCheck(ctx context.Context) error {
	if _, err := s.conn.GetPoolByName(s.pool); err != nil {
		return fmt.Errorf("rados pool %q: %w", s.pool, err)
	}
	return nil
}

// Close releases the I/O context and shuts the connection down.
func (s *RadosStore) Close() error {
	s.ioctx.Destroy()
	s.conn.Shutdown()
	return nil
}

type radosReader struct {
	ctx      context.Context
	ioctx    *rados.IOContext
	key      string
	pos, end int64
}

func (r *radosReader) Read(p []byte) (int, error) {
	if r.pos >= r.end {
		return 0, io.EOF
	}
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	n := min(int64(len(p)), r.end-r.pos, radosReadChunk)
	got, err := r.ioctx.Read(r.key, p[:n], uint64(r.pos))
	if err != nil {
		return 0, fmt.Errorf("rados read %q at %d: %w", r.key, r.pos, err)
	}
	if got == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	r.pos += int64(got)
	return got, nil
}

func (r *radosReader) Close() error { return nil }
