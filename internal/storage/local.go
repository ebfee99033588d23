package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalStore implements ByteStore on the local filesystem. Each key is one
// file directly under RootDir, written in place with WriteAt so that
// offset writes behave like a RADOS object.
type LocalStore struct {
	// RootDir is the directory holding one file per key.
	RootDir string
}

var _ ByteStore = (*LocalStore)(nil)

// NewLocalStore creates a LocalStore rooted at rootDir, creating the
// directory if it does not exist.
func NewLocalStore(rootDir string) (*LocalStore, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root directory %q: %w", rootDir, err)
	}
	return &LocalStore{RootDir: rootDir}, nil
}

// path returns the file that holds key.
func (s *LocalStore) path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.RootDir, key), nil
}

func (s *LocalStore) Write(ctx context.Context, key string, offset int64, data []byte) error {
	if offset < 0 {
		return fmt.Errorf("storage: negative offset %d", offset)
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("opening %q: %w", key, err)
	}
	if _, err := f.WriteAt(data, offset); err != nil {
		f.Close()
		return fmt.Errorf("writing %q at %d: %w", key, offset, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %q: %w", key, err)
	}
	return nil
}

// sectionReadCloser closes the file behind a SectionReader.
type sectionReadCloser struct {
	*io.SectionReader
	f *os.File
}

func (r *sectionReadCloser) Close() error { return r.f.Close() }

func (s *LocalStore) ReadStream(ctx context.Context, key string, offset, end int64) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("key %q: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("opening %q: %w", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %q: %w", key, err)
	}
	end, err = checkRange(offset, end, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	return &sectionReadCloser{SectionReader: io.NewSectionReader(f, offset, end-offset), f: f}, nil
}

func (s *LocalStore) Size(ctx context.Context, key string) (int64, error) {
	p, err := s.path(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("key %q: %w", key, ErrNotFound)
		}
		return 0, fmt.Errorf("stat %q: %w", key, err)
	}
	return info.Size(), nil
}

func (s *LocalStore) Delete(ctx context.Context, key string, sizeHint int64) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %q: %w", key, err)
	}
	return nil
}

func (s *LocalStore) Truncate(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Truncate(p, 0); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("truncating %q: %w", key, err)
	}
	return nil
}

// HealthCheck verifies that the root directory exists.
func (s *LocalStore) HealthCheck(ctx context.Context) error {
	info, err := os.Stat(s.RootDir)
	if err != nil {
		return fmt.Errorf("storage root %q: %w", s.RootDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage root %q is not a directory", s.RootDir)
	}
	return nil
}
