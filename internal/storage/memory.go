package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryStore implements ByteStore with in-process byte slices. It backs the
// "memory" storage backend and the tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ ByteStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Write(ctx context.Context, key string, offset int64, data []byte) error {
	if offset < 0 {
		return fmt.Errorf("storage: negative offset %d", offset)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.data[key]
	if need := offset + int64(len(data)); need > int64(len(cur)) {
		grown := make([]byte, need)
		copy(grown, cur)
		cur = grown
	}
	copy(cur[offset:], data)
	m.data[key] = cur
	return nil
}

func (m *MemoryStore) ReadStream(ctx context.Context, key string, offset, end int64) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cur, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("key %q: %w", key, ErrNotFound)
	}
	end, err := checkRange(offset, end, int64(len(cur)))
	if err != nil {
		return nil, err
	}
	// Later writes reallocate or mutate the slice, so hand out a copy.
	out := make([]byte, end-offset)
	copy(out, cur[offset:end])
	return io.NopCloser(bytes.NewReader(out)), nil
}

func (m *MemoryStore) Size(ctx context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cur, ok := m.data[key]
	if !ok {
		return 0, fmt.Errorf("key %q: %w", key, ErrNotFound)
	}
	return int64(len(cur)), nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string, sizeHint int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) Truncate(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		m.data[key] = nil
	}
	return nil
}

func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

// Keys returns the stored keys in no particular order.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys
}
