package metadata

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory. It is used for tests and
// single-process deployments that do not need durability.
type MemoryStore struct {
	mu sync.RWMutex

	nextBucketID int64
	nextObjectID int64
	nextPartID   int64

	buckets map[string]*BucketRecord
	objects map[objectKey]*ObjectRecord
	uploads map[string]*UploadRecord
	parts   map[partKey]*PartRecord
}

type objectKey struct {
	bucketID int64
	key      string
}

type partKey struct {
	bucketID   int64
	uploadID   string
	partNumber int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*BucketRecord),
		objects: make(map[objectKey]*ObjectRecord),
		uploads: make(map[string]*UploadRecord),
		parts:   make(map[partKey]*PartRecord),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
func (m *MemoryStore) Close() error                   { return nil }

func (m *MemoryStore) CreateBucket(ctx context.Context, name string) (*BucketRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[name]; ok {
		return nil, fmt.Errorf("bucket %q: %w", name, ErrConflict)
	}
	m.nextBucketID++
	b := &BucketRecord{ID: m.nextBucketID, Name: name, CreatedAt: time.Now().UTC()}
	m.buckets[name] = b
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buckets[name]
	if !ok {
		return nil, fmt.Errorf("bucket %q: %w", name, ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) DeleteBucket(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[name]
	if !ok {
		return fmt.Errorf("bucket %q: %w", name, ErrNotFound)
	}
	for k := range m.objects {
		if k.bucketID == b.ID {
			delete(m.objects, k)
		}
	}
	for k := range m.parts {
		if k.bucketID == b.ID {
			delete(m.parts, k)
		}
	}
	delete(m.buckets, name)
	return nil
}

func (m *MemoryStore) ListBuckets(ctx context.Context) ([]BucketRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]BucketRecord, 0, len(m.buckets))
	for _, b := range m.buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) GetObject(ctx context.Context, bucketID int64, key string) (*ObjectRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[objectKey{bucketID, key}]
	if !ok {
		return nil, fmt.Errorf("object %q: %w", key, ErrNotFound)
	}
	cp := *obj
	return &cp, nil
}

func (m *MemoryStore) GetOrCreateObject(ctx context.Context, bucketID int64, key string) (*ObjectRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := objectKey{bucketID, key}
	if obj, ok := m.objects[k]; ok {
		cp := *obj
		return &cp, false, nil
	}
	m.nextObjectID++
	now := time.Now().UTC()
	obj := &ObjectRecord{ID: m.nextObjectID, BucketID: bucketID, Key: key, ModifiedAt: now, CreatedAt: now}
	m.objects[k] = obj
	cp := *obj
	return &cp, true, nil
}

func (m *MemoryStore) UpdateObject(ctx context.Context, obj *ObjectRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.objects {
		if cur.ID == obj.ID {
			cur.Size = obj.Size
			cur.MD5 = obj.MD5
			cur.ETag = obj.ETag
			cur.ShareCode = obj.ShareCode
			cur.UploadID = obj.UploadID
			cur.ModifiedAt = obj.ModifiedAt
			return nil
		}
	}
	return fmt.Errorf("object %d: %w", obj.ID, ErrNotFound)
}

func (m *MemoryStore) CountObjects(ctx context.Context, bucketID int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for k := range m.objects {
		if k.bucketID == bucketID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateUpload(ctx context.Context, u *UploadRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.uploads[u.ID]; ok {
		return fmt.Errorf("upload %q: %w", u.ID, ErrConflict)
	}
	u.KeyMD5 = KeyMD5(u.ObjectKey)
	cp := *u
	m.uploads[u.ID] = &cp
	return nil
}

func (m *MemoryStore) GetUpload(ctx context.Context, id string) (*UploadRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.uploads[id]
	if !ok {
		return nil, fmt.Errorf("upload %q: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) FindUploads(ctx context.Context, bucketName, key string) ([]UploadRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := KeyMD5(key)
	var out []UploadRecord
	for _, u := range m.uploads {
		if u.KeyMD5 == sum && u.BucketName == bucketName && u.ObjectKey == key {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) ListUploads(ctx context.Context, opts ListUploadsOptions) ([]UploadRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []UploadRecord
	for _, u := range m.uploads {
		if matchesListOptions(u, opts) {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return uploadLess(&out[i], &out[j]) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateUpload(ctx context.Context, u *UploadRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.uploads[u.ID]
	if !ok {
		return fmt.Errorf("upload %q: %w", u.ID, ErrNotFound)
	}
	u.KeyMD5 = KeyMD5(u.ObjectKey)
	cur.BucketID = u.BucketID
	cur.BucketName = u.BucketName
	cur.ObjectID = u.ObjectID
	cur.ObjectKey = u.ObjectKey
	cur.KeyMD5 = u.KeyMD5
	cur.ExpiresAt = u.ExpiresAt
	cur.ShareCode = u.ShareCode
	return nil
}

func (m *MemoryStore) SwapUploadStatus(ctx context.Context, id string, from, to UploadStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[id]
	if !ok || u.Status != from {
		return false, nil
	}
	u.Status = to
	return true, nil
}

func (m *MemoryStore) DeleteUpload(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, id)
	return nil
}

func (m *MemoryStore) PutPart(ctx context.Context, p *PartRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ModifiedAt.IsZero() {
		p.ModifiedAt = time.Now().UTC()
	}
	k := partKey{p.BucketID, p.UploadID, p.PartNumber}
	if cur, ok := m.parts[k]; ok {
		p.ID = cur.ID
	} else {
		m.nextPartID++
		p.ID = m.nextPartID
	}
	p.ObjectID = 0
	p.ObjectOffset = -1
	p.ObjectETag = ""
	p.PartsCount = 0
	cp := *p
	m.parts[k] = &cp
	return nil
}

func (m *MemoryStore) GetPart(ctx context.Context, bucketID int64, uploadID string, partNumber int) (*PartRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parts[partKey{bucketID, uploadID, partNumber}]
	if !ok {
		return nil, fmt.Errorf("part %d of upload %q: %w", partNumber, uploadID, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListParts(ctx context.Context, bucketID int64, uploadID string) ([]PartRecord, error) {
	return m.listParts(bucketID, uploadID, false), nil
}

func (m *MemoryStore) ListUncomposedParts(ctx context.Context, bucketID int64, uploadID string) ([]PartRecord, error) {
	return m.listParts(bucketID, uploadID, true), nil
}

func (m *MemoryStore) listParts(bucketID int64, uploadID string, uncomposed bool) []PartRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []PartRecord
	for k, p := range m.parts {
		if k.bucketID != bucketID || k.uploadID != uploadID {
			continue
		}
		if uncomposed && p.ObjectID != 0 {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	return out
}

func (m *MemoryStore) UpdatePartComposition(ctx context.Context, parts []PartRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range parts {
		p := &parts[i]
		if _, ok := m.parts[partKey{p.BucketID, p.UploadID, p.PartNumber}]; !ok {
			return fmt.Errorf("part %d of upload %q: %w", p.PartNumber, p.UploadID, ErrNotFound)
		}
	}
	for i := range parts {
		p := &parts[i]
		cur := m.parts[partKey{p.BucketID, p.UploadID, p.PartNumber}]
		cur.ObjectID = p.ObjectID
		cur.ObjectOffset = p.ObjectOffset
		cur.ObjectETag = p.ObjectETag
		cur.PartsCount = p.PartsCount
	}
	return nil
}

func (m *MemoryStore) DeletePart(ctx context.Context, bucketID int64, uploadID string, partNumber int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.parts, partKey{bucketID, uploadID, partNumber})
	return nil
}
