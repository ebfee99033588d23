package metadata

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/i-harbor/iharbor-s3/internal/config"
)

// firestoreBatchLimit is the maximum number of writes in one batch.
const firestoreBatchLimit = 500

// FirestoreStore keeps every row as a document of a single collection,
// distinguished by a "type" field. The upload status gate and the id
// counters run inside transactions.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

var _ Store = (*FirestoreStore)(nil)

func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func docIDBucket(name string) string {
	return "bucket_" + name
}

func docIDObject(bucketID int64, key string) string {
	return fmt.Sprintf("object_%d_%s", bucketID, encodeKey(key))
}

func docIDUpload(uploadID string) string {
	return "upload_" + uploadID
}

func docIDPart(bucketID int64, uploadID string, partNumber int) string {
	return fmt.Sprintf("part_%d_%s_%05d", bucketID, uploadID, partNumber)
}

func docIDCounter(kind string) string {
	return "counter_" + kind
}

func NewFirestoreStore(ctx context.Context, cfg *config.FirestoreConfig) (*FirestoreStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("firestore config is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "iharbor"
	}
	return &FirestoreStore{client: client, collection: collection}, nil
}

func (s *FirestoreStore) collectionRef() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func (s *FirestoreStore) Ping(ctx context.Context) error {
	_, err := s.collectionRef().Limit(1).Documents(ctx).Next()
	if err != nil && err != iterator.Done {
		return err
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func isFirestoreNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// nextID increments the named counter document in a transaction.
func (s *FirestoreStore) nextID(ctx context.Context, kind string) (int64, error) {
	ref := s.collectionRef().Doc(docIDCounter(kind))
	var id int64
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		id = 0
		doc, err := tx.Get(ref)
		if err != nil && !isFirestoreNotFound(err) {
			return err
		}
		if err == nil {
			id = docInt(doc.Data(), "value")
		}
		id++
		return tx.Set(ref, map[string]interface{}{"type": "counter", "value": id})
	})
	if err != nil {
		return 0, fmt.Errorf("allocating %s id: %w", kind, err)
	}
	return id, nil
}

func (s *FirestoreStore) query(ctx context.Context, q firestore.Query) ([]*firestore.DocumentSnapshot, error) {
	return q.Documents(ctx).GetAll()
}

func (s *FirestoreStore) deleteDocs(ctx context.Context, docs []*firestore.DocumentSnapshot) error {
	for i := 0; i < len(docs); i += firestoreBatchLimit {
		end := min(i+firestoreBatchLimit, len(docs))
		batch := s.client.Batch()
		for _, d := range docs[i:end] {
			batch.Delete(d.Ref)
		}
		if _, err := batch.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// --- Buckets ---

func (s *FirestoreStore) CreateBucket(ctx context.Context, name string) (*BucketRecord, error) {
	id, err := s.nextID(ctx, "bucket")
	if err != nil {
		return nil, err
	}
	b := &BucketRecord{ID: id, Name: name, CreatedAt: time.Now().UTC()}
	_, err = s.collectionRef().Doc(docIDBucket(name)).Create(ctx, map[string]interface{}{
		"type":       "bucket",
		"id":         b.ID,
		"name":       b.Name,
		"created_at": b.CreatedAt,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return nil, fmt.Errorf("bucket %q: %w", name, ErrConflict)
		}
		return nil, fmt.Errorf("creating bucket: %w", err)
	}
	return b, nil
}

func (s *FirestoreStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	doc, err := s.collectionRef().Doc(docIDBucket(name)).Get(ctx)
	if err != nil {
		if isFirestoreNotFound(err) {
			return nil, fmt.Errorf("bucket %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("getting bucket: %w", err)
	}
	return docToBucket(doc.Data()), nil
}

func (s *FirestoreStore) DeleteBucket(ctx context.Context, name string) error {
	b, err := s.GetBucket(ctx, name)
	if err != nil {
		return err
	}
	for _, kind := range []string{"object", "part"} {
		docs, err := s.query(ctx, s.collectionRef().Where("type", "==", kind).Where("bucket_id", "==", b.ID))
		if err != nil {
			return fmt.Errorf("listing %s rows: %w", kind, err)
		}
		if err := s.deleteDocs(ctx, docs); err != nil {
			return fmt.Errorf("deleting %s rows: %w", kind, err)
		}
	}
	if _, err := s.collectionRef().Doc(docIDBucket(name)).Delete(ctx); err != nil {
		return fmt.Errorf("deleting bucket: %w", err)
	}
	return nil
}

func (s *FirestoreStore) ListBuckets(ctx context.Context) ([]BucketRecord, error) {
	docs, err := s.query(ctx, s.collectionRef().Where("type", "==", "bucket"))
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	out := make([]BucketRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, *docToBucket(d.Data()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func docToBucket(m map[string]interface{}) *BucketRecord {
	return &BucketRecord{
		ID:        docInt(m, "id"),
		Name:      docString(m, "name"),
		CreatedAt: docTime(m, "created_at"),
	}
}

// --- Objects ---

func (s *FirestoreStore) GetObject(ctx context.Context, bucketID int64, key string) (*ObjectRecord, error) {
	doc, err := s.collectionRef().Doc(docIDObject(bucketID, key)).Get(ctx)
	if err != nil {
		if isFirestoreNotFound(err) {
			return nil, fmt.Errorf("object %q: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("getting object: %w", err)
	}
	return docToObject(doc.Data()), nil
}

func (s *FirestoreStore) GetOrCreateObject(ctx context.Context, bucketID int64, key string) (*ObjectRecord, bool, error) {
	obj, err := s.GetObject(ctx, bucketID, key)
	if err == nil {
		return obj, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	id, err := s.nextID(ctx, "object")
	if err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()
	obj = &ObjectRecord{ID: id, BucketID: bucketID, Key: key, ModifiedAt: now, CreatedAt: now}
	_, err = s.collectionRef().Doc(docIDObject(bucketID, key)).Create(ctx, objectToDoc(obj))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			existing, err := s.GetObject(ctx, bucketID, key)
			return existing, false, err
		}
		return nil, false, fmt.Errorf("creating object: %w", err)
	}
	return obj, true, nil
}

func (s *FirestoreStore) UpdateObject(ctx context.Context, obj *ObjectRecord) error {
	_, err := s.collectionRef().Doc(docIDObject(obj.BucketID, obj.Key)).Update(ctx, []firestore.Update{
		{Path: "size", Value: obj.Size},
		{Path: "md5", Value: obj.MD5},
		{Path: "etag", Value: obj.ETag},
		{Path: "share_code", Value: int64(obj.ShareCode)},
		{Path: "upload_id", Value: obj.UploadID},
		{Path: "modified_at", Value: obj.ModifiedAt.UTC()},
	})
	if err != nil {
		if isFirestoreNotFound(err) {
			return fmt.Errorf("object %d: %w", obj.ID, ErrNotFound)
		}
		return fmt.Errorf("updating object: %w", err)
	}
	return nil
}

func (s *FirestoreStore) CountObjects(ctx context.Context, bucketID int64) (int64, error) {
	docs, err := s.query(ctx, s.collectionRef().Where("type", "==", "object").Where("bucket_id", "==", bucketID).Select())
	if err != nil {
		return 0, fmt.Errorf("counting objects: %w", err)
	}
	return int64(len(docs)), nil
}

func objectToDoc(obj *ObjectRecord) map[string]interface{} {
	return map[string]interface{}{
		"type":        "object",
		"id":          obj.ID,
		"bucket_id":   obj.BucketID,
		"key":         obj.Key,
		"size":        obj.Size,
		"md5":         obj.MD5,
		"etag":        obj.ETag,
		"share_code":  int64(obj.ShareCode),
		"upload_id":   obj.UploadID,
		"modified_at": obj.ModifiedAt.UTC(),
		"created_at":  obj.CreatedAt.UTC(),
	}
}

func docToObject(m map[string]interface{}) *ObjectRecord {
	return &ObjectRecord{
		ID:         docInt(m, "id"),
		BucketID:   docInt(m, "bucket_id"),
		Key:        docString(m, "key"),
		Size:       docInt(m, "size"),
		MD5:        docString(m, "md5"),
		ETag:       docString(m, "etag"),
		ShareCode:  int(docInt(m, "share_code")),
		UploadID:   docString(m, "upload_id"),
		ModifiedAt: docTime(m, "modified_at"),
		CreatedAt:  docTime(m, "created_at"),
	}
}

// --- Uploads ---

func (s *FirestoreStore) CreateUpload(ctx context.Context, u *UploadRecord) error {
	u.KeyMD5 = KeyMD5(u.ObjectKey)
	_, err := s.collectionRef().Doc(docIDUpload(u.ID)).Create(ctx, uploadToDoc(u))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("upload %q: %w", u.ID, ErrConflict)
		}
		return fmt.Errorf("creating upload: %w", err)
	}
	return nil
}

func (s *FirestoreStore) GetUpload(ctx context.Context, id string) (*UploadRecord, error) {
	doc, err := s.collectionRef().Doc(docIDUpload(id)).Get(ctx)
	if err != nil {
		if isFirestoreNotFound(err) {
			return nil, fmt.Errorf("upload %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("getting upload: %w", err)
	}
	return docToUpload(doc.Data()), nil
}

func (s *FirestoreStore) FindUploads(ctx context.Context, bucketName, key string) ([]UploadRecord, error) {
	docs, err := s.query(ctx, s.collectionRef().
		Where("type", "==", "upload").
		Where("key_md5", "==", KeyMD5(key)).
		Where("bucket_name", "==", bucketName))
	if err != nil {
		return nil, fmt.Errorf("finding uploads: %w", err)
	}
	var out []UploadRecord
	for _, d := range docs {
		u := docToUpload(d.Data())
		if u.ObjectKey == key {
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

func (s *FirestoreStore) ListUploads(ctx context.Context, opts ListUploadsOptions) ([]UploadRecord, error) {
	q := s.collectionRef().Where("type", "==", "upload")
	if opts.BucketName != "" {
		q = q.Where("bucket_name", "==", opts.BucketName)
	}
	docs, err := s.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}
	var out []UploadRecord
	for _, d := range docs {
		u := docToUpload(d.Data())
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

func (s *FirestoreStore) UpdateUpload(ctx context.Context, u *UploadRecord) error {
	u.KeyMD5 = KeyMD5(u.ObjectKey)
	var expires interface{}
	if u.ExpiresAt != nil {
		expires = u.ExpiresAt.UTC()
	}
	_, err := s.collectionRef().Doc(docIDUpload(u.ID)).Update(ctx, []firestore.Update{
		{Path: "bucket_id", Value: u.BucketID},
		{Path: "bucket_name", Value: u.BucketName},
		{Path: "obj_id", Value: u.ObjectID},
		{Path: "obj_key", Value: u.ObjectKey},
		{Path: "key_md5", Value: u.KeyMD5},
		{Path: "expire_time", Value: expires},
		{Path: "obj_perms_code", Value: int64(u.ShareCode)},
	})
	if err != nil {
		if isFirestoreNotFound(err) {
			return fmt.Errorf("upload %q: %w", u.ID, ErrNotFound)
		}
		return fmt.Errorf("updating upload: %w", err)
	}
	return nil
}

func (s *FirestoreStore) SwapUploadStatus(ctx context.Context, id string, from, to UploadStatus) (bool, error) {
	ref := s.collectionRef().Doc(docIDUpload(id))
	var swapped bool
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		swapped = false
		doc, err := tx.Get(ref)
		if err != nil {
			if isFirestoreNotFound(err) {
				return nil
			}
			return err
		}
		if UploadStatus(docInt(doc.Data(), "status")) != from {
			return nil
		}
		swapped = true
		return tx.Update(ref, []firestore.Update{{Path: "status", Value: int64(to)}})
	})
	if err != nil {
		return false, fmt.Errorf("swapping upload status: %w", err)
	}
	return swapped, nil
}

func (s *FirestoreStore) DeleteUpload(ctx context.Context, id string) error {
	if _, err := s.collectionRef().Doc(docIDUpload(id)).Delete(ctx); err != nil && !isFirestoreNotFound(err) {
		return fmt.Errorf("deleting upload: %w", err)
	}
	return nil
}

func uploadToDoc(u *UploadRecord) map[string]interface{} {
	m := map[string]interface{}{
		"type":           "upload",
		"upload_id":      u.ID,
		"bucket_id":      u.BucketID,
		"bucket_name":    u.BucketName,
		"obj_id":         u.ObjectID,
		"obj_key":        u.ObjectKey,
		"key_md5":        u.KeyMD5,
		"create_time":    u.CreatedAt.UTC(),
		"status":         int64(u.Status),
		"obj_perms_code": int64(u.ShareCode),
		"expire_time":    nil,
	}
	if u.ExpiresAt != nil {
		m["expire_time"] = u.ExpiresAt.UTC()
	}
	return m
}

func docToUpload(m map[string]interface{}) *UploadRecord {
	u := &UploadRecord{
		ID:         docString(m, "upload_id"),
		BucketID:   docInt(m, "bucket_id"),
		BucketName: docString(m, "bucket_name"),
		ObjectID:   docInt(m, "obj_id"),
		ObjectKey:  docString(m, "obj_key"),
		KeyMD5:     docString(m, "key_md5"),
		CreatedAt:  docTime(m, "create_time"),
		Status:     UploadStatus(docInt(m, "status")),
		ShareCode:  int(docInt(m, "obj_perms_code")),
	}
	if t, ok := m["expire_time"].(time.Time); ok {
		u.ExpiresAt = &t
	}
	return u
}

// --- Parts ---

func (s *FirestoreStore) PutPart(ctx context.Context, p *PartRecord) error {
	if p.ModifiedAt.IsZero() {
		p.ModifiedAt = time.Now().UTC()
	}
	newID, err := s.nextID(ctx, "part")
	if err != nil {
		return err
	}
	ref := s.collectionRef().Doc(docIDPart(p.BucketID, p.UploadID, p.PartNumber))
	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		p.ID = newID
		doc, err := tx.Get(ref)
		switch {
		case err == nil:
			// An overwritten part keeps its row id.
			p.ID = docInt(doc.Data(), "id")
		case !isFirestoreNotFound(err):
			return err
		}
		p.ObjectID = 0
		p.ObjectOffset = -1
		p.ObjectETag = ""
		p.PartsCount = 0
		return tx.Set(ref, partToDoc(p))
	})
	if err != nil {
		return fmt.Errorf("putting part: %w", err)
	}
	return nil
}

func (s *FirestoreStore) GetPart(ctx context.Context, bucketID int64, uploadID string, partNumber int) (*PartRecord, error) {
	doc, err := s.collectionRef().Doc(docIDPart(bucketID, uploadID, partNumber)).Get(ctx)
	if err != nil {
		if isFirestoreNotFound(err) {
			return nil, fmt.Errorf("part %d of upload %q: %w", partNumber, uploadID, ErrNotFound)
		}
		return nil, fmt.Errorf("getting part: %w", err)
	}
	return docToPart(doc.Data()), nil
}

func (s *FirestoreStore) ListParts(ctx context.Context, bucketID int64, uploadID string) ([]PartRecord, error) {
	return s.listParts(ctx, bucketID, uploadID, false)
}

func (s *FirestoreStore) ListUncomposedParts(ctx context.Context, bucketID int64, uploadID string) ([]PartRecord, error) {
	return s.listParts(ctx, bucketID, uploadID, true)
}

func (s *FirestoreStore) listParts(ctx context.Context, bucketID int64, uploadID string, uncomposed bool) ([]PartRecord, error) {
	q := s.collectionRef().
		Where("type", "==", "part").
		Where("bucket_id", "==", bucketID).
		Where("upload_id", "==", uploadID)
	if uncomposed {
		q = q.Where("obj_id", "==", int64(0))
	}
	docs, err := s.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing parts: %w", err)
	}
	out := make([]PartRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, *docToPart(d.Data()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	return out, nil
}

func (s *FirestoreStore) UpdatePartComposition(ctx context.Context, parts []PartRecord) error {
	for i := range parts {
		if err := s.updatePartComposition(ctx, &parts[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *FirestoreStore) updatePartComposition(ctx context.Context, p *PartRecord) error {
	_, err := s.collectionRef().Doc(docIDPart(p.BucketID, p.UploadID, p.PartNumber)).Update(ctx, []firestore.Update{
		{Path: "obj_id", Value: p.ObjectID},
		{Path: "obj_offset", Value: p.ObjectOffset},
		{Path: "obj_etag", Value: p.ObjectETag},
		{Path: "parts_count", Value: int64(p.PartsCount)},
	})
	if err != nil {
		if isFirestoreNotFound(err) {
			return fmt.Errorf("part %d of upload %q: %w", p.PartNumber, p.UploadID, ErrNotFound)
		}
		return fmt.Errorf("updating part: %w", err)
	}
	return nil
}

func (s *FirestoreStore) DeletePart(ctx context.Context, bucketID int64, uploadID string, partNumber int) error {
	_, err := s.collectionRef().Doc(docIDPart(bucketID, uploadID, partNumber)).Delete(ctx)
	if err != nil && !isFirestoreNotFound(err) {
		return fmt.Errorf("deleting part: %w", err)
	}
	return nil
}

func partToDoc(p *PartRecord) map[string]interface{} {
	return map[string]interface{}{
		"type":          "part",
		"id":            p.ID,
		"bucket_id":     p.BucketID,
		"upload_id":     p.UploadID,
		"obj_id":        p.ObjectID,
		"part_num":      int64(p.PartNumber),
		"size":          p.Size,
		"obj_offset":    p.ObjectOffset,
		"part_md5":      p.PartMD5,
		"modified_time": p.ModifiedAt.UTC(),
		"obj_etag":      p.ObjectETag,
		"parts_count":   int64(p.PartsCount),
	}
}

func docToPart(m map[string]interface{}) *PartRecord {
	return &PartRecord{
		ID:           docInt(m, "id"),
		BucketID:     docInt(m, "bucket_id"),
		UploadID:     docString(m, "upload_id"),
		ObjectID:     docInt(m, "obj_id"),
		PartNumber:   int(docInt(m, "part_num")),
		Size:         docInt(m, "size"),
		ObjectOffset: docInt(m, "obj_offset"),
		PartMD5:      docString(m, "part_md5"),
		ModifiedAt:   docTime(m, "modified_time"),
		ObjectETag:   docString(m, "obj_etag"),
		PartsCount:   int(docInt(m, "parts_count")),
	}
}

func docString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func docInt(m map[string]interface{}, key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func docTime(m map[string]interface{}, key string) time.Time {
	if t, ok := m[key].(time.Time); ok {
		return t
	}
	return time.Time{}
}
