package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"github.com/i-harbor/iharbor-s3/internal/config"
)

const cosmosTimeFormat = "2006-01-02T15:04:05.000Z"

// Logical partitions of the container. Every row kind lives in its own.
var (
	pkCosmosBucket  = azcosmos.NewPartitionKeyString("bucket")
	pkCosmosObject  = azcosmos.NewPartitionKeyString("object")
	pkCosmosUpload  = azcosmos.NewPartitionKeyString("upload")
	pkCosmosPart    = azcosmos.NewPartitionKeyString("part")
	pkCosmosCounter = azcosmos.NewPartitionKeyString("counter")
)

// CosmosStore keeps metadata in one Cosmos DB container. The upload status
// gate is a ReplaceItem conditioned on the ETag read just before it.
type CosmosStore struct {
	client    *azcosmos.ContainerClient
	database  string
	container string
}

var _ Store = (*CosmosStore)(nil)

func docIDObjectCosmos(bucketID int64, key string) string {
	return fmt.Sprintf("object_%d_%s", bucketID, encodeKey(key))
}

func docIDPartCosmos(bucketID int64, uploadID string, partNumber int) string {
	return fmt.Sprintf("part_%d_%s_%05d", bucketID, uploadID, partNumber)
}

func NewCosmosStore(ctx context.Context, cfg *config.CosmosConfig) (*CosmosStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cosmos config is required")
	}
	if cfg.Endpoint == "" || cfg.MasterKey == "" {
		return nil, fmt.Errorf("cosmos endpoint and master key are required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("cosmos database name is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("cosmos container name is required")
	}

	cred, err := azcosmos.NewKeyCredential(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("creating cosmos key credential: %w", err)
	}
	client, err := azcosmos.NewClientWithKey(cfg.Endpoint, cred, &azcosmos.ClientOptions{
		ClientOptions: policy.ClientOptions{},
	})
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}
	dbClient, err := client.NewDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("getting database client: %w", err)
	}
	containerClient, err := dbClient.NewContainer(cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}

	return &CosmosStore{
		client:    containerClient,
		database:  cfg.Database,
		container: cfg.Container,
	}, nil
}

func (s *CosmosStore) Ping(ctx context.Context) error {
	_, err := s.client.Read(ctx, nil)
	return err
}

func (s *CosmosStore) Close() error {
	return nil
}

// cosmosStatus returns the HTTP status carried by a Cosmos error, or 0.
func cosmosStatus(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

// cosmosItem is the JSON document shape shared by every row kind.
type cosmosItem struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	RowID      int64  `json:"row_id,omitempty"`
	Name       string `json:"name,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
	BucketID   int64  `json:"bucket_id,omitempty"`
	BucketName string `json:"bucket_name,omitempty"`
	Key        string `json:"key,omitempty"`
	KeyMD5     string `json:"key_md5,omitempty"`
	Size       int64  `json:"size"`
	MD5        string `json:"md5,omitempty"`
	ETag       string `json:"etag,omitempty"`
	ShareCode  int    `json:"share_code"`
	UploadID   string `json:"upload_id,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
	ObjectID   int64  `json:"obj_id"`
	ExpiresAt  string `json:"expire_time,omitempty"`
	Status     int    `json:"status,omitempty"`
	PartNumber int    `json:"part_num,omitempty"`
	Offset     int64  `json:"obj_offset"`
	PartMD5    string `json:"part_md5,omitempty"`
	ObjectETag string `json:"obj_etag,omitempty"`
	PartsCount int    `json:"parts_count"`
	Value      int64  `json:"value,omitempty"`
}

func (s *CosmosStore) read(ctx context.Context, pk azcosmos.PartitionKey, id string) (*cosmosItem, azcore.ETag, error) {
	resp, err := s.client.ReadItem(ctx, pk, id, nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	var ci cosmosItem
	if err := json.Unmarshal(resp.Value, &ci); err != nil {
		return nil, "", fmt.Errorf("decoding %s: %w", id, err)
	}
	return &ci, resp.ETag, nil
}

func (s *CosmosStore) create(ctx context.Context, pk azcosmos.PartitionKey, ci *cosmosItem) error {
	data, err := json.Marshal(ci)
	if err != nil {
		return err
	}
	_, err = s.client.CreateItem(ctx, pk, data, nil)
	if err != nil && cosmosStatus(err) == http.StatusConflict {
		return ErrConflict
	}
	return err
}

func (s *CosmosStore) upsert(ctx context.Context, pk azcosmos.PartitionKey, ci *cosmosItem) error {
	data, err := json.Marshal(ci)
	if err != nil {
		return err
	}
	_, err = s.client.UpsertItem(ctx, pk, data, nil)
	return err
}

func (s *CosmosStore) replace(ctx context.Context, pk azcosmos.PartitionKey, ci *cosmosItem, etag *azcore.ETag) error {
	data, err := json.Marshal(ci)
	if err != nil {
		return err
	}
	var opts *azcosmos.ItemOptions
	if etag != nil {
		opts = &azcosmos.ItemOptions{IfMatchEtag: etag}
	}
	_, err = s.client.ReplaceItem(ctx, pk, ci.ID, data, opts)
	if err != nil && cosmosStatus(err) == http.StatusNotFound {
		return ErrNotFound
	}
	return err
}

func (s *CosmosStore) remove(ctx context.Context, pk azcosmos.PartitionKey, id string) error {
	_, err := s.client.DeleteItem(ctx, pk, id, nil)
	if err != nil && cosmosStatus(err) != http.StatusNotFound {
		return err
	}
	return nil
}

func (s *CosmosStore) queryItems(ctx context.Context, pk azcosmos.PartitionKey, query string, params []azcosmos.QueryParameter) ([]cosmosItem, error) {
	pager := s.client.NewQueryItemsPager(query, pk, &azcosmos.QueryOptions{QueryParameters: params})
	var out []cosmosItem
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Items {
			var ci cosmosItem
			if err := json.Unmarshal(raw, &ci); err != nil {
				continue
			}
			out = append(out, ci)
		}
	}
	return out, nil
}

// nextID increments a counter item with a patch, creating it on first use.
func (s *CosmosStore) nextID(ctx context.Context, kind string) (int64, error) {
	id := "counter_" + kind
	for attempt := 0; attempt < 3; attempt++ {
		var ops azcosmos.PatchOperations
		ops.AppendIncrement("/value", 1)
		resp, err := s.client.PatchItem(ctx, pkCosmosCounter, id, ops, &azcosmos.ItemOptions{EnableContentResponseOnWrite: true})
		if err == nil {
			var ci cosmosItem
			if err := json.Unmarshal(resp.Value, &ci); err != nil {
				return 0, fmt.Errorf("decoding counter: %w", err)
			}
			return ci.Value, nil
		}
		if cosmosStatus(err) != http.StatusNotFound {
			return 0, fmt.Errorf("allocating %s id: %w", kind, err)
		}
		err = s.create(ctx, pkCosmosCounter, &cosmosItem{ID: id, Type: "counter", Value: 1})
		if err == nil {
			return 1, nil
		}
		if !errors.Is(err, ErrConflict) {
			return 0, fmt.Errorf("creating %s counter: %w", kind, err)
		}
	}
	return 0, fmt.Errorf("allocating %s id: counter contention", kind)
}

// --- Buckets ---

func (s *CosmosStore) CreateBucket(ctx context.Context, name string) (*BucketRecord, error) {
	id, err := s.nextID(ctx, "bucket")
	if err != nil {
		return nil, err
	}
	b := &BucketRecord{ID: id, Name: name, CreatedAt: time.Now().UTC().Truncate(time.Millisecond)}
	err = s.create(ctx, pkCosmosBucket, &cosmosItem{
		ID:        "bucket_" + name,
		Type:      "bucket",
		RowID:     b.ID,
		Name:      name,
		CreatedAt: b.CreatedAt.Format(cosmosTimeFormat),
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("bucket %q: %w", name, ErrConflict)
		}
		return nil, fmt.Errorf("creating bucket: %w", err)
	}
	return b, nil
}

func (s *CosmosStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	ci, _, err := s.read(ctx, pkCosmosBucket, "bucket_"+name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("bucket %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("getting bucket: %w", err)
	}
	return cosmosToBucket(ci), nil
}

func (s *CosmosStore) DeleteBucket(ctx context.Context, name string) error {
	b, err := s.GetBucket(ctx, name)
	if err != nil {
		return err
	}
	params := []azcosmos.QueryParameter{{Name: "@bucket_id", Value: b.ID}}
	for _, pk := range []azcosmos.PartitionKey{pkCosmosObject, pkCosmosPart} {
		items, err := s.queryItems(ctx, pk, "SELECT c.id FROM c WHERE c.bucket_id = @bucket_id", params)
		if err != nil {
			return fmt.Errorf("listing bucket rows: %w", err)
		}
		for _, ci := range items {
			if err := s.remove(ctx, pk, ci.ID); err != nil {
				return fmt.Errorf("deleting %s: %w", ci.ID, err)
			}
		}
	}
	if err := s.remove(ctx, pkCosmosBucket, "bucket_"+name); err != nil {
		return fmt.Errorf("deleting bucket: %w", err)
	}
	return nil
}

func (s *CosmosStore) ListBuckets(ctx context.Context) ([]BucketRecord, error) {
	items, err := s.queryItems(ctx, pkCosmosBucket, "SELECT * FROM c WHERE c.type = 'bucket'", nil)
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	out := make([]BucketRecord, 0, len(items))
	for i := range items {
		out = append(out, *cosmosToBucket(&items[i]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func cosmosToBucket(ci *cosmosItem) *BucketRecord {
	createdAt, _ := time.Parse(cosmosTimeFormat, ci.CreatedAt)
	return &BucketRecord{ID: ci.RowID, Name: ci.Name, CreatedAt: createdAt}
}

// --- Objects ---

func (s *CosmosStore) GetObject(ctx context.Context, bucketID int64, key string) (*ObjectRecord, error) {
	ci, _, err := s.read(ctx, pkCosmosObject, docIDObjectCosmos(bucketID, key))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("object %q: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("getting object: %w", err)
	}
	return cosmosToObject(ci), nil
}

func (s *CosmosStore) GetOrCreateObject(ctx context.Context, bucketID int64, key string) (*ObjectRecord, bool, error) {
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
	now := time.Now().UTC().Truncate(time.Millisecond)
	obj = &ObjectRecord{ID: id, BucketID: bucketID, Key: key, ModifiedAt: now, CreatedAt: now}
	if err := s.create(ctx, pkCosmosObject, objectToCosmos(obj)); err != nil {
		if errors.Is(err, ErrConflict) {
			existing, err := s.GetObject(ctx, bucketID, key)
			return existing, false, err
		}
		return nil, false, fmt.Errorf("creating object: %w", err)
	}
	return obj, true, nil
}

func (s *CosmosStore) UpdateObject(ctx context.Context, obj *ObjectRecord) error {
	cur, err := s.GetObject(ctx, obj.BucketID, obj.Key)
	if err != nil || cur.ID != obj.ID {
		return fmt.Errorf("object %d: %w", obj.ID, ErrNotFound)
	}
	obj.CreatedAt = cur.CreatedAt
	if err := s.replace(ctx, pkCosmosObject, objectToCosmos(obj), nil); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("object %d: %w", obj.ID, ErrNotFound)
		}
		return fmt.Errorf("updating object: %w", err)
	}
	return nil
}

func (s *CosmosStore) CountObjects(ctx context.Context, bucketID int64) (int64, error) {
	pager := s.client.NewQueryItemsPager("SELECT VALUE COUNT(1) FROM c WHERE c.bucket_id = @bucket_id", pkCosmosObject,
		&azcosmos.QueryOptions{QueryParameters: []azcosmos.QueryParameter{{Name: "@bucket_id", Value: bucketID}}})
	var n int64
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("counting objects: %w", err)
		}
		for _, raw := range resp.Items {
			var c int64
			if err := json.Unmarshal(raw, &c); err == nil {
				n += c
			}
		}
	}
	return n, nil
}

func objectToCosmos(obj *ObjectRecord) *cosmosItem {
	return &cosmosItem{
		ID:         docIDObjectCosmos(obj.BucketID, obj.Key),
		Type:       "object",
		RowID:      obj.ID,
		BucketID:   obj.BucketID,
		Key:        obj.Key,
		Size:       obj.Size,
		MD5:        obj.MD5,
		ETag:       obj.ETag,
		ShareCode:  obj.ShareCode,
		UploadID:   obj.UploadID,
		ModifiedAt: obj.ModifiedAt.UTC().Format(cosmosTimeFormat),
		CreatedAt:  obj.CreatedAt.UTC().Format(cosmosTimeFormat),
	}
}

func cosmosToObject(ci *cosmosItem) *ObjectRecord {
	modified, _ := time.Parse(cosmosTimeFormat, ci.ModifiedAt)
	created, _ := time.Parse(cosmosTimeFormat, ci.CreatedAt)
	return &ObjectRecord{
		ID:         ci.RowID,
		BucketID:   ci.BucketID,
		Key:        ci.Key,
		Size:       ci.Size,
		MD5:        ci.MD5,
		ETag:       ci.ETag,
		ShareCode:  ci.ShareCode,
		UploadID:   ci.UploadID,
		ModifiedAt: modified,
		CreatedAt:  created,
	}
}

// --- Uploads ---

func (s *CosmosStore) CreateUpload(ctx context.Context, u *UploadRecord) error {
	u.KeyMD5 = KeyMD5(u.ObjectKey)
	if err := s.create(ctx, pkCosmosUpload, uploadToCosmos(u)); err != nil {
		if errors.Is(err, ErrConflict) {
			return fmt.Errorf("upload %q: %w", u.ID, ErrConflict)
		}
		return fmt.Errorf("creating upload: %w", err)
	}
	return nil
}

func (s *CosmosStore) GetUpload(ctx context.Context, id string) (*UploadRecord, error) {
	ci, _, err := s.read(ctx, pkCosmosUpload, "upload_"+id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("upload %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("getting upload: %w", err)
	}
	return cosmosToUpload(ci), nil
}

func (s *CosmosStore) FindUploads(ctx context.Context, bucketName, key string) ([]UploadRecord, error) {
	items, err := s.queryItems(ctx, pkCosmosUpload,
		"SELECT * FROM c WHERE c.key_md5 = @key_md5 AND c.bucket_name = @bucket_name",
		[]azcosmos.QueryParameter{
			{Name: "@key_md5", Value: KeyMD5(key)},
			{Name: "@bucket_name", Value: bucketName},
		})
	if err != nil {
		return nil, fmt.Errorf("finding uploads: %w", err)
	}
	var out []UploadRecord
	for i := range items {
		u := cosmosToUpload(&items[i])
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

func (s *CosmosStore) ListUploads(ctx context.Context, opts ListUploadsOptions) ([]UploadRecord, error) {
	query := "SELECT * FROM c WHERE c.type = 'upload'"
	var params []azcosmos.QueryParameter
	if opts.BucketName != "" {
		query += " AND c.bucket_name = @bucket_name"
		params = append(params, azcosmos.QueryParameter{Name: "@bucket_name", Value: opts.BucketName})
	}
	items, err := s.queryItems(ctx, pkCosmosUpload, query, params)
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}
	var out []UploadRecord
	for i := range items {
		u := cosmosToUpload(&items[i])
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

func (s *CosmosStore) UpdateUpload(ctx context.Context, u *UploadRecord) error {
	ci, etag, err := s.read(ctx, pkCosmosUpload, "upload_"+u.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("upload %q: %w", u.ID, ErrNotFound)
		}
		return fmt.Errorf("reading upload: %w", err)
	}
	u.KeyMD5 = KeyMD5(u.ObjectKey)
	next := uploadToCosmos(u)
	next.Status = ci.Status
	next.CreatedAt = ci.CreatedAt
	if err := s.replace(ctx, pkCosmosUpload, next, &etag); err != nil {
		return fmt.Errorf("updating upload: %w", err)
	}
	return nil
}

func (s *CosmosStore) SwapUploadStatus(ctx context.Context, id string, from, to UploadStatus) (bool, error) {
	ci, etag, err := s.read(ctx, pkCosmosUpload, "upload_"+id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("reading upload: %w", err)
	}
	if UploadStatus(ci.Status) != from {
		return false, nil
	}
	ci.Status = int(to)
	err = s.replace(ctx, pkCosmosUpload, ci, &etag)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound), cosmosStatus(err) == http.StatusPreconditionFailed:
		return false, nil
	default:
		return false, fmt.Errorf("swapping upload status: %w", err)
	}
}

func (s *CosmosStore) DeleteUpload(ctx context.Context, id string) error {
	if err := s.remove(ctx, pkCosmosUpload, "upload_"+id); err != nil {
		return fmt.Errorf("deleting upload: %w", err)
	}
	return nil
}

func uploadToCosmos(u *UploadRecord) *cosmosItem {
	ci := &cosmosItem{
		ID:         "upload_" + u.ID,
		Type:       "upload",
		UploadID:   u.ID,
		BucketID:   u.BucketID,
		BucketName: u.BucketName,
		ObjectID:   u.ObjectID,
		Key:        u.ObjectKey,
		KeyMD5:     u.KeyMD5,
		CreatedAt:  u.CreatedAt.UTC().Format(cosmosTimeFormat),
		Status:     int(u.Status),
		ShareCode:  u.ShareCode,
	}
	if u.ExpiresAt != nil {
		ci.ExpiresAt = u.ExpiresAt.UTC().Format(cosmosTimeFormat)
	}
	return ci
}

func cosmosToUpload(ci *cosmosItem) *UploadRecord {
	created, _ := time.Parse(cosmosTimeFormat, ci.CreatedAt)
	u := &UploadRecord{
		ID:         ci.UploadID,
		BucketID:   ci.BucketID,
		BucketName: ci.BucketName,
		ObjectID:   ci.ObjectID,
		ObjectKey:  ci.Key,
		KeyMD5:     ci.KeyMD5,
		CreatedAt:  created,
		Status:     UploadStatus(ci.Status),
		ShareCode:  ci.ShareCode,
	}
	if ci.ExpiresAt != "" {
		if t, err := time.Parse(cosmosTimeFormat, ci.ExpiresAt); err == nil {
			u.ExpiresAt = &t
		}
	}
	return u
}

// --- Parts ---

func (s *CosmosStore) PutPart(ctx context.Context, p *PartRecord) error {
	if p.ModifiedAt.IsZero() {
		p.ModifiedAt = time.Now().UTC()
	}
	docID := docIDPartCosmos(p.BucketID, p.UploadID, p.PartNumber)
	cur, _, err := s.read(ctx, pkCosmosPart, docID)
	switch {
	case err == nil:
		p.ID = cur.RowID
	case errors.Is(err, ErrNotFound):
		if p.ID, err = s.nextID(ctx, "part"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("reading part: %w", err)
	}
	p.ObjectID = 0
	p.ObjectOffset = -1
	p.ObjectETag = ""
	p.PartsCount = 0
	if err := s.upsert(ctx, pkCosmosPart, partToCosmos(p)); err != nil {
		return fmt.Errorf("putting part: %w", err)
	}
	return nil
}

func (s *CosmosStore) GetPart(ctx context.Context, bucketID int64, uploadID string, partNumber int) (*PartRecord, error) {
	ci, _, err := s.read(ctx, pkCosmosPart, docIDPartCosmos(bucketID, uploadID, partNumber))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("part %d of upload %q: %w", partNumber, uploadID, ErrNotFound)
		}
		return nil, fmt.Errorf("getting part: %w", err)
	}
	return cosmosToPart(ci), nil
}

func (s *CosmosStore) ListParts(ctx context.Context, bucketID int64, uploadID string) ([]PartRecord, error) {
	return s.listParts(ctx, bucketID, uploadID, false)
}

func (s *CosmosStore) ListUncomposedParts(ctx context.Context, bucketID int64, uploadID string) ([]PartRecord, error) {
	return s.listParts(ctx, bucketID, uploadID, true)
}

func (s *CosmosStore) listParts(ctx context.Context, bucketID int64, uploadID string, uncomposed bool) ([]PartRecord, error) {
	query := "SELECT * FROM c WHERE c.bucket_id = @bucket_id AND c.upload_id = @upload_id"
	if uncomposed {
		query += " AND c.obj_id = 0"
	}
	items, err := s.queryItems(ctx, pkCosmosPart, query, []azcosmos.QueryParameter{
		{Name: "@bucket_id", Value: bucketID},
		{Name: "@upload_id", Value: uploadID},
	})
	if err != nil {
		return nil, fmt.Errorf("listing parts: %w", err)
	}
	out := make([]PartRecord, 0, len(items))
	for i := range items {
		out = append(out, *cosmosToPart(&items[i]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	return out, nil
}

func (s *CosmosStore) UpdatePartComposition(ctx context.Context, parts []PartRecord) error {
	for i := range parts {
		if err := s.updatePartComposition(ctx, &parts[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *CosmosStore) updatePartComposition(ctx context.Context, p *PartRecord) error {
	docID := docIDPartCosmos(p.BucketID, p.UploadID, p.PartNumber)
	var ops azcosmos.PatchOperations
	ops.AppendSet("/obj_id", p.ObjectID)
	ops.AppendSet("/obj_offset", p.ObjectOffset)
	ops.AppendSet("/obj_etag", p.ObjectETag)
	ops.AppendSet("/parts_count", p.PartsCount)
	if _, err := s.client.PatchItem(ctx, pkCosmosPart, docID, ops, nil); err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return fmt.Errorf("part %d of upload %q: %w", p.PartNumber, p.UploadID, ErrNotFound)
		}
		return fmt.Errorf("updating part: %w", err)
	}
	return nil
}

func (s *CosmosStore) DeletePart(ctx context.Context, bucketID int64, uploadID string, partNumber int) error {
	if err := s.remove(ctx, pkCosmosPart, docIDPartCosmos(bucketID, uploadID, partNumber)); err != nil {
		return fmt.Errorf("deleting part: %w", err)
	}
	return nil
}

func partToCosmos(p *PartRecord) *cosmosItem {
	return &cosmosItem{
		ID:         docIDPartCosmos(p.BucketID, p.UploadID, p.PartNumber),
		Type:       "part",
		RowID:      p.ID,
		BucketID:   p.BucketID,
		UploadID:   p.UploadID,
		ObjectID:   p.ObjectID,
		PartNumber: p.PartNumber,
		Size:       p.Size,
		Offset:     p.ObjectOffset,
		PartMD5:    p.PartMD5,
		ModifiedAt: p.ModifiedAt.UTC().Format(cosmosTimeFormat),
		ObjectETag: p.ObjectETag,
		PartsCount: p.PartsCount,
	}
}

func cosmosToPart(ci *cosmosItem) *PartRecord {
	modified, _ := time.Parse(cosmosTimeFormat, ci.ModifiedAt)
	return &PartRecord{
		ID:           ci.RowID,
		BucketID:     ci.BucketID,
		UploadID:     ci.UploadID,
		ObjectID:     ci.ObjectID,
		PartNumber:   ci.PartNumber,
		Size:         ci.Size,
		ObjectOffset: ci.Offset,
		PartMD5:      ci.PartMD5,
		ModifiedAt:   modified,
		ObjectETag:   ci.ObjectETag,
		PartsCount:   ci.PartsCount,
	}
}
