package metadata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/i-harbor/iharbor-s3/internal/config"
)

const dynamoTimeFormat = "2006-01-02T15:04:05.000Z"

// DynamoAPI is the subset of the DynamoDB client used by DynamoDBStore.
type DynamoAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoDBStore stores all metadata in a single DynamoDB table keyed by
// (pk, sk). Numeric ids come from counter items updated with ADD.
type DynamoDBStore struct {
	client    DynamoAPI
	tableName string
}

var _ Store = (*DynamoDBStore)(nil)

func NewDynamoDBStore(ctx context.Context, cfg *config.DynamoDBConfig) (*DynamoDBStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("dynamodb config is required")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}

	return NewDynamoDBStoreWithClient(dynamodb.NewFromConfig(awsCfg), cfg.Table), nil
}

// NewDynamoDBStoreWithClient wraps an existing client, typically a test double.
func NewDynamoDBStoreWithClient(client DynamoAPI, table string) *DynamoDBStore {
	return &DynamoDBStore{client: client, tableName: table}
}

func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	return err
}

func (s *DynamoDBStore) Close() error {
	return nil
}

func pkBucket(name string) string { return "BUCKET#" + name }
func pkObjects(bucketID int64) string { return "OBJECTS#" + strconv.FormatInt(bucketID, 10) }
func pkUpload(uploadID string) string { return "UPLOAD#" + uploadID }
func pkCounter(kind string) string { return "COUNTER#" + kind }
func skMetadata() string { return "#METADATA" }
func skObject(key string) string { return "KEY#" + key }
func skPart(partNumber int) string { return fmt.Sprintf("PART#%05d", partNumber) }
func pkParts(bucketID int64, id string) string {
	return "PARTS#" + strconv.FormatInt(bucketID, 10) + "#" + id
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func attrS(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }
func attrN(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}
func attrTime(t time.Time) types.AttributeValue {
	return attrS(t.UTC().Format(dynamoTimeFormat))
}

// isConditionFailed reports whether err is a failed ConditionExpression.
func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	return strings.Contains(err.Error(), "ConditionalCheckFailedException")
}

// nextID atomically increments the named counter and returns the new value.
func (s *DynamoDBStore) nextID(ctx context.Context, kind string) (int64, error) {
	resp, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       itemKey(pkCounter(kind), skMetadata()),
		UpdateExpression:          aws.String("ADD #v :one"),
		ExpressionAttributeNames:  map[string]string{"#v": "value"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":one": attrN(1)},
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("allocating %s id: %w", kind, err)
	}
	return getNInt(resp.Attributes, "value"), nil
}

// --- Buckets ---

func (s *DynamoDBStore) CreateBucket(ctx context.Context, name string) (*BucketRecord, error) {
	id, err := s.nextID(ctx, "bucket")
	if err != nil {
		return nil, err
	}
	b := &BucketRecord{ID: id, Name: name, CreatedAt: time.Now().UTC().Truncate(time.Millisecond)}
	item := itemKey(pkBucket(name), skMetadata())
	item["type"] = attrS("bucket")
	item["id"] = attrN(b.ID)
	item["name"] = attrS(name)
	item["created_at"] = attrTime(b.CreatedAt)

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, fmt.Errorf("bucket %q: %w", name, ErrConflict)
		}
		return nil, fmt.Errorf("creating bucket: %w", err)
	}
	return b, nil
}

func (s *DynamoDBStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            itemKey(pkBucket(name), skMetadata()),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting bucket: %w", err)
	}
	if resp.Item == nil {
		return nil, fmt.Errorf("bucket %q: %w", name, ErrNotFound)
	}
	return itemToBucket(resp.Item), nil
}

func (s *DynamoDBStore) DeleteBucket(ctx context.Context, name string) error {
	b, err := s.GetBucket(ctx, name)
	if err != nil {
		return err
	}

	objectKeys, err := s.queryKeys(ctx, pkObjects(b.ID))
	if err != nil {
		return err
	}
	partKeys, err := s.scanKeys(ctx, "#t = :t AND bucket_id = :b", map[string]types.AttributeValue{
		":t": attrS("part"),
		":b": attrN(b.ID),
	})
	if err != nil {
		return err
	}
	if err := s.batchDelete(ctx, append(objectKeys, partKeys...)); err != nil {
		return err
	}

	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       itemKey(pkBucket(name), skMetadata()),
	})
	if err != nil {
		return fmt.Errorf("deleting bucket: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) ListBuckets(ctx context.Context) ([]BucketRecord, error) {
	items, err := s.scan(ctx, "#t = :t", map[string]types.AttributeValue{":t": attrS("bucket")})
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	out := make([]BucketRecord, 0, len(items))
	for _, item := range items {
		out = append(out, *itemToBucket(item))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func itemToBucket(item map[string]types.AttributeValue) *BucketRecord {
	return &BucketRecord{
		ID:        getNInt(item, "id"),
		Name:      getString(item, "name"),
		CreatedAt: getTime(item, "created_at"),
	}
}

// --- Objects ---

func (s *DynamoDBStore) GetObject(ctx context.Context, bucketID int64, key string) (*ObjectRecord, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            itemKey(pkObjects(bucketID), skObject(key)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting object: %w", err)
	}
	if resp.Item == nil {
		return nil, fmt.Errorf("object %q: %w", key, ErrNotFound)
	}
	return itemToObject(resp.Item), nil
}

func (s *DynamoDBStore) GetOrCreateObject(ctx context.Context, bucketID int64, key string) (*ObjectRecord, bool, error) {
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
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                objectToItem(obj),
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			// Lost the race to a concurrent creator.
			existing, err := s.GetObject(ctx, bucketID, key)
			return existing, false, err
		}
		return nil, false, fmt.Errorf("creating object: %w", err)
	}
	return obj, true, nil
}

func (s *DynamoDBStore) UpdateObject(ctx context.Context, obj *ObjectRecord) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.tableName),
		Key:                      itemKey(pkObjects(obj.BucketID), skObject(obj.Key)),
		ExpressionAttributeNames: map[string]string{"#sz": "size"},
		UpdateExpression:         aws.String("SET #sz = :size, md5 = :md5, etag = :etag, share_code = :share, upload_id = :upload, modified_at = :mtime"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":size":   attrN(obj.Size),
			":md5":    attrS(obj.MD5),
			":etag":   attrS(obj.ETag),
			":share":  attrN(int64(obj.ShareCode)),
			":upload": attrS(obj.UploadID),
			":mtime":  attrTime(obj.ModifiedAt),
			":id":     attrN(obj.ID),
		},
		ConditionExpression: aws.String("attribute_exists(pk) AND id = :id"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("object %d: %w", obj.ID, ErrNotFound)
		}
		return fmt.Errorf("updating object: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) CountObjects(ctx context.Context, bucketID int64) (int64, error) {
	var n int64
	p := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":pk": attrS(pkObjects(bucketID))},
		Select:                    types.SelectCount,
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("counting objects: %w", err)
		}
		n += int64(page.Count)
	}
	return n, nil
}

func objectToItem(obj *ObjectRecord) map[string]types.AttributeValue {
	item := itemKey(pkObjects(obj.BucketID), skObject(obj.Key))
	item["type"] = attrS("object")
	item["id"] = attrN(obj.ID)
	item["bucket_id"] = attrN(obj.BucketID)
	item["key"] = attrS(obj.Key)
	item["size"] = attrN(obj.Size)
	item["md5"] = attrS(obj.MD5)
	item["etag"] = attrS(obj.ETag)
	item["share_code"] = attrN(int64(obj.ShareCode))
	item["upload_id"] = attrS(obj.UploadID)
	item["modified_at"] = attrTime(obj.ModifiedAt)
	item["created_at"] = attrTime(obj.CreatedAt)
	return item
}

func itemToObject(item map[string]types.AttributeValue) *ObjectRecord {
	return &ObjectRecord{
		ID:         getNInt(item, "id"),
		BucketID:   getNInt(item, "bucket_id"),
		Key:        getString(item, "key"),
		Size:       getNInt(item, "size"),
		MD5:        getString(item, "md5"),
		ETag:       getString(item, "etag"),
		ShareCode:  int(getNInt(item, "share_code")),
		UploadID:   getString(item, "upload_id"),
		ModifiedAt: getTime(item, "modified_at"),
		CreatedAt:  getTime(item, "created_at"),
	}
}

// --- Uploads ---

func (s *DynamoDBStore) CreateUpload(ctx context.Context, u *UploadRecord) error {
	u.KeyMD5 = KeyMD5(u.ObjectKey)
	item := itemKey(pkUpload(u.ID), skMetadata())
	item["type"] = attrS("upload")
	item["upload_id"] = attrS(u.ID)
	item["bucket_id"] = attrN(u.BucketID)
	item["bucket_name"] = attrS(u.BucketName)
	item["obj_id"] = attrN(u.ObjectID)
	item["obj_key"] = attrS(u.ObjectKey)
	item["key_md5"] = attrS(u.KeyMD5)
	item["create_time"] = attrTime(u.CreatedAt)
	item["status"] = attrN(int64(u.Status))
	item["obj_perms_code"] = attrN(int64(u.ShareCode))
	if u.ExpiresAt != nil {
		item["expire_time"] = attrTime(*u.ExpiresAt)
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("upload %q: %w", u.ID, ErrConflict)
		}
		return fmt.Errorf("creating upload: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) GetUpload(ctx context.Context, id string) (*UploadRecord, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            itemKey(pkUpload(id), skMetadata()),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting upload: %w", err)
	}
	if resp.Item == nil {
		return nil, fmt.Errorf("upload %q: %w", id, ErrNotFound)
	}
	return itemToUpload(resp.Item), nil
}

func (s *DynamoDBStore) FindUploads(ctx context.Context, bucketName, key string) ([]UploadRecord, error) {
	items, err := s.scan(ctx, "#t = :t AND key_md5 = :km AND bucket_name = :bn", map[string]types.AttributeValue{
		":t":  attrS("upload"),
		":km": attrS(KeyMD5(key)),
		":bn": attrS(bucketName),
	})
	if err != nil {
		return nil, fmt.Errorf("finding uploads: %w", err)
	}
	var out []UploadRecord
	for _, item := range items {
		u := itemToUpload(item)
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

func (s *DynamoDBStore) ListUploads(ctx context.Context, opts ListUploadsOptions) ([]UploadRecord, error) {
	filter := "#t = :t"
	values := map[string]types.AttributeValue{":t": attrS("upload")}
	if opts.BucketName != "" {
		filter += " AND bucket_name = :bn"
		values[":bn"] = attrS(opts.BucketName)
	}
	items, err := s.scan(ctx, filter, values)
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}
	var out []UploadRecord
	for _, item := range items {
		u := itemToUpload(item)
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

func (s *DynamoDBStore) UpdateUpload(ctx context.Context, u *UploadRecord) error {
	u.KeyMD5 = KeyMD5(u.ObjectKey)
	values := map[string]types.AttributeValue{
		":bid":   attrN(u.BucketID),
		":bname": attrS(u.BucketName),
		":oid":   attrN(u.ObjectID),
		":okey":  attrS(u.ObjectKey),
		":km":    attrS(u.KeyMD5),
		":perms": attrN(int64(u.ShareCode)),
	}
	expr := "SET bucket_id = :bid, bucket_name = :bname, obj_id = :oid, obj_key = :okey, key_md5 = :km, obj_perms_code = :perms"
	if u.ExpiresAt != nil {
		expr += ", expire_time = :exp"
		values[":exp"] = attrTime(*u.ExpiresAt)
	} else {
		expr += " REMOVE expire_time"
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       itemKey(pkUpload(u.ID), skMetadata()),
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeValues: values,
		ConditionExpression:       aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("upload %q: %w", u.ID, ErrNotFound)
		}
		return fmt.Errorf("updating upload: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) SwapUploadStatus(ctx context.Context, id string, from, to UploadStatus) (bool, error) {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.tableName),
		Key:                      itemKey(pkUpload(id), skMetadata()),
		UpdateExpression:         aws.String("SET #s = :to"),
		ConditionExpression:      aws.String("attribute_exists(pk) AND #s = :from"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":from": attrN(int64(from)),
			":to":   attrN(int64(to)),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("swapping upload status: %w", err)
	}
	return true, nil
}

func (s *DynamoDBStore) DeleteUpload(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       itemKey(pkUpload(id), skMetadata()),
	})
	if err != nil {
		return fmt.Errorf("deleting upload: %w", err)
	}
	return nil
}

func itemToUpload(item map[string]types.AttributeValue) *UploadRecord {
	u := &UploadRecord{
		ID:         getString(item, "upload_id"),
		BucketID:   getNInt(item, "bucket_id"),
		BucketName: getString(item, "bucket_name"),
		ObjectID:   getNInt(item, "obj_id"),
		ObjectKey:  getString(item, "obj_key"),
		KeyMD5:     getString(item, "key_md5"),
		CreatedAt:  getTime(item, "create_time"),
		Status:     UploadStatus(getNInt(item, "status")),
		ShareCode:  int(getNInt(item, "obj_perms_code")),
	}
	if _, ok := item["expire_time"]; ok {
		t := getTime(item, "expire_time")
		u.ExpiresAt = &t
	}
	return u
}

// --- Parts ---

func (s *DynamoDBStore) PutPart(ctx context.Context, p *PartRecord) error {
	if p.ModifiedAt.IsZero() {
		p.ModifiedAt = time.Now().UTC()
	}
	newID, err := s.nextID(ctx, "part")
	if err != nil {
		return err
	}
	resp, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key:       itemKey(pkParts(p.BucketID, p.UploadID), skPart(p.PartNumber)),
		UpdateExpression: aws.String("SET id = if_not_exists(id, :id), #t = :t, bucket_id = :bid, upload_id = :uid, " +
			"part_num = :n, #sz = :size, part_md5 = :md5, modified_time = :mtime, " +
			"obj_id = :zero, obj_offset = :neg, obj_etag = :empty, parts_count = :zero"),
		ExpressionAttributeNames: map[string]string{"#t": "type", "#sz": "size"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id":    attrN(newID),
			":t":     attrS("part"),
			":bid":   attrN(p.BucketID),
			":uid":   attrS(p.UploadID),
			":n":     attrN(int64(p.PartNumber)),
			":size":  attrN(p.Size),
			":md5":   attrS(p.PartMD5),
			":mtime": attrTime(p.ModifiedAt),
			":zero":  attrN(0),
			":neg":   attrN(-1),
			":empty": attrS(""),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return fmt.Errorf("putting part: %w", err)
	}
	p.ID = getNInt(resp.Attributes, "id")
	p.ObjectID = 0
	p.ObjectOffset = -1
	p.ObjectETag = ""
	p.PartsCount = 0
	return nil
}

func (s *DynamoDBStore) GetPart(ctx context.Context, bucketID int64, uploadID string, partNumber int) (*PartRecord, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            itemKey(pkParts(bucketID, uploadID), skPart(partNumber)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting part: %w", err)
	}
	if resp.Item == nil {
		return nil, fmt.Errorf("part %d of upload %q: %w", partNumber, uploadID, ErrNotFound)
	}
	return itemToPart(resp.Item), nil
}

func (s *DynamoDBStore) ListParts(ctx context.Context, bucketID int64, uploadID string) ([]PartRecord, error) {
	return s.queryParts(ctx, bucketID, uploadID, false)
}

func (s *DynamoDBStore) ListUncomposedParts(ctx context.Context, bucketID int64, uploadID string) ([]PartRecord, error) {
	return s.queryParts(ctx, bucketID, uploadID, true)
}

func (s *DynamoDBStore) queryParts(ctx context.Context, bucketID int64, uploadID string, uncomposed bool) ([]PartRecord, error) {
	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":pk": attrS(pkParts(bucketID, uploadID))},
		ConsistentRead:            aws.Bool(true),
		ScanIndexForward:          aws.Bool(true),
	}
	if uncomposed {
		input.FilterExpression = aws.String("obj_id = :zero")
		input.ExpressionAttributeValues[":zero"] = attrN(0)
	}

	var out []PartRecord
	p := dynamodb.NewQueryPaginator(s.client, input)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing parts: %w", err)
		}
		for _, item := range page.Items {
			out = append(out, *itemToPart(item))
		}
	}
	return out, nil
}

func (s *DynamoDBStore) UpdatePartComposition(ctx context.Context, parts []PartRecord) error {
	for i := range parts {
		if err := s.updatePartComposition(ctx, &parts[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *DynamoDBStore) updatePartComposition(ctx context.Context, p *PartRecord) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              itemKey(pkParts(p.BucketID, p.UploadID), skPart(p.PartNumber)),
		UpdateExpression: aws.String("SET obj_id = :oid, obj_offset = :off, obj_etag = :etag, parts_count = :count"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":oid":   attrN(p.ObjectID),
			":off":   attrN(p.ObjectOffset),
			":etag":  attrS(p.ObjectETag),
			":count": attrN(int64(p.PartsCount)),
		},
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("part %d of upload %q: %w", p.PartNumber, p.UploadID, ErrNotFound)
		}
		return fmt.Errorf("updating part: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) DeletePart(ctx context.Context, bucketID int64, uploadID string, partNumber int) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       itemKey(pkParts(bucketID, uploadID), skPart(partNumber)),
	})
	if err != nil {
		return fmt.Errorf("deleting part: %w", err)
	}
	return nil
}

func itemToPart(item map[string]types.AttributeValue) *PartRecord {
	return &PartRecord{
		ID:           getNInt(item, "id"),
		BucketID:     getNInt(item, "bucket_id"),
		UploadID:     getString(item, "upload_id"),
		ObjectID:     getNInt(item, "obj_id"),
		PartNumber:   int(getNInt(item, "part_num")),
		Size:         getNInt(item, "size"),
		ObjectOffset: getNInt(item, "obj_offset"),
		PartMD5:      getString(item, "part_md5"),
		ModifiedAt:   getTime(item, "modified_time"),
		ObjectETag:   getString(item, "obj_etag"),
		PartsCount:   int(getNInt(item, "parts_count")),
	}
}

// --- Table helpers ---

func (s *DynamoDBStore) scan(ctx context.Context, filter string, values map[string]types.AttributeValue) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                 aws.String(s.tableName),
		FilterExpression:          aws.String(filter),
		ExpressionAttributeNames:  map[string]string{"#t": "type"},
		ExpressionAttributeValues: values,
		ConsistentRead:            aws.Bool(true),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

func (s *DynamoDBStore) scanKeys(ctx context.Context, filter string, values map[string]types.AttributeValue) ([]map[string]types.AttributeValue, error) {
	items, err := s.scan(ctx, filter, values)
	if err != nil {
		return nil, err
	}
	return keysOf(items), nil
}

func (s *DynamoDBStore) queryKeys(ctx context.Context, pk string) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	p := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":pk": attrS(pk)},
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
	}
	return keysOf(items), nil
}

func keysOf(items []map[string]types.AttributeValue) []map[string]types.AttributeValue {
	keys := make([]map[string]types.AttributeValue, 0, len(items))
	for _, item := range items {
		keys = append(keys, map[string]types.AttributeValue{"pk": item["pk"], "sk": item["sk"]})
	}
	return keys
}

// batchDelete removes keys in batches of 25, the BatchWriteItem limit.
func (s *DynamoDBStore) batchDelete(ctx context.Context, keys []map[string]types.AttributeValue) error {
	for i := 0; i < len(keys); i += 25 {
		end := min(i+25, len(keys))
		reqs := make([]types.WriteRequest, 0, end-i)
		for _, k := range keys[i:end] {
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: k}})
		}
		pending := map[string][]types.WriteRequest{s.tableName: reqs}
		for len(pending) > 0 {
			resp, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return fmt.Errorf("batch delete: %w", err)
			}
			pending = resp.UnprocessedItems
		}
	}
	return nil
}

func getString(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key]; ok {
		if sv, ok := v.(*types.AttributeValueMemberS); ok {
			return sv.Value
		}
	}
	return ""
}

func getNInt(item map[string]types.AttributeValue, key string) int64 {
	if v, ok := item[key]; ok {
		if nv, ok := v.(*types.AttributeValueMemberN); ok {
			n, _ := strconv.ParseInt(nv.Value, 10, 64)
			return n
		}
	}
	return 0
}

func getTime(item map[string]types.AttributeValue, key string) time.Time {
	t, _ := time.Parse(dynamoTimeFormat, getString(item, key))
	return t
}
