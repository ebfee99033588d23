package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const (
	// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
	timeFormat = "2006-01-02T15:04:05.000Z"
)

// SQLiteStore implements Store on SQLite. Parts of every bucket share one
// table keyed by bucket_id.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at dsn and initializes the schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}
	if strings.Contains(dsn, ":memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle for export and import tooling.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// initDB applies PRAGMAs and creates the required tables and indexes.
// This is safe to call multiple times.
func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS buckets (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			name       TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS objects (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			bucket_id   INTEGER NOT NULL,
			key         TEXT NOT NULL,
			size        INTEGER NOT NULL DEFAULT 0,
			md5         TEXT NOT NULL DEFAULT '',
			etag        TEXT NOT NULL DEFAULT '',
			share_code  INTEGER NOT NULL DEFAULT 0,
			upload_id   TEXT NOT NULL DEFAULT '',
			modified_at TEXT NOT NULL,
			created_at  TEXT NOT NULL,

			UNIQUE (bucket_id, key)
		);

		CREATE TABLE IF NOT EXISTS multipart_uploads (
			id             TEXT PRIMARY KEY,
			bucket_id      INTEGER NOT NULL,
			bucket_name    TEXT NOT NULL DEFAULT '',
			obj_id         INTEGER NOT NULL DEFAULT 0,
			obj_key        TEXT NOT NULL DEFAULT '',
			key_md5        TEXT NOT NULL,
			create_time    TEXT NOT NULL,
			expire_time    TEXT,
			status         INTEGER NOT NULL DEFAULT 1,
			obj_perms_code INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_uploads_key_md5 ON multipart_uploads(key_md5);
		CREATE INDEX IF NOT EXISTS idx_uploads_bucket_name ON multipart_uploads(bucket_name);

		CREATE TABLE IF NOT EXISTS multipart_parts (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			bucket_id     INTEGER NOT NULL,
			upload_id     TEXT NOT NULL,
			obj_id        INTEGER NOT NULL DEFAULT 0,
			part_num      INTEGER NOT NULL,
			size          INTEGER NOT NULL,
			obj_offset    INTEGER NOT NULL DEFAULT -1,
			part_md5      TEXT NOT NULL,
			modified_time TEXT NOT NULL,
			obj_etag      TEXT NOT NULL DEFAULT '',
			parts_count   INTEGER NOT NULL DEFAULT 0,

			UNIQUE (bucket_id, upload_id, part_num)
		);

		CREATE INDEX IF NOT EXISTS idx_parts_obj ON multipart_parts(bucket_id, obj_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting schema version: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ---- Buckets ----

func (s *SQLiteStore) CreateBucket(ctx context.Context, name string) (*BucketRecord, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO buckets (name, created_at) VALUES (?, ?)`,
		name, now.Format(timeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("bucket %q: %w", name, ErrConflict)
		}
		return nil, fmt.Errorf("creating bucket %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading bucket id: %w", err)
	}
	return &BucketRecord{ID: id, Name: name, CreatedAt: now.Truncate(time.Millisecond)}, nil
}

func (s *SQLiteStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	var b BucketRecord
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM buckets WHERE name = ?`, name,
	).Scan(&b.ID, &b.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bucket %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting bucket %q: %w", name, err)
	}
	b.CreatedAt = parseTime(created)
	return &b, nil
}

func (s *SQLiteStore) DeleteBucket(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM buckets WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("bucket %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("getting bucket %q: %w", name, err)
	}
	for _, q := range []string{
		`DELETE FROM multipart_parts WHERE bucket_id = ?`,
		`DELETE FROM objects WHERE bucket_id = ?`,
		`DELETE FROM buckets WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("deleting bucket %q: %w", name, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListBuckets(ctx context.Context) ([]BucketRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM buckets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	defer rows.Close()

	var out []BucketRecord
	for rows.Next() {
		var b BucketRecord
		var created string
		if err := rows.Scan(&b.ID, &b.Name, &created); err != nil {
			return nil, fmt.Errorf("scanning bucket row: %w", err)
		}
		b.CreatedAt = parseTime(created)
		out = append(out, b)
	}
	return out, rows.Err()
}

// ---- Objects ----

const objectColumns = `id, bucket_id, key, size, md5, etag, share_code, upload_id, modified_at, created_at`

func (s *SQLiteStore) GetObject(ctx context.Context, bucketID int64, key string) (*ObjectRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+objectColumns+` FROM objects WHERE bucket_id = ? AND key = ?`, bucketID, key)
	obj, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("object %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting object %q: %w", key, err)
	}
	return obj, nil
}

func (s *SQLiteStore) GetOrCreateObject(ctx context.Context, bucketID int64, key string) (*ObjectRecord, bool, error) {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO objects (bucket_id, key, modified_at, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (bucket_id, key) DO NOTHING`,
		bucketID, key, now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("creating object %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("creating object %q: %w", key, err)
	}
	obj, err := s.GetObject(ctx, bucketID, key)
	if err != nil {
		return nil, false, err
	}
	return obj, n == 1, nil
}

func (s *SQLiteStore) UpdateObject(ctx context.Context, obj *ObjectRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE objects SET size = ?, md5 = ?, etag = ?, share_code = ?, upload_id = ?, modified_at = ?
		 WHERE id = ?`,
		obj.Size, obj.MD5, obj.ETag, obj.ShareCode, obj.UploadID,
		obj.ModifiedAt.UTC().Format(timeFormat), obj.ID,
	)
	if err != nil {
		return fmt.Errorf("updating object %d: %w", obj.ID, err)
	}
	return requireOneRow(res, "object", fmt.Sprint(obj.ID))
}

func (s *SQLiteStore) CountObjects(ctx context.Context, bucketID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE bucket_id = ?`, bucketID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting objects: %w", err)
	}
	return n, nil
}

func scanObject(row interface{ Scan(...any) error }) (*ObjectRecord, error) {
	var obj ObjectRecord
	var modified, created string
	err := row.Scan(&obj.ID, &obj.BucketID, &obj.Key, &obj.Size, &obj.MD5, &obj.ETag,
		&obj.ShareCode, &obj.UploadID, &modified, &created)
	if err != nil {
		return nil, err
	}
	obj.ModifiedAt = parseTime(modified)
	obj.CreatedAt = parseTime(created)
	return &obj, nil
}

// ---- Uploads ----

const uploadColumns = `id, bucket_id, bucket_name, obj_id, obj_key, key_md5, create_time, expire_time, status, obj_perms_code`

func (s *SQLiteStore) CreateUpload(ctx context.Context, u *UploadRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO multipart_uploads (`+uploadColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.BucketID, u.BucketName, u.ObjectID, u.ObjectKey, KeyMD5(u.ObjectKey),
		u.CreatedAt.UTC().Format(timeFormat), nullTime(u.ExpiresAt), int(u.Status), u.ShareCode,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("upload %q: %w", u.ID, ErrConflict)
		}
		return fmt.Errorf("creating upload %q: %w", u.ID, err)
	}
	u.KeyMD5 = KeyMD5(u.ObjectKey)
	return nil
}

func (s *SQLiteStore) GetUpload(ctx context.Context, id string) (*UploadRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM multipart_uploads WHERE id = ?`, id)
	u, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("upload %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting upload %q: %w", id, err)
	}
	return u, nil
}

func (s *SQLiteStore) FindUploads(ctx context.Context, bucketName, key string) ([]UploadRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+uploadColumns+` FROM multipart_uploads
		 WHERE key_md5 = ? AND bucket_name = ? AND obj_key = ?
		 ORDER BY create_time, id`,
		KeyMD5(key), bucketName, key,
	)
	if err != nil {
		return nil, fmt.Errorf("finding uploads for %q: %w", key, err)
	}
	return collectUploads(rows)
}

func (s *SQLiteStore) ListUploads(ctx context.Context, opts ListUploadsOptions) ([]UploadRecord, error) {
	var where []string
	var args []any
	if opts.BucketName != "" {
		where = append(where, "bucket_name = ?")
		args = append(args, opts.BucketName)
	}
	if opts.BucketID != 0 {
		where = append(where, "bucket_id = ?")
		args = append(args, opts.BucketID)
	}
	if opts.Prefix != "" {
		where = append(where, "substr(obj_key, 1, length(?)) = ?")
		args = append(args, opts.Prefix, opts.Prefix)
	}
	if opts.KeyMarker != "" {
		if opts.UploadIDMarker != "" {
			where = append(where, "(obj_key > ? OR (obj_key = ? AND id > ?))")
			args = append(args, opts.KeyMarker, opts.KeyMarker, opts.UploadIDMarker)
		} else {
			where = append(where, "obj_key > ?")
			args = append(args, opts.KeyMarker)
		}
	}
	if !opts.CreatedBefore.IsZero() {
		where = append(where, "create_time < ?")
		args = append(args, opts.CreatedBefore.UTC().Format(timeFormat))
	}
	if !opts.ExpiredBefore.IsZero() {
		where = append(where, "(expire_time IS NULL OR expire_time < ?)")
		args = append(args, opts.ExpiredBefore.UTC().Format(timeFormat))
	}

	query := `SELECT ` + uploadColumns + ` FROM multipart_uploads`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY obj_key, id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}
	return collectUploads(rows)
}

func (s *SQLiteStore) UpdateUpload(ctx context.Context, u *UploadRecord) error {
	u.KeyMD5 = KeyMD5(u.ObjectKey)
	res, err := s.db.ExecContext(ctx,
		`UPDATE multipart_uploads
		 SET bucket_id = ?, bucket_name = ?, obj_id = ?, obj_key = ?, key_md5 = ?, expire_time = ?, obj_perms_code = ?
		 WHERE id = ?`,
		u.BucketID, u.BucketName, u.ObjectID, u.ObjectKey, u.KeyMD5, nullTime(u.ExpiresAt), u.ShareCode, u.ID,
	)
	if err != nil {
		return fmt.Errorf("updating upload %q: %w", u.ID, err)
	}
	return requireOneRow(res, "upload", u.ID)
}

func (s *SQLiteStore) SwapUploadStatus(ctx context.Context, id string, from, to UploadStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE multipart_uploads SET status = ? WHERE id = ? AND status = ?`,
		int(to), id, int(from),
	)
	if err != nil {
		return false, fmt.Errorf("setting upload %q status %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("setting upload %q status %s: %w", id, to, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) DeleteUpload(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM multipart_uploads WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting upload %q: %w", id, err)
	}
	return nil
}

func scanUpload(row interface{ Scan(...any) error }) (*UploadRecord, error) {
	var u UploadRecord
	var created string
	var expires sql.NullString
	var status int
	err := row.Scan(&u.ID, &u.BucketID, &u.BucketName, &u.ObjectID, &u.ObjectKey, &u.KeyMD5,
		&created, &expires, &status, &u.ShareCode)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = parseTime(created)
	if expires.Valid {
		t := parseTime(expires.String)
		u.ExpiresAt = &t
	}
	u.Status = UploadStatus(status)
	return &u, nil
}

func collectUploads(rows *sql.Rows) ([]UploadRecord, error) {
	defer rows.Close()
	var out []UploadRecord
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning upload row: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// ---- Parts ----

const partColumns = `id, bucket_id, upload_id, obj_id, part_num, size, obj_offset, part_md5, modified_time, obj_etag, parts_count`

func (s *SQLiteStore) PutPart(ctx context.Context, p *PartRecord) error {
	if p.ModifiedAt.IsZero() {
		p.ModifiedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO multipart_parts (bucket_id, upload_id, part_num, size, part_md5, modified_time)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (bucket_id, upload_id, part_num) DO UPDATE SET
			size = excluded.size,
			part_md5 = excluded.part_md5,
			modified_time = excluded.modified_time,
			obj_id = 0,
			obj_offset = -1,
			obj_etag = '',
			parts_count = 0
		 RETURNING id`,
		p.BucketID, p.UploadID, p.PartNumber, p.Size, p.PartMD5, p.ModifiedAt.UTC().Format(timeFormat),
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("putting part %d of upload %q: %w", p.PartNumber, p.UploadID, err)
	}
	p.ObjectID = 0
	p.ObjectOffset = -1
	p.ObjectETag = ""
	p.PartsCount = 0
	return nil
}

func (s *SQLiteStore) GetPart(ctx context.Context, bucketID int64, uploadID string, partNumber int) (*PartRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+partColumns+` FROM multipart_parts WHERE bucket_id = ? AND upload_id = ? AND part_num = ?`,
		bucketID, uploadID, partNumber)
	p, err := scanPart(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("part %d of upload %q: %w", partNumber, uploadID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting part %d of upload %q: %w", partNumber, uploadID, err)
	}
	return p, nil
}

func (s *SQLiteStore) ListParts(ctx context.Context, bucketID int64, uploadID string) ([]PartRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+partColumns+` FROM multipart_parts WHERE bucket_id = ? AND upload_id = ? ORDER BY part_num`,
		bucketID, uploadID)
	if err != nil {
		return nil, fmt.Errorf("listing parts of upload %q: %w", uploadID, err)
	}
	return collectParts(rows)
}

func (s *SQLiteStore) ListUncomposedParts(ctx context.Context, bucketID int64, uploadID string) ([]PartRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+partColumns+` FROM multipart_parts
		 WHERE bucket_id = ? AND upload_id = ? AND obj_id = 0 ORDER BY part_num`,
		bucketID, uploadID)
	if err != nil {
		return nil, fmt.Errorf("listing uncomposed parts of upload %q: %w", uploadID, err)
	}
	return collectParts(rows)
}

func (s *SQLiteStore) UpdatePartComposition(ctx context.Context, parts []PartRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE multipart_parts SET obj_id = ?, obj_offset = ?, obj_etag = ?, parts_count = ?
		 WHERE bucket_id = ? AND upload_id = ? AND part_num = ?`)
	if err != nil {
		return fmt.Errorf("preparing part update: %w", err)
	}
	defer stmt.Close()

	for i := range parts {
		p := &parts[i]
		res, err := stmt.ExecContext(ctx,
			p.ObjectID, p.ObjectOffset, p.ObjectETag, p.PartsCount, p.BucketID, p.UploadID, p.PartNumber)
		if err != nil {
			return fmt.Errorf("updating part %d of upload %q: %w", p.PartNumber, p.UploadID, err)
		}
		if err := requireOneRow(res, "part", fmt.Sprintf("%s/%d", p.UploadID, p.PartNumber)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeletePart(ctx context.Context, bucketID int64, uploadID string, partNumber int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM multipart_parts WHERE bucket_id = ? AND upload_id = ? AND part_num = ?`,
		bucketID, uploadID, partNumber)
	if err != nil {
		return fmt.Errorf("deleting part %d of upload %q: %w", partNumber, uploadID, err)
	}
	return nil
}

func scanPart(row interface{ Scan(...any) error }) (*PartRecord, error) {
	var p PartRecord
	var modified string
	err := row.Scan(&p.ID, &p.BucketID, &p.UploadID, &p.ObjectID, &p.PartNumber, &p.Size,
		&p.ObjectOffset, &p.PartMD5, &modified, &p.ObjectETag, &p.PartsCount)
	if err != nil {
		return nil, err
	}
	p.ModifiedAt = parseTime(modified)
	return &p, nil
}

func collectParts(rows *sql.Rows) ([]PartRecord, error) {
	defer rows.Close()
	var out []PartRecord
	for rows.Next() {
		p, err := scanPart(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning part row: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ---- helpers ----

func requireOneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating %s %s: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY")
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeFormat), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
