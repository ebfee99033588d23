package storage

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteBlobs stores segment blobs as rows of a SQLite table. It is the
// blob layer of the "sqlite" storage backend, suitable for single-node or
// embedded deployments.
type SQLiteBlobs struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at dbPath and returns a ByteStore that
// keeps segments in it.
func NewSQLiteStore(dbPath string) (*SegmentedStore, error) {
	blobs, err := NewSQLiteBlobs(dbPath)
	if err != nil {
		return nil, err
	}
	return newSegmentedStore(blobs, ""), nil
}

// NewSQLiteBlobs opens the database, applies performance PRAGMAs and creates
// the blob table.
func NewSQLiteBlobs(dbPath string) (*SQLiteBlobs, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite storage database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	b := &SQLiteBlobs{db: db}
	if err := b.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite storage database: %w", err)
	}
	return b, nil
}

func (b *SQLiteBlobs) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := b.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS blobs (
			name TEXT PRIMARY KEY,
			data BLOB NOT NULL
		);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("creating storage schema: %w", err)
	}
	return nil
}

// Close closes the underlying SQLite database connection.
func (b *SQLiteBlobs) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *SQLiteBlobs) PutBlob(ctx context.Context, name string, data []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO blobs (name, data) VALUES (?, ?)`, name, data)
	if err != nil {
		return fmt.Errorf("putting blob %q: %w", name, err)
	}
	return nil
}

// GetBlobRange reads the range with substr so only the requested bytes
// leave the database.
func (b *SQLiteBlobs) GetBlobRange(ctx context.Context, name string, offset, length int64) (io.ReadCloser, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT substr(data, ?, ?) FROM blobs WHERE name = ?`, offset+1, length, name,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("blob %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting blob %q: %w", name, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *SQLiteBlobs) ListBlobs(ctx context.Context, prefix string) ([]blobInfo, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT name, length(data) FROM blobs WHERE substr(name, 1, length(?)) = ? ORDER BY name`,
		prefix, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}
	defer rows.Close()

	var out []blobInfo
	for rows.Next() {
		var bi blobInfo
		if err := rows.Scan(&bi.Name, &bi.Size); err != nil {
			return nil, fmt.Errorf("scanning blob row: %w", err)
		}
		out = append(out, bi)
	}
	return out, rows.Err()
}

func (b *SQLiteBlobs) RemoveBlob(ctx context.Context, name string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM blobs WHERE name = ?`, name); err != nil {
		return fmt.Errorf("removing blob %q: %w", name, err)
	}
	return nil
}

func (b *SQLiteBlobs) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}
