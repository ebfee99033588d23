// Package serialization exports the SQLite metadata of the gateway to JSON
// and imports it back.
package serialization

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	Version       = "0.1.0"
	ExportVersion = 1
)

// envelopeKey names the header object of an export document.
const envelopeKey = "iharbor_export"

// AllTables lists all valid table names in dependency order.
var AllTables = []string{"buckets", "objects", "multipart_uploads", "multipart_parts"}

// tableColumns defines column order for each table.
var tableColumns = map[string][]string{
	"buckets":           {"id", "name", "created_at"},
	"objects":           {"id", "bucket_id", "key", "size", "md5", "etag", "share_code", "upload_id", "modified_at", "created_at"},
	"multipart_uploads": {"id", "bucket_id", "bucket_name", "obj_id", "obj_key", "key_md5", "create_time", "expire_time", "status", "obj_perms_code"},
	"multipart_parts":   {"id", "bucket_id", "upload_id", "obj_id", "part_num", "size", "obj_offset", "part_md5", "modified_time", "obj_etag", "parts_count"},
}

var tableOrderBy = map[string]string{
	"buckets":           "id",
	"objects":           "bucket_id, key",
	"multipart_uploads": "id",
	"multipart_parts":   "bucket_id, upload_id, part_num",
}

var deleteOrder = []string{"multipart_parts", "multipart_uploads", "objects", "buckets"}
var insertOrder = []string{"buckets", "objects", "multipart_uploads", "multipart_parts"}

// ExportOptions configures what to export.
type ExportOptions struct {
	Tables []string
}

// ImportOptions configures how to import.
type ImportOptions struct {
	// Replace empties every imported table first. Without it rows whose
	// key already exists are skipped.
	Replace bool
}

// ImportResult holds the result of an import operation.
type ImportResult struct {
	Counts   map[string]int
	Skipped  map[string]int
	Warnings []string
}

// ExportMetadata exports metadata from the SQLite database at dbPath to a
// JSON string.
func ExportMetadata(dbPath string, opts *ExportOptions) (string, error) {
	if opts == nil || len(opts.Tables) == 0 {
		opts = &ExportOptions{Tables: AllTables}
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return "", fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	result := map[string]any{
		envelopeKey: map[string]any{
			"version":        ExportVersion,
			"exported_at":    time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
			"schema_version": getSchemaVersion(db),
			"source":         "go/" + Version,
		},
	}

	for _, table := range opts.Tables {
		columns, ok := tableColumns[table]
		if !ok {
			return "", fmt.Errorf("unknown table %q", table)
		}
		rows, err := exportTable(db, table, columns)
		if err != nil {
			return "", err
		}
		result[table] = rows
	}

	return marshalSorted(result)
}

func exportTable(db *sql.DB, table string, columns []string) ([]any, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", strings.Join(columns, ", "), table, tableOrderBy[table])
	rows, err := db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	defer rows.Close()

	tableRows := make([]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", table, err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = convertValue(values[i])
		}
		tableRows = append(tableRows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", table, err)
	}
	return tableRows, nil
}

// ImportMetadata imports metadata from a JSON string into the SQLite
// database at dbPath, whose schema must already exist.
func ImportMetadata(dbPath string, jsonStr string, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(jsonStr)))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}

	envelope, _ := data[envelopeKey].(map[string]any)
	version, _ := convertJSON(envelope["version"]).(int64)
	if version < 1 || version > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %v", envelope["version"])
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	result := &ImportResult{
		Counts:  make(map[string]int),
		Skipped: make(map[string]int),
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if opts.Replace {
		for _, table := range deleteOrder {
			if _, ok := data[table]; !ok {
				continue
			}
			if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
				return nil, fmt.Errorf("deleting %s: %w", table, err)
			}
		}
	}

	for _, table := range insertOrder {
		rowList, ok := data[table].([]any)
		if !ok {
			continue
		}
		importTable(tx, table, rowList, opts.Replace, result)
	}

	if stale, err := countStaleUploads(tx); err != nil {
		return nil, err
	} else if stale > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%d multipart uploads are not bound to a live bucket; the reaper will purge them", stale))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return result, nil
}

func importTable(tx *sql.Tx, table string, rowList []any, replace bool, result *ImportResult) {
	columns := tableColumns[table]
	verb := "INSERT OR IGNORE"
	if replace {
		verb = "INSERT"
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	query := fmt.Sprintf("%s INTO %s (%s) VALUES (%s)", verb, table, strings.Join(columns, ", "), placeholders)

	inserted, skipped := 0, 0
	for _, rawRow := range rowList {
		rowMap, ok := rawRow.(map[string]any)
		if !ok {
			skipped++
			continue
		}
		values := make([]any, len(columns))
		for i, col := range columns {
			values[i] = convertJSON(rowMap[col])
		}
		res, err := tx.Exec(query, values...)
		if err != nil {
			skipped++
			result.Warnings = append(result.Warnings, fmt.Sprintf("Skipped %s row %v: %v", table, rowMap["id"], err))
			continue
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			inserted++
		} else {
			skipped++
		}
	}
	result.Counts[table] = inserted
	result.Skipped[table] = skipped
}

// countStaleUploads counts upload rows whose (bucket_id, bucket_name) pair
// matches no bucket.
func countStaleUploads(tx *sql.Tx) (int, error) {
	var n int
	err := tx.QueryRow(`
		SELECT COUNT(*) FROM multipart_uploads u
		LEFT JOIN buckets b ON b.id = u.bucket_id AND b.name = u.bucket_name
		WHERE b.id IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting stale uploads: %w", err)
	}
	return n, nil
}

func getSchemaVersion(db *sql.DB) int {
	var version int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		return 1
	}
	return version
}

func convertValue(val any) any {
	// sql driver may return []byte for TEXT columns.
	if b, ok := val.([]byte); ok {
		return string(b)
	}
	return val
}

// convertJSON turns decoded JSON numbers into int64 where they are integral.
func convertJSON(val any) any {
	n, ok := val.(json.Number)
	if !ok {
		return val
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// marshalSorted produces JSON with sorted keys, 2-space indent.
func marshalSorted(data map[string]any) (string, error) {
	b, err := json.MarshalIndent(sortedMap(data), "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// sortedMap is a map that marshals with sorted keys.
type sortedMap map[string]any

func (m sortedMap) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyBytes...)
		buf = append(buf, ':')

		valBytes, err := marshalValue(m[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, valBytes...)
	}
	buf = append(buf, '}')
	return buf, nil
}

func marshalValue(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		return sortedMap(val).MarshalJSON()
	case []any:
		buf := []byte{'['}
		for i, elem := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			b, err := marshalValue(elem)
			if err != nil {
				return nil, err
			}
			buf = append(buf, b...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(v)
	}
}
