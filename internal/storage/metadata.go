package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Metadata is the SQLite catalog of buckets, objects, pending uploads and
// their parts, including the block checksums of every stored file.
type Metadata struct {
	db *sql.DB
}

// NewMetadata opens or creates the catalog at dbPath.
func NewMetadata(dbPath string) (*Metadata, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Writers serialize on one connection.
	db.SetMaxOpenConns(1)

	m := &Metadata{db: db}
	if err := m.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return m, nil
}

func (m *Metadata) initialize() error {
	statements := []struct {
		name string
		sql  string
	}{
		{"buckets table", `
			CREATE TABLE IF NOT EXISTS buckets (
				name TEXT PRIMARY KEY,
				creation_date INTEGER NOT NULL
			)`},
		{"objects table", `
			CREATE TABLE IF NOT EXISTS objects (
				bucket TEXT NOT NULL,
				key TEXT NOT NULL,
				size INTEGER NOT NULL,
				last_modified INTEGER NOT NULL,
				etag TEXT NOT NULL,
				content_type TEXT NOT NULL,
				metadata TEXT,
				blocks TEXT,
				PRIMARY KEY (bucket, key),
				FOREIGN KEY (bucket) REFERENCES buckets(name) ON DELETE CASCADE
			)`},
		{"uploads table", `
			CREATE TABLE IF NOT EXISTS multipart_uploads (
				upload_id TEXT PRIMARY KEY,
				bucket TEXT NOT NULL,
				key TEXT NOT NULL,
				content_type TEXT NOT NULL,
				metadata TEXT,
				initiated INTEGER NOT NULL,
				FOREIGN KEY (bucket) REFERENCES buckets(name) ON DELETE CASCADE
			)`},
		{"parts table", `
			CREATE TABLE IF NOT EXISTS parts (
				upload_id TEXT NOT NULL,
				part_number INTEGER NOT NULL,
				size INTEGER NOT NULL,
				etag TEXT NOT NULL,
				last_modified INTEGER NOT NULL,
				blocks TEXT,
				PRIMARY KEY (upload_id, part_number),
				FOREIGN KEY (upload_id) REFERENCES multipart_uploads(upload_id) ON DELETE CASCADE
			)`},
		{"uploads index", `CREATE INDEX IF NOT EXISTS idx_uploads_bucket_key ON multipart_uploads(bucket, key, upload_id)`},
	}

	for _, s := range statements {
		if _, err := m.db.Exec(s.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", s.name, err)
		}
	}
	return nil
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSON(s string, v any) error {
	if s == "" || s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

// CreateBucket creates a new bucket.
func (m *Metadata) CreateBucket(ctx context.Context, name string, creationDate time.Time) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO buckets (name, creation_date) VALUES (?, ?)
	`, name, creationDate.UnixNano())
	return err
}

// DeleteBucket deletes a bucket.
func (m *Metadata) DeleteBucket(ctx context.Context, name string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name)
	return err
}

// BucketExists checks if a bucket exists.
func (m *Metadata) BucketExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM buckets WHERE name = ?`, name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetBucket returns bucket metadata.
func (m *Metadata) GetBucket(ctx context.Context, name string) (*Bucket, error) {
	var bucket Bucket
	var created int64
	err := m.db.QueryRowContext(ctx, `
		SELECT name, creation_date FROM buckets WHERE name = ?
	`, name).Scan(&bucket.Name, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	bucket.CreationDate = time.Unix(0, created)
	return &bucket, nil
}

// ListBuckets returns all buckets.
func (m *Metadata) ListBuckets(ctx context.Context) ([]Bucket, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT name, creation_date FROM buckets ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buckets []Bucket
	for rows.Next() {
		var bucket Bucket
		var created int64
		if err := rows.Scan(&bucket.Name, &created); err != nil {
			return nil, err
		}
		bucket.CreationDate = time.Unix(0, created)
		buckets = append(buckets, bucket)
	}
	return buckets, rows.Err()
}

// PutObject stores object metadata.
func (m *Metadata) PutObject(ctx context.Context, bucket string, obj *Object) error {
	metadata, err := encodeJSON(obj.Metadata)
	if err != nil {
		return err
	}
	blocks, err := encodeJSON(obj.Blocks)
	if err != nil {
		return err
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO objects (bucket, key, size, last_modified, etag, content_type, metadata, blocks)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, bucket, obj.Key, obj.Size, obj.LastModified.UnixNano(), obj.ETag, obj.ContentType, metadata, blocks)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner) (*Object, error) {
	var obj Object
	var modified int64
	var metadataStr, blocksStr sql.NullString
	if err := row.Scan(&obj.Key, &obj.Size, &modified, &obj.ETag, &obj.ContentType, &metadataStr, &blocksStr); err != nil {
		return nil, err
	}
	obj.LastModified = time.Unix(0, modified)
	if err := decodeJSON(metadataStr.String, &obj.Metadata); err != nil {
		return nil, err
	}
	if err := decodeJSON(blocksStr.String, &obj.Blocks); err != nil {
		return nil, err
	}
	return &obj, nil
}

// GetObject returns object metadata.
func (m *Metadata) GetObject(ctx context.Context, bucket, key string) (*Object, error) {
	obj, err := scanObject(m.db.QueryRowContext(ctx, `
		SELECT key, size, last_modified, etag, content_type, metadata, blocks
		FROM objects WHERE bucket = ? AND key = ?
	`, bucket, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return obj, err
}

// DeleteObject deletes object metadata.
func (m *Metadata) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM objects WHERE bucket = ? AND key = ?`, bucket, key)
	return err
}

// CountObjects returns the number of objects in a bucket.
func (m *Metadata) CountObjects(ctx context.Context, bucket string) (int, error) {
	var count int
	err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE bucket = ?`, bucket).Scan(&count)
	return count, err
}

// ListObjects returns objects whose key starts with prefix, ordered by key.
func (m *Metadata) ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT key, size, last_modified, etag, content_type, metadata, blocks
		FROM objects
		WHERE bucket = ? AND instr(key, ?) = 1
		ORDER BY key
	`, bucket, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objects []Object
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		objects = append(objects, *obj)
	}
	return objects, rows.Err()
}

// CreateMultipartUpload stores a new upload.
func (m *Metadata) CreateMultipartUpload(ctx context.Context, upload *MultipartUpload) error {
	metadata, err := encodeJSON(upload.Metadata)
	if err != nil {
		return err
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO multipart_uploads (upload_id, bucket, key, content_type, metadata, initiated)
		VALUES (?, ?, ?, ?, ?, ?)
	`, upload.UploadID, upload.Bucket, upload.Key, upload.ContentType, metadata, upload.Initiated.UnixNano())
	return err
}

func scanUpload(row rowScanner) (*MultipartUpload, error) {
	var upload MultipartUpload
	var initiated int64
	var metadataStr sql.NullString
	if err := row.Scan(&upload.UploadID, &upload.Bucket, &upload.Key, &upload.ContentType, &metadataStr, &initiated); err != nil {
		return nil, err
	}
	upload.Initiated = time.Unix(0, initiated)
	if err := decodeJSON(metadataStr.String, &upload.Metadata); err != nil {
		return nil, err
	}
	return &upload, nil
}

// GetMultipartUpload returns an upload, or nil if it does not exist.
func (m *Metadata) GetMultipartUpload(ctx context.Context, uploadID string) (*MultipartUpload, error) {
	upload, err := scanUpload(m.db.QueryRowContext(ctx, `
		SELECT upload_id, bucket, key, content_type, metadata, initiated
		FROM multipart_uploads WHERE upload_id = ?
	`, uploadID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return upload, err
}

// DeleteMultipartUpload removes an upload and its parts.
func (m *Metadata) DeleteMultipartUpload(ctx context.Context, uploadID string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM multipart_uploads WHERE upload_id = ?`, uploadID)
	return err
}

// ListMultipartUploadsByBucket lists uploads ordered by key then upload ID,
// starting after the given markers.
func (m *Metadata) ListMultipartUploadsByBucket(ctx context.Context, bucket, prefix string, maxUploads int32, keyMarker, uploadIDMarker string) ([]MultipartUpload, bool, string, string, error) {
	if maxUploads <= 0 || maxUploads > 1000 {
		maxUploads = 1000
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT upload_id, bucket, key, content_type, metadata, initiated
		FROM multipart_uploads
		WHERE bucket = ? AND instr(key, ?) = 1
		  AND (key > ? OR (key = ? AND upload_id > ?))
		ORDER BY key, upload_id
		LIMIT ?
	`, bucket, prefix, keyMarker, keyMarker, uploadIDMarker, maxUploads+1)
	if err != nil {
		return nil, false, "", "", err
	}
	defer rows.Close()

	var uploads []MultipartUpload
	for rows.Next() {
		upload, err := scanUpload(rows)
		if err != nil {
			return nil, false, "", "", err
		}
		uploads = append(uploads, *upload)
	}
	if err := rows.Err(); err != nil {
		return nil, false, "", "", err
	}

	if int32(len(uploads)) <= maxUploads {
		return uploads, false, "", "", nil
	}
	uploads = uploads[:maxUploads]
	last := uploads[len(uploads)-1]
	return uploads, true, last.Key, last.UploadID, nil
}

// PutPart stores or replaces a part.
func (m *Metadata) PutPart(ctx context.Context, uploadID string, part *Part) error {
	blocks, err := encodeJSON(part.Blocks)
	if err != nil {
		return err
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO parts (upload_id, part_number, size, etag, last_modified, blocks)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uploadID, part.PartNumber, part.Size, part.ETag, part.LastModified.UnixNano(), blocks)
	return err
}

func scanPart(row rowScanner) (*Part, error) {
	var part Part
	var modified int64
	var blocksStr sql.NullString
	if err := row.Scan(&part.PartNumber, &part.Size, &part.ETag, &modified, &blocksStr); err != nil {
		return nil, err
	}
	part.LastModified = time.Unix(0, modified)
	if err := decodeJSON(blocksStr.String, &part.Blocks); err != nil {
		return nil, err
	}
	return &part, nil
}

// GetPart returns a part, or nil if it does not exist.
func (m *Metadata) GetPart(ctx context.Context, uploadID string, partNumber int32) (*Part, error) {
	part, err := scanPart(m.db.QueryRowContext(ctx, `
		SELECT part_number, size, etag, last_modified, blocks
		FROM parts WHERE upload_id = ? AND part_number = ?
	`, uploadID, partNumber))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return part, err
}

// ListParts lists parts after marker in part number order.
func (m *Metadata) ListParts(ctx context.Context, uploadID string, maxParts, marker int32) ([]Part, bool, int32, error) {
	if maxParts <= 0 || maxParts > 1000 {
		maxParts = 1000
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT part_number, size, etag, last_modified, blocks
		FROM parts
		WHERE upload_id = ? AND part_number > ?
		ORDER BY part_number
		LIMIT ?
	`, uploadID, marker, maxParts+1)
	if err != nil {
		return nil, false, 0, err
	}
	defer rows.Close()

	var parts []Part
	for rows.Next() {
		part, err := scanPart(rows)
		if err != nil {
			return nil, false, 0, err
		}
		parts = append(parts, *part)
	}
	if err := rows.Err(); err != nil {
		return nil, false, 0, err
	}

	if int32(len(parts)) <= maxParts {
		return parts, false, 0, nil
	}
	parts = parts[:maxParts]
	return parts, true, parts[len(parts)-1].PartNumber, nil
}

// Close closes the database connection.
func (m *Metadata) Close() error {
	return m.db.Close()
}
