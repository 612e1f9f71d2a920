package blob

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/driftline/driftline/pkg/database"
)

// PGStore is the PostgreSQL-backed Store. One row per object; the primary key
// on (container, path) gives conditional create its single-winner guarantee.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps a database client as a Store.
func NewPGStore(client *database.Client) *PGStore {
	return &PGStore{db: client.DB()}
}

func (s *PGStore) upload(ctx context.Context, container, path string, data []byte, contentType string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (container, path, data, content_type, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (container, path)
		DO UPDATE SET data = EXCLUDED.data,
		              content_type = EXCLUDED.content_type,
		              updated_at = now()`,
		container, path, data, contentType)
	if err != nil {
		return &TransientError{Op: "upload " + container + "/" + path, Err: err}
	}
	return nil
}

// UploadJSON implements Store.
func (s *PGStore) UploadJSON(ctx context.Context, container, path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s/%s: %w", container, path, err)
	}
	return s.upload(ctx, container, path, data, "application/json")
}

// CreateJSON implements Store. ON CONFLICT DO NOTHING reports zero affected
// rows when the object already exists, which maps to ErrConflict.
func (s *PGStore) CreateJSON(ctx context.Context, container, path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s/%s: %w", container, path, err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (container, path, data, content_type, updated_at)
		VALUES ($1, $2, $3, 'application/json', now())
		ON CONFLICT (container, path) DO NOTHING`,
		container, path, data)
	if err != nil {
		return &TransientError{Op: "create " + container + "/" + path, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &TransientError{Op: "create " + container + "/" + path, Err: err}
	}
	if n == 0 {
		return fmt.Errorf("create %s/%s: %w", container, path, ErrConflict)
	}
	return nil
}

// UploadText implements Store.
func (s *PGStore) UploadText(ctx context.Context, container, path, text, contentType string) error {
	return s.upload(ctx, container, path, []byte(text), contentType)
}

// UploadBinary implements Store.
func (s *PGStore) UploadBinary(ctx context.Context, container, path string, data []byte, contentType string) error {
	return s.upload(ctx, container, path, data, contentType)
}

func (s *PGStore) download(ctx context.Context, container, path string) ([]byte, string, error) {
	var data []byte
	var contentType string
	err := s.db.QueryRowContext(ctx,
		`SELECT data, content_type FROM blobs WHERE container = $1 AND path = $2`,
		container, path).Scan(&data, &contentType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("download %s/%s: %w", container, path, ErrNotFound)
	}
	if err != nil {
		return nil, "", &TransientError{Op: "download " + container + "/" + path, Err: err}
	}
	return data, contentType, nil
}

// DownloadJSON implements Store.
func (s *PGStore) DownloadJSON(ctx context.Context, container, path string, v any) error {
	data, _, err := s.download(ctx, container, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s/%s: %w", container, path, err)
	}
	return nil
}

// DownloadText implements Store.
func (s *PGStore) DownloadText(ctx context.Context, container, path string) (string, error) {
	data, _, err := s.download(ctx, container, path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DownloadBinary implements Store.
func (s *PGStore) DownloadBinary(ctx context.Context, container, path string) ([]byte, string, error) {
	return s.download(ctx, container, path)
}

// List implements Store.
func (s *PGStore) List(ctx context.Context, container, prefix string, modifiedSince time.Time) ([]ObjectInfo, error) {
	query := `
		SELECT path, length(data), content_type, updated_at
		FROM blobs
		WHERE container = $1 AND path LIKE $2 || '%'`
	args := []any{container, prefix}
	if !modifiedSince.IsZero() {
		query += ` AND updated_at >= $3`
		args = append(args, modifiedSince.UTC())
	}
	query += ` ORDER BY path`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &TransientError{Op: "list " + container + "/" + prefix, Err: err}
	}
	defer rows.Close()

	var infos []ObjectInfo
	for rows.Next() {
		var info ObjectInfo
		if err := rows.Scan(&info.Path, &info.Size, &info.ContentType, &info.ModifiedAt); err != nil {
			return nil, &TransientError{Op: "list " + container + "/" + prefix, Err: err}
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, &TransientError{Op: "list " + container + "/" + prefix, Err: err}
	}
	return infos, nil
}

// Delete implements Store. Absent objects are ignored.
func (s *PGStore) Delete(ctx context.Context, container, path string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM blobs WHERE container = $1 AND path = $2`, container, path); err != nil {
		return &TransientError{Op: "delete " + container + "/" + path, Err: err}
	}
	return nil
}

// Copy implements Store.
func (s *PGStore) Copy(ctx context.Context, srcContainer, srcPath, dstContainer, dstPath string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (container, path, data, content_type, updated_at)
		SELECT $3, $4, data, content_type, now()
		FROM blobs WHERE container = $1 AND path = $2
		ON CONFLICT (container, path)
		DO UPDATE SET data = EXCLUDED.data,
		              content_type = EXCLUDED.content_type,
		              updated_at = now()`,
		srcContainer, srcPath, dstContainer, dstPath)
	if err != nil {
		return &TransientError{Op: "copy " + srcContainer + "/" + srcPath, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &TransientError{Op: "copy " + srcContainer + "/" + srcPath, Err: err}
	}
	if n == 0 {
		return fmt.Errorf("copy %s/%s: %w", srcContainer, srcPath, ErrNotFound)
	}
	return nil
}
