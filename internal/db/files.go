package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dcss-portal/internal/upload"
)

// Files implements upload.MetadataStore.
type Files struct {
	db *sql.DB
}

func NewFiles(db *sql.DB) *Files { return &Files{db: db} }

const fileColumns = `id, owner_id, content_key, name, content_type, declared_size, size, checksum, status, created_at, completed_at`

func (s *Files) CreateFile(ctx context.Context, f *upload.File) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (id, owner_id, content_key, name, content_type, declared_size, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.Owner, f.ContentKey, f.Name, f.ContentType, f.DeclaredSize, string(f.Status), f.CreatedAt)
	return err
}

func (s *Files) DeleteFile(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, id)
	return err
}

// MarkComplete only moves pending rows; anything else reports ErrFileNotFound.
func (s *Files) MarkComplete(ctx context.Context, id string, size int64, checksum string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE files
		SET status = 'complete', size = $2, checksum = $3, completed_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, size, checksum)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return upload.ErrFileNotFound
	}
	return nil
}

func (s *Files) GetFile(ctx context.Context, owner, id string) (*upload.File, error) {
	if !validID(id) || !validID(owner) {
		return nil, upload.ErrFileNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id = $1 AND owner_id = $2`, id, owner)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, upload.ErrFileNotFound
	}
	return f, err
}

func (s *Files) ListFiles(ctx context.Context, owner string) ([]upload.File, error) {
	if !validID(owner) {
		return []upload.File{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE owner_id = $1 ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files := []upload.File{}
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

// StalePending lists pending rows created before the cutoff, oldest first.
func (s *Files) StalePending(ctx context.Context, before time.Time, limit int) ([]upload.File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []upload.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

// DeletePending removes the row only while it is still pending.
func (s *Files) DeletePending(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (*upload.File, error) {
	var (
		f         upload.File
		status    string
		completed sql.NullTime
	)
	if err := row.Scan(&f.ID, &f.Owner, &f.ContentKey, &f.Name, &f.ContentType,
		&f.DeclaredSize, &f.Size, &f.Checksum, &status, &f.CreatedAt, &completed); err != nil {
		return nil, err
	}
	switch upload.FileStatus(status) {
	case upload.FilePending, upload.FileComplete:
		f.Status = upload.FileStatus(status)
	default:
		return nil, fmt.Errorf("file %s: unknown status %q", f.ID, status)
	}
	if completed.Valid {
		t := completed.Time
		f.CompletedAt = &t
	}
	return &f, nil
}
