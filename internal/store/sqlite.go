package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"chunkupload/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS uploads (
	id           TEXT PRIMARY KEY,
	filename     TEXT NOT NULL,
	total_size   INTEGER NOT NULL,
	total_chunks INTEGER NOT NULL,
	chunk_size   INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL,
	final_hash   TEXT,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	upload_id   TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	status      TEXT NOT NULL,
	received_at DATETIME NOT NULL,
	PRIMARY KEY (upload_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_uploads_status_updated ON uploads(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_uploads_filename_size ON uploads(filename, total_size);
`

// SQLiteStore implements Store against a local SQLite database file.
type SQLiteStore struct {
	db *sqlx.DB
}

// Open opens (and, if needed, creates) the SQLite database at path and
// ensures its schema exists.
func Open(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; avoid SQLITE_BUSY churn
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

var _ Store = (*SQLiteStore)(nil)

func (s *SQLiteStore) FindReusable(ctx context.Context, filename string, totalSize int64) (*model.Upload, error) {
	var u model.Upload
	err := s.db.GetContext(ctx, &u, `
		SELECT id, filename, total_size, total_chunks, chunk_size, status, final_hash, created_at, updated_at
		FROM uploads
		WHERE filename = ? AND total_size = ? AND status NOT IN (?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		filename, totalSize, model.StatusCompleted, model.StatusFailed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find reusable upload: %w", err)
	}
	return &u, nil
}

func (s *SQLiteStore) CreateUpload(ctx context.Context, u *model.Upload) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uploads (id, filename, total_size, total_chunks, chunk_size, status, final_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		u.ID, u.Filename, u.TotalSize, u.TotalChunks, u.ChunkSize, u.Status, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create upload: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUpload(ctx context.Context, id string) (*model.Upload, error) {
	var u model.Upload
	err := s.db.GetContext(ctx, &u, `
		SELECT id, filename, total_size, total_chunks, chunk_size, status, final_hash, created_at, updated_at
		FROM uploads WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get upload: %w", err)
	}
	return &u, nil
}

func (s *SQLiteStore) UpsertChunk(ctx context.Context, uploadID string, chunkIndex int, receivedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chunks (upload_id, chunk_index, status, received_at)
		VALUES (?, ?, 'UPLOADED', ?)
		ON CONFLICT(upload_id, chunk_index) DO UPDATE SET received_at = excluded.received_at`,
		uploadID, chunkIndex, receivedAt)
	if err != nil {
		return fmt.Errorf("upsert chunk: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UploadedChunkIndexes(ctx context.Context, uploadID string) ([]int, error) {
	var idx []int
	err := s.db.SelectContext(ctx, &idx, `SELECT chunk_index FROM chunks WHERE upload_id = ? ORDER BY chunk_index`, uploadID)
	if err != nil {
		return nil, fmt.Errorf("select chunk indexes: %w", err)
	}
	return idx, nil
}

func (s *SQLiteStore) ChunkCount(ctx context.Context, uploadID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM chunks WHERE upload_id = ?`, uploadID)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) DeleteChunks(ctx context.Context, uploadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE upload_id = ?`, uploadID)
	if err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TransitionStatus(ctx context.Context, id string, from, to model.Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE uploads SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now().UTC(), id, from)
	if err != nil {
		return fmt.Errorf("transition status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	// either the row doesn't exist, or it exists but is no longer "from".
	if _, err := s.GetUpload(ctx, id); err != nil {
		return err
	}
	return ErrStatusConflict
}

func (s *SQLiteStore) Complete(ctx context.Context, id string, finalHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE uploads SET status = ?, final_hash = ?, updated_at = ? WHERE id = ?`,
		model.StatusCompleted, finalHash, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("complete upload: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Fail(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE uploads SET status = ?, updated_at = ? WHERE id = ?`,
		model.StatusFailed, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("fail upload: %w", err)
	}
	return nil
}

func (s *SQLiteStore) StaleUploading(ctx context.Context, olderThan time.Time) ([]*model.Upload, error) {
	var uploads []*model.Upload
	err := s.db.SelectContext(ctx, &uploads, `
		SELECT id, filename, total_size, total_chunks, chunk_size, status, final_hash, created_at, updated_at
		FROM uploads WHERE status = ? AND updated_at < ?`,
		model.StatusUploading, olderThan)
	if err != nil {
		return nil, fmt.Errorf("select stale uploads: %w", err)
	}
	return uploads, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
