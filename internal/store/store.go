// Package store implements the durable Upload/Chunk record store described
// in spec.md §3. It is backed by SQLite (modernc.org/sqlite, no cgo) driven
// through sqlx, the way this codebase's other repositories drive
// database/sql: plain SQL, upserts on conflict, and a rows-affected check for
// optimistic/conditional transitions.
package store

import (
	"context"
	"errors"
	"time"

	"chunkupload/internal/model"
)

// ErrNotFound is returned when an Upload lookup finds no matching row.
var ErrNotFound = errors.New("store: upload not found")

// ErrStatusConflict is returned by TransitionStatus when the current row
// status no longer matches the expected "from" status — i.e. another caller
// already won the race.
var ErrStatusConflict = errors.New("store: status conflict")

// Store is the durable Upload/Chunk record store.
type Store interface {
	// FindReusable returns a non-terminal Upload matching (filename, totalSize),
	// for init's resume-equivalence lookup. Returns ErrNotFound if none exists.
	FindReusable(ctx context.Context, filename string, totalSize int64) (*model.Upload, error)

	// CreateUpload inserts u as a new Upload row, with the status it carries
	// and a NULL final_hash.
	CreateUpload(ctx context.Context, u *model.Upload) error

	// GetUpload loads an Upload by id. Returns ErrNotFound if absent.
	GetUpload(ctx context.Context, id string) (*model.Upload, error)

	// UpsertChunk records chunk_index as UPLOADED for upload_id, idempotently.
	UpsertChunk(ctx context.Context, uploadID string, chunkIndex int, receivedAt time.Time) error

	// UploadedChunkIndexes returns every chunk index on record for uploadID.
	UploadedChunkIndexes(ctx context.Context, uploadID string) ([]int, error)

	// ChunkCount returns the number of chunk records on file for uploadID,
	// used by the finalizer's completeness check.
	ChunkCount(ctx context.Context, uploadID string) (int, error)

	// DeleteChunks removes every chunk record for uploadID (used when init
	// discovers an Upload row whose blob went missing, and by cleanup).
	DeleteChunks(ctx context.Context, uploadID string) error

	// TransitionStatus performs a conditional UPDATE: it only succeeds if the
	// row's current status equals from. Returns ErrStatusConflict if some
	// other caller already moved the row away from "from" (ErrNotFound if the
	// row doesn't exist at all).
	TransitionStatus(ctx context.Context, id string, from, to model.Status) error

	// Complete sets status=COMPLETED and final_hash in one update. It does not
	// check the prior status — the caller has already won TransitionStatus to
	// PROCESSING and is the sole writer at this point.
	Complete(ctx context.Context, id string, finalHash string) error

	// Fail sets status=FAILED unconditionally.
	Fail(ctx context.Context, id string) error

	// StaleUploading returns every Upload in UPLOADING status whose
	// updated_at is older than olderThan, for the cleanup sweeper.
	StaleUploading(ctx context.Context, olderThan time.Time) ([]*model.Upload, error)

	Close() error
}
