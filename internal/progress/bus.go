// Package progress implements a per-chunk and per-upload byte counter plus a
// pub/sub channel that lets a progress reporter attach to a transfer
// independently of the client driving it. The original Redis hash-field
// bookkeeping for "bytes written per chunk" is generalized here into an
// interface with a Redis-backed implementation and an in-process fallback.
package progress

import "context"

// ChunkProgress mirrors a single row of the per-chunk progress table
// reported to subscribers.
type ChunkProgress struct {
	ChunkIndex int     `json:"chunkId"`
	TotalSize  int64   `json:"totalSize"`
	HasUpload  int64   `json:"hasUpload"`
	Rate       float64 `json:"rate"`
}

// Snapshot is a point-in-time progress report for one upload.
type Snapshot struct {
	UploadID      string          `json:"uploadId"`
	FileSize      int64           `json:"fileSize"`
	UploadedBytes int64           `json:"uploadedBytes"`
	Status        string          `json:"status"`
	Chunks        []ChunkProgress `json:"chunks"`
}

// Bus tracks per-chunk contributed bytes (to avoid double-counting on
// idempotent re-uploads) and republishes aggregate progress to subscribers.
type Bus interface {
	// RecordChunkBytes records that chunkIndex now contributes n bytes
	// (its full size once successfully written) and returns the delta
	// applied to the aggregate counter: 0 if this index already contributed
	// that many bytes or more, so re-uploads of the same chunk never
	// double-count.
	RecordChunkBytes(ctx context.Context, uploadID string, chunkIndex int, n int64) (delta int64, err error)

	// Snapshot returns the current aggregate and per-chunk progress for an
	// upload. chunkSizes maps chunk index to its expected byte size, used to
	// fill in TotalSize/Rate for chunks that haven't reported yet.
	Snapshot(ctx context.Context, uploadID string, status string, chunkSizes map[int]int64) (Snapshot, error)

	// Publish broadcasts a snapshot to subscribers of uploadID's channel.
	Publish(ctx context.Context, snap Snapshot) error

	// Reset clears all progress state for an upload (used by cleanup and by
	// init when it discovers an upload whose blob went missing).
	Reset(ctx context.Context, uploadID string) error

	Close() error
}
