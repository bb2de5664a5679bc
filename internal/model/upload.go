// Package model defines the durable record shapes shared between the
// server's chunk assembler, finalizer, and cleanup sweeper.
package model

import "time"

// Status is the lifecycle state of an Upload. It may only move
// UPLOADING -> PROCESSING -> {COMPLETED, FAILED}, or UPLOADING -> FAILED
// directly. COMPLETED and FAILED are terminal.
type Status string

const (
	StatusUploading  Status = "UPLOADING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Upload is the server-side aggregate representing one transfer attempt for
// one file.
type Upload struct {
	ID          string    `db:"id"`
	Filename    string    `db:"filename"`
	TotalSize   int64     `db:"total_size"`
	TotalChunks int       `db:"total_chunks"`
	ChunkSize   int64     `db:"chunk_size"`
	Status      Status    `db:"status"`
	FinalHash   *string   `db:"final_hash"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Chunk is a single received chunk record. Its presence, not any internal
// field, is what marks chunk_index as uploaded for a given upload.
type Chunk struct {
	UploadID   string    `db:"upload_id"`
	ChunkIndex int       `db:"chunk_index"`
	Status     string    `db:"status"`
	ReceivedAt time.Time `db:"received_at"`
}
