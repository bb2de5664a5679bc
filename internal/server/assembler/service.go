// Package assembler implements the server's chunk assembler (spec.md §4.2):
// init and put-chunk. It is the generalization of this codebase's original
// chunk-upload handler — sparse positional writes keyed by a client-supplied
// offset, idempotent chunk bookkeeping — behind a service the HTTP layer
// calls into, with the durable store and blob store as explicit
// collaborators instead of a global Redis client.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"chunkupload/internal/blobstore"
	"chunkupload/internal/logging"
	"chunkupload/internal/model"
	"chunkupload/internal/progress"
	"chunkupload/internal/store"
)

// ErrBadOffset is returned when the chunk offset is negative or when offset
// plus the declared content length runs past the upload's total size.
var ErrBadOffset = errors.New("assembler: invalid chunk offset")

// ErrUnknownUpload is returned when chunkIndex targets an upload id the
// store has no record of.
var ErrUnknownUpload = errors.New("assembler: unknown upload")

// InitResult is the response payload for POST /api/upload/init.
type InitResult struct {
	UploadID       string
	Status         model.Status
	UploadedChunks []int
}

// Service implements the chunk assembler.
type Service struct {
	store  store.Store
	blobs  *blobstore.Store
	bus    progress.Bus
	logger logging.Logger
}

// NewService wires a chunk assembler over the given durable store, blob
// store, and progress bus.
func NewService(s store.Store, b *blobstore.Store, bus progress.Bus, log logging.Logger) *Service {
	return &Service{store: s, blobs: b, bus: bus, logger: log.With("service", "assembler")}
}

// Init implements spec.md §4.2 "POST /api/upload/init": reuse a matching
// non-terminal upload if one exists and its blob is intact, repair it if the
// blob went missing, or create a brand new upload otherwise.
func (s *Service) Init(ctx context.Context, filename string, totalSize int64, totalChunks int, chunkSize int64) (*InitResult, error) {
	existing, err := s.store.FindReusable(ctx, filename, totalSize)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("find reusable upload: %w", err)
	}

	if existing != nil {
		if s.blobs.Exists(existing.ID) {
			uploaded, err := s.store.UploadedChunkIndexes(ctx, existing.ID)
			if err != nil {
				return nil, fmt.Errorf("load uploaded chunks: %w", err)
			}
			s.logger.Info(ctx, "resuming existing upload", "uploadId", existing.ID, "uploadedChunks", len(uploaded))
			return &InitResult{UploadID: existing.ID, Status: existing.Status, UploadedChunks: uploaded}, nil
		}

		// the Upload row survived but its blob didn't — wipe chunk records
		// and start the blob over under the same id.
		s.logger.Warn(ctx, "upload row found but blob missing, repairing", "uploadId", existing.ID)
		if err := s.store.DeleteChunks(ctx, existing.ID); err != nil {
			return nil, fmt.Errorf("clear stale chunk records: %w", err)
		}
		if err := s.bus.Reset(ctx, existing.ID); err != nil {
			return nil, fmt.Errorf("reset progress: %w", err)
		}
		if err := s.blobs.Create(existing.ID, totalSize); err != nil {
			return nil, fmt.Errorf("recreate blob: %w", err)
		}
		return &InitResult{UploadID: existing.ID, Status: existing.Status, UploadedChunks: []int{}}, nil
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	u := &model.Upload{
		ID:          id,
		Filename:    filename,
		TotalSize:   totalSize,
		TotalChunks: totalChunks,
		ChunkSize:   chunkSize,
		Status:      model.StatusUploading,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateUpload(ctx, u); err != nil {
		return nil, fmt.Errorf("create upload: %w", err)
	}
	if err := s.blobs.Create(id, totalSize); err != nil {
		return nil, fmt.Errorf("create blob: %w", err)
	}
	s.logger.Info(ctx, "created new upload", "uploadId", id, "filename", filename, "totalSize", totalSize)
	return &InitResult{UploadID: id, Status: model.StatusUploading, UploadedChunks: []int{}}, nil
}

// PutChunk implements spec.md §4.2 "PUT /api/upload/{uploadId}/chunk/{index}".
// body is read to completion and written at offset; contentLength is the
// number of bytes the caller expects to write, used only for the bounds
// check against the upload's total size. The write and the progress bus's
// per-chunk byte accounting both use however many bytes body actually yields.
func (s *Service) PutChunk(ctx context.Context, uploadID string, chunkIndex int, offset int64, body io.Reader, contentLength int64) error {
	upload, err := s.store.GetUpload(ctx, uploadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnknownUpload
		}
		return fmt.Errorf("load upload: %w", err)
	}
	if offset < 0 || offset+contentLength > upload.TotalSize {
		return ErrBadOffset
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read chunk body: %w", err)
	}
	if _, err := s.blobs.WriteAt(uploadID, offset, data); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}

	if err := s.store.UpsertChunk(ctx, uploadID, chunkIndex, time.Now().UTC()); err != nil {
		return fmt.Errorf("record chunk: %w", err)
	}

	if _, err := s.bus.RecordChunkBytes(ctx, uploadID, chunkIndex, int64(len(data))); err != nil {
		s.logger.Warn(ctx, "failed to record chunk progress", "uploadId", uploadID, "index", chunkIndex, "err", err)
	}

	s.logger.Debug(ctx, "chunk written", "uploadId", uploadID, "index", chunkIndex, "offset", offset, "bytes", len(data))
	return nil
}
