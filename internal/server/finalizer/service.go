// Package finalizer implements the server's finalizer (spec.md §4.3):
// single-winner completeness check, whole-file SHA-256, optional ZIP
// central-directory introspection, and terminal status transition. It is the
// generalization of this codebase's original merge handler, which streamed
// every chunk file into one output file and reported a checksum; here the
// blob is already assembled in place by the chunk assembler, so finalize's
// job narrows to verifying completeness and computing a hash over what's
// already on disk.
package finalizer

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"chunkupload/internal/blobstore"
	"chunkupload/internal/logging"
	"chunkupload/internal/model"
	"chunkupload/internal/store"
)

// ErrIncompleteUpload is returned when finalize is called before every
// chunk has been received.
var ErrIncompleteUpload = errors.New("finalizer: upload is incomplete")

// ErrAlreadyFinalizing is returned when another caller is already
// PROCESSING this upload's finalize.
var ErrAlreadyFinalizing = errors.New("finalizer: upload is already finalizing")

// ErrUploadFailed is returned when finalize is called on an upload already
// in terminal FAILED status.
var ErrUploadFailed = errors.New("finalizer: upload has already failed")

// ErrHashMismatch is returned when a caller-supplied clientHash disagrees
// with the server's computed digest of the assembled blob. Callers
// interested in the two hashes should use errors.As against
// *HashMismatchError.
var ErrHashMismatch = errors.New("finalizer: client hash does not match server hash")

// HashMismatchError carries both hashes for a failed verification, for the
// HTTP layer to echo back to the caller.
type HashMismatchError struct {
	ServerHash string
	ClientHash string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("finalizer: server hash %s does not match client hash %s", e.ServerHash, e.ClientHash)
}

func (e *HashMismatchError) Unwrap() error { return ErrHashMismatch }

// notAZipSentinel is substituted for ZIPNames when the blob isn't a valid
// ZIP archive; it's informational, not a finalize failure.
const notAZipSentinel = "(Not a valid ZIP archive)"

// Result is the response payload for POST /api/upload/{id}/finalize.
type Result struct {
	UploadID  string
	Filename  string
	SizeBytes int64
	SHA256    string
	ZIPNames  []string
}

// Service implements the finalizer.
type Service struct {
	store  store.Store
	blobs  *blobstore.Store
	logger logging.Logger
}

// NewService wires a finalizer over the given durable store and blob store.
func NewService(s store.Store, b *blobstore.Store, log logging.Logger) *Service {
	return &Service{store: s, blobs: b, logger: log.With("service", "finalizer")}
}

// Finalize implements spec.md §4.3. Exactly one caller among any racing to
// finalize the same upload performs the hash-and-complete work; a caller
// that loses the store's conditional transition gets the cached result if
// the winner has already COMPLETED, and ErrAlreadyFinalizing otherwise
// (which the HTTP layer reports as 409). clientHash is
// optional (empty skips verification); when supplied it must match the
// server's computed digest or the upload is marked FAILED.
func (s *Service) Finalize(ctx context.Context, uploadID string, clientHash string) (*Result, error) {
	upload, err := s.store.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("load upload: %w", err)
	}

	switch upload.Status {
	case model.StatusCompleted:
		return s.cachedResult(upload, clientHash)
	case model.StatusProcessing:
		return nil, ErrAlreadyFinalizing
	case model.StatusFailed:
		return nil, ErrUploadFailed
	}

	if err := s.store.TransitionStatus(ctx, uploadID, model.StatusUploading, model.StatusProcessing); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			// someone else won the race; re-read and resolve per the rules above.
			refreshed, getErr := s.store.GetUpload(ctx, uploadID)
			if getErr != nil {
				return nil, getErr
			}
			if refreshed.Status == model.StatusCompleted {
				return s.cachedResult(refreshed, clientHash)
			}
			return nil, ErrAlreadyFinalizing
		}
		return nil, err
	}

	count, err := s.store.ChunkCount(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("count chunks: %w", err)
	}
	if count < upload.TotalChunks {
		if failErr := s.store.Fail(ctx, uploadID); failErr != nil {
			s.logger.Error(ctx, "failed to mark incomplete upload failed", "uploadId", uploadID, "err", failErr)
		}
		return nil, ErrIncompleteUpload
	}

	result, err := s.assembleResult(uploadID, upload.Filename)
	if err != nil {
		s.logger.Error(ctx, "finalize failed, marking upload failed", "uploadId", uploadID, "err", err)
		if failErr := s.store.Fail(ctx, uploadID); failErr != nil {
			s.logger.Error(ctx, "failed to mark upload failed", "uploadId", uploadID, "err", failErr)
		}
		return nil, fmt.Errorf("assemble result: %w", err)
	}

	if clientHash != "" && clientHash != result.SHA256 {
		if failErr := s.store.Fail(ctx, uploadID); failErr != nil {
			s.logger.Error(ctx, "failed to mark hash-mismatched upload failed", "uploadId", uploadID, "err", failErr)
		}
		s.logger.Error(ctx, "finalize hash mismatch", "uploadId", uploadID, "serverHash", result.SHA256, "clientHash", clientHash)
		return nil, &HashMismatchError{ServerHash: result.SHA256, ClientHash: clientHash}
	}

	if err := s.store.Complete(ctx, uploadID, result.SHA256); err != nil {
		return nil, fmt.Errorf("mark upload complete: %w", err)
	}

	s.logger.Info(ctx, "upload finalized", "uploadId", uploadID, "sha256", result.SHA256, "size", result.SizeBytes)
	return result, nil
}

// cachedResult rebuilds the finalize response for an already-COMPLETED
// upload without re-hashing: the hash is trusted from the durable record,
// only the cheap size/zip-introspection fields are recomputed. A supplied
// clientHash is still checked against the trusted hash, since a caller
// re-finalizing after the fact is entitled to the same verification.
func (s *Service) cachedResult(upload *model.Upload, clientHash string) (*Result, error) {
	size, err := s.blobs.Size(upload.ID)
	if err != nil {
		return nil, fmt.Errorf("stat blob: %w", err)
	}
	hash := ""
	if upload.FinalHash != nil {
		hash = *upload.FinalHash
	}
	// Note: an already-COMPLETED upload re-finalized with a wrong clientHash
	// still fails with a 400 here rather than returning the cached 200
	// result; a caller that only wants the cached result back should omit
	// clientHash on the repeat call.
	if clientHash != "" && clientHash != hash {
		return nil, &HashMismatchError{ServerHash: hash, ClientHash: clientHash}
	}
	result := &Result{UploadID: upload.ID, Filename: upload.Filename, SizeBytes: size, SHA256: hash}
	names, err := s.zipEntryNames(upload.ID, size)
	if err != nil {
		result.ZIPNames = []string{notAZipSentinel}
	} else {
		result.ZIPNames = names
	}
	return result, nil
}

func (s *Service) assembleResult(uploadID, filename string) (*Result, error) {
	size, err := s.blobs.Size(uploadID)
	if err != nil {
		return nil, fmt.Errorf("stat blob: %w", err)
	}

	h := sha256.New()
	if _, err := s.blobs.CopyTo(uploadID, h); err != nil {
		return nil, fmt.Errorf("hash blob: %w", err)
	}

	result := &Result{
		UploadID:  uploadID,
		Filename:  filename,
		SizeBytes: size,
		SHA256:    hex.EncodeToString(h.Sum(nil)),
	}

	names, err := s.zipEntryNames(uploadID, size)
	if err != nil {
		result.ZIPNames = []string{notAZipSentinel}
	} else {
		result.ZIPNames = names
	}

	return result, nil
}

// zipEntryNames reads only the ZIP central directory (archive/zip.NewReader
// seeks straight to it) — no entry is decompressed, so this stays bounded
// regardless of how large the archive's contents are.
func (s *Service) zipEntryNames(uploadID string, size int64) ([]string, error) {
	f, err := s.blobs.OpenRead(uploadID)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zip.NewReader(f, size)
	if err != nil {
		return nil, fmt.Errorf("read zip central directory: %w", err)
	}
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names, nil
}
