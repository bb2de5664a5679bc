package finalizer

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chunkupload/internal/blobstore"
	"chunkupload/internal/logging"
	"chunkupload/internal/model"
	"chunkupload/internal/store"
)

func newTestFinalizer(t *testing.T) (*Service, store.Store, *blobstore.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	blobs, err := blobstore.New(t.TempDir())
	require.NoError(t, err)

	return NewService(st, blobs, logging.NewJSON("error")), st, blobs
}

// seedUpload creates an Upload row, a single-chunk blob containing content,
// and the matching chunk record, leaving the upload ready to finalize.
func seedUpload(t *testing.T, st store.Store, blobs *blobstore.Store, id, filename string, content []byte) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateUpload(ctx, &model.Upload{
		ID: id, Filename: filename, TotalSize: int64(len(content)),
		TotalChunks: 1, Status: model.StatusUploading,
	}))
	require.NoError(t, blobs.Create(id, int64(len(content))))
	_, err := blobs.WriteAt(id, 0, content)
	require.NoError(t, err)
	require.NoError(t, st.UpsertChunk(ctx, id, 0, time.Now().UTC()))
}

func TestFinalize_ComputesHashAndCompletes(t *testing.T) {
	ctx := context.Background()
	svc, st, blobs := newTestFinalizer(t)

	content := []byte("the quick brown fox jumps over the lazy dog")
	seedUpload(t, st, blobs, "up-1", "payload.bin", content)

	res, err := svc.Finalize(ctx, "up-1", "")
	require.NoError(t, err)

	want := sha256.Sum256(content)
	require.Equal(t, hex.EncodeToString(want[:]), res.SHA256)
	require.Equal(t, int64(len(content)), res.SizeBytes)
	require.Equal(t, []string{notAZipSentinel}, res.ZIPNames)

	upload, err := st.GetUpload(ctx, "up-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, upload.Status)
}

func TestFinalize_RejectsIncompleteUpload(t *testing.T) {
	ctx := context.Background()
	svc, st, blobs := newTestFinalizer(t)

	require.NoError(t, st.CreateUpload(ctx, &model.Upload{
		ID: "up-2", Filename: "f.bin", TotalSize: 10, TotalChunks: 2, Status: model.StatusUploading,
	}))
	require.NoError(t, blobs.Create("up-2", 10))
	require.NoError(t, st.UpsertChunk(ctx, "up-2", 0, time.Now().UTC()))

	_, err := svc.Finalize(ctx, "up-2", "")
	require.ErrorIs(t, err, ErrIncompleteUpload)
}

func TestFinalize_IsIdempotentOnceCompleted(t *testing.T) {
	ctx := context.Background()
	svc, st, blobs := newTestFinalizer(t)
	seedUpload(t, st, blobs, "up-3", "f.bin", []byte("data"))

	res1, err1 := svc.Finalize(ctx, "up-3", "")
	require.NoError(t, err1)
	res2, err2 := svc.Finalize(ctx, "up-3", "")
	require.NoError(t, err2)
	require.Equal(t, res1.SHA256, res2.SHA256)
}

func TestFinalize_RejectsWhileAlreadyProcessing(t *testing.T) {
	ctx := context.Background()
	svc, st, blobs := newTestFinalizer(t)
	seedUpload(t, st, blobs, "up-5", "f.bin", []byte("data"))

	require.NoError(t, st.TransitionStatus(ctx, "up-5", model.StatusUploading, model.StatusProcessing))

	_, err := svc.Finalize(ctx, "up-5", "")
	require.ErrorIs(t, err, ErrAlreadyFinalizing)
}

func TestFinalize_RejectsAlreadyFailedUpload(t *testing.T) {
	ctx := context.Background()
	svc, st, blobs := newTestFinalizer(t)
	seedUpload(t, st, blobs, "up-6", "f.bin", []byte("data"))

	require.NoError(t, st.Fail(ctx, "up-6"))

	_, err := svc.Finalize(ctx, "up-6", "")
	require.ErrorIs(t, err, ErrUploadFailed)
}

func TestFinalize_RejectsMismatchedClientHash(t *testing.T) {
	ctx := context.Background()
	svc, st, blobs := newTestFinalizer(t)
	content := []byte("data")
	seedUpload(t, st, blobs, "up-7", "f.bin", content)

	zeroHash := strings.Repeat("0", 64)
	_, err := svc.Finalize(ctx, "up-7", zeroHash)
	require.Error(t, err)
	var mismatch *HashMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.ErrorIs(t, err, ErrHashMismatch)

	upload, err := st.GetUpload(ctx, "up-7")
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, upload.Status)
}

func TestFinalize_AcceptsMatchingClientHash(t *testing.T) {
	ctx := context.Background()
	svc, st, blobs := newTestFinalizer(t)
	content := []byte("data")
	seedUpload(t, st, blobs, "up-8", "f.bin", content)

	want := sha256.Sum256(content)
	res, err := svc.Finalize(ctx, "up-8", hex.EncodeToString(want[:]))
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(want[:]), res.SHA256)
}

func TestFinalize_IntrospectsZipEntries(t *testing.T) {
	ctx := context.Background()
	svc, st, blobs := newTestFinalizer(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("a.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	w2, err := zw.Create("b.txt")
	require.NoError(t, err)
	_, err = w2.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	content := buf.Bytes()
	seedUpload(t, st, blobs, "up-4", "archive.zip", content)

	res, err := svc.Finalize(ctx, "up-4", "")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a.txt", "b.txt"}, res.ZIPNames)
}
