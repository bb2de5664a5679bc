package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chunkupload/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newUpload(id string) *model.Upload {
	now := time.Now().UTC()
	return &model.Upload{
		ID:          id,
		Filename:    "movie.mp4",
		TotalSize:   12 * 1024 * 1024,
		TotalChunks: 3,
		Status:      model.StatusUploading,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestCreateAndGetUpload(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	u := newUpload("up-1")
	require.NoError(t, s.CreateUpload(ctx, u))

	got, err := s.GetUpload(ctx, "up-1")
	require.NoError(t, err)
	require.Equal(t, u.Filename, got.Filename)
	require.Equal(t, model.StatusUploading, got.Status)
	require.Nil(t, got.FinalHash)
}

func TestGetUpload_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetUpload(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFindReusable_ExcludesTerminalUploads(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	u := newUpload("up-1")
	require.NoError(t, s.CreateUpload(ctx, u))
	require.NoError(t, s.Fail(ctx, u.ID))

	_, err := s.FindReusable(ctx, u.Filename, u.TotalSize)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFindReusable_ReturnsUploadingMatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	u := newUpload("up-1")
	require.NoError(t, s.CreateUpload(ctx, u))

	found, err := s.FindReusable(ctx, u.Filename, u.TotalSize)
	require.NoError(t, err)
	require.Equal(t, u.ID, found.ID)
}

func TestUpsertChunk_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	u := newUpload("up-1")
	require.NoError(t, s.CreateUpload(ctx, u))

	require.NoError(t, s.UpsertChunk(ctx, u.ID, 0, time.Now().UTC()))
	require.NoError(t, s.UpsertChunk(ctx, u.ID, 0, time.Now().UTC()))

	n, err := s.ChunkCount(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestUploadedChunkIndexes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	u := newUpload("up-1")
	require.NoError(t, s.CreateUpload(ctx, u))

	require.NoError(t, s.UpsertChunk(ctx, u.ID, 2, time.Now().UTC()))
	require.NoError(t, s.UpsertChunk(ctx, u.ID, 0, time.Now().UTC()))

	idx, err := s.UploadedChunkIndexes(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, []int{0, 2}, idx)
}

func TestTransitionStatus_SingleWinner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	u := newUpload("up-1")
	require.NoError(t, s.CreateUpload(ctx, u))

	require.NoError(t, s.TransitionStatus(ctx, u.ID, model.StatusUploading, model.StatusProcessing))
	// a second transition attempt from the same "from" status loses the race
	err := s.TransitionStatus(ctx, u.ID, model.StatusUploading, model.StatusProcessing)
	require.ErrorIs(t, err, ErrStatusConflict)
}

func TestTransitionStatus_UnknownUpload(t *testing.T) {
	s := newTestStore(t)
	err := s.TransitionStatus(context.Background(), "missing", model.StatusUploading, model.StatusProcessing)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestComplete_SetsHashAndStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	u := newUpload("up-1")
	require.NoError(t, s.CreateUpload(ctx, u))
	require.NoError(t, s.TransitionStatus(ctx, u.ID, model.StatusUploading, model.StatusProcessing))

	require.NoError(t, s.Complete(ctx, u.ID, "deadbeef"))

	got, err := s.GetUpload(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, got.Status)
	require.NotNil(t, got.FinalHash)
	require.Equal(t, "deadbeef", *got.FinalHash)
}

func TestStaleUploading(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	fresh := newUpload("fresh")
	require.NoError(t, s.CreateUpload(ctx, fresh))

	stale := newUpload("stale")
	stale.CreatedAt = time.Now().Add(-48 * time.Hour)
	stale.UpdatedAt = stale.CreatedAt
	require.NoError(t, s.CreateUpload(ctx, stale))

	results, err := s.StaleUploading(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "stale", results[0].ID)
}
