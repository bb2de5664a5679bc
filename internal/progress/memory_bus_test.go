package progress

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryBus_RecordChunkBytes_DoesNotDoubleCount(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()

	delta, err := b.RecordChunkBytes(ctx, "up-1", 0, 1024)
	require.NoError(t, err)
	require.Equal(t, int64(1024), delta)

	// idempotent re-upload of the same chunk contributes nothing further
	delta, err = b.RecordChunkBytes(ctx, "up-1", 0, 1024)
	require.NoError(t, err)
	require.Equal(t, int64(0), delta)

	snap, err := b.Snapshot(ctx, "up-1", "UPLOADING", map[int]int64{0: 1024})
	require.NoError(t, err)
	require.Equal(t, int64(1024), snap.UploadedBytes)
}

func TestMemoryBus_Snapshot_AggregatesAcrossChunks(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()

	_, err := b.RecordChunkBytes(ctx, "up-1", 0, 500)
	require.NoError(t, err)
	_, err = b.RecordChunkBytes(ctx, "up-1", 1, 300)
	require.NoError(t, err)

	snap, err := b.Snapshot(ctx, "up-1", "UPLOADING", map[int]int64{0: 500, 1: 300})
	require.NoError(t, err)
	require.Equal(t, int64(800), snap.UploadedBytes)
	require.Equal(t, int64(800), snap.FileSize)
	require.Len(t, snap.Chunks, 2)
}

func TestMemoryBus_Reset_ClearsState(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()

	_, err := b.RecordChunkBytes(ctx, "up-1", 0, 500)
	require.NoError(t, err)
	require.NoError(t, b.Reset(ctx, "up-1"))

	snap, err := b.Snapshot(ctx, "up-1", "UPLOADING", map[int]int64{0: 500})
	require.NoError(t, err)
	require.Equal(t, int64(0), snap.UploadedBytes)
}
