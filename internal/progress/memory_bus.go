package progress

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus used when REDIS_ADDR is unset, and by
// tests. It has no subscribers beyond whatever calls Snapshot directly;
// Publish is a no-op sink rather than an error, since a Progress Reporter
// attaching to a single-process deployment is expected to poll Snapshot
// instead of subscribing to a channel.
type MemoryBus struct {
	mu     sync.Mutex
	chunks map[string]map[int]int64
	bytes  map[string]int64
}

// NewMemoryBus returns an empty in-process Bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		chunks: make(map[string]map[int]int64),
		bytes:  make(map[string]int64),
	}
}

var _ Bus = (*MemoryBus)(nil)

func (b *MemoryBus) RecordChunkBytes(_ context.Context, uploadID string, chunkIndex int, n int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	perChunk, ok := b.chunks[uploadID]
	if !ok {
		perChunk = make(map[int]int64)
		b.chunks[uploadID] = perChunk
	}
	prev := perChunk[chunkIndex]
	if n <= prev {
		return 0, nil
	}
	delta := n - prev
	perChunk[chunkIndex] = n
	b.bytes[uploadID] += delta
	return delta, nil
}

func (b *MemoryBus) Snapshot(_ context.Context, uploadID string, status string, chunkSizes map[int]int64) (Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	perChunk := b.chunks[uploadID]
	var fileSize int64
	chunks := make([]ChunkProgress, 0, len(chunkSizes))
	for idx, size := range chunkSizes {
		fileSize += size
		has := perChunk[idx]
		rate := 0.0
		if size > 0 {
			rate = float64(has) / float64(size)
		}
		chunks = append(chunks, ChunkProgress{ChunkIndex: idx, TotalSize: size, HasUpload: has, Rate: rate})
	}

	return Snapshot{
		UploadID:      uploadID,
		FileSize:      fileSize,
		UploadedBytes: b.bytes[uploadID],
		Status:        status,
		Chunks:        chunks,
	}, nil
}

func (b *MemoryBus) Publish(_ context.Context, _ Snapshot) error {
	return nil
}

func (b *MemoryBus) Reset(_ context.Context, uploadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.chunks, uploadID)
	delete(b.bytes, uploadID)
	return nil
}

func (b *MemoryBus) Close() error {
	return nil
}
