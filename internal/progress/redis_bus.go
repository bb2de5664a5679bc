package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
)

// RedisBus is a Redis-backed Bus. It keeps, per upload:
//   - a hash "upload:{id}:chunks" mapping chunk index -> contributed bytes
//   - a counter "upload:{id}:bytes" holding the aggregate contributed bytes
//   - a pub/sub channel "upload:{id}:progress" carrying JSON-encoded Snapshots
//
// This is the original per-chunk/per-file Redis bookkeeping (HSet/HIncrBy
// for chunk progress, a byte counter key for file progress) reshaped behind
// the Bus interface and fixed to track contributed bytes per index rather
// than blindly incrementing on every PUT, so idempotent re-uploads of the
// same chunk index don't inflate the aggregate counter.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus connects to a Redis server at addr (host:port).
func NewRedisBus(addr string) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 0})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisBus{client: client}, nil
}

var _ Bus = (*RedisBus)(nil)

func chunksKey(uploadID string) string  { return "upload:" + uploadID + ":chunks" }
func bytesKey(uploadID string) string   { return "upload:" + uploadID + ":bytes" }
func channelKey(uploadID string) string { return "upload:" + uploadID + ":progress" }

func (b *RedisBus) RecordChunkBytes(ctx context.Context, uploadID string, chunkIndex int, n int64) (int64, error) {
	field := strconv.Itoa(chunkIndex)
	ck := chunksKey(uploadID)

	prevStr, err := b.client.HGet(ctx, ck, field).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("read prior chunk bytes: %w", err)
	}
	var prev int64
	if err == nil {
		prev, _ = strconv.ParseInt(prevStr, 10, 64)
	}
	if n <= prev {
		return 0, nil // already accounted for, e.g. an idempotent re-upload of the same index
	}
	delta := n - prev
	if err := b.client.HSet(ctx, ck, field, n).Err(); err != nil {
		return 0, fmt.Errorf("record chunk bytes: %w", err)
	}
	if err := b.client.IncrBy(ctx, bytesKey(uploadID), delta).Err(); err != nil {
		return 0, fmt.Errorf("increment byte counter: %w", err)
	}
	return delta, nil
}

func (b *RedisBus) Snapshot(ctx context.Context, uploadID string, status string, chunkSizes map[int]int64) (Snapshot, error) {
	totalStr, err := b.client.Get(ctx, bytesKey(uploadID)).Result()
	if err != nil && err != redis.Nil {
		return Snapshot{}, fmt.Errorf("read byte counter: %w", err)
	}
	var uploaded int64
	if err == nil {
		uploaded, _ = strconv.ParseInt(totalStr, 10, 64)
	}

	all, err := b.client.HGetAll(ctx, chunksKey(uploadID)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read chunk progress: %w", err)
	}

	var fileSize int64
	chunks := make([]ChunkProgress, 0, len(chunkSizes))
	for idx, size := range chunkSizes {
		fileSize += size
		has, _ := strconv.ParseInt(all[strconv.Itoa(idx)], 10, 64)
		rate := 0.0
		if size > 0 {
			rate = float64(has) / float64(size)
		}
		chunks = append(chunks, ChunkProgress{ChunkIndex: idx, TotalSize: size, HasUpload: has, Rate: rate})
	}

	return Snapshot{
		UploadID:      uploadID,
		FileSize:      fileSize,
		UploadedBytes: uploaded,
		Status:        status,
		Chunks:        chunks,
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := b.client.Publish(ctx, channelKey(snap.UploadID), payload).Err(); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

func (b *RedisBus) Reset(ctx context.Context, uploadID string) error {
	if err := b.client.Del(ctx, chunksKey(uploadID), bytesKey(uploadID)).Err(); err != nil {
		return fmt.Errorf("reset progress: %w", err)
	}
	return nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
