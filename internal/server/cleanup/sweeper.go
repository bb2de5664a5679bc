// Package cleanup implements the cleanup sweeper named in spec.md §4.4: a
// ticking background loop that fails uploads left UPLOADING past a TTL and
// reclaims their blob and chunk records, plus the on-demand variant exposed
// through DELETE /api/files. The ticker-driven background loop shape is
// grounded on this example pack's distributed storage node's background
// cleanup routine; the difference here is what gets swept (stale uploads
// instead of orphaned storage shards).
package cleanup

import (
	"context"
	"fmt"
	"time"

	"chunkupload/internal/blobstore"
	"chunkupload/internal/logging"
	"chunkupload/internal/model"
	"chunkupload/internal/progress"
	"chunkupload/internal/store"
)

// Sweeper periodically fails and reclaims uploads that have been sitting in
// UPLOADING status for longer than ttl.
type Sweeper struct {
	store  store.Store
	blobs  *blobstore.Store
	bus    progress.Bus
	ttl    time.Duration
	logger logging.Logger
}

// NewSweeper wires a cleanup sweeper with the given stale-upload TTL.
func NewSweeper(s store.Store, b *blobstore.Store, bus progress.Bus, ttl time.Duration, log logging.Logger) *Sweeper {
	return &Sweeper{store: s, blobs: b, bus: bus, ttl: ttl, logger: log.With("service", "cleanup")}
}

// Run blocks, sweeping on every tick of interval until ctx is cancelled.
func (sw *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sw.SweepOnce(ctx); err != nil {
				sw.logger.Error(ctx, "sweep failed", "err", err)
			}
		}
	}
}

// SweepOnce fails every upload that has been UPLOADING for longer than the
// sweeper's TTL and reclaims its blob, chunk records, and progress state. It
// returns the number of uploads reclaimed.
func (sw *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-sw.ttl)
	stale, err := sw.store.StaleUploading(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale uploads: %w", err)
	}
	cleaned := 0
	for _, u := range stale {
		if err := sw.reclaim(ctx, u); err != nil {
			sw.logger.Error(ctx, "failed to reclaim stale upload", "uploadId", u.ID, "err", err)
			continue
		}
		sw.logger.Info(ctx, "reclaimed stale upload", "uploadId", u.ID, "filename", u.Filename)
		cleaned++
	}
	return cleaned, nil
}

// ReclaimNow fails and reclaims a single upload's resources regardless of
// its age, for internal callers that need to force-discard one upload
// outside the TTL-based sweep that DELETE /api/files drives.
func (sw *Sweeper) ReclaimNow(ctx context.Context, uploadID string) error {
	u, err := sw.store.GetUpload(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("load upload: %w", err)
	}
	return sw.reclaim(ctx, u)
}

func (sw *Sweeper) reclaim(ctx context.Context, u *model.Upload) error {
	if u.Status == model.StatusUploading || u.Status == model.StatusProcessing {
		if err := sw.store.Fail(ctx, u.ID); err != nil {
			return fmt.Errorf("mark upload failed: %w", err)
		}
	}
	if err := sw.store.DeleteChunks(ctx, u.ID); err != nil {
		return fmt.Errorf("delete chunk records: %w", err)
	}
	if err := sw.blobs.Delete(u.ID); err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	if err := sw.bus.Reset(ctx, u.ID); err != nil {
		return fmt.Errorf("reset progress: %w", err)
	}
	return nil
}
