// Package engine implements the client-side upload engine named in
// SPEC_FULL.md §4.1: chunk planning, a bounded worker-pool scheduler (the
// REDESIGN FLAGS RF-1 replacement for a cooperative single-threaded loop),
// per-chunk retry with exponential backoff, pause/resume, and progress
// accounting. The worker-pool shape — a fixed pool of goroutines pulling
// work off a shared mutex-guarded queue, each holding its slot through
// backoff — is this codebase's idiom for bounded concurrent dispatch, the
// same shape its other bounded-fan-out call sites use for worker pools
// pulling off a shared queue rather than spawning one goroutine per item.
package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"chunkupload/internal/client/transport"
	"chunkupload/internal/logging"
)

// Status is the engine's overall transfer status.
type Status string

const (
	StatusIdle       Status = "IDLE"
	StatusUploading  Status = "UPLOADING"
	StatusPaused     Status = "PAUSED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Options configures an Engine.
type Options struct {
	ChunkSize      int64
	MaxConcurrency int
	MaxRetries     int
	BaseDelay      time.Duration // defaults to 1s, per SPEC_FULL.md §4.1 P7

	OnProgress func(Progress)
	OnComplete func(*transport.FinalizeResponse)
	OnError    func(error)
}

// Progress is the payload emitted to OnProgress after every state-changing
// event.
type Progress struct {
	Chunks      []Chunk
	ProgressPct float64
	Status      Status
	SpeedMBps   float64
	ETASeconds  float64
}

// Engine drives one file's upload from start to finalize.
type Engine struct {
	client   *transport.Client
	src      io.ReaderAt
	filename string
	fileSize int64
	opts     Options
	log      logging.Logger

	mu        sync.Mutex
	chunks    []Chunk
	uploadID  string
	status    Status
	startedAt time.Time

	uploaded   int64 // atomic: bytes confirmed SUCCESS
	paused     atomic.Bool
	cancelFunc context.CancelFunc
}

// New builds an Engine for uploading src (fileSize bytes, named filename)
// against client.
func New(client *transport.Client, src io.ReaderAt, filename string, fileSize int64, opts Options, log logging.Logger) *Engine {
	if opts.BaseDelay == 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 3
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 5 * 1024 * 1024
	}
	return &Engine{
		client:   client,
		src:      src,
		filename: filename,
		fileSize: fileSize,
		opts:     opts,
		log:      log.With("component", "engine"),
		status:   StatusIdle,
	}
}

// Start implements SPEC_FULL.md §4.1 "Start(ctx)": negotiate the chunk plan
// with the server, then run the worker pool to completion (or fatal error).
func (e *Engine) Start(ctx context.Context) error {
	total := totalChunks(e.fileSize, e.opts.ChunkSize)
	initRes, err := e.client.Init(ctx, e.filename, e.fileSize, total, e.opts.ChunkSize)
	if err != nil {
		return fmt.Errorf("init upload: %w", err)
	}

	already := make(map[int]bool, len(initRes.UploadedChunks))
	for _, i := range initRes.UploadedChunks {
		already[i] = true
	}

	e.mu.Lock()
	e.uploadID = initRes.UploadID
	e.chunks = buildPlan(e.fileSize, e.opts.ChunkSize, already)
	e.status = StatusUploading
	e.startedAt = time.Now()
	atomic.StoreInt64(&e.uploaded, 0)
	for _, c := range e.chunks {
		if c.Status == ChunkSuccess {
			atomic.AddInt64(&e.uploaded, c.Size())
		}
	}
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancelFunc = cancel
	e.mu.Unlock()
	defer cancel()

	e.emitProgress()

	var wg sync.WaitGroup
	for i := 0; i < e.opts.MaxConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.worker(runCtx)
		}()
	}
	wg.Wait()

	e.mu.Lock()
	failed := e.status == StatusFailed
	e.mu.Unlock()
	if failed {
		return fmt.Errorf("upload failed for %s", e.uploadID)
	}

	return e.finalize(ctx)
}

// worker repeatedly claims a PENDING chunk and drives it through dispatch,
// retry, and backoff, holding its MaxConcurrency slot for the entire
// attempt including any backoff sleep (P8).
func (e *Engine) worker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		e.waitWhilePaused(ctx)
		if ctx.Err() != nil {
			return
		}

		idx := e.claimPending()
		if idx < 0 {
			return // no more PENDING chunks; another worker may still be in flight
		}

		e.dispatchWithRetry(ctx, idx)
	}
}

func (e *Engine) waitWhilePaused(ctx context.Context) {
	for e.paused.Load() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// claimPending atomically finds one PENDING chunk and marks it UPLOADING,
// or returns -1 if none remain.
func (e *Engine) claimPending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.chunks {
		if e.chunks[i].Status == ChunkPending {
			e.chunks[i].Status = ChunkUploading
			return i
		}
	}
	return -1
}

func (e *Engine) dispatchWithRetry(ctx context.Context, idx int) {
	for {
		e.mu.Lock()
		chunk := e.chunks[idx]
		uploadID := e.uploadID
		e.mu.Unlock()

		sr := io.NewSectionReader(e.src, chunk.Start, chunk.Size())
		err := e.client.PutChunk(ctx, uploadID, chunk.Index, chunk.Start, sr, chunk.Size())
		if err == nil {
			e.onChunkSuccess(idx)
			return
		}

		e.mu.Lock()
		e.chunks[idx].Attempts++
		attempts := e.chunks[idx].Attempts
		e.mu.Unlock()

		if attempts > e.opts.MaxRetries {
			e.onChunkFatal(idx, err)
			return
		}

		e.mu.Lock()
		e.chunks[idx].Status = ChunkErrRetry
		e.mu.Unlock()
		e.log.Warn(ctx, "chunk upload failed, backing off", "index", chunk.Index, "attempt", attempts, "err", err)

		delay := e.opts.BaseDelay * time.Duration(1<<uint(attempts))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		e.waitWhilePaused(ctx)
		if ctx.Err() != nil {
			return
		}

		e.mu.Lock()
		e.chunks[idx].Status = ChunkUploading
		e.mu.Unlock()
		// loop: this worker keeps holding the slot and retries the same chunk directly;
		// the chunk never goes back to PENDING, so no other worker can claim it meanwhile.
	}
}

func (e *Engine) onChunkSuccess(idx int) {
	e.mu.Lock()
	e.chunks[idx].Status = ChunkSuccess
	size := e.chunks[idx].Size()
	e.mu.Unlock()
	atomic.AddInt64(&e.uploaded, size)
	e.emitProgress()
}

func (e *Engine) onChunkFatal(idx int, err error) {
	e.mu.Lock()
	e.chunks[idx].Status = ChunkErrFatal
	e.status = StatusFailed
	cancel := e.cancelFunc
	e.mu.Unlock()
	e.emitProgress()
	if cancel != nil {
		cancel()
	}
	if e.opts.OnError != nil {
		e.opts.OnError(fmt.Errorf("chunk %d exhausted retries: %w", idx, err))
	}
}

func (e *Engine) finalize(ctx context.Context) error {
	e.mu.Lock()
	e.status = StatusProcessing
	uploadID := e.uploadID
	e.mu.Unlock()
	e.emitProgress()

	res, err := e.client.Finalize(ctx, uploadID)
	if err != nil {
		e.mu.Lock()
		e.status = StatusFailed
		e.mu.Unlock()
		e.emitProgress()
		if e.opts.OnError != nil {
			e.opts.OnError(err)
		}
		return fmt.Errorf("finalize: %w", err)
	}

	e.mu.Lock()
	e.status = StatusCompleted
	e.mu.Unlock()
	e.emitProgress()
	if e.opts.OnComplete != nil {
		e.opts.OnComplete(res)
	}
	return nil
}

// Pause implements SPEC_FULL.md §4.1 Pause(): workers finish in-flight
// requests but stop claiming new PENDING chunks until Resume.
func (e *Engine) Pause() {
	e.paused.Store(true)
	e.mu.Lock()
	e.status = StatusPaused
	e.mu.Unlock()
	e.emitProgress()
}

// Resume implements SPEC_FULL.md §4.1 Resume(). Resuming from FAILED resets
// every non-SUCCESS chunk's attempt counter to zero, the implementation
// choice recorded in DESIGN.md for spec.md's open "retain or reset attempts
// on resume-after-failure" question.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	wasFailed := e.status == StatusFailed
	if wasFailed {
		for i := range e.chunks {
			if e.chunks[i].Status != ChunkSuccess {
				e.chunks[i].Status = ChunkPending
				e.chunks[i].Attempts = 0
			}
		}
	}
	e.status = StatusUploading
	e.mu.Unlock()
	e.paused.Store(false)
	e.emitProgress()

	if wasFailed {
		return e.Start(ctx)
	}
	return nil
}

func (e *Engine) emitProgress() {
	if e.opts.OnProgress == nil {
		return
	}
	e.mu.Lock()
	chunksCopy := make([]Chunk, len(e.chunks))
	copy(chunksCopy, e.chunks)
	status := e.status
	e.mu.Unlock()

	uploaded := atomic.LoadInt64(&e.uploaded)
	pct := 0.0
	if e.fileSize > 0 {
		pct = 100 * float64(uploaded) / float64(e.fileSize)
	}
	elapsed := time.Since(e.startedAt).Seconds()
	speed := 0.0
	if elapsed > 0 {
		speed = float64(uploaded) / elapsed / (1024 * 1024)
	}
	eta := 0.0
	if speed > 0 {
		remaining := e.fileSize - uploaded
		eta = float64(remaining) / (speed * 1024 * 1024)
	}

	e.opts.OnProgress(Progress{
		Chunks:      chunksCopy,
		ProgressPct: pct,
		Status:      status,
		SpeedMBps:   speed,
		ETASeconds:  eta,
	})
}
