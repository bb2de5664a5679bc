package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"chunkupload/internal/client/engine"
	"chunkupload/internal/client/transport"
	"chunkupload/internal/config"
	"chunkupload/internal/logging"
)

func main() {
	cfg := config.LoadClient()

	filePath := flag.String("file", "", "path of the file to upload (required)")
	baseURL := flag.String("server", cfg.APIBaseURL, "chunk-upload server base URL")
	chunkSize := flag.Int64("chunk-size", cfg.ChunkSize, "chunk size in bytes")
	concurrency := flag.Int("concurrency", cfg.MaxConcurrency, "max in-flight chunks")
	maxRetries := flag.Int("max-retries", cfg.MaxRetries, "max retries per chunk")
	flag.Parse()

	if *filePath == "" {
		fmt.Fprintln(os.Stderr, "usage: client -file <path> [-server url] [-chunk-size bytes] [-concurrency n]")
		os.Exit(2)
	}

	logger := logging.NewJSON(cfg.LogLevel)
	ctx := context.Background()

	f, err := os.Open(*filePath)
	if err != nil {
		log.Fatalf("open file: %v", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		log.Fatalf("stat file: %v", err)
	}

	// The engine owns per-chunk retry/backoff; give the transport only one
	// retry of its own so a 5xx isn't retried twice before a chunk attempt
	// counts against MaxRetries.
	client := transport.New(*baseURL, 1, logger)
	started := time.Now()

	eng := engine.New(client, f, info.Name(), info.Size(), engine.Options{
		ChunkSize:      *chunkSize,
		MaxConcurrency: *concurrency,
		MaxRetries:     *maxRetries,
		OnProgress: func(p engine.Progress) {
			fmt.Printf("\r%s %.1f%% (%.2f MB/s, eta %.0fs)   ", p.Status, p.ProgressPct, p.SpeedMBps, p.ETASeconds)
		},
		OnComplete: func(res *transport.FinalizeResponse) {
			fmt.Printf("\nuploaded %s (%d bytes) sha256=%s in %s\n", res.Filename, res.SizeBytes, res.SHA256, time.Since(started))
		},
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "\nupload error: %v\n", err)
		},
	}, logger)

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("upload failed: %v", err)
	}
}
