// Package server wires the chunk-upload server's components together the
// way this codebase's other server entrypoints do: config → logger → durable
// store → blob store → progress bus → services → router → signal-aware
// shutdown, grounded on this example pack's App/NewApp/Run server
// bootstrapping shape.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chunkupload/internal/blobstore"
	"chunkupload/internal/config"
	"chunkupload/internal/logging"
	"chunkupload/internal/progress"
	"chunkupload/internal/server/assembler"
	"chunkupload/internal/server/cleanup"
	"chunkupload/internal/server/finalizer"
	"chunkupload/internal/server/httpapi"
	"chunkupload/internal/store"
)

// LoadConfig loads the server's configuration from defaults overlaid with
// environment variables, per SPEC_FULL.md §6.
func LoadConfig() *config.Server {
	return config.LoadServer()
}

// App bundles every wired component of a running chunk-upload server.
type App struct {
	config  *config.Server
	logger  logging.Logger
	store   store.Store
	blobs   *blobstore.Store
	bus     progress.Bus
	sweeper *cleanup.Sweeper
	router  http.Handler
}

// NewApp constructs every component named in SPEC_FULL.md §2 from cfg.
func NewApp(cfg *config.Server) (*App, error) {
	logger := logging.NewJSON(cfg.LogLevel)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open durable store: %w", err)
	}

	blobs, err := blobstore.New(cfg.UploadsDir)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	var bus progress.Bus
	if cfg.RedisAddr != "" {
		rb, err := progress.NewRedisBus(cfg.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("connect progress bus: %w", err)
		}
		bus = rb
	} else {
		bus = progress.NewMemoryBus()
	}

	asm := assembler.NewService(st, blobs, bus, logger)
	fin := finalizer.NewService(st, blobs, logger)
	sweeper := cleanup.NewSweeper(st, blobs, bus, cfg.StaleTTL, logger)

	router := httpapi.NewRouter(&httpapi.API{
		Assembler: asm,
		Finalizer: fin,
		Sweeper:   sweeper,
		Bus:       bus,
		Store:     st,
		Logger:    logger,
	})

	return &App{
		config:  cfg,
		logger:  logger,
		store:   st,
		blobs:   blobs,
		bus:     bus,
		sweeper: sweeper,
		router:  withCORS(router),
	}, nil
}

func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Chunk-Index, X-Chunk-Offset")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run starts the cleanup sweeper's background loop and the HTTP server,
// blocking until ctx is cancelled or a termination signal arrives.
func (app *App) Run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	app.initSignalHandler(cancel)

	app.logger.Info(ctx, "starting chunk-upload server", "port", app.config.ServerPort)

	go app.sweeper.Run(ctx, time.Hour)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", app.config.ServerPort),
		Handler: app.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.logger.Error(ctx, "graceful shutdown failed", "err", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		app.logger.Error(ctx, "server exited with error", "err", err)
	}

	if err := app.store.Close(); err != nil {
		app.logger.Error(ctx, "failed to close store", "err", err)
	}
	if err := app.bus.Close(); err != nil {
		app.logger.Error(ctx, "failed to close progress bus", "err", err)
	}

	app.logger.Info(ctx, "server stopped")
}
