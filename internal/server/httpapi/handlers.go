// Package httpapi implements the HTTP surface named in SPEC_FULL.md §6,
// wiring the assembler, finalizer, and cleanup sweeper behind a
// net/http.ServeMux using Go 1.22's METHOD /path/{param} routing — the
// pack's own idiom, since no router library (chi, gorilla/mux, ...) appears
// anywhere in it. Handlers speak JSON request/response bodies and report
// errors as a flat {"error": "..."} body with an appropriate status code.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"chunkupload/internal/logging"
	"chunkupload/internal/progress"
	"chunkupload/internal/server/assembler"
	"chunkupload/internal/server/cleanup"
	"chunkupload/internal/server/finalizer"
	"chunkupload/internal/store"
)

// API bundles the services the HTTP surface dispatches to.
type API struct {
	Assembler *assembler.Service
	Finalizer *finalizer.Service
	Sweeper   *cleanup.Sweeper
	Bus       progress.Bus
	Store     store.Store
	Logger    logging.Logger
}

// NewRouter builds the chunk-upload HTTP surface described in SPEC_FULL.md §6.
func NewRouter(api *API) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/upload/init", api.handleInit)
	mux.HandleFunc("PUT /api/upload/{uploadId}/chunk/{chunkIndex}", api.handlePutChunk)
	mux.HandleFunc("POST /api/upload/{uploadId}/finalize", api.handleFinalize)
	mux.HandleFunc("GET /api/upload/{uploadId}/progress", api.handleProgress)
	mux.HandleFunc("DELETE /api/files", api.handleDeleteFile)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type initRequest struct {
	Filename    string `json:"filename"`
	TotalSize   int64  `json:"totalSize"`
	TotalChunks int    `json:"totalChunks"`
	ChunkSize   int64  `json:"chunkSize"`
}

type initResponse struct {
	UploadID       string `json:"uploadId"`
	Status         string `json:"status"`
	UploadedChunks []int  `json:"uploadedChunks"`
}

func (api *API) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Filename == "" || req.TotalSize <= 0 || req.TotalChunks <= 0 || req.ChunkSize <= 0 {
		writeError(w, http.StatusBadRequest, "filename, totalSize, totalChunks, and chunkSize are required")
		return
	}

	res, err := api.Assembler.Init(r.Context(), req.Filename, req.TotalSize, req.TotalChunks, req.ChunkSize)
	if err != nil {
		api.Logger.Error(r.Context(), "init failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to initialize upload")
		return
	}

	writeJSON(w, http.StatusOK, initResponse{
		UploadID:       res.UploadID,
		Status:         string(res.Status),
		UploadedChunks: res.UploadedChunks,
	})
}

func (api *API) handlePutChunk(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("uploadId")
	chunkIndex, err := strconv.Atoi(r.PathValue("chunkIndex"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "chunkIndex must be an integer")
		return
	}
	offset, err := strconv.ParseInt(r.Header.Get("X-Chunk-Offset"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "X-Chunk-Offset header is required")
		return
	}

	err = api.Assembler.PutChunk(r.Context(), uploadID, chunkIndex, offset, r.Body, r.ContentLength)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case errors.Is(err, assembler.ErrUnknownUpload):
		writeError(w, http.StatusNotFound, "unknown upload")
	case errors.Is(err, assembler.ErrBadOffset):
		writeError(w, http.StatusBadRequest, "chunk offset out of bounds")
	default:
		api.Logger.Error(r.Context(), "put chunk failed", "uploadId", uploadID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to write chunk")
	}
}

type finalizeResponse struct {
	UploadID  string   `json:"uploadId"`
	Filename  string   `json:"filename"`
	SizeBytes int64    `json:"sizeBytes"`
	SHA256    string   `json:"sha256"`
	ZIPNames  []string `json:"zipContent"`
}

type finalizeRequest struct {
	ClientHash string `json:"clientHash"`
}

func (api *API) handleFinalize(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("uploadId")

	var req finalizeRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	res, err := api.Finalizer.Finalize(r.Context(), uploadID, req.ClientHash)
	var mismatch *finalizer.HashMismatchError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, finalizeResponse{
			UploadID:  res.UploadID,
			Filename:  res.Filename,
			SizeBytes: res.SizeBytes,
			SHA256:    res.SHA256,
			ZIPNames:  res.ZIPNames,
		})
	case errors.As(err, &mismatch):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":      "Hash mismatch",
			"serverHash": mismatch.ServerHash,
			"clientHash": mismatch.ClientHash,
		})
	case errors.Is(err, finalizer.ErrIncompleteUpload):
		writeError(w, http.StatusBadRequest, "upload is incomplete")
	case errors.Is(err, finalizer.ErrAlreadyFinalizing), errors.Is(err, store.ErrStatusConflict):
		writeError(w, http.StatusConflict, "upload is already being finalized")
	case errors.Is(err, finalizer.ErrUploadFailed):
		writeError(w, http.StatusConflict, "upload has already failed")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown upload")
	default:
		api.Logger.Error(r.Context(), "finalize failed", "uploadId", uploadID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to finalize upload")
	}
}

func (api *API) handleProgress(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("uploadId")

	upload, err := api.Store.GetUpload(r.Context(), uploadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown upload")
			return
		}
		api.Logger.Error(r.Context(), "progress lookup failed", "uploadId", uploadID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load upload")
		return
	}

	chunkSizes := negotiatedChunkSizes(upload.TotalSize, upload.TotalChunks, upload.ChunkSize)
	snap, err := api.Bus.Snapshot(r.Context(), uploadID, string(upload.Status), chunkSizes)
	if err != nil {
		api.Logger.Error(r.Context(), "progress snapshot failed", "uploadId", uploadID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load progress")
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// negotiatedChunkSizes derives the per-index expected chunk size from the
// chunkSize negotiated at init time: every chunk but the last is exactly
// chunkSize bytes, and the last takes whatever remains of totalSize. This
// must use the negotiated size rather than an even split of
// totalSize/totalChunks, which only coincides with the real per-chunk sizes
// when totalSize happens to divide evenly.
func negotiatedChunkSizes(totalSize int64, totalChunks int, chunkSize int64) map[int]int64 {
	if totalChunks <= 0 {
		return map[int]int64{}
	}
	sizes := make(map[int]int64, totalChunks)
	remaining := totalSize
	for i := 0; i < totalChunks; i++ {
		size := chunkSize
		if size > remaining || i == totalChunks-1 {
			size = remaining
		}
		sizes[i] = size
		remaining -= size
	}
	return sizes
}

// handleDeleteFile implements DELETE /api/files: an on-demand sweep of every
// upload that has been stuck UPLOADING longer than the sweeper's TTL. It
// takes no request body and reports how many uploads it reclaimed.
func (api *API) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	cleaned, err := api.Sweeper.SweepOnce(r.Context())
	if err != nil {
		api.Logger.Error(r.Context(), "sweep failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to sweep stale uploads")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"cleaned": cleaned})
}
