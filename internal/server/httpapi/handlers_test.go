package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chunkupload/internal/blobstore"
	"chunkupload/internal/logging"
	"chunkupload/internal/model"
	"chunkupload/internal/progress"
	"chunkupload/internal/server/assembler"
	"chunkupload/internal/server/cleanup"
	"chunkupload/internal/server/finalizer"
	"chunkupload/internal/store"
)

func newTestAPIWithTTL(t *testing.T, ttl time.Duration) (*API, *httptest.Server, store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	blobs, err := blobstore.New(t.TempDir())
	require.NoError(t, err)

	bus := progress.NewMemoryBus()
	log := logging.NewJSON("error")

	api := &API{
		Assembler: assembler.NewService(st, blobs, bus, log),
		Finalizer: finalizer.NewService(st, blobs, log),
		Sweeper:   cleanup.NewSweeper(st, blobs, bus, ttl, log),
		Bus:       bus,
		Store:     st,
		Logger:    log,
	}
	srv := httptest.NewServer(NewRouter(api))
	t.Cleanup(srv.Close)
	return api, srv, st
}

func newTestAPI(t *testing.T) (*API, *httptest.Server) {
	t.Helper()
	api, srv, _ := newTestAPIWithTTL(t, time.Hour)
	return api, srv
}

func TestHandleInit_CreatesUpload(t *testing.T) {
	_, srv := newTestAPI(t)

	body, _ := json.Marshal(initRequest{Filename: "a.bin", TotalSize: 10, TotalChunks: 2, ChunkSize: 5})
	resp, err := http.Post(srv.URL+"/api/upload/init", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out initResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.UploadID)
	require.Equal(t, "UPLOADING", out.Status)
}

func TestHandleInit_RejectsMissingFields(t *testing.T) {
	_, srv := newTestAPI(t)

	body, _ := json.Marshal(initRequest{Filename: ""})
	resp, err := http.Post(srv.URL+"/api/upload/init", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEndToEnd_InitPutFinalize(t *testing.T) {
	_, srv := newTestAPI(t)
	client := srv.Client()

	content := []byte("hello chunked world")
	body, _ := json.Marshal(initRequest{Filename: "greeting.txt", TotalSize: int64(len(content)), TotalChunks: 2, ChunkSize: int64(len(content) / 2)})
	resp, err := client.Post(srv.URL+"/api/upload/init", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var initRes initResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&initRes))
	resp.Body.Close()

	mid := len(content) / 2
	putChunk := func(index int, offset int64, data []byte) {
		req, err := http.NewRequest(http.MethodPut,
			srv.URL+"/api/upload/"+initRes.UploadID+"/chunk/"+strconv.Itoa(index), bytes.NewReader(data))
		require.NoError(t, err)
		req.Header.Set("X-Chunk-Offset", strconv.FormatInt(offset, 10))
		req.ContentLength = int64(len(data))
		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	putChunk(0, 0, content[:mid])
	putChunk(1, int64(mid), content[mid:])

	resp, err = client.Post(srv.URL+"/api/upload/"+initRes.UploadID+"/finalize", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var finalRes finalizeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&finalRes))
	require.Equal(t, int64(len(content)), finalRes.SizeBytes)
	require.NotEmpty(t, finalRes.SHA256)
}

func TestHandleFinalize_MismatchedClientHashReturnsBadRequestAndFails(t *testing.T) {
	_, srv := newTestAPI(t)
	client := srv.Client()

	content := []byte("hello chunked world")
	body, _ := json.Marshal(initRequest{Filename: "greeting.txt", TotalSize: int64(len(content)), TotalChunks: 1, ChunkSize: int64(len(content))})
	resp, err := client.Post(srv.URL+"/api/upload/init", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var initRes initResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&initRes))
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodPut,
		srv.URL+"/api/upload/"+initRes.UploadID+"/chunk/0", bytes.NewReader(content))
	require.NoError(t, err)
	req.Header.Set("X-Chunk-Offset", "0")
	req.ContentLength = int64(len(content))
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	finBody, _ := json.Marshal(finalizeRequest{ClientHash: "deadbeef"})
	resp, err = client.Post(srv.URL+"/api/upload/"+initRes.UploadID+"/finalize", "application/json", bytes.NewReader(finBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "Hash mismatch", out["error"])
	require.Equal(t, "deadbeef", out["clientHash"])
	require.NotEmpty(t, out["serverHash"])
}

func TestHandleFinalize_IncompleteUploadReturnsBadRequest(t *testing.T) {
	_, srv := newTestAPI(t)

	body, _ := json.Marshal(initRequest{Filename: "a.bin", TotalSize: 10, TotalChunks: 2, ChunkSize: 5})
	resp, err := http.Post(srv.URL+"/api/upload/init", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var initRes initResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&initRes))
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/api/upload/"+initRes.UploadID+"/finalize", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleProgress_ReportsSnapshot(t *testing.T) {
	_, srv := newTestAPI(t)
	client := srv.Client()

	content := []byte("progress check data")
	body, _ := json.Marshal(initRequest{Filename: "p.bin", TotalSize: int64(len(content)), TotalChunks: 1, ChunkSize: int64(len(content))})
	resp, err := client.Post(srv.URL+"/api/upload/init", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var initRes initResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&initRes))
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodPut,
		srv.URL+"/api/upload/"+initRes.UploadID+"/chunk/0", bytes.NewReader(content))
	require.NoError(t, err)
	req.Header.Set("X-Chunk-Offset", "0")
	req.ContentLength = int64(len(content))
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = client.Get(srv.URL + "/api/upload/" + initRes.UploadID + "/progress")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap progress.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Equal(t, int64(len(content)), snap.UploadedBytes)
}

func TestHandleDeleteFile_SweepsStaleUploadsAndReportsCount(t *testing.T) {
	_, srv, st := newTestAPIWithTTL(t, time.Hour)
	client := srv.Client()
	ctx := context.Background()

	old := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, st.CreateUpload(ctx, &model.Upload{
		ID: "stale-1", Filename: "a.bin", TotalSize: 10, TotalChunks: 1,
		Status: model.StatusUploading, CreatedAt: old, UpdatedAt: old,
	}))

	body, _ := json.Marshal(initRequest{Filename: "fresh.bin", TotalSize: 10, TotalChunks: 1, ChunkSize: 10})
	resp, err := client.Post(srv.URL+"/api/upload/init", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/files", nil)
	require.NoError(t, err)
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, 1, out["cleaned"])

	stale, err := st.GetUpload(ctx, "stale-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, stale.Status)
}
