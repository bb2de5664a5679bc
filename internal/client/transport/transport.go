// Package transport implements the client side of the chunk-upload HTTP
// surface, dispatched through hashicorp/go-retryablehttp so that transient
// network failures and a narrow band of server errors get retried with
// exponential backoff before the upload engine's own per-chunk retry policy
// ever sees them. The request-building shape (retryablehttp.NewRequest,
// manual Content-Length, status-code-based error unwrapping) follows this
// example pack's own retryablehttp client.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"chunkupload/internal/logging"
)

// Client dispatches chunk-upload HTTP calls against one server base URL.
type Client struct {
	http    *retryablehttp.Client
	baseURL string
}

// New builds a Client whose underlying retryablehttp.Client retries up to
// maxRetries times with the library's default exponential backoff.
func New(baseURL string, maxRetries int, log logging.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = maxRetries
	rc.Logger = nil // silence retryablehttp's own logging; callers log through Logger
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			log.Warn(req.Context(), "retrying request", "method", req.Method, "url", req.URL.String(), "attempt", attempt)
		}
	}
	return &Client{http: rc, baseURL: baseURL}
}

// InitResponse mirrors httpapi's initResponse.
type InitResponse struct {
	UploadID       string `json:"uploadId"`
	Status         string `json:"status"`
	UploadedChunks []int  `json:"uploadedChunks"`
}

// Init calls POST /api/upload/init.
func (c *Client) Init(ctx context.Context, filename string, totalSize int64, totalChunks int, chunkSize int64) (*InitResponse, error) {
	body, err := json.Marshal(map[string]any{
		"filename":    filename,
		"totalSize":   totalSize,
		"totalChunks": totalChunks,
		"chunkSize":   chunkSize,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal init request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload/init", body)
	if err != nil {
		return nil, fmt.Errorf("build init request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("init upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, unwrapError(resp)
	}

	var out InitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode init response: %w", err)
	}
	return &out, nil
}

// PutChunk calls PUT /api/upload/{uploadId}/chunk/{chunkIndex}, streaming
// data without buffering it twice: data must support re-reading from the
// start on a retry, which io.SectionReader guarantees.
func (c *Client) PutChunk(ctx context.Context, uploadID string, chunkIndex int, offset int64, data io.ReadSeeker, size int64) error {
	url := fmt.Sprintf("%s/api/upload/%s/chunk/%d", c.baseURL, uploadID, chunkIndex)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, url, data)
	if err != nil {
		return fmt.Errorf("build put-chunk request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Length", fmt.Sprintf("%d", size))
	req.Header.Set("X-Chunk-Index", fmt.Sprintf("%d", chunkIndex))
	req.Header.Set("X-Chunk-Offset", fmt.Sprintf("%d", offset))
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("put chunk %d: %w", chunkIndex, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return unwrapError(resp)
	}
	return nil
}

// FinalizeResponse mirrors httpapi's finalizeResponse.
type FinalizeResponse struct {
	UploadID  string   `json:"uploadId"`
	Filename  string   `json:"filename"`
	SizeBytes int64    `json:"sizeBytes"`
	SHA256    string   `json:"sha256"`
	ZIPNames  []string `json:"zipContent"`
}

// Finalize calls POST /api/upload/{uploadId}/finalize.
func (c *Client) Finalize(ctx context.Context, uploadID string) (*FinalizeResponse, error) {
	url := fmt.Sprintf("%s/api/upload/%s/finalize", c.baseURL, uploadID)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build finalize request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("finalize upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, unwrapError(resp)
	}

	var out FinalizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode finalize response: %w", err)
	}
	return &out, nil
}

// ProgressSnapshot mirrors progress.Snapshot for client-side polling.
type ProgressSnapshot struct {
	UploadID      string `json:"uploadId"`
	FileSize      int64  `json:"fileSize"`
	UploadedBytes int64  `json:"uploadedBytes"`
	Status        string `json:"status"`
}

// Progress calls GET /api/upload/{uploadId}/progress.
func (c *Client) Progress(ctx context.Context, uploadID string) (*ProgressSnapshot, error) {
	url := fmt.Sprintf("%s/api/upload/%s/progress", c.baseURL, uploadID)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build progress request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch progress: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, unwrapError(resp)
	}

	var out ProgressSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode progress response: %w", err)
	}
	return &out, nil
}

func unwrapError(resp *http.Response) error {
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("HTTP %d (failed to read body: %v)", resp.StatusCode, err)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, payload)
}
