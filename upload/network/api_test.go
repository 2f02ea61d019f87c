package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	logger := log.NewLogger()
	retryableHTTPClient := retryhttp.NewClient(logger)
	retryableHTTPClient.RetryMax = 0

	client, err := NewClient(retryableHTTPClient, baseURL, "test-token", logger)
	require.NoError(t, err)
	return client
}

func TestNewClient_MissingToken(t *testing.T) {
	logger := log.NewLogger()
	_, err := NewClient(retryhttp.NewClient(logger), "https://api.example.com", "", logger)
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestNewClient_MissingBaseURL(t *testing.T) {
	logger := log.NewLogger()
	_, err := NewClient(retryhttp.NewClient(logger), "", "token", logger)
	assert.Error(t, err)
}

func TestClient_InitUpload(t *testing.T) {
	var gotRequest InitUploadRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/chunked-upload/init", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRequest))

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(InitUploadResponse{UploadID: "upl-1", TotalChunks: 4})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	resp, err := client.InitUpload(context.Background(), InitUploadRequest{
		Filename:    "video.mp4",
		TotalSize:   8 * 1024 * 1024,
		ChunkSize:   2 * 1024 * 1024,
		TotalChunks: 4,
		FileType:    "video/mp4",
	})

	require.NoError(t, err)
	assert.Equal(t, "upl-1", resp.UploadID)
	assert.Equal(t, 4, resp.TotalChunks)
	assert.Equal(t, "video.mp4", gotRequest.Filename)
	assert.Equal(t, int64(2*1024*1024), gotRequest.ChunkSize)
	assert.Equal(t, "video/mp4", gotRequest.FileType)
}

func TestClient_InitUpload_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("file too large"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.InitUpload(context.Background(), InitUploadRequest{Filename: "x"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")
	assert.Contains(t, err.Error(), "file too large")
}

func TestClient_UploadChunk(t *testing.T) {
	payload := []byte(strings.Repeat("a", 4096))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chunked-upload/chunk", r.URL.Path)
		assert.Equal(t, "upl-1", r.URL.Query().Get("uploadId"))
		assert.Equal(t, "3", r.URL.Query().Get("chunkIndex"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		file, _, err := r.FormFile("chunk")
		require.NoError(t, err)
		defer func() { _ = file.Close() }()

		received, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, payload, received)

		_ = json.NewEncoder(w).Encode(ChunkUploadResponse{
			UploadID:       "upl-1",
			ChunkIndex:     3,
			UploadedChunks: 1,
			TotalChunks:    10,
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	var lastSent int64
	resp, err := client.UploadChunk(context.Background(), "upl-1", 3, strings.NewReader(string(payload)), int64(len(payload)), func(sent int64) {
		lastSent = sent
	})

	require.NoError(t, err)
	assert.Equal(t, 3, resp.ChunkIndex)
	assert.Equal(t, 1, resp.UploadedChunks)
	// The multipart envelope adds some framing on top of the chunk bytes.
	assert.GreaterOrEqual(t, lastSent, int64(len(payload)))
}

func TestClient_UploadChunk_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("storage backend unavailable"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.UploadChunk(context.Background(), "upl-1", 0, strings.NewReader("data"), 4, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
}

func TestClient_UploadChunk_SizeMismatch(t *testing.T) {
	client := newTestClient(t, "http://localhost:1")
	_, err := client.UploadChunk(context.Background(), "upl-1", 0, strings.NewReader("short"), 100, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 100")
}

func TestClient_CompleteUpload(t *testing.T) {
	var requestCount int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount++
		assert.Equal(t, "/api/v1/chunked-upload/complete", r.URL.Path)

		var body completeUploadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "upl-1", body.UploadID)

		_ = json.NewEncoder(w).Encode(CompleteUploadResponse{JobID: "job-9", Status: "queued"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	resp, err := client.CompleteUpload(context.Background(), "upl-1")

	require.NoError(t, err)
	assert.Equal(t, "job-9", resp.JobID)
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, 1, requestCount)
}

func TestClient_JobStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chunked-upload/status", r.URL.Path)
		assert.Equal(t, "job-9", r.URL.Query().Get("jobId"))

		_ = json.NewEncoder(w).Encode(JobStatusResponse{
			JobID:  "job-9",
			Status: "pinned",
			CID:    "bafytestcid",
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	resp, err := client.JobStatus(context.Background(), "job-9")

	require.NoError(t, err)
	assert.Equal(t, "pinned", resp.Status)
	assert.Equal(t, "bafytestcid", resp.CID)
}

func TestUnwrapError(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusTeapot,
		Body:       io.NopCloser(strings.NewReader("short and stout")),
	}
	err := unwrapError(resp)
	assert.EqualError(t, err, fmt.Sprintf("HTTP %d: short and stout", http.StatusTeapot))
}
