// Package network implements the Hot Vault chunked-upload HTTP API client.
package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

// ErrMissingToken is returned before any network call when no access token
// is configured.
var ErrMissingToken = errors.New("access token is empty")

const (
	initPath     = "/api/v1/chunked-upload/init"
	chunkPath    = "/api/v1/chunked-upload/chunk"
	completePath = "/api/v1/chunked-upload/complete"
	statusPath   = "/api/v1/chunked-upload/status"
)

// InitUploadRequest registers a new chunked upload with the service.
type InitUploadRequest struct {
	Filename    string `json:"filename"`
	TotalSize   int64  `json:"totalSize"`
	ChunkSize   int64  `json:"chunkSize"`
	TotalChunks int    `json:"totalChunks"`
	FileType    string `json:"fileType"`
}

// InitUploadResponse carries the server-assigned upload identifier.
type InitUploadResponse struct {
	UploadID    string `json:"uploadId"`
	TotalChunks int    `json:"totalChunks"`
}

// ChunkUploadResponse is the per-chunk acknowledgement.
type ChunkUploadResponse struct {
	UploadID          string `json:"uploadId"`
	ChunkIndex        int    `json:"chunkIndex"`
	UploadedChunks    int    `json:"uploadedChunks"`
	TotalChunks       int    `json:"totalChunks"`
	AllChunksReceived bool   `json:"allChunksReceived"`
}

type completeUploadRequest struct {
	UploadID string `json:"uploadId"`
}

// CompleteUploadResponse carries the background job started by finalization.
type CompleteUploadResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// JobStatusResponse describes the state of a post-upload storage job.
type JobStatusResponse struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
	CID     string `json:"cid,omitempty"`
	Message string `json:"message,omitempty"`
}

// Client talks to the Hot Vault API. Control-plane calls (init, complete,
// status) go through a retrying HTTP client; chunk uploads use a plain client
// so the scheduler fully owns the per-chunk retry ceiling.
type Client struct {
	httpClient  *retryablehttp.Client
	chunkClient *http.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewClient creates an API client. The access token must not be empty.
func NewClient(httpClient *retryablehttp.Client, baseURL, accessToken string, logger log.Logger) (*Client, error) {
	if accessToken == "" {
		return nil, ErrMissingToken
	}
	if baseURL == "" {
		return nil, fmt.Errorf("API base URL is empty")
	}

	return &Client{
		httpClient:  httpClient,
		chunkClient: defaultChunkClient(),
		baseURL:     baseURL,
		accessToken: accessToken,
		logger:      logger,
	}, nil
}

func defaultChunkClient() *http.Client {
	return &http.Client{
		// No client-level timeout; per-chunk deadlines come in via context.
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:    50,
			MaxConnsPerHost: 20,
			Proxy:           http.ProxyFromEnvironment,
		},
	}
}

// InitUpload registers the upload and returns the upload identifier.
// Failures here are terminal; the caller must not retry the session.
func (c *Client) InitUpload(ctx context.Context, requestBody InitUploadRequest) (InitUploadResponse, error) {
	body, err := json.Marshal(requestBody)
	if err != nil {
		return InitUploadResponse{}, err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, c.baseURL+initPath, body)
	if err != nil {
		return InitUploadResponse{}, err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return InitUploadResponse{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return InitUploadResponse{}, unwrapError(resp)
	}

	var response InitUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return InitUploadResponse{}, err
	}
	if response.UploadID == "" {
		return InitUploadResponse{}, fmt.Errorf("no upload ID in init response")
	}

	return response, nil
}

// UploadChunk sends one chunk as a multipart request. onProgress, if not nil,
// receives the cumulative bytes written to the wire for this attempt.
func (c *Client) UploadChunk(ctx context.Context, uploadID string, index int, data io.Reader, size int64, onProgress func(sent int64)) (ChunkUploadResponse, error) {
	var payload bytes.Buffer
	mw := multipart.NewWriter(&payload)
	part, err := mw.CreateFormFile("chunk", fmt.Sprintf("chunk-%d", index))
	if err != nil {
		return ChunkUploadResponse{}, fmt.Errorf("create multipart field: %w", err)
	}
	written, err := io.Copy(part, data)
	if err != nil {
		return ChunkUploadResponse{}, fmt.Errorf("buffer chunk %d: %w", index, err)
	}
	if written != size {
		return ChunkUploadResponse{}, fmt.Errorf("chunk %d: buffered %d bytes, expected %d", index, written, size)
	}
	if err := mw.Close(); err != nil {
		return ChunkUploadResponse{}, err
	}

	query := url.Values{}
	query.Set("uploadId", uploadID)
	query.Set("chunkIndex", strconv.Itoa(index))
	chunkURL := fmt.Sprintf("%s%s?%s", c.baseURL, chunkPath, query.Encode())

	var body io.Reader = &payload
	if onProgress != nil {
		body = &progressReader{reader: body, onRead: onProgress}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, chunkURL, body)
	if err != nil {
		return ChunkUploadResponse{}, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.ContentLength = int64(payload.Len())

	resp, err := c.chunkClient.Do(req)
	if err != nil {
		return ChunkUploadResponse{}, fmt.Errorf("send chunk %d: %w", index, err)
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ChunkUploadResponse{}, unwrapError(resp)
	}

	var response ChunkUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return ChunkUploadResponse{}, err
	}

	return response, nil
}

// CompleteUpload finalizes the upload and returns the background job that
// moves the content onto the storage network.
func (c *Client) CompleteUpload(ctx context.Context, uploadID string) (CompleteUploadResponse, error) {
	body, err := json.Marshal(completeUploadRequest{UploadID: uploadID})
	if err != nil {
		return CompleteUploadResponse{}, err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, c.baseURL+completePath, body)
	if err != nil {
		return CompleteUploadResponse{}, err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return CompleteUploadResponse{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return CompleteUploadResponse{}, unwrapError(resp)
	}

	var response CompleteUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return CompleteUploadResponse{}, err
	}
	if response.JobID == "" {
		return CompleteUploadResponse{}, fmt.Errorf("no job ID in complete response")
	}

	return response, nil
}

// JobStatus fetches the state of a finalization job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (JobStatusResponse, error) {
	query := url.Values{}
	query.Set("jobId", jobID)

	req, err := retryablehttp.NewRequest(http.MethodGet, fmt.Sprintf("%s%s?%s", c.baseURL, statusPath, query.Encode()), nil)
	if err != nil {
		return JobStatusResponse{}, err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return JobStatusResponse{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return JobStatusResponse{}, unwrapError(resp)
	}

	var response JobStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return JobStatusResponse{}, err
	}

	return response, nil
}

func (c *Client) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}

// progressReader counts bytes as the request body is consumed by the
// transport.
type progressReader struct {
	reader io.Reader
	sent   int64
	onRead func(sent int64)
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.sent += int64(n)
		r.onRead(r.sent)
	}
	return n, err
}
