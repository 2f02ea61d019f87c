// Package upload implements the end-to-end Hot Vault upload flow: chunk
// planning, bounded-concurrency transfer with retries, finalization, and
// post-finalize job polling.
package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"

	"github.com/hotvault/go-upload/upload/chunkplan"
	"github.com/hotvault/go-upload/upload/compression"
	"github.com/hotvault/go-upload/upload/filetype"
	"github.com/hotvault/go-upload/upload/network"
	"github.com/hotvault/go-upload/upload/state"
	"github.com/hotvault/go-upload/upload/transfer"
)

// UploadInput is the caller-facing parameter set for one file transfer.
// Connection fields left empty are resolved from HOTVAULT_* environment
// variables.
type UploadInput struct {
	FilePath string
	Verbose  bool

	// Compress enables zstd compression of the payload before chunking.
	Compress bool
	// CompressionLevel is the zstd level, 1-19. 0 means the default (3).
	CompressionLevel int

	APIBaseURL  string
	AccessToken string
	// StateDir, when set, enables progress snapshots for this transfer.
	StateDir string

	MaxConcurrentChunks int
	OnProgress          func(transfer.SessionView)
}

// UploadResult describes a finished transfer.
type UploadResult struct {
	UploadID      string
	JobID         string
	SessionID     string
	Filename      string
	BytesUploaded int64
	ChunkCount    int
}

// Uploader is the end-to-end upload flow.
type Uploader interface {
	Upload(ctx context.Context, input UploadInput) (UploadResult, error)
}

type envSettings struct {
	APIBaseURL          string        `envconfig:"API_BASE_URL"`
	AccessToken         string        `envconfig:"ACCESS_TOKEN"`
	StateDir            string        `envconfig:"STATE_DIR"`
	MaxConcurrentChunks int           `envconfig:"MAX_CONCURRENT_CHUNKS"`
	ChunkTimeout        time.Duration `envconfig:"CHUNK_TIMEOUT" default:"120s"`
	PollInterval        time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`
}

type uploadConfig struct {
	APIBaseURL          string
	AccessToken         string
	StateDir            string
	MaxConcurrentChunks int
	ChunkTimeout        time.Duration
	PollInterval        time.Duration
	CompressionLevel    int
}

type uploader struct {
	envRepo      env.Repository
	logger       log.Logger
	pathModifier pathutil.PathModifier
	pathProvider pathutil.PathProvider
	fileManager  fileutil.FileManager
}

// NewUploader creates a new upload flow instance.
func NewUploader(
	envRepo env.Repository,
	logger log.Logger,
	pathModifier pathutil.PathModifier,
	pathProvider pathutil.PathProvider,
	fileManager fileutil.FileManager,
) *uploader {
	return &uploader{
		envRepo:      envRepo,
		logger:       logger,
		pathModifier: pathModifier,
		pathProvider: pathProvider,
		fileManager:  fileManager,
	}
}

// Upload transfers one file to the storage service and returns the
// finalization job. Terminal failures clear any persisted progress so the
// user can restart cleanly.
func (u *uploader) Upload(ctx context.Context, input UploadInput) (UploadResult, error) {
	config, err := u.createConfig(input)
	if err != nil {
		return UploadResult{}, err
	}
	u.logger.EnableDebugLog(input.Verbose)

	tracker := newStepTracker(u.envRepo, u.logger)
	defer tracker.wait()

	absPath, err := u.pathModifier.AbsPath(input.FilePath)
	if err != nil {
		return UploadResult{}, fmt.Errorf("resolve file path: %w", err)
	}
	fileInfo, err := os.Stat(absPath)
	if err != nil {
		return UploadResult{}, fmt.Errorf("stat file: %w", err)
	}
	if fileInfo.IsDir() {
		return UploadResult{}, fmt.Errorf("%s is a directory, expected a file", absPath)
	}

	payloadPath := absPath
	filename := filepath.Base(absPath)

	if input.Compress {
		compressedPath, cleanup, err := u.compress(absPath, config.CompressionLevel)
		if err != nil {
			return UploadResult{}, err
		}
		defer cleanup()

		payloadPath = compressedPath
		filename = filename + ".zst"
		fileInfo, err = os.Stat(payloadPath)
		if err != nil {
			return UploadResult{}, fmt.Errorf("stat compressed file: %w", err)
		}
	}
	totalSize := fileInfo.Size()

	mimeType, kind, err := filetype.Detect(payloadPath)
	if err != nil {
		u.logger.Warnf("Content type detection failed: %s", err)
		mimeType = "application/octet-stream"
		kind = filetype.KindOther
	}

	plan := chunkplan.New(totalSize)
	u.logger.Infof("Uploading %s (%s, %s) in %d chunks of %s",
		filename,
		units.HumanSizeWithPrecision(float64(totalSize), 3),
		kind,
		plan.ChunkCount,
		units.BytesSize(float64(plan.ChunkSize)))

	client, err := network.NewClient(retryhttp.NewClient(u.logger), config.APIBaseURL, config.AccessToken, u.logger)
	if err != nil {
		return UploadResult{}, err
	}

	initResp, err := client.InitUpload(ctx, network.InitUploadRequest{
		Filename:    filename,
		TotalSize:   totalSize,
		ChunkSize:   plan.ChunkSize,
		TotalChunks: plan.ChunkCount,
		FileType:    mimeType,
	})
	if err != nil {
		tracker.logUploadFailed("init", totalSize)
		return UploadResult{}, fmt.Errorf("failed to initialize upload: %w", err)
	}
	u.logger.Debugf("Upload registered, ID: %s", initResp.UploadID)

	provider, err := transfer.NewFileChunkProvider(payloadPath, plan)
	if err != nil {
		return UploadResult{}, err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			u.logger.Warnf("failed to close chunk provider: %s", err)
		}
	}()

	session := transfer.NewSession(initResp.UploadID, filename, mimeType, plan)

	transferConfig := transfer.DefaultConfig()
	transferConfig.ChunkTimeout = config.ChunkTimeout
	if config.MaxConcurrentChunks > 0 {
		transferConfig.MaxConcurrentChunks = config.MaxConcurrentChunks
	}

	sessionID, persist, err := u.setupPersistence(config.StateDir, input.OnProgress, &transferConfig)
	if err != nil {
		return UploadResult{}, err
	}
	// Both success and failure are terminal; either way the snapshot is
	// cleared so a restart begins from scratch.
	defer persist.clear(u.logger)

	scheduler := transfer.NewScheduler(transferConfig, session, provider, apiChunkSender{client: client}, apiFinalizer{client: client}, u.logger)

	uploadStartTime := time.Now()
	jobID, err := scheduler.Run(ctx)
	if err != nil {
		tracker.logUploadFailed("transfer", totalSize)
		return UploadResult{}, fmt.Errorf("upload failed: %w", err)
	}
	uploadTime := time.Since(uploadStartTime).Round(time.Second)

	tracker.logFileUploaded(uploadTime, totalSize, plan.ChunkCount)
	u.logger.Donef("Uploaded %s in %s, job ID: %s",
		units.HumanSizeWithPrecision(float64(totalSize), 3), uploadTime, jobID)

	return UploadResult{
		UploadID:      initResp.UploadID,
		JobID:         jobID,
		SessionID:     sessionID,
		Filename:      filename,
		BytesUploaded: session.BytesUploaded(),
		ChunkCount:    plan.ChunkCount,
	}, nil
}

// WaitForJob polls the finalization job until the storage network confirms
// it, the job fails, or ctx is cancelled.
func (u *uploader) WaitForJob(ctx context.Context, input UploadInput, jobID string) (network.JobStatusResponse, error) {
	config, err := u.createConfig(input)
	if err != nil {
		return network.JobStatusResponse{}, err
	}

	client, err := network.NewClient(retryhttp.NewClient(u.logger), config.APIBaseURL, config.AccessToken, u.logger)
	if err != nil {
		return network.JobStatusResponse{}, err
	}

	ticker := time.NewTicker(config.PollInterval)
	defer ticker.Stop()

	for {
		status, err := client.JobStatus(ctx, jobID)
		if err != nil {
			return network.JobStatusResponse{}, fmt.Errorf("poll job status: %w", err)
		}
		u.logger.Debugf("Job %s status: %s", jobID, status.Status)

		switch status.Status {
		case "complete", "pinned":
			return status, nil
		case "failed", "error":
			return status, fmt.Errorf("storage job %s failed: %s", jobID, status.Message)
		}

		select {
		case <-ctx.Done():
			return network.JobStatusResponse{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Download fetches a stored file by content ID into destinationPath.
func (u *uploader) Download(ctx context.Context, input UploadInput, cid, destinationPath string) error {
	config, err := u.createConfig(input)
	if err != nil {
		return err
	}

	tracker := newStepTracker(u.envRepo, u.logger)
	defer tracker.wait()

	downloadStartTime := time.Now()
	err = network.Download(ctx, network.DownloadParams{
		APIBaseURL:   config.APIBaseURL,
		Token:        config.AccessToken,
		CID:          cid,
		DownloadPath: destinationPath,
	}, u.logger)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", cid, err)
	}
	downloadTime := time.Since(downloadStartTime).Round(time.Second)

	fileInfo, err := os.Stat(destinationPath)
	if err != nil {
		return err
	}
	tracker.logFileDownloaded(downloadTime, fileInfo.Size())
	u.logger.Donef("Downloaded %s (%s) in %s",
		cid, units.HumanSizeWithPrecision(float64(fileInfo.Size()), 3), downloadTime)
	return nil
}

func (u *uploader) createConfig(input UploadInput) (uploadConfig, error) {
	var settings envSettings
	if err := envconfig.Process("hotvault", &settings); err != nil {
		return uploadConfig{}, fmt.Errorf("process environment: %w", err)
	}

	config := uploadConfig{
		APIBaseURL:          settings.APIBaseURL,
		AccessToken:         settings.AccessToken,
		StateDir:            settings.StateDir,
		MaxConcurrentChunks: settings.MaxConcurrentChunks,
		ChunkTimeout:        settings.ChunkTimeout,
		PollInterval:        settings.PollInterval,
		CompressionLevel:    input.CompressionLevel,
	}
	if input.APIBaseURL != "" {
		config.APIBaseURL = input.APIBaseURL
	}
	if input.AccessToken != "" {
		config.AccessToken = input.AccessToken
	}
	if input.StateDir != "" {
		config.StateDir = input.StateDir
	}
	if input.MaxConcurrentChunks > 0 {
		config.MaxConcurrentChunks = input.MaxConcurrentChunks
	}

	if config.AccessToken == "" {
		return uploadConfig{}, network.ErrMissingToken
	}
	if config.APIBaseURL == "" {
		return uploadConfig{}, fmt.Errorf("API base URL is empty")
	}
	config.APIBaseURL = strings.TrimSuffix(config.APIBaseURL, "/")

	if config.CompressionLevel == 0 {
		config.CompressionLevel = 3
	}
	if config.CompressionLevel < 1 || config.CompressionLevel > 19 {
		return uploadConfig{}, fmt.Errorf("invalid compression level: %d (valid: 1-19)", config.CompressionLevel)
	}

	return config, nil
}

func (u *uploader) compress(sourcePath string, level int) (string, func(), error) {
	tempDir, err := u.pathProvider.CreateTempDir("hotvault-upload")
	if err != nil {
		return "", nil, fmt.Errorf("create temp dir: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(tempDir); err != nil {
			u.logger.Warnf("failed to remove temp dir: %s", err)
		}
	}

	compressedPath := filepath.Join(tempDir, filepath.Base(sourcePath)+".zst")
	compressor := compression.NewCompressor(u.logger)
	if err := compressor.Compress(sourcePath, compressedPath, level); err != nil {
		cleanup()
		return "", nil, err
	}

	u.logger.Debugf("Compressed payload: %s", compressedPath)
	return compressedPath, cleanup, nil
}

// sessionPersistence couples a state store with the session it snapshots.
type sessionPersistence struct {
	store     *state.Store
	sessionID string
}

func (p sessionPersistence) clear(logger log.Logger) {
	if p.store == nil {
		return
	}
	if err := p.store.Clear(p.sessionID); err != nil {
		logger.Warnf("failed to clear upload state: %s", err)
	}
}

func (u *uploader) setupPersistence(stateDir string, onProgress func(transfer.SessionView), transferConfig *transfer.Config) (string, sessionPersistence, error) {
	if stateDir == "" {
		transferConfig.OnProgress = onProgress
		return "", sessionPersistence{}, nil
	}

	store, err := state.NewStore(stateDir, u.fileManager)
	if err != nil {
		return "", sessionPersistence{}, err
	}
	sessionID := state.NewSessionID()

	transferConfig.OnProgress = func(view transfer.SessionView) {
		if onProgress != nil {
			onProgress(view)
		}
		err := store.Save(state.Snapshot{
			SessionID: sessionID,
			Session:   view,
		})
		if err != nil {
			u.logger.Debugf("failed to snapshot upload state: %s", err)
		}
	}

	return sessionID, sessionPersistence{store: store, sessionID: sessionID}, nil
}

// apiChunkSender adapts the API client to the scheduler's sender interface.
type apiChunkSender struct {
	client *network.Client
}

func (s apiChunkSender) SendChunk(ctx context.Context, uploadID string, index int, data io.Reader, size int64, onProgress func(sent int64)) (transfer.ChunkReceipt, error) {
	resp, err := s.client.UploadChunk(ctx, uploadID, index, data, size, onProgress)
	if err != nil {
		return transfer.ChunkReceipt{}, err
	}
	return transfer.ChunkReceipt{
		UploadedChunks:    resp.UploadedChunks,
		TotalChunks:       resp.TotalChunks,
		AllChunksReceived: resp.AllChunksReceived,
	}, nil
}

// apiFinalizer adapts the API client to the scheduler's finalizer interface.
type apiFinalizer struct {
	client *network.Client
}

func (f apiFinalizer) Finalize(ctx context.Context, uploadID string) (string, error) {
	resp, err := f.client.CompleteUpload(ctx, uploadID)
	if err != nil {
		return "", err
	}
	return resp.JobID, nil
}
