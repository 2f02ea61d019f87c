// Command hotvault-upload transfers files to a Hot Vault storage service.
//
// Connection settings come from HOTVAULT_API_BASE_URL and
// HOTVAULT_ACCESS_TOKEN unless overridden by flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"

	"github.com/hotvault/go-upload/upload"
	"github.com/hotvault/go-upload/upload/transfer"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		apiBaseURL  = flag.String("api-url", "", "API base URL (default: $HOTVAULT_API_BASE_URL)")
		accessToken = flag.String("token", "", "bearer token (default: $HOTVAULT_ACCESS_TOKEN)")
		stateDir    = flag.String("state-dir", "", "directory for progress snapshots")
		concurrency = flag.Int("concurrency", 0, "max chunks in flight (default 3)")
		compress    = flag.Bool("compress", false, "zstd-compress files before upload")
		level       = flag.Int("level", 0, "zstd compression level, 1-19")
		wait        = flag.Bool("wait", false, "wait until the storage network confirms each upload")
		fetch       = flag.String("fetch", "", "download the file with the given content ID instead of uploading")
		output      = flag.String("o", "", "destination path for -fetch")
		verbose     = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	logger := log.NewLogger()
	logger.EnableDebugLog(*verbose)

	uploader := upload.NewUploader(
		env.NewRepository(),
		logger,
		pathutil.NewPathModifier(),
		pathutil.NewPathProvider(),
		fileutil.NewFileManager(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	input := upload.UploadInput{
		Verbose:             *verbose,
		Compress:            *compress,
		CompressionLevel:    *level,
		APIBaseURL:          *apiBaseURL,
		AccessToken:         *accessToken,
		StateDir:            *stateDir,
		MaxConcurrentChunks: *concurrency,
		OnProgress:          progressPrinter(logger),
	}

	if *fetch != "" {
		destination := *output
		if destination == "" {
			destination = *fetch
		}
		if err := uploader.Download(ctx, input, *fetch, destination); err != nil {
			logger.Errorf("%s", err)
			return 1
		}
		return 0
	}

	patterns := flag.Args()
	if len(patterns) == 0 {
		logger.Errorf("no files given")
		flag.Usage()
		return 1
	}

	files, err := expandPatterns(patterns, pathutil.NewPathModifier())
	if err != nil {
		logger.Errorf("%s", err)
		return 1
	}
	if len(files) == 0 {
		logger.Errorf("no files matched the given patterns")
		return 1
	}

	for _, file := range files {
		input.FilePath = file
		result, err := uploader.Upload(ctx, input)
		if err != nil {
			logger.Errorf("upload %s: %s", file, err)
			return 1
		}

		if *wait {
			status, err := uploader.WaitForJob(ctx, input, result.JobID)
			if err != nil {
				logger.Errorf("wait for %s: %s", result.JobID, err)
				return 1
			}
			logger.Donef("%s stored, CID: %s", result.Filename, status.CID)
		}
	}

	return 0
}

func progressPrinter(logger log.Logger) func(transfer.SessionView) {
	return func(view transfer.SessionView) {
		if view.Status != transfer.StatusUploading {
			return
		}
		percent := float64(0)
		if view.TotalSize > 0 {
			percent = float64(view.BytesUploaded) / float64(view.TotalSize) * 100
		}
		logger.Printf("%s: %s of %s (%.0f%%) at %s/s, ETA %s",
			view.Filename,
			units.HumanSizeWithPrecision(float64(view.BytesUploaded), 3),
			units.HumanSizeWithPrecision(float64(view.TotalSize), 3),
			percent,
			units.HumanSizeWithPrecision(view.ThroughputBps, 3),
			view.ETA.Round(time.Second))
	}
}

func expandPatterns(patterns []string, pathModifier pathutil.PathModifier) ([]string, error) {
	var files []string
	for _, pattern := range patterns {
		base, pat := doublestar.SplitPattern(pattern)
		absBase, err := pathModifier.AbsPath(base)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", base, err)
		}

		matches, err := doublestar.Glob(os.DirFS(absBase), pat, doublestar.WithNoFollow())
		if err != nil {
			return nil, fmt.Errorf("expand pattern %s: %w", pattern, err)
		}

		for _, match := range matches {
			path := filepath.Join(absBase, match)
			info, err := os.Stat(path)
			if err != nil {
				return nil, err
			}
			if info.IsDir() {
				continue
			}
			files = append(files, path)
		}
	}
	return files, nil
}
