package upload

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

type stepTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

func newStepTracker(envRepo env.Repository, logger log.Logger) stepTracker {
	p := analytics.Properties{
		"client": "go-upload",
		"app_id": envRepo.Get("HOTVAULT_APP_ID"),
	}
	return stepTracker{
		tracker: analytics.NewDefaultTracker(logger, p),
		logger:  logger,
	}
}

func (t *stepTracker) logFileUploaded(uploadTime time.Duration, sizeBytes int64, chunkCount int) {
	properties := analytics.Properties{
		"upload_time_s":     uploadTime.Truncate(time.Second).Seconds(),
		"upload_size_bytes": sizeBytes,
		"chunk_count":       chunkCount,
	}
	t.tracker.Enqueue("client_file_uploaded", properties)
}

func (t *stepTracker) logUploadFailed(stage string, sizeBytes int64) {
	properties := analytics.Properties{
		"stage":             stage,
		"upload_size_bytes": sizeBytes,
	}
	t.tracker.Enqueue("client_file_upload_failed", properties)
}

func (t *stepTracker) logFileDownloaded(downloadTime time.Duration, sizeBytes int64) {
	properties := analytics.Properties{
		"download_time_s":     downloadTime.Truncate(time.Second).Seconds(),
		"download_size_bytes": sizeBytes,
	}
	t.tracker.Enqueue("client_file_downloaded", properties)
}

func (t *stepTracker) wait() {
	t.tracker.Wait()
}
