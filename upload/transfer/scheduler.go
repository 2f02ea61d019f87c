package transfer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// ChunkReceipt is the server acknowledgement of a single chunk.
type ChunkReceipt struct {
	UploadedChunks    int
	TotalChunks       int
	AllChunksReceived bool
}

// ChunkSender posts one chunk byte range to the service. onProgress, if not
// nil, receives the cumulative bytes sent within the attempt.
type ChunkSender interface {
	SendChunk(ctx context.Context, uploadID string, index int, data io.Reader, size int64, onProgress func(sent int64)) (ChunkReceipt, error)
}

// Finalizer completes an upload once every chunk is acknowledged and returns
// the server-assigned background job identifier.
type Finalizer interface {
	Finalize(ctx context.Context, uploadID string) (string, error)
}

type chunkResult struct {
	index int
	err   error
}

// Scheduler drives a session through its lifecycle: it keeps at most
// MaxConcurrentChunks chunk uploads in flight, retries failed chunks up to
// the per-chunk ceiling, and finalizes once everything is acknowledged.
type Scheduler struct {
	config    Config
	session   *Session
	provider  ChunkProvider
	sender    ChunkSender
	finalizer Finalizer
	logger    log.Logger
	stats     *Stats

	pauseMu  sync.Mutex
	paused   bool
	resumeCh chan struct{}
}

// NewScheduler creates a scheduler for the given session. Zero config fields
// fall back to defaults.
func NewScheduler(config Config, session *Session, provider ChunkProvider, sender ChunkSender, finalizer Finalizer, logger log.Logger) *Scheduler {
	config = config.withDefaults()
	session.setStalledAfter(config.StalledAfter)

	return &Scheduler{
		config:    config,
		session:   session,
		provider:  provider,
		sender:    sender,
		finalizer: finalizer,
		logger:    logger,
		stats:     NewStats(),
	}
}

// Session returns the session driven by this scheduler.
func (s *Scheduler) Session() *Session {
	return s.session
}

// Stats returns the per-chunk upload duration statistics.
func (s *Scheduler) Stats() *Stats {
	return s.stats
}

// Pause stops dispatching new chunks. Attempts already in flight run to
// completion and their results are recorded. Pausing is only legal while
// the session is uploading.
func (s *Scheduler) Pause() error {
	if err := s.session.setStatus(StatusPaused); err != nil {
		return err
	}

	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if !s.paused {
		s.paused = true
		s.resumeCh = make(chan struct{})
	}
	return nil
}

// Resume restarts dispatch after a Pause. It is never called automatically.
func (s *Scheduler) Resume() error {
	if err := s.session.setStatus(StatusUploading); err != nil {
		return err
	}

	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if s.paused {
		s.paused = false
		close(s.resumeCh)
	}
	return nil
}

// Run uploads every chunk and finalizes the session. It blocks until the
// session reaches a terminal state or ctx is cancelled, and returns the
// job identifier from the finalize step.
func (s *Scheduler) Run(ctx context.Context) (string, error) {
	if err := s.session.setStatus(StatusUploading); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.trackProgress(runCtx)

	numChunks := s.provider.NumChunks()
	if err := s.uploadChunks(runCtx, cancel, numChunks); err != nil {
		s.session.fail(err.Error())
		return "", err
	}

	if err := s.session.setStatus(StatusFinalizing); err != nil {
		return "", err
	}
	s.logger.Debugf("All %d chunks acknowledged, finalizing upload %s", numChunks, s.session.UploadID())

	jobID, err := s.finalizer.Finalize(ctx, s.session.UploadID())
	if err != nil {
		err = fmt.Errorf("finalize upload: %w", err)
		s.session.fail(err.Error())
		return "", err
	}

	if err := s.session.setStatus(StatusComplete); err != nil {
		return "", err
	}
	return jobID, nil
}

func (s *Scheduler) uploadChunks(ctx context.Context, cancel context.CancelFunc, numChunks int) error {
	if numChunks == 0 {
		return nil
	}

	resultChan := make(chan chunkResult, numChunks)
	semaphore := make(chan struct{}, s.config.MaxConcurrentChunks)

	for i := 0; i < numChunks; i++ {
		go func(index int) {
			if err := s.waitWhilePaused(ctx); err != nil {
				resultChan <- chunkResult{index: index, err: err}
				return
			}

			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				resultChan <- chunkResult{index: index, err: ctx.Err()}
				return
			}
			defer func() { <-semaphore }()

			resultChan <- chunkResult{
				index: index,
				err:   s.uploadChunkWithRetry(ctx, index, numChunks),
			}
		}(i)
	}

	var firstErr error
	for completed := 0; completed < numChunks; completed++ {
		result := <-resultChan
		if result.err != nil && firstErr == nil {
			firstErr = result.err
			// One chunk exhausting its retries fails the whole session;
			// abort the chunks still in flight.
			cancel()
		}
	}

	return firstErr
}

func (s *Scheduler) uploadChunkWithRetry(ctx context.Context, index, totalChunks int) error {
	var lastErr error

	for attempt := 0; attempt < s.config.MaxRetryPerChunk; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("chunk %d upload cancelled: %w", index, ctx.Err())
		default:
		}

		if err := s.waitWhilePaused(ctx); err != nil {
			return fmt.Errorf("chunk %d upload cancelled: %w", index, err)
		}

		if err := s.session.markChunkUploading(index); err != nil {
			return err
		}

		s.logger.Debugf("Uploading chunk %d/%d (attempt %d/%d) [finished=%d] [avg=%v]",
			index+1, totalChunks, attempt+1, s.config.MaxRetryPerChunk,
			s.stats.FinishedCount(), s.stats.Average().Round(time.Millisecond))

		start := time.Now()
		err := s.uploadChunk(ctx, index)
		if err == nil {
			took := time.Since(start)
			s.stats.Update(took)
			if err := s.session.completeChunk(index, s.provider.ChunkSize(index)); err != nil {
				return err
			}
			s.logger.Debugf("Chunk %d/%d uploaded in %v", index+1, totalChunks, took.Round(time.Millisecond))
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("chunk %d upload cancelled: %w", index, ctx.Err())
		}

		terminal := s.session.failChunkAttempt(index, err, s.config.MaxRetryPerChunk)
		s.logger.Warnf("Chunk %d attempt %d failed: %v", index+1, attempt+1, err)
		if terminal {
			break
		}

		if s.config.RetryBackoff > 0 {
			backoff := time.Duration(attempt+1) * s.config.RetryBackoff
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("chunk %d upload cancelled: %w", index, ctx.Err())
			}
		}
	}

	return fmt.Errorf("chunk %d failed after %d attempts: %w", index, s.config.MaxRetryPerChunk, lastErr)
}

func (s *Scheduler) uploadChunk(ctx context.Context, index int) error {
	reader, err := s.provider.GetChunk(index)
	if err != nil {
		return fmt.Errorf("get chunk %d: %w", index, err)
	}
	size := s.provider.ChunkSize(index)

	attemptCtx, cancelAttempt := context.WithTimeout(ctx, s.config.ChunkTimeout)
	defer cancelAttempt()

	receipt, err := s.sender.SendChunk(attemptCtx, s.session.UploadID(), index, reader, size, func(sent int64) {
		s.session.markChunkProgress(index, sent, size)
	})
	if err != nil {
		return err
	}

	s.logger.Debugf("Server acknowledged chunk %d (%d/%d received)",
		index, receipt.UploadedChunks, receipt.TotalChunks)
	return nil
}

func (s *Scheduler) waitWhilePaused(ctx context.Context) error {
	for {
		s.pauseMu.Lock()
		if !s.paused {
			s.pauseMu.Unlock()
			return nil
		}
		resumed := s.resumeCh
		s.pauseMu.Unlock()

		select {
		case <-resumed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Scheduler) trackProgress(ctx context.Context) {
	ticker := time.NewTicker(s.config.ProgressInterval)
	defer ticker.Stop()

	warned := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			view := s.session.recomputeRate()
			if s.config.OnProgress != nil {
				s.config.OnProgress(view)
			}
			if view.Stalled && !warned {
				s.logger.Warnf("No upload progress for more than %s", s.config.StalledAfter)
				warned = true
			}
			if !view.Stalled {
				warned = false
			}
		}
	}
}
