package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/hotvault/go-upload/upload/chunkplan"
)

// SessionStatus is the lifecycle state of an upload session.
type SessionStatus string

// Session lifecycle states.
const (
	StatusInitializing SessionStatus = "initializing"
	StatusUploading    SessionStatus = "uploading"
	StatusPaused       SessionStatus = "paused"
	StatusFinalizing   SessionStatus = "finalizing"
	StatusComplete     SessionStatus = "complete"
	StatusError        SessionStatus = "error"
)

// ChunkState is the state of a single chunk within a session.
type ChunkState string

// Chunk states.
const (
	ChunkPending   ChunkState = "pending"
	ChunkUploading ChunkState = "uploading"
	ChunkComplete  ChunkState = "complete"
	ChunkError     ChunkState = "error"
)

// sessionTransitions is the legal session state machine. Error is reachable
// from every non-terminal state so that cancellation during a pause still has
// somewhere to land.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	StatusInitializing: {StatusUploading, StatusError},
	StatusUploading:    {StatusPaused, StatusFinalizing, StatusError},
	StatusPaused:       {StatusUploading, StatusError},
	StatusFinalizing:   {StatusComplete, StatusError},
	StatusComplete:     {},
	StatusError:        {},
}

// chunkTransitions is the legal chunk state machine. Uploading goes back to
// pending on a retryable failure and to error once the retry ceiling is hit.
var chunkTransitions = map[ChunkState][]ChunkState{
	ChunkPending:   {ChunkUploading},
	ChunkUploading: {ChunkComplete, ChunkPending, ChunkError},
	ChunkComplete:  {},
	ChunkError:     {},
}

func transitionAllowed[S comparable](table map[S][]S, from, to S) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ChunkStatus tracks the progress of a single chunk. Index is immutable;
// the rest is mutated only by the worker uploading that index.
type ChunkStatus struct {
	Index      int        `json:"index"`
	State      ChunkState `json:"state"`
	Progress   float64    `json:"progress"`
	RetryCount int        `json:"retry_count"`
	LastError  string     `json:"last_error,omitempty"`
}

// SessionView is a point-in-time snapshot of a session, safe to hand to
// progress callbacks and persistence without exposing internal locking.
type SessionView struct {
	UploadID      string        `json:"upload_id"`
	Filename      string        `json:"filename"`
	TotalSize     int64         `json:"total_size"`
	FileType      string        `json:"file_type"`
	ChunkSize     int64         `json:"chunk_size"`
	ChunkCount    int           `json:"chunk_count"`
	Status        SessionStatus `json:"status"`
	Message       string        `json:"message,omitempty"`
	BytesUploaded int64         `json:"bytes_uploaded"`
	Chunks        []ChunkStatus `json:"chunks"`
	Elapsed       time.Duration `json:"-"`
	ThroughputBps float64       `json:"-"`
	ETA           time.Duration `json:"-"`
	Stalled       bool          `json:"-"`
}

// Session is the shared mutable state of one file transfer. All mutation goes
// through its methods; concurrent chunk workers only ever touch their own
// chunk index, the byte counter, and the status.
type Session struct {
	mu sync.Mutex

	uploadID string
	filename string
	fileType string
	plan     chunkplan.Plan

	status        SessionStatus
	message       string
	chunks        []ChunkStatus
	bytesUploaded int64

	startedAt      time.Time
	lastProgressAt time.Time
	throughputBps  float64
	stalledAfter   time.Duration
}

// NewSession creates a session in the initializing state with every chunk
// pending.
func NewSession(uploadID, filename, fileType string, plan chunkplan.Plan) *Session {
	chunks := make([]ChunkStatus, plan.ChunkCount)
	for i := range chunks {
		chunks[i] = ChunkStatus{Index: i, State: ChunkPending}
	}

	now := time.Now()
	return &Session{
		uploadID:       uploadID,
		filename:       filename,
		fileType:       fileType,
		plan:           plan,
		status:         StatusInitializing,
		chunks:         chunks,
		startedAt:      now,
		lastProgressAt: now,
		stalledAfter:   defaultStalledAfter,
	}
}

// UploadID returns the server-assigned upload identifier.
func (s *Session) UploadID() string {
	return s.uploadID
}

// Status returns the current lifecycle state.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// BytesUploaded returns the cumulative byte count of completed chunks.
func (s *Session) BytesUploaded() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesUploaded
}

// Chunk returns a copy of the chunk status at the given index.
func (s *Session) Chunk(index int) ChunkStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks[index]
}

// UploadingCount returns the number of chunks currently in the uploading state.
func (s *Session) UploadingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, c := range s.chunks {
		if c.State == ChunkUploading {
			count++
		}
	}
	return count
}

// View returns a snapshot of the whole session.
func (s *Session) View() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() SessionView {
	chunks := make([]ChunkStatus, len(s.chunks))
	copy(chunks, s.chunks)

	elapsed := time.Since(s.startedAt)
	remaining := s.plan.FileSize - s.bytesUploaded

	var eta time.Duration
	if s.throughputBps > 0 && remaining > 0 {
		eta = time.Duration(float64(remaining) / s.throughputBps * float64(time.Second))
	}

	stalled := s.status == StatusUploading &&
		s.stalledAfter > 0 &&
		time.Since(s.lastProgressAt) > s.stalledAfter

	return SessionView{
		UploadID:      s.uploadID,
		Filename:      s.filename,
		TotalSize:     s.plan.FileSize,
		FileType:      s.fileType,
		ChunkSize:     s.plan.ChunkSize,
		ChunkCount:    s.plan.ChunkCount,
		Status:        s.status,
		Message:       s.message,
		BytesUploaded: s.bytesUploaded,
		Chunks:        chunks,
		Elapsed:       elapsed,
		ThroughputBps: s.throughputBps,
		ETA:           eta,
		Stalled:       stalled,
	}
}

func (s *Session) setStatus(next SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !transitionAllowed(sessionTransitions, s.status, next) {
		return fmt.Errorf("illegal session transition: %s -> %s", s.status, next)
	}
	s.status = next
	return nil
}

// fail moves the session to the terminal error state, recording the message.
// Failing an already terminal session is a no-op.
func (s *Session) fail(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusComplete || s.status == StatusError {
		return
	}
	s.status = StatusError
	s.message = message
}

func (s *Session) markChunkUploading(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunk := &s.chunks[index]
	if !transitionAllowed(chunkTransitions, chunk.State, ChunkUploading) {
		return fmt.Errorf("illegal chunk %d transition: %s -> %s", index, chunk.State, ChunkUploading)
	}
	chunk.State = ChunkUploading
	chunk.Progress = 0
	return nil
}

// markChunkProgress records in-chunk progress from a single upload attempt.
// sentBytes is cumulative for the attempt.
func (s *Session) markChunkProgress(index int, sentBytes, chunkSize int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunk := &s.chunks[index]
	if chunk.State != ChunkUploading {
		return
	}
	if chunkSize > 0 {
		chunk.Progress = float64(sentBytes) / float64(chunkSize) * 100
		if chunk.Progress > 100 {
			chunk.Progress = 100
		}
	}
	s.lastProgressAt = time.Now()
}

func (s *Session) completeChunk(index int, length int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunk := &s.chunks[index]
	if !transitionAllowed(chunkTransitions, chunk.State, ChunkComplete) {
		return fmt.Errorf("illegal chunk %d transition: %s -> %s", index, chunk.State, ChunkComplete)
	}
	if s.bytesUploaded+length > s.plan.FileSize {
		return fmt.Errorf("chunk %d overflows file size: %d + %d > %d", index, s.bytesUploaded, length, s.plan.FileSize)
	}
	chunk.State = ChunkComplete
	chunk.Progress = 100
	chunk.LastError = ""
	s.bytesUploaded += length
	s.lastProgressAt = time.Now()
	return nil
}

// failChunkAttempt increments the retry counter and moves the chunk back to
// pending, or to the terminal error state once the counter reaches the
// ceiling. Reports whether the chunk is now terminal.
func (s *Session) failChunkAttempt(index int, cause error, ceiling int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunk := &s.chunks[index]
	if chunk.RetryCount < ceiling {
		chunk.RetryCount++
	}
	chunk.LastError = cause.Error()

	if chunk.RetryCount >= ceiling {
		chunk.State = ChunkError
		return true
	}
	chunk.State = ChunkPending
	return false
}

// recomputeRate refreshes the rolling throughput from elapsed time and the
// cumulative byte counter, and returns a fresh snapshot. Called on the
// progress cadence.
func (s *Session) recomputeRate() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := time.Since(s.startedAt).Seconds()
	if elapsed > 0 {
		s.throughputBps = float64(s.bytesUploaded) / elapsed
	}
	return s.viewLocked()
}

func (s *Session) setStalledAfter(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalledAfter = d
}
