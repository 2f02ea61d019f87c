// Package state persists upload progress snapshots to disk so interrupted
// transfers can be inspected and their pending chunks resumed. The store
// writes to a caller-supplied directory with caller-controlled lifetime;
// nothing here is ambient or global.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/google/uuid"

	"github.com/hotvault/go-upload/upload/transfer"
)

// ErrNotFound is returned when no snapshot exists for a session ID.
var ErrNotFound = errors.New("no snapshot for session")

// Snapshot is one persisted view of a session.
type Snapshot struct {
	SessionID string               `json:"session_id"`
	SavedAt   time.Time            `json:"saved_at"`
	Session   transfer.SessionView `json:"session"`
}

// PendingChunks returns the indices of chunks that have not completed.
// Chunks caught mid-upload by an interruption count as pending.
func (s Snapshot) PendingChunks() []int {
	var pending []int
	for _, chunk := range s.Session.Chunks {
		if chunk.State == transfer.ChunkPending || chunk.State == transfer.ChunkUploading {
			pending = append(pending, chunk.Index)
		}
	}
	return pending
}

// Store reads and writes snapshots under a single directory.
type Store struct {
	dir         string
	fileManager fileutil.FileManager
}

// NewStore creates a snapshot store rooted at dir, creating it if needed.
func NewStore(dir string, fileManager fileutil.FileManager) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("state directory is empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	return &Store{
		dir:         dir,
		fileManager: fileManager,
	}, nil
}

// NewSessionID returns a fresh client-side session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// Save writes the snapshot, overwriting any previous one for the session.
func (s *Store) Save(snapshot Snapshot) error {
	if snapshot.SessionID == "" {
		return fmt.Errorf("snapshot has no session ID")
	}
	snapshot.SavedAt = time.Now()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := s.fileManager.WriteBytes(s.path(snapshot.SessionID), data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot for the given session ID.
func (s *Store) Load(sessionID string) (Snapshot, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snapshot, nil
}

// List returns every snapshot in the store.
func (s *Store) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read state directory: %w", err)
	}

	var snapshots []Snapshot
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		snapshot, err := s.Load(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

// Clear removes the snapshot for the given session ID. Clearing a session
// that has no snapshot is not an error.
func (s *Store) Clear(sessionID string) error {
	err := os.Remove(s.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	return nil
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}
