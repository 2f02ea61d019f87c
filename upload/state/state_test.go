package state

import (
	"testing"

	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotvault/go-upload/upload/transfer"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), fileutil.NewFileManager())
	require.NoError(t, err)
	return store
}

func testSnapshot(sessionID string) Snapshot {
	return Snapshot{
		SessionID: sessionID,
		Session: transfer.SessionView{
			UploadID:      "upl-1",
			Filename:      "data.bin",
			TotalSize:     1024,
			Status:        transfer.StatusUploading,
			BytesUploaded: 512,
			Chunks: []transfer.ChunkStatus{
				{Index: 0, State: transfer.ChunkComplete, Progress: 100},
				{Index: 1, State: transfer.ChunkUploading, Progress: 40},
				{Index: 2, State: transfer.ChunkPending},
				{Index: 3, State: transfer.ChunkError, RetryCount: 3, LastError: "network error"},
			},
		},
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	sessionID := NewSessionID()

	require.NoError(t, store.Save(testSnapshot(sessionID)))

	loaded, err := store.Load(sessionID)
	require.NoError(t, err)
	assert.Equal(t, sessionID, loaded.SessionID)
	assert.Equal(t, "upl-1", loaded.Session.UploadID)
	assert.Equal(t, int64(512), loaded.Session.BytesUploaded)
	assert.Len(t, loaded.Session.Chunks, 4)
	assert.False(t, loaded.SavedAt.IsZero())
}

func TestStore_LoadMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Load("no-such-session")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SaveRejectsEmptySessionID(t *testing.T) {
	store := newTestStore(t)
	assert.Error(t, store.Save(Snapshot{}))
}

func TestStore_List(t *testing.T) {
	store := newTestStore(t)

	first := NewSessionID()
	second := NewSessionID()
	require.NoError(t, store.Save(testSnapshot(first)))
	require.NoError(t, store.Save(testSnapshot(second)))

	snapshots, err := store.List()
	require.NoError(t, err)
	assert.Len(t, snapshots, 2)
}

func TestStore_Clear(t *testing.T) {
	store := newTestStore(t)
	sessionID := NewSessionID()
	require.NoError(t, store.Save(testSnapshot(sessionID)))

	require.NoError(t, store.Clear(sessionID))
	_, err := store.Load(sessionID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Clearing again is a no-op.
	assert.NoError(t, store.Clear(sessionID))
}

func TestSnapshot_PendingChunks(t *testing.T) {
	snapshot := testSnapshot("s")
	assert.Equal(t, []int{1, 2}, snapshot.PendingChunks())
}
