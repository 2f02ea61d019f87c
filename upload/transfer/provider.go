package transfer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hotvault/go-upload/upload/chunkplan"
)

// ChunkProvider provides chunk data for upload.
// GetChunk may be called multiple times for the same index when the
// scheduler retries a failed attempt.
type ChunkProvider interface {
	// NumChunks returns the total number of chunks.
	NumChunks() int

	// ChunkSize returns the byte length of the chunk at the given index.
	ChunkSize(index int) int64

	// GetChunk returns a reader for the chunk at the given index.
	GetChunk(index int) (io.Reader, error)
}

// FileChunkProvider reads chunks from a file on disk according to a chunk
// plan. Safe for parallel chunk reads.
type FileChunkProvider struct {
	file *os.File
	plan chunkplan.Plan
	mu   sync.Mutex
}

// NewFileChunkProvider opens the file at path for chunked reading.
func NewFileChunkProvider(path string, plan chunkplan.Plan) (*FileChunkProvider, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	return &FileChunkProvider{
		file: file,
		plan: plan,
	}, nil
}

// NumChunks returns the total number of chunks.
func (p *FileChunkProvider) NumChunks() int {
	return p.plan.ChunkCount
}

// ChunkSize returns the byte length of the chunk at the given index.
func (p *FileChunkProvider) ChunkSize(index int) int64 {
	return p.plan.SizeOf(index)
}

// GetChunk returns a reader for the chunk at the given index.
// The data is read into memory so retries can replay it.
func (p *FileChunkProvider) GetChunk(index int) (io.Reader, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	offset, length := p.plan.Range(index)

	if _, err := p.file.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to offset %d for chunk %d: %w", offset, index, err)
	}

	chunk := make([]byte, length)
	if _, err := io.ReadFull(p.file, chunk); err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", index, err)
	}

	return bytes.NewReader(chunk), nil
}

// Close closes the underlying file.
func (p *FileChunkProvider) Close() error {
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}

// ByteSliceChunkProvider provides chunks from pre-loaded byte slices.
type ByteSliceChunkProvider struct {
	chunks [][]byte
}

// NewByteSliceChunkProvider creates a ChunkProvider from byte slices.
func NewByteSliceChunkProvider(chunks [][]byte) *ByteSliceChunkProvider {
	return &ByteSliceChunkProvider{chunks: chunks}
}

// NumChunks returns the total number of chunks.
func (p *ByteSliceChunkProvider) NumChunks() int {
	return len(p.chunks)
}

// ChunkSize returns the byte length of the chunk at the given index.
func (p *ByteSliceChunkProvider) ChunkSize(index int) int64 {
	if index < 0 || index >= len(p.chunks) {
		return 0
	}
	return int64(len(p.chunks[index]))
}

// GetChunk returns a reader for the chunk at the given index.
func (p *ByteSliceChunkProvider) GetChunk(index int) (io.Reader, error) {
	if index < 0 || index >= len(p.chunks) {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, len(p.chunks))
	}
	return bytes.NewReader(p.chunks[index]), nil
}
