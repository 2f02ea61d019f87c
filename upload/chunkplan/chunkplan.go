// Package chunkplan computes the chunk geometry of a file transfer.
// Chunk sizes grow with the file size so very large files don't produce
// an unreasonable number of requests.
package chunkplan

const (
	mib = 1024 * 1024
	gib = 1024 * mib
)

// Plan describes how a file is partitioned into ordered byte-range chunks.
type Plan struct {
	FileSize      int64
	ChunkSize     int64
	ChunkCount    int
	LastChunkSize int64
}

// ChunkSizeFor returns the chunk size for a file of the given size.
// The thresholds are banded: >1GiB uses 20MiB chunks, >500MiB uses 10MiB,
// >100MiB uses 5MiB, everything else 2MiB.
func ChunkSizeFor(fileSize int64) int64 {
	switch {
	case fileSize > 1*gib:
		return 20 * mib
	case fileSize > 500*mib:
		return 10 * mib
	case fileSize > 100*mib:
		return 5 * mib
	default:
		return 2 * mib
	}
}

// New partitions a file of the given size into chunks.
// A zero-byte file yields a plan with zero chunks.
func New(fileSize int64) Plan {
	chunkSize := ChunkSizeFor(fileSize)
	chunkCount := int((fileSize + chunkSize - 1) / chunkSize)

	lastChunkSize := int64(0)
	if chunkCount > 0 {
		lastChunkSize = fileSize - int64(chunkCount-1)*chunkSize
	}

	return Plan{
		FileSize:      fileSize,
		ChunkSize:     chunkSize,
		ChunkCount:    chunkCount,
		LastChunkSize: lastChunkSize,
	}
}

// Range returns the byte offset and length of the chunk at the given index.
func (p Plan) Range(index int) (offset, length int64) {
	offset = int64(index) * p.ChunkSize
	length = p.ChunkSize
	if index == p.ChunkCount-1 {
		length = p.LastChunkSize
	}
	return offset, length
}

// SizeOf returns the byte length of the chunk at the given index.
func (p Plan) SizeOf(index int) int64 {
	_, length := p.Range(index)
	return length
}
