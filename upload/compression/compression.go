// Package compression provides optional zstd compression of upload payloads.
package compression

import (
	"fmt"
	"io"
	"os"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"
)

// Compressor compresses single files with zstd before upload and restores
// them after download.
type Compressor struct {
	logger log.Logger
}

// NewCompressor ...
func NewCompressor(logger log.Logger) *Compressor {
	return &Compressor{logger: logger}
}

// Compress writes a zstd-compressed copy of sourcePath to destinationPath.
func (c *Compressor) Compress(sourcePath, destinationPath string, level int) error {
	source, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer c.closeFile(source)

	destination, err := os.OpenFile(destinationPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}

	encoderLevel := zstd.EncoderLevelFromZstd(level)
	zstdWriter, err := zstd.NewWriter(destination, zstd.WithEncoderLevel(encoderLevel))
	if err != nil {
		c.closeFile(destination)
		return fmt.Errorf("create zstd writer: %w", err)
	}

	if _, err := io.Copy(zstdWriter, source); err != nil {
		_ = zstdWriter.Close()
		c.closeFile(destination)
		return fmt.Errorf("compress file: %w", err)
	}

	if err := zstdWriter.Close(); err != nil {
		c.closeFile(destination)
		return fmt.Errorf("close zstd writer: %w", err)
	}
	if err := destination.Close(); err != nil {
		return fmt.Errorf("close archive file: %w", err)
	}
	return nil
}

// Decompress restores a file compressed by Compress.
func (c *Compressor) Decompress(sourcePath, destinationPath string) error {
	source, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("open archive file: %w", err)
	}
	defer c.closeFile(source)

	zstdReader, err := zstd.NewReader(source)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zstdReader.Close()

	destination, err := os.OpenFile(destinationPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}

	if _, err := io.Copy(destination, zstdReader); err != nil {
		c.closeFile(destination)
		return fmt.Errorf("decompress file: %w", err)
	}

	if err := destination.Close(); err != nil {
		return fmt.Errorf("close destination file: %w", err)
	}
	return nil
}

func (c *Compressor) closeFile(f *os.File) {
	if err := f.Close(); err != nil {
		c.logger.Warnf("failed to close %s: %s", f.Name(), err)
	}
}
