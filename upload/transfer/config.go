package transfer

import "time"

const (
	defaultMaxConcurrentChunks = 3
	defaultMaxRetryPerChunk    = 3
	defaultChunkTimeout        = 120 * time.Second
	defaultRetryBackoff        = 2 * time.Second
	defaultProgressInterval    = time.Second
	defaultStalledAfter        = 20 * time.Second
)

// Config holds configuration for the upload scheduler.
type Config struct {
	// MaxConcurrentChunks is the maximum number of chunks in flight at once.
	// Default: 3
	MaxConcurrentChunks int

	// MaxRetryPerChunk is the total number of attempts per chunk before the
	// chunk, and with it the session, fails hard.
	// Default: 3
	MaxRetryPerChunk int

	// ChunkTimeout is the client-side timeout for a single chunk attempt.
	// Default: 120 seconds
	ChunkTimeout time.Duration

	// RetryBackoff is the base delay between attempts of the same chunk,
	// scaled linearly by the attempt number.
	// Default: 2 seconds
	RetryBackoff time.Duration

	// ProgressInterval is the cadence on which throughput and ETA are
	// recomputed and OnProgress is invoked.
	// Default: 1 second
	ProgressInterval time.Duration

	// StalledAfter is how long the session may go without a progress event
	// before it is flagged as stalled. The flag is a warning only and never
	// cancels the transfer. Zero disables it.
	// Default: 20 seconds
	StalledAfter time.Duration

	// OnProgress, if set, receives a session snapshot on every progress tick.
	OnProgress func(SessionView)
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentChunks: defaultMaxConcurrentChunks,
		MaxRetryPerChunk:    defaultMaxRetryPerChunk,
		ChunkTimeout:        defaultChunkTimeout,
		RetryBackoff:        defaultRetryBackoff,
		ProgressInterval:    defaultProgressInterval,
		StalledAfter:        defaultStalledAfter,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentChunks <= 0 {
		c.MaxConcurrentChunks = defaultMaxConcurrentChunks
	}
	if c.MaxRetryPerChunk <= 0 {
		c.MaxRetryPerChunk = defaultMaxRetryPerChunk
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = defaultChunkTimeout
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = defaultProgressInterval
	}
	return c
}
