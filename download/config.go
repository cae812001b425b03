package download

import "time"

// Config holds configuration for the download manager.
type Config struct {
	// MaxStreams is the highest number of range requests a single download is split into.
	// Default: 8
	MaxStreams int

	// MinPartSize is the smallest range a parallel stream fetches.
	// Default: 100 MB
	MinPartSize int64

	// CheckHash compares the SHA1 of downloaded whole files with the declared one.
	CheckHash bool

	// DecodeContent decodes gzip and zstd content encodings while saving.
	DecodeContent bool

	// MaxAttempts is the number of requests made for one range, continuations included.
	// Default: 5
	MaxAttempts int

	// RetryWait is the pause between attempts.
	// Default: 1 second
	RetryWait time.Duration
}

// Defaults ...
const (
	DefaultMaxStreams  = 8
	DefaultMinPartSize = 100 * 1000 * 1000
	DefaultMaxAttempts = 5
)

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxStreams:  DefaultMaxStreams,
		MinPartSize: DefaultMinPartSize,
		CheckHash:   true,
		MaxAttempts: DefaultMaxAttempts,
		RetryWait:   time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxStreams <= 0 {
		c.MaxStreams = DefaultMaxStreams
	}
	if c.MinPartSize <= 0 {
		c.MinPartSize = DefaultMinPartSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryWait < 0 {
		c.RetryWait = 0
	}
	return c
}
