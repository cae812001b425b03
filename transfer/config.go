package transfer

import (
	"runtime"
	"time"
)

// Config holds configuration for the upload and copy managers.
type Config struct {
	// MaxAttempts is the number of attempts per upload or copy request.
	// Default: 5
	MaxAttempts int

	// RetryWait is the pause between attempts, unless the service asks for a longer one.
	// Default: 1 second
	RetryWait time.Duration
}

// DefaultMaxAttempts ...
const DefaultMaxAttempts = 5

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: DefaultMaxAttempts,
		RetryWait:   time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryWait < 0 {
		c.RetryWait = 0
	}
	return c
}

// DefaultConcurrency calculates the default worker count based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}
