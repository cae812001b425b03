package transfer

import (
	"sync"
	"time"
)

// Stats tracks request durations and retries of a manager for logging.
type Stats struct {
	sum      time.Duration
	finished int64
	failed   int64
	mu       sync.Mutex
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records a successful request duration.
func (s *Stats) Update(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finished++
}

// Failure records a failed attempt.
func (s *Stats) Failure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
}

// Average returns the average duration of successful requests.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finished)
}

// FinishedCount returns the number of successful requests.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// FailedCount returns the number of failed attempts.
func (s *Stats) FailedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}
