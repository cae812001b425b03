package transfer

import (
	"sync"

	"github.com/bitrise-io/go-objtransfer/progress"
	"github.com/bitrise-io/go-objtransfer/wire"
)

// LargeFileUploadState is shared by the parts of one large file upload. It latches the first
// failure so parts that did not start yet give up without network calls.
type LargeFileUploadState struct {
	mu             sync.Mutex
	err            error
	bytesCompleted int64
	listener       progress.Listener
}

// NewLargeFileUploadState ...
func NewLargeFileUploadState(listener progress.Listener) *LargeFileUploadState {
	return &LargeFileUploadState{listener: progress.OrNoop(listener)}
}

// MarkFailed records err unless an earlier failure was recorded.
func (s *LargeFileUploadState) MarkFailed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Err returns the first recorded failure.
func (s *LargeFileUploadState) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Failed ...
func (s *LargeFileUploadState) Failed() bool {
	return s.Err() != nil
}

// alreadyFailed returns an *wire.AlreadyFailedError if the upload failed.
func (s *LargeFileUploadState) alreadyFailed() error {
	if s == nil {
		return nil
	}
	if err := s.Err(); err != nil {
		return &wire.AlreadyFailedError{Message: err.Error()}
	}
	return nil
}

// AddBytes reports n more completed bytes to the progress listener.
func (s *LargeFileUploadState) AddBytes(n int64) {
	s.mu.Lock()
	s.bytesCompleted += n
	completed := s.bytesCompleted
	s.mu.Unlock()
	s.listener.BytesCompleted(completed)
}

// BytesCompleted ...
func (s *LargeFileUploadState) BytesCompleted() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesCompleted
}
