package outbound

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// DefaultStreamBufferCount and DefaultStreamBufferTimeout are used by NewUnboundStream callers
// that do not care.
const (
	DefaultStreamBufferCount   = 2
	DefaultStreamBufferTimeout = time.Hour
)

// BufferTimeoutError is returned when no buffer slot was released in time.
type BufferTimeoutError struct {
	Timeout time.Duration
}

func (e *BufferTimeoutError) Error() string {
	return fmt.Sprintf("no stream buffer was released within %s", e.Timeout)
}

// UnboundStream cuts a reader of unknown length into buffers, emitting one write intent per buffer.
//
// At most bufferCount buffers are alive: Next blocks until a previously emitted buffer is
// released, or fails with *BufferTimeoutError.
type UnboundStream struct {
	r          io.Reader
	bufferSize int64
	slots      chan struct{}
	timeout    time.Duration

	offset  int64
	emitted bool
	done    bool
}

// NewUnboundStream ...
func NewUnboundStream(r io.Reader, bufferSize int64, bufferCount int, timeout time.Duration) (*UnboundStream, error) {
	if bufferSize <= 0 {
		return nil, fmt.Errorf("invalid buffer size %d", bufferSize)
	}
	// The plan peeks at two parts to tell small files from large ones.
	if bufferCount < 2 {
		return nil, fmt.Errorf("at least 2 buffers are required, got %d", bufferCount)
	}
	return &UnboundStream{
		r:          r,
		bufferSize: bufferSize,
		slots:      make(chan struct{}, bufferCount),
		timeout:    timeout,
	}, nil
}

func (u *UnboundStream) acquire() error {
	timer := time.NewTimer(u.timeout)
	defer timer.Stop()

	select {
	case u.slots <- struct{}{}:
		return nil
	case <-timer.C:
		return &BufferTimeoutError{Timeout: u.timeout}
	}
}

func (u *UnboundStream) free() {
	<-u.slots
}

// Next returns the next buffer as a write intent, or io.EOF. An empty stream yields exactly one
// empty buffer.
func (u *UnboundStream) Next() (WriteIntent, error) {
	if u.done {
		return WriteIntent{}, io.EOF
	}
	if err := u.acquire(); err != nil {
		return WriteIntent{}, err
	}

	buf := make([]byte, u.bufferSize)
	n, err := io.ReadFull(u.r, buf)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		u.done = true
	case err != nil:
		u.free()
		return WriteIntent{}, fmt.Errorf("read stream: %w", err)
	}
	if n == 0 && u.emitted {
		u.free()
		return WriteIntent{}, io.EOF
	}

	source := &StreamBuffer{BytesSource: BytesSource{data: buf[:n]}, onFree: u.free}
	intent := WriteIntent{Source: source, DestinationOffset: u.offset}
	u.offset += int64(n)
	u.emitted = true
	return intent, nil
}
