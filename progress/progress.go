// Package progress reports transferred bytes.
package progress

import (
	"io"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Listener receives the total size of a transfer and the running number of completed bytes.
// Implementations must be safe for concurrent use.
type Listener interface {
	SetTotalBytes(total int64)
	BytesCompleted(completed int64)
	Close()
}

// Noop ...
type Noop struct{}

func (Noop) SetTotalBytes(int64)  {}
func (Noop) BytesCompleted(int64) {}
func (Noop) Close()               {}

// OrNoop returns l, or a Noop listener if l is nil.
func OrNoop(l Listener) Listener {
	if l == nil {
		return Noop{}
	}
	return l
}

// LoggingListener logs every tenth of the transfer.
type LoggingListener struct {
	logger log.Logger
	name   string

	mu         sync.Mutex
	total      int64
	lastDecile int64
}

// NewLoggingListener ...
func NewLoggingListener(logger log.Logger, name string) *LoggingListener {
	return &LoggingListener{logger: logger, name: name}
}

func (l *LoggingListener) SetTotalBytes(total int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total = total
}

func (l *LoggingListener) BytesCompleted(completed int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.total <= 0 {
		return
	}
	decile := completed * 10 / l.total
	if decile <= l.lastDecile {
		return
	}
	l.lastDecile = decile
	l.logger.Debugf("%s: %d%% (%s of %s)", l.name, decile*10,
		units.HumanSizeWithPrecision(float64(completed), 3), units.HumanSizeWithPrecision(float64(l.total), 3))
}

func (l *LoggingListener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Debugf("%s: done", l.name)
}

// Reader reports the bytes read through it to a callback, as deltas.
type Reader struct {
	r      io.Reader
	onRead func(n int64)
}

// NewReader ...
func NewReader(r io.Reader, onRead func(n int64)) *Reader {
	return &Reader{r: r, onRead: onRead}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.onRead(int64(n))
	}
	return n, err
}
