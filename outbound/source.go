// Package outbound describes the data written into a destination file.
package outbound

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/bitrise-io/go-objtransfer/wire"
)

// UnknownLength is the length of a copy source whose size was not given.
const UnknownLength = int64(-1)

// Source is one of *LocalSource, *BytesSource, *StreamBuffer and *CopySource.
type Source interface {
	Length() int64
	IsUpload() bool
	IsCopy() bool
	isSource()
}

// UploadSource is a Source whose bytes are read locally and sent to the service.
type UploadSource interface {
	Source
	// OpenRange opens length bytes from offset. Every call returns an independent reader.
	OpenRange(offset, length int64) (io.ReadCloser, error)
	// SHA1 returns the hex digest of the whole source, reading it on first use.
	SHA1() (string, error)
	// KnownSHA1 returns the digest only if it is available without reading the source.
	KnownSHA1() (string, bool)
}

// Releaser is implemented by sources holding a buffer slot that must be given back once the
// source was transferred.
type Releaser interface {
	Release()
}

type digestCache struct {
	once sync.Once
	mu   sync.Mutex
	hex  string
	err  error
}

func (c *digestCache) known() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hex, c.hex != ""
}

func (c *digestCache) get(compute func() (string, error)) (string, error) {
	c.once.Do(func() {
		digest, err := compute()
		c.mu.Lock()
		c.hex, c.err = digest, err
		c.mu.Unlock()
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hex, c.err
}

func (c *digestCache) preset(digest string) {
	c.once.Do(func() { c.hex = digest })
}

// SHA1OfReader returns the hex digest of everything r yields and the number of bytes read.
func SHA1OfReader(r io.Reader) (string, int64, error) {
	h := sha1.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// LocalSource is a file on the local filesystem.
type LocalSource struct {
	path   string
	length int64
	digest digestCache
}

// NewLocalSource ...
func NewLocalSource(path string) (*LocalSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat local source: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("local source %s is a directory", path)
	}
	return &LocalSource{path: path, length: info.Size()}, nil
}

// NewLocalSourceWithSHA1 creates a local source whose digest is already known.
func NewLocalSourceWithSHA1(path, contentSHA1 string) (*LocalSource, error) {
	s, err := NewLocalSource(path)
	if err != nil {
		return nil, err
	}
	s.digest.preset(contentSHA1)
	return s, nil
}

func (s *LocalSource) Path() string   { return s.path }
func (s *LocalSource) Length() int64  { return s.length }
func (s *LocalSource) IsUpload() bool { return true }
func (s *LocalSource) IsCopy() bool   { return false }
func (s *LocalSource) isSource()      {}

func (s *LocalSource) String() string {
	return fmt.Sprintf("local file %s (%d bytes)", s.path, s.length)
}

type sectionReadCloser struct {
	io.Reader
	io.Closer
}

func (s *LocalSource) OpenRange(offset, length int64) (io.ReadCloser, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open local source: %w", err)
	}
	return sectionReadCloser{Reader: io.NewSectionReader(f, offset, length), Closer: f}, nil
}

func (s *LocalSource) SHA1() (string, error) {
	return s.digest.get(func() (string, error) {
		f, err := os.Open(s.path)
		if err != nil {
			return "", fmt.Errorf("open local source: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		digest, _, err := SHA1OfReader(f)
		if err != nil {
			return "", fmt.Errorf("hash local source: %w", err)
		}
		return digest, nil
	})
}

func (s *LocalSource) KnownSHA1() (string, bool) {
	return s.digest.known()
}

// BytesSource is an in-memory buffer.
type BytesSource struct {
	data   []byte
	digest digestCache
}

// NewBytesSource ...
func NewBytesSource(data []byte) *BytesSource {
	return &BytesSource{data: data}
}

func (s *BytesSource) Length() int64  { return int64(len(s.data)) }
func (s *BytesSource) IsUpload() bool { return true }
func (s *BytesSource) IsCopy() bool   { return false }
func (s *BytesSource) isSource()      {}

func (s *BytesSource) String() string {
	return fmt.Sprintf("%d bytes", len(s.data))
}

func (s *BytesSource) OpenRange(offset, length int64) (io.ReadCloser, error) {
	if offset < 0 || length < 0 || offset+length > int64(len(s.data)) {
		return nil, fmt.Errorf("range %d+%d is outside of %d bytes", offset, length, len(s.data))
	}
	return io.NopCloser(bytes.NewReader(s.data[offset : offset+length])), nil
}

func (s *BytesSource) SHA1() (string, error) {
	return s.digest.get(func() (string, error) {
		sum := sha1.Sum(s.data)
		return hex.EncodeToString(sum[:]), nil
	})
}

func (s *BytesSource) KnownSHA1() (string, bool) {
	return s.digest.known()
}

// StreamBuffer is one buffered chunk of an unbound stream. It holds a buffer slot of the stream
// until released.
type StreamBuffer struct {
	BytesSource
	release sync.Once
	onFree  func()
}

func (s *StreamBuffer) String() string {
	return fmt.Sprintf("stream buffer of %d bytes", len(s.data))
}

// Release gives the buffer slot back to the stream. Calling it more than once is a no-op.
func (s *StreamBuffer) Release() {
	s.release.Do(func() {
		if s.onFree != nil {
			s.onFree()
		}
	})
}

// CopySource is a range of a file already stored by the service.
type CopySource struct {
	FileID string
	Offset int64
	// Len is UnknownLength when the range extends to the end of the file and its size is not known.
	Len        int64
	Encryption wire.EncryptionSetting

	// Source metadata, used when copying a whole file while keeping its metadata.
	SourceContentType string
	SourceFileInfo    map[string]string
}

// NewCopySource ...
func NewCopySource(fileID string, offset, length int64) *CopySource {
	return &CopySource{FileID: fileID, Offset: offset, Len: length}
}

func (s *CopySource) Length() int64  { return s.Len }
func (s *CopySource) IsUpload() bool { return false }
func (s *CopySource) IsCopy() bool   { return true }
func (s *CopySource) isSource()      {}

func (s *CopySource) String() string {
	return fmt.Sprintf("copy of %s [%d+%d]", s.FileID, s.Offset, s.Len)
}

// Range returns the source range of length bytes starting relativeOffset bytes into the source.
func (s *CopySource) Range(relativeOffset, length int64) wire.ByteRange {
	return wire.NewByteRange(s.Offset+relativeOffset, length)
}

// ErrUnknownLength is returned for sources that cannot be planned.
var ErrUnknownLength = errors.New("write intent source has unknown length")

// WriteIntent places the bytes of Source at DestinationOffset of the destination file.
type WriteIntent struct {
	Source            Source
	DestinationOffset int64
}

// NewWriteIntent ...
func NewWriteIntent(source Source, destinationOffset int64) (WriteIntent, error) {
	if source.Length() < 0 {
		return WriteIntent{}, fmt.Errorf("%v: %w", source, ErrUnknownLength)
	}
	if destinationOffset < 0 {
		return WriteIntent{}, fmt.Errorf("negative destination offset %d", destinationOffset)
	}
	return WriteIntent{Source: source, DestinationOffset: destinationOffset}, nil
}

// Length ...
func (w WriteIntent) Length() int64 {
	return w.Source.Length()
}

// EndOffset is the exclusive end of the destination range.
func (w WriteIntent) EndOffset() int64 {
	return w.DestinationOffset + w.Length()
}

// Concatenate places the sources one after another.
func Concatenate(sources ...Source) ([]WriteIntent, error) {
	intents := make([]WriteIntent, 0, len(sources))
	var offset int64
	for _, source := range sources {
		intent, err := NewWriteIntent(source, offset)
		if err != nil {
			return nil, err
		}
		intents = append(intents, intent)
		offset = intent.EndOffset()
	}
	return intents, nil
}
