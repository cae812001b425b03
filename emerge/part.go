package emerge

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/bitrise-io/go-objtransfer/outbound"
	"github.com/bitrise-io/go-objtransfer/wire"
)

// Part is one of *UploadPart, *CopyPart and *CompositeUploadPart.
type Part interface {
	Length() int64
	// Hashable reports whether the content digest of the part can be computed locally.
	Hashable() bool
	// SHA1 returns the content digest of a hashable part.
	SHA1() (string, error)
	identity() (interface{}, error)
	isPart()
}

// RangeFetcher downloads a range of a stored file into memory.
type RangeFetcher interface {
	FetchRange(ctx context.Context, source *outbound.CopySource, r wire.ByteRange) ([]byte, error)
}

type partDigest struct {
	once sync.Once
	mu   sync.Mutex
	hex  string
	err  error
}

func (d *partDigest) get(compute func() (string, error)) (string, error) {
	d.once.Do(func() {
		digest, err := compute()
		d.mu.Lock()
		d.hex, d.err = digest, err
		d.mu.Unlock()
	})
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hex, d.err
}

func (d *partDigest) known() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hex, d.hex != "" && d.err == nil
}

// UploadPart is a range of a single upload source.
type UploadPart struct {
	Source         outbound.UploadSource
	RelativeOffset int64
	Len            int64

	digest partDigest
}

func (p *UploadPart) Length() int64  { return p.Len }
func (p *UploadPart) Hashable() bool { return true }
func (p *UploadPart) isPart()        {}

func (p *UploadPart) String() string {
	return fmt.Sprintf("upload %v [%d+%d]", p.Source, p.RelativeOffset, p.Len)
}

func (p *UploadPart) wholeSource() bool {
	return p.RelativeOffset == 0 && p.Len == p.Source.Length()
}

func (p *UploadPart) SHA1() (string, error) {
	return p.digest.get(func() (string, error) {
		if p.wholeSource() {
			return p.Source.SHA1()
		}
		r, err := p.Source.OpenRange(p.RelativeOffset, p.Len)
		if err != nil {
			return "", err
		}
		defer func() {
			_ = r.Close()
		}()
		digest, _, err := outbound.SHA1OfReader(r)
		return digest, err
	})
}

// KnownSHA1 returns the digest only if it does not have to be computed.
func (p *UploadPart) KnownSHA1() (string, bool) {
	if digest, ok := p.digest.known(); ok {
		return digest, true
	}
	if p.wholeSource() {
		return p.Source.KnownSHA1()
	}
	return "", false
}

func (p *UploadPart) identity() (interface{}, error) {
	return p.SHA1()
}

func (p *UploadPart) open() (io.ReadCloser, error) {
	return p.Source.OpenRange(p.RelativeOffset, p.Len)
}

// CopyPart is a range of a stored file copied by the service.
type CopyPart struct {
	Source         *outbound.CopySource
	RelativeOffset int64
	Len            int64
}

func (p *CopyPart) Length() int64         { return p.Len }
func (p *CopyPart) Hashable() bool        { return false }
func (p *CopyPart) SHA1() (string, error) { return "", nil }
func (p *CopyPart) isPart()               {}

func (p *CopyPart) String() string {
	return fmt.Sprintf("copy %s [%d+%d]", p.Source.FileID, p.RelativeOffset, p.Len)
}

// Range is the source range copied by the part.
func (p *CopyPart) Range() wire.ByteRange {
	return p.Source.Range(p.RelativeOffset, p.Len)
}

func (p *CopyPart) identity() (interface{}, error) {
	return []interface{}{p.Source.FileID, p.RelativeOffset, p.Len}, nil
}

// Subpart is a fragment of a composite part. A copy source subpart is downloaded and uploaded again.
type Subpart struct {
	Source         outbound.Source
	RelativeOffset int64
	Len            int64
}

// Remote ...
func (s Subpart) Remote() bool {
	return s.Source.IsCopy()
}

func (s Subpart) identity() (interface{}, error) {
	if s.Remote() {
		return []interface{}{s.Source.(*outbound.CopySource).FileID, s.RelativeOffset, s.Len}, nil
	}
	r, err := s.Source.(outbound.UploadSource).OpenRange(s.RelativeOffset, s.Len)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = r.Close()
	}()
	digest, _, err := outbound.SHA1OfReader(r)
	return digest, err
}

// CompositeUploadPart is an upload part assembled from several sources.
type CompositeUploadPart struct {
	Subparts []Subpart

	digest partDigest
	mu     sync.Mutex
	cache  map[int][]byte
}

func (p *CompositeUploadPart) isPart() {}

func (p *CompositeUploadPart) String() string {
	return fmt.Sprintf("composite of %d subparts (%d bytes)", len(p.Subparts), p.Length())
}

func (p *CompositeUploadPart) Length() int64 {
	var length int64
	for _, s := range p.Subparts {
		length += s.Len
	}
	return length
}

func (p *CompositeUploadPart) Hashable() bool {
	for _, s := range p.Subparts {
		if s.Remote() {
			return false
		}
	}
	return true
}

func (p *CompositeUploadPart) SHA1() (string, error) {
	if !p.Hashable() {
		return "", nil
	}
	return p.digest.get(func() (string, error) {
		h := sha1.New()
		for _, s := range p.Subparts {
			r, err := s.Source.(outbound.UploadSource).OpenRange(s.RelativeOffset, s.Len)
			if err != nil {
				return "", err
			}
			_, err = io.Copy(h, r)
			_ = r.Close()
			if err != nil {
				return "", err
			}
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	})
}

// KnownSHA1 ...
func (p *CompositeUploadPart) KnownSHA1() (string, bool) {
	return p.digest.known()
}

func (p *CompositeUploadPart) identity() (interface{}, error) {
	if p.Hashable() {
		return p.SHA1()
	}
	ids := make([]interface{}, 0, len(p.Subparts))
	for _, s := range p.Subparts {
		id, err := s.identity()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// fetch downloads a remote subpart once; later attempts reuse the bytes.
func (p *CompositeUploadPart) fetch(ctx context.Context, fetcher RangeFetcher, i int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if data, ok := p.cache[i]; ok {
		return data, nil
	}
	s := p.Subparts[i]
	source := s.Source.(*outbound.CopySource)
	data, err := fetcher.FetchRange(ctx, source, source.Range(s.RelativeOffset, s.Len))
	if err != nil {
		return nil, fmt.Errorf("download copy source subpart: %w", err)
	}
	if int64(len(data)) != s.Len {
		return nil, &wire.TruncatedOutputError{BytesRead: int64(len(data)), Expected: s.Len}
	}
	if p.cache == nil {
		p.cache = map[int][]byte{}
	}
	p.cache[i] = data
	return data, nil
}

type multiReadCloser struct {
	io.Reader
	closers []io.Closer
}

func (m *multiReadCloser) Close() error {
	var firstErr error
	for _, c := range m.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *CompositeUploadPart) open(ctx context.Context, fetcher RangeFetcher) (io.ReadCloser, error) {
	readers := make([]io.Reader, 0, len(p.Subparts))
	m := &multiReadCloser{}
	for i, s := range p.Subparts {
		if s.Remote() {
			if fetcher == nil {
				_ = m.Close()
				return nil, fmt.Errorf("no downloader to fetch remote subpart of %v", s.Source)
			}
			data, err := p.fetch(ctx, fetcher, i)
			if err != nil {
				_ = m.Close()
				return nil, err
			}
			readers = append(readers, bytes.NewReader(data))
			continue
		}
		r, err := s.Source.(outbound.UploadSource).OpenRange(s.RelativeOffset, s.Len)
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		readers = append(readers, r)
		m.closers = append(m.closers, r)
	}
	m.Reader = io.MultiReader(readers...)
	return m, nil
}
