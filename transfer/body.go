package transfer

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"hash"
	"io"

	"github.com/bitrise-io/go-objtransfer/outbound"
	"github.com/bitrise-io/go-objtransfer/wire"
)

// Body is the content of an upload request. Open is called once per attempt.
type Body interface {
	Length() int64
	Open(ctx context.Context) (io.ReadCloser, error)
	// KnownSHA1 returns the content digest if it is available without reading the content.
	KnownSHA1() (string, bool)
}

type sourceBody struct {
	source outbound.UploadSource
}

// SourceBody uploads the whole of an upload source.
func SourceBody(source outbound.UploadSource) Body {
	return sourceBody{source: source}
}

func (b sourceBody) Length() int64 { return b.source.Length() }

func (b sourceBody) Open(context.Context) (io.ReadCloser, error) {
	return b.source.OpenRange(0, b.source.Length())
}

func (b sourceBody) KnownSHA1() (string, bool) { return b.source.KnownSHA1() }

type bytesBody []byte

// BytesBody uploads data held in memory.
func BytesBody(data []byte) Body {
	return bytesBody(data)
}

func (b bytesBody) Length() int64 { return int64(len(b)) }

func (b bytesBody) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (b bytesBody) KnownSHA1() (string, bool) {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:]), true
}

const sha1HexLength = 2 * sha1.Size

// trailingHashReader streams the content followed by the hex SHA1 of it.
type trailingHashReader struct {
	r       io.ReadCloser
	h       hash.Hash
	trailer []byte
}

func newTrailingHashReader(r io.ReadCloser) *trailingHashReader {
	return &trailingHashReader{r: r, h: sha1.New()}
}

func (t *trailingHashReader) Read(p []byte) (int, error) {
	if t.trailer == nil {
		n, err := t.r.Read(p)
		if n > 0 {
			t.h.Write(p[:n])
		}
		if err == io.EOF {
			t.trailer = []byte(hex.EncodeToString(t.h.Sum(nil)))
			if n > 0 {
				return n, nil
			}
		} else {
			return n, err
		}
	}
	if len(t.trailer) == 0 {
		return 0, io.EOF
	}
	n := copy(p, t.trailer)
	t.trailer = t.trailer[n:]
	return n, nil
}

// Digest returns the digest of the content, once all of it was read.
func (t *trailingHashReader) Digest() string {
	return hex.EncodeToString(t.h.Sum(nil))
}

func (t *trailingHashReader) Close() error {
	return t.r.Close()
}

// preparedBody is the request body of a single attempt.
type preparedBody struct {
	reader        io.ReadCloser
	contentLength int64
	contentSHA1   string
	trailing      *trailingHashReader
}

func prepareBody(ctx context.Context, body Body) (*preparedBody, error) {
	r, err := body.Open(ctx)
	if err != nil {
		return nil, err
	}
	if digest, ok := body.KnownSHA1(); ok {
		return &preparedBody{reader: r, contentLength: body.Length(), contentSHA1: digest}, nil
	}
	trailing := newTrailingHashReader(r)
	return &preparedBody{
		reader:        trailing,
		contentLength: body.Length() + sha1HexLength,
		contentSHA1:   wire.HexDigitsAtEnd,
		trailing:      trailing,
	}, nil
}

// expectedSHA1 is the digest the service has to report for the uploaded content.
func (p *preparedBody) expectedSHA1() string {
	if p.trailing != nil {
		return p.trailing.Digest()
	}
	return p.contentSHA1
}

func verifyUpload(expectedLength, actualLength int64, expectedSHA1, actualSHA1 string) error {
	if actualLength != expectedLength {
		return &wire.TruncatedOutputError{BytesRead: actualLength, Expected: expectedLength}
	}
	if actualSHA1 != "" && actualSHA1 != "none" && actualSHA1 != expectedSHA1 {
		return &wire.ChecksumMismatchError{Algorithm: "sha1", Expected: expectedSHA1, Actual: actualSHA1}
	}
	return nil
}
