package download

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/bitrise-io/go-objtransfer/progress"
	"github.com/bitrise-io/go-objtransfer/wire"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// saveSimple streams the content to w over a single connection, asking for the unread
// remainder when the connection breaks.
func (f *DownloadedFile) saveSimple(ctx context.Context, w io.Writer) error {
	config := f.manager.config
	hash := sha1.New()
	out := &trackingWriter{w: w}
	expected := f.version.ContentLength

	var read int64
	body := io.ReadCloser(f.response.Body)
	err := retry.Times(uint(config.MaxAttempts-1)).TryWithAbort(func(attempt uint) (error, bool) {
		if err := waitBeforeRetry(ctx, attempt, config.RetryWait); err != nil {
			return err, true
		}
		if attempt > 0 {
			f.manager.logger.Debugf("Continuing download of %s from byte %d of %d", f.version.FileName, read, expected)
			continuation, err := f.reopen(ctx, f.version.Range, read)
			if err != nil {
				return err, true
			}
			defer continuation.Close() //nolint:errcheck
			body = continuation
		}

		reader := progress.NewReader(body, func(n int64) {
			read += n
			f.listener.BytesCompleted(read)
		})
		_, err := io.Copy(io.MultiWriter(out, hash), io.LimitReader(reader, expected-read))
		switch {
		case out.err != nil:
			return out.err, true
		case ctx.Err() != nil:
			return ctx.Err(), true
		case err == nil && read < expected:
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			return err, !isReadRetryable(err)
		}
		return nil, false
	})
	if err != nil {
		if out.err != nil || ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("download %s: %w: %w", f.version.FileName, err, &wire.TruncatedOutputError{BytesRead: read, Expected: expected})
	}

	return f.validate(read, hex.EncodeToString(hash.Sum(nil)))
}

// trackingWriter remembers write failures, so they are not mistaken for network ones.
type trackingWriter struct {
	w   io.Writer
	err error
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil && t.err == nil {
		t.err = fmt.Errorf("write: %w", err)
	}
	return n, err
}

type decodeFunc func(r io.Reader) (io.ReadCloser, error)

// decoder returns the decoder of the content encoding, or nil when the content is saved as is.
func (f *DownloadedFile) decoder() decodeFunc {
	if !f.manager.config.DecodeContent {
		return nil
	}
	switch strings.ToLower(f.version.ContentEncoding) {
	case "gzip":
		return func(r io.Reader) (io.ReadCloser, error) {
			return gzip.NewReader(r)
		}
	case "zstd":
		return func(r io.Reader) (io.ReadCloser, error) {
			d, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return d.IOReadCloser(), nil
		}
	}
	return nil
}

// saveDecoded writes the decoded content. The declared length and digest describe the encoded
// bytes, so the output is not validated.
func (f *DownloadedFile) saveDecoded(w io.Writer, decode decodeFunc) error {
	var read int64
	encoded := progress.NewReader(f.response.Body, func(n int64) {
		read += n
		f.listener.BytesCompleted(read)
	})
	decoded, err := decode(encoded)
	if err != nil {
		return fmt.Errorf("open %s decoder: %w", f.version.ContentEncoding, err)
	}
	defer decoded.Close() //nolint:errcheck

	if _, err := io.Copy(w, decoded); err != nil {
		return fmt.Errorf("decode %s content: %w", f.version.ContentEncoding, err)
	}
	return nil
}
