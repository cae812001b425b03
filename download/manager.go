// Package download saves files from the service, splitting large ones into parallel range requests.
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-objtransfer/outbound"
	"github.com/bitrise-io/go-objtransfer/progress"
	"github.com/bitrise-io/go-objtransfer/transfer"
	"github.com/bitrise-io/go-objtransfer/wire"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Session is the part of the session downloads use.
type Session interface {
	DownloadFileFromURL(ctx context.Context, req wire.DownloadRequest) (*wire.DownloadResponse, error)
	DownloadURLByID(fileID string) string
	DownloadURLByName(bucketName, fileName string) string
}

// Manager opens downloads and picks the strategy saving them.
type Manager struct {
	session Session
	config  Config
	workers int
	logger  log.Logger
	metrics *transfer.Metrics
}

// NewManager ...
// workers bounds the parallel streams of a single download, like the size of the client's worker pool.
func NewManager(session Session, config Config, workers int, logger log.Logger, metrics *transfer.Metrics) *Manager {
	if workers <= 0 {
		workers = transfer.DefaultConcurrency()
	}
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Manager{
		session: session,
		config:  config.withDefaults(),
		workers: workers,
		logger:  logger,
		metrics: metrics,
	}
}

// DownloadFileByID opens the download of a whole file, or of r when it is not nil.
func (m *Manager) DownloadFileByID(ctx context.Context, fileID string, r *wire.ByteRange, encryption wire.EncryptionSetting, listener progress.Listener) (*DownloadedFile, error) {
	return m.DownloadFileFromURL(ctx, m.session.DownloadURLByID(fileID), r, encryption, listener)
}

// DownloadFileByName opens the download of the latest version of fileName.
func (m *Manager) DownloadFileByName(ctx context.Context, bucketName, fileName string, r *wire.ByteRange, encryption wire.EncryptionSetting, listener progress.Listener) (*DownloadedFile, error) {
	return m.DownloadFileFromURL(ctx, m.session.DownloadURLByName(bucketName, fileName), r, encryption, listener)
}

// DownloadFileFromURL opens the download. Nothing is read until the returned file is saved.
func (m *Manager) DownloadFileFromURL(ctx context.Context, url string, r *wire.ByteRange, encryption wire.EncryptionSetting, listener progress.Listener) (*DownloadedFile, error) {
	resp, err := m.open(ctx, wire.DownloadRequest{URL: url, Range: r, Encryption: encryption})
	if err != nil {
		return nil, err
	}

	version, err := wire.DownloadVersionFromHeaders(resp.Header)
	if err != nil {
		resp.Body.Close() //nolint:errcheck
		return nil, fmt.Errorf("parse download headers: %w", err)
	}
	if r != nil && (version.Range.Start != r.Start || version.ContentLength != r.Size()) {
		resp.Body.Close() //nolint:errcheck
		return nil, &wire.InvalidRangeError{ContentLength: version.ContentLength, Range: *r}
	}

	return &DownloadedFile{
		manager:    m,
		url:        url,
		encryption: encryption,
		version:    version,
		response:   resp,
		listener:   progress.OrNoop(listener),
	}, nil
}

// FetchRange downloads a range of a stored file into memory.
func (m *Manager) FetchRange(ctx context.Context, source *outbound.CopySource, r wire.ByteRange) ([]byte, error) {
	file, err := m.DownloadFileFromURL(ctx, m.session.DownloadURLByID(source.FileID), &r, source.Encryption, nil)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(int(r.Size()))
	if err := file.Save(ctx, &buf, false); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// open requests req, retrying transient failures.
func (m *Manager) open(ctx context.Context, req wire.DownloadRequest) (*wire.DownloadResponse, error) {
	var resp *wire.DownloadResponse
	err := retry.Times(uint(m.config.MaxAttempts-1)).TryWithAbort(func(attempt uint) (error, bool) {
		if err := waitBeforeRetry(ctx, attempt, m.config.RetryWait); err != nil {
			return err, true
		}
		var err error
		resp, err = m.session.DownloadFileFromURL(ctx, req)
		if err == nil {
			return nil, false
		}
		if !wire.IsRetryable(err) {
			m.metrics.RecordAttempt(transfer.OpDownload, "failed")
			return err, true
		}
		m.metrics.RecordAttempt(transfer.OpDownload, "retry")
		m.logger.Debugf("Download of %s failed, attempt %d: %s", req.URL, attempt+1, err)
		return err, false
	})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", req.URL, err)
	}
	return resp, nil
}

// DownloadedFile is an open download.
type DownloadedFile struct {
	manager    *Manager
	url        string
	encryption wire.EncryptionSetting
	version    wire.DownloadVersion
	response   *wire.DownloadResponse
	listener   progress.Listener
}

// Version describes the downloaded file.
func (f *DownloadedFile) Version() wire.DownloadVersion {
	return f.version
}

// Close releases the response without saving it.
func (f *DownloadedFile) Close() error {
	return f.response.Body.Close()
}

// Save writes the content to w. With allowSeeking, and w an io.ReadWriteSeeker, large content is
// fetched with parallel range requests; the content is then written from w's current position.
func (f *DownloadedFile) Save(ctx context.Context, w io.Writer, allowSeeking bool) error {
	defer f.response.Body.Close() //nolint:errcheck

	f.listener.SetTotalBytes(f.version.ContentLength)
	defer f.listener.Close()

	decoder := f.decoder()
	if decoder != nil {
		f.manager.logger.Debugf("Decoding %s content of %s", f.version.ContentEncoding, f.version.FileName)
		return f.saveDecoded(w, decoder)
	}

	if rws, ok := w.(io.ReadWriteSeeker); ok && allowSeeking {
		if streams := f.parallelStreams(); streams > 1 {
			f.manager.logger.Debugf("Downloading %s with %d streams", f.version.FileName, streams)
			return f.saveParallel(ctx, rws, streams)
		}
	}
	return f.saveSimple(ctx, w)
}

// SaveTo writes the content to the file at path, creating or truncating it.
func (f *DownloadedFile) SaveTo(ctx context.Context, path string) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		f.response.Body.Close() //nolint:errcheck
		return fmt.Errorf("create directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		f.response.Body.Close() //nolint:errcheck
		return fmt.Errorf("create file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close file: %w", closeErr)
		}
	}()

	return f.Save(ctx, file, true)
}

// hashChecked reports whether the declared digest covers exactly the downloaded bytes.
func (f *DownloadedFile) hashChecked() bool {
	return f.manager.config.CheckHash &&
		f.version.ContentSHA1 != "" &&
		f.version.Range.Start == 0 &&
		f.version.ContentLength == f.version.Size
}

func (f *DownloadedFile) validate(read int64, sha1 string) error {
	if read != f.version.ContentLength {
		return &wire.TruncatedOutputError{BytesRead: read, Expected: f.version.ContentLength}
	}
	if f.hashChecked() && sha1 != f.version.ContentSHA1 {
		return &wire.ChecksumMismatchError{Algorithm: "sha1", Expected: f.version.ContentSHA1, Actual: sha1}
	}
	f.manager.metrics.RecordAttempt(transfer.OpDownload, "success")
	f.manager.metrics.RecordBytes(transfer.OpDownload, read)
	return nil
}

// reopen requests the part of r that starts skip bytes into it.
func (f *DownloadedFile) reopen(ctx context.Context, r wire.ByteRange, skip int64) (io.ReadCloser, error) {
	remainder := wire.ByteRange{Start: r.Start + skip, End: r.End}
	resp, err := f.manager.open(ctx, wire.DownloadRequest{URL: f.url, Range: &remainder, Encryption: f.encryption})
	if err != nil {
		return nil, err
	}
	version, err := wire.DownloadVersionFromHeaders(resp.Header)
	if err == nil && (version.Range.Start != remainder.Start || version.ContentLength != remainder.Size()) {
		err = &wire.InvalidRangeError{ContentLength: version.ContentLength, Range: remainder}
	}
	if err != nil {
		resp.Body.Close() //nolint:errcheck
		return nil, err
	}
	return resp.Body, nil
}

// waitBeforeRetry waits d before every attempt but the first, unless ctx is done first.
func waitBeforeRetry(ctx context.Context, attempt uint, d time.Duration) error {
	if attempt > 0 && d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	return ctx.Err()
}

// isReadRetryable reports whether a broken response stream is worth a continuation request.
func isReadRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
