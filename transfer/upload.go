package transfer

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/bitrise-io/go-objtransfer/progress"
	"github.com/bitrise-io/go-objtransfer/wire"
	"github.com/bitrise-io/go-utils/v2/log"
)

// UploadSession is the part of the session the upload manager uses.
type UploadSession interface {
	UploadFile(ctx context.Context, bucketID string, req wire.UploadFileRequest) (wire.FileVersion, error)
	UploadPart(ctx context.Context, req wire.UploadPartRequest) (wire.Part, error)
	ClearBucketUploadURLs(bucketID string)
	ClearLargeFileUploadURLs(fileID string)
}

// UploadManager uploads small files and parts of large files.
type UploadManager struct {
	session UploadSession
	attempter
}

// NewUploadManager ...
func NewUploadManager(session UploadSession, config Config, logger log.Logger, metrics *Metrics) *UploadManager {
	return &UploadManager{
		session:   session,
		attempter: newAttempter(config, logger, metrics),
	}
}

// Stats returns the request statistics of the manager.
func (m *UploadManager) Stats() *Stats {
	return m.stats
}

// UploadFile uploads body as a new file with a single request.
func (m *UploadManager) UploadFile(ctx context.Context, bucketID, fileName string, meta wire.FileMeta, body Body, listener progress.Listener) (wire.FileVersion, error) {
	listener = progress.OrNoop(listener)
	listener.SetTotalBytes(body.Length())
	if meta.ContentType == "" {
		meta.ContentType = wire.AutoContentType
	}

	var file wire.FileVersion
	err := m.run(ctx, OpUploadFile, fileName, nil, wire.ShouldRetryUpload,
		func(error) { m.session.ClearBucketUploadURLs(bucketID) },
		func() error {
			prepared, err := prepareBody(ctx, body)
			if err != nil {
				return fmt.Errorf("open upload source: %w", err)
			}
			defer func() {
				_ = prepared.reader.Close()
			}()

			var read int64
			reader := progress.NewReader(prepared.reader, func(n int64) {
				completed := atomic.AddInt64(&read, n)
				if completed > body.Length() {
					completed = body.Length()
				}
				listener.BytesCompleted(completed)
			})

			f, err := m.session.UploadFile(ctx, bucketID, wire.UploadFileRequest{
				FileName:      fileName,
				Meta:          meta,
				ContentLength: prepared.contentLength,
				ContentSHA1:   prepared.contentSHA1,
				Body:          reader,
			})
			if err != nil {
				return err
			}
			if err := verifyUpload(body.Length(), f.Size, prepared.expectedSHA1(), f.ContentSHA1); err != nil {
				return err
			}
			file = f
			return nil
		})
	if err != nil {
		return wire.FileVersion{}, err
	}
	m.metrics.RecordBytes(OpUploadFile, body.Length())
	listener.Close()
	return file, nil
}

// UploadPart uploads one part of the large file fileID. The completed bytes are reported to state.
func (m *UploadManager) UploadPart(ctx context.Context, fileID string, partNumber int, body Body, encryption wire.EncryptionSetting, state *LargeFileUploadState) (wire.Part, error) {
	var part wire.Part
	what := fmt.Sprintf("part %d of %s", partNumber, fileID)
	err := m.run(ctx, OpUploadPart, what, state, wire.ShouldRetryUpload,
		func(error) { m.session.ClearLargeFileUploadURLs(fileID) },
		func() error {
			prepared, err := prepareBody(ctx, body)
			if err != nil {
				return fmt.Errorf("open part %d: %w", partNumber, err)
			}
			defer func() {
				_ = prepared.reader.Close()
			}()

			p, err := m.session.UploadPart(ctx, wire.UploadPartRequest{
				FileID:        fileID,
				PartNumber:    partNumber,
				ContentLength: prepared.contentLength,
				ContentSHA1:   prepared.contentSHA1,
				Encryption:    encryption,
				Body:          prepared.reader,
			})
			if err != nil {
				return err
			}
			if err := verifyUpload(body.Length(), p.Size, prepared.expectedSHA1(), p.ContentSHA1); err != nil {
				return err
			}
			part = p
			return nil
		})
	if err != nil {
		return wire.Part{}, err
	}
	m.metrics.RecordBytes(OpUploadPart, body.Length())
	if state != nil {
		state.AddBytes(body.Length())
	}
	return part, nil
}
