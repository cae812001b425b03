package transfer

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-objtransfer/wire"
	"github.com/bitrise-io/go-utils/v2/log"
)

// CopySession is the part of the session the copy manager uses.
type CopySession interface {
	CopyFile(ctx context.Context, req wire.CopyFileRequest) (wire.FileVersion, error)
	CopyPart(ctx context.Context, req wire.CopyPartRequest) (wire.Part, error)
}

// CopyManager performs server side copies.
type CopyManager struct {
	session CopySession
	attempter
}

// NewCopyManager ...
func NewCopyManager(session CopySession, config Config, logger log.Logger, metrics *Metrics) *CopyManager {
	return &CopyManager{
		session:   session,
		attempter: newAttempter(config, logger, metrics),
	}
}

// CopyFile creates a new file from a range of a stored one with a single request.
func (m *CopyManager) CopyFile(ctx context.Context, req wire.CopyFileRequest) (wire.FileVersion, error) {
	var file wire.FileVersion
	err := m.run(ctx, OpCopyFile, req.FileName, nil, wire.IsRetryable, nil, func() error {
		f, err := m.session.CopyFile(ctx, req)
		if err != nil {
			return err
		}
		file = f
		return nil
	})
	if err != nil {
		return wire.FileVersion{}, err
	}
	if req.Range != nil {
		m.metrics.RecordBytes(OpCopyFile, req.Range.Size())
	} else {
		m.metrics.RecordBytes(OpCopyFile, file.Size)
	}
	return file, nil
}

// CopyPart copies a range of a stored file into a part of a large file. Parts inherit the
// SSE-B2 encryption of their large file, so it is not sent with the request.
func (m *CopyManager) CopyPart(ctx context.Context, req wire.CopyPartRequest, state *LargeFileUploadState) (wire.Part, error) {
	if req.DestEncryption.IsSSEB2() {
		req.DestEncryption = wire.EncryptionSetting{}
	}

	var part wire.Part
	what := fmt.Sprintf("part %d of %s", req.PartNumber, req.LargeFileID)
	err := m.run(ctx, OpCopyPart, what, state, wire.IsRetryable, nil, func() error {
		p, err := m.session.CopyPart(ctx, req)
		if err != nil {
			return err
		}
		if req.Range != nil && p.Size != req.Range.Size() {
			return &wire.TruncatedOutputError{BytesRead: p.Size, Expected: req.Range.Size()}
		}
		part = p
		return nil
	})
	if err != nil {
		return wire.Part{}, err
	}
	m.metrics.RecordBytes(OpCopyPart, part.Size)
	if state != nil {
		state.AddBytes(part.Size)
	}
	return part, nil
}
