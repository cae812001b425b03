package emerge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bitrise-io/go-objtransfer/progress"
	"github.com/bitrise-io/go-objtransfer/transfer"
	"github.com/bitrise-io/go-objtransfer/wire"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxPartsInFlight ...
const DefaultMaxPartsInFlight = 8

// LargeFileSession is the part of the session the executor uses directly.
type LargeFileSession interface {
	StartLargeFile(ctx context.Context, req wire.StartLargeFileRequest) (wire.UnfinishedFile, error)
	FinishLargeFile(ctx context.Context, fileID string, partSHA1s []string) (wire.FileVersion, error)
	ListParts(ctx context.Context, fileID string) ([]wire.Part, error)
	ListUnfinishedLargeFiles(ctx context.Context, bucketID, namePrefix string) ([]wire.UnfinishedFile, error)
	Allowed() wire.Allowed
}

// Submitter runs tasks on a worker pool. *ants.Pool implements it.
type Submitter interface {
	Submit(task func()) error
}

// ExecutorParams ...
type ExecutorParams struct {
	Session LargeFileSession
	Uploads *transfer.UploadManager
	Copies  *transfer.CopyManager
	// Fetcher downloads copy sources of composite parts.
	Fetcher RangeFetcher
	// Pool runs part uploads; nil starts a goroutine per part.
	Pool             Submitter
	MaxPartsInFlight int
	Logger           log.Logger
	Metrics          *transfer.Metrics
}

// Executor materializes plans.
type Executor struct {
	session          LargeFileSession
	uploads          *transfer.UploadManager
	copies           *transfer.CopyManager
	fetcher          RangeFetcher
	pool             Submitter
	maxPartsInFlight int64
	logger           log.Logger
	metrics          *transfer.Metrics
}

// NewExecutor ...
func NewExecutor(params ExecutorParams) *Executor {
	inFlight := params.MaxPartsInFlight
	if inFlight <= 0 {
		inFlight = DefaultMaxPartsInFlight
	}
	logger := params.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Executor{
		session:          params.Session,
		uploads:          params.Uploads,
		copies:           params.Copies,
		fetcher:          params.Fetcher,
		pool:             params.Pool,
		maxPartsInFlight: int64(inFlight),
		logger:           logger,
		metrics:          params.Metrics,
	}
}

// Options of a single execution.
type Options struct {
	// ContinueLargeFileID resumes the given unfinished large file.
	ContinueLargeFileID string
	Listener            progress.Listener
}

// Execute uploads and copies the parts of plan into fileName of the bucket.
func (e *Executor) Execute(ctx context.Context, plan Plan, bucketID, fileName string, meta wire.FileMeta, opts Options) (wire.FileVersion, error) {
	if bounded, ok := plan.(*BoundedPlan); ok {
		if total := bounded.TotalLength(); total > wire.MaxLargeFileSize {
			return wire.FileVersion{}, &MaxFileSizeExceededError{Size: total, Max: wire.MaxLargeFileSize}
		}
		if count := len(bounded.parts); count > wire.MaxPartCount {
			return wire.FileVersion{}, &TooManyPartsError{Count: count, Max: wire.MaxPartCount}
		}
	}

	if !plan.IsLargeFile() {
		if opts.ContinueLargeFileID != "" {
			return wire.FileVersion{}, ErrContinuationForSmallFile
		}
		part, err := plan.Parts().Next()
		if err != nil {
			return wire.FileVersion{}, fmt.Errorf("get plan part: %w", err)
		}
		defer releaseSources(part)
		return e.executeSmallFile(ctx, part, bucketID, fileName, meta, opts.Listener)
	}
	return e.executeLargeFile(ctx, plan, bucketID, fileName, meta, opts)
}

func (e *Executor) executeSmallFile(ctx context.Context, part Part, bucketID, fileName string, meta wire.FileMeta, listener progress.Listener) (wire.FileVersion, error) {
	copyPart, ok := part.(*CopyPart)
	if !ok {
		e.logger.Debugf("Uploading %s (%s) with a single request", fileName, units.HumanSizeWithPrecision(float64(part.Length()), 3))
		return e.uploads.UploadFile(ctx, bucketID, fileName, meta, e.uploadBody(part), listener)
	}

	listener = progress.OrNoop(listener)
	listener.SetTotalBytes(copyPart.Len)

	directive := wire.MetadataDirectiveReplace
	if meta.ContentType == "" {
		if meta.FileInfo != nil {
			return wire.FileVersion{}, ErrFileInfoWithoutContentType
		}
		directive = wire.MetadataDirectiveCopy
	}

	r := copyPart.Range()
	e.logger.Debugf("Copying %s %s into %s", copyPart.Source.FileID, r, fileName)
	file, err := e.copies.CopyFile(ctx, wire.CopyFileRequest{
		SourceFileID:      copyPart.Source.FileID,
		DestBucketID:      bucketID,
		FileName:          fileName,
		Range:             &r,
		MetadataDirective: directive,
		Meta:              meta,
		SourceEncryption:  copyPart.Source.Encryption,
	})
	if err != nil {
		return wire.FileVersion{}, err
	}
	listener.BytesCompleted(copyPart.Len)
	listener.Close()
	return file, nil
}

type partOutcome struct {
	sha1 string
	err  error
}

func (e *Executor) executeLargeFile(ctx context.Context, plan Plan, bucketID, fileName string, meta wire.FileMeta, opts Options) (wire.FileVersion, error) {
	info := map[string]string{}
	for k, v := range meta.FileInfo {
		info[k] = v
	}
	bounded, _ := plan.(*BoundedPlan)
	if bounded != nil {
		planID, ok, err := bounded.PlanID()
		if err != nil {
			return wire.FileVersion{}, fmt.Errorf("compute plan id: %w", err)
		}
		if ok {
			info[wire.FileInfoPlanID] = planID
		}
	}
	meta.FileInfo = info
	if meta.ContentType == "" {
		meta.ContentType = wire.AutoContentType
	}

	listener := progress.OrNoop(opts.Listener)
	if bounded != nil {
		listener.SetTotalBytes(bounded.TotalLength())
	}
	state := transfer.NewLargeFileUploadState(listener)

	unfinished, finished, err := e.findUnfinishedFile(ctx, bounded, bucketID, fileName, meta, opts.ContinueLargeFileID)
	if err != nil {
		return wire.FileVersion{}, err
	}
	var fileID string
	if unfinished != nil {
		fileID = unfinished.ID
		e.logger.Warnf("Resuming unfinished large file %s of %s with %d finished parts", fileID, fileName, len(finished))
	} else {
		started, err := e.session.StartLargeFile(ctx, wire.StartLargeFileRequest{BucketID: bucketID, FileName: fileName, Meta: meta})
		if err != nil {
			return wire.FileVersion{}, fmt.Errorf("start large file: %w", err)
		}
		fileID = started.ID
		e.logger.Debugf("Started large file %s for %s", fileID, fileName)
	}

	sem := semaphore.NewWeighted(e.maxPartsInFlight)
	var wg sync.WaitGroup
	var outcomes []*partOutcome
	var total int64

	parts := plan.Parts()
	for number := 1; !state.Failed(); number++ {
		part, err := parts.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			state.MarkFailed(fmt.Errorf("plan part %d: %w", number, err))
			break
		}
		if number > wire.MaxPartCount {
			releaseSources(part)
			state.MarkFailed(&TooManyPartsError{Count: number, Max: wire.MaxPartCount})
			break
		}
		if total += part.Length(); total > wire.MaxLargeFileSize {
			releaseSources(part)
			state.MarkFailed(&MaxFileSizeExceededError{Size: total, Max: wire.MaxLargeFileSize})
			break
		}

		outcome := &partOutcome{}
		outcomes = append(outcomes, outcome)

		if reused, ok := finished[number]; ok && partMatches(part, reused) {
			e.logger.Debugf("Reusing part %d of %s", number, fileID)
			outcome.sha1 = reused.ContentSHA1
			state.AddBytes(reused.Size)
			e.metrics.RecordReusedParts(1)
			releaseSources(part)
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			releaseSources(part)
			state.MarkFailed(err)
			break
		}
		wg.Add(1)
		task := func(number int, part Part, outcome *partOutcome) func() {
			return func() {
				defer wg.Done()
				defer sem.Release(1)
				defer releaseSources(part)
				outcome.sha1, outcome.err = e.executePart(ctx, fileID, number, part, meta.Encryption, state)
			}
		}(number, part, outcome)

		if e.pool == nil {
			go task()
		} else if err := e.pool.Submit(task); err != nil {
			wg.Done()
			sem.Release(1)
			releaseSources(part)
			state.MarkFailed(fmt.Errorf("submit part %d: %w", number, err))
			break
		}
	}
	wg.Wait()

	if err := state.Err(); err != nil {
		return wire.FileVersion{}, err
	}
	for number, outcome := range outcomes {
		if outcome.err != nil {
			return wire.FileVersion{}, fmt.Errorf("part %d: %w", number+1, outcome.err)
		}
	}

	sha1s := make([]string, 0, len(outcomes))
	for _, outcome := range outcomes {
		sha1s = append(sha1s, outcome.sha1)
	}
	file, err := e.session.FinishLargeFile(ctx, fileID, sha1s)
	if err != nil {
		return wire.FileVersion{}, fmt.Errorf("finish large file: %w", err)
	}
	listener.Close()
	return file, nil
}

func (e *Executor) executePart(ctx context.Context, fileID string, number int, part Part, encryption wire.EncryptionSetting, state *transfer.LargeFileUploadState) (string, error) {
	var result wire.Part
	var err error
	switch p := part.(type) {
	case *CopyPart:
		r := p.Range()
		result, err = e.copies.CopyPart(ctx, wire.CopyPartRequest{
			SourceFileID:     p.Source.FileID,
			LargeFileID:      fileID,
			PartNumber:       number,
			Range:            &r,
			DestEncryption:   encryption,
			SourceEncryption: p.Source.Encryption,
		}, state)
	default:
		result, err = e.uploads.UploadPart(ctx, fileID, number, e.uploadBody(part), encryption, state)
	}
	if err != nil {
		var alreadyFailed *wire.AlreadyFailedError
		if !errors.As(err, &alreadyFailed) {
			state.MarkFailed(err)
		}
		return "", err
	}
	return result.ContentSHA1, nil
}
