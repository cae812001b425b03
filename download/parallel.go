package download

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"sync/atomic"

	"github.com/bitrise-io/go-objtransfer/wire"
	"github.com/bitrise-io/go-utils/retry"
	"golang.org/x/sync/errgroup"
)

const writeChunkSize = 1 << 20

// partToDownload is the range a single stream fetches, with its offset relative to the
// position the content is saved from.
type partToDownload struct {
	cloud wire.ByteRange
	local int64
}

type writeJob struct {
	offset int64
	data   []byte
}

// parallelStreams returns the number of streams the content is split into.
func (f *DownloadedFile) parallelStreams() int {
	config := f.manager.config
	if f.version.ContentLength < 2*config.MinPartSize {
		return 1
	}
	return max(min(config.MaxStreams, int(f.version.ContentLength/config.MinPartSize), f.manager.workers), 1)
}

// splitRange splits r into count near-equal parts.
func splitRange(r wire.ByteRange, count int) []partToDownload {
	parts := make([]partToDownload, 0, count)
	remaining := r.Size()
	var local int64
	for i := 0; i < count; i++ {
		size := remaining / int64(count-i)
		parts = append(parts, partToDownload{cloud: wire.NewByteRange(r.Start+local, size), local: local})
		local += size
		remaining -= size
	}
	return parts
}

// saveParallel fetches the parts concurrently. The first part is read from the open response,
// the others with their own range requests. A single writer goroutine owns w.
func (f *DownloadedFile) saveParallel(ctx context.Context, w io.ReadWriteSeeker, streams int) error {
	base, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("get destination position: %w", err)
	}
	parts := splitRange(f.version.Range, streams)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan writeJob, 2*streams)
	writerDone := make(chan error, 1)
	go func() {
		writerDone <- writeLoop(w, base, jobs, cancel)
	}()

	var firstHash hash.Hash
	if f.hashChecked() {
		firstHash = sha1.New()
	}

	var completed atomic.Int64
	reads := make([]int64, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	for i, part := range parts {
		i, part := i, part
		var first io.Reader
		var h hash.Hash
		if i == 0 {
			first, h = f.response.Body, firstHash
		}
		g.Go(func() error {
			read, err := f.fetchPart(gctx, part, first, h, jobs, &completed)
			reads[i] = read
			return err
		})
	}
	fetchErr := g.Wait()
	close(jobs)
	if err := <-writerDone; err != nil {
		return err
	}
	if fetchErr != nil {
		return fetchErr
	}

	var total int64
	for _, read := range reads {
		total += read
	}

	var digest string
	if firstHash != nil {
		// Network completion order is not byte order: everything after the first part is read back.
		if _, err := w.Seek(base+parts[0].cloud.Size(), io.SeekStart); err != nil {
			return fmt.Errorf("seek to read back: %w", err)
		}
		if _, err := io.CopyN(firstHash, w, total-parts[0].cloud.Size()); err != nil {
			return fmt.Errorf("read back downloaded content: %w", err)
		}
		digest = hex.EncodeToString(firstHash.Sum(nil))
	}
	if _, err := w.Seek(base+total, io.SeekStart); err != nil {
		return fmt.Errorf("seek to end: %w", err)
	}

	return f.validate(total, digest)
}

// fetchPart reads part into write jobs, re-requesting the unread remainder when the stream breaks.
// first is the already open stream of the part, if any.
func (f *DownloadedFile) fetchPart(ctx context.Context, part partToDownload, first io.Reader, h hash.Hash, jobs chan<- writeJob, completed *atomic.Int64) (int64, error) {
	config := f.manager.config
	size := part.cloud.Size()
	var read int64

	body := first
	err := retry.Times(uint(config.MaxAttempts-1)).TryWithAbort(func(attempt uint) (error, bool) {
		if err := waitBeforeRetry(ctx, attempt, config.RetryWait); err != nil {
			return err, true
		}
		if body == nil {
			if attempt > 0 {
				f.manager.logger.Debugf("Continuing %s of %s from byte %d", part.cloud, f.version.FileName, read)
			}
			rc, err := f.reopen(ctx, part.cloud, read)
			if err != nil {
				return err, true
			}
			defer rc.Close() //nolint:errcheck
			body = rc
		}
		defer func() { body = nil }()

		for read < size {
			chunk := make([]byte, min(writeChunkSize, size-read))
			n, err := io.ReadFull(body, chunk)
			if n > 0 {
				if h != nil {
					h.Write(chunk[:n]) //nolint:errcheck
				}
				select {
				case jobs <- writeJob{offset: part.local + read, data: chunk[:n]}:
				case <-ctx.Done():
					return ctx.Err(), true
				}
				read += int64(n)
				f.listener.BytesCompleted(completed.Add(int64(n)))
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err(), true
				}
				return err, !isReadRetryable(err)
			}
		}
		return nil, false
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return read, err
		}
		return read, fmt.Errorf("download %s of %s: %w: %w", part.cloud, f.version.FileName, err, &wire.TruncatedOutputError{BytesRead: read, Expected: size})
	}
	return read, nil
}

// writeLoop applies the jobs at their offsets. After the first failure it only drains jobs.
func writeLoop(w io.WriteSeeker, base int64, jobs <-chan writeJob, cancel context.CancelFunc) error {
	var failure error
	for job := range jobs {
		if failure != nil {
			continue
		}
		if _, err := w.Seek(base+job.offset, io.SeekStart); err != nil {
			failure = fmt.Errorf("seek: %w", err)
			cancel()
			continue
		}
		if _, err := w.Write(job.data); err != nil {
			failure = fmt.Errorf("write: %w", err)
			cancel()
		}
	}
	return failure
}
