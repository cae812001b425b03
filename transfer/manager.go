// Package transfer performs single upload and copy requests with retries and verification.
package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/bitrise-io/go-objtransfer/wire"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Operation names used in logs and metrics.
const (
	OpUploadFile = "upload_file"
	OpUploadPart = "upload_part"
	OpCopyFile   = "copy_file"
	OpCopyPart   = "copy_part"
	OpDownload   = "download"
)

type attempter struct {
	config  Config
	logger  log.Logger
	stats   *Stats
	metrics *Metrics
}

func newAttempter(config Config, logger log.Logger, metrics *Metrics) attempter {
	return attempter{
		config:  config.withDefaults(),
		logger:  logger,
		stats:   NewStats(),
		metrics: metrics,
	}
}

// run calls do until it succeeds, fails with an error shouldRetry rejects, or runs out of
// attempts. onRetry is called after every retryable failure. The first failure that ends the
// run is latched on state. Waits between attempts end early when ctx is done.
func (a attempter) run(ctx context.Context, op, what string, state *LargeFileUploadState,
	shouldRetry func(error) bool, onRetry func(error), do func() error) error {
	var errs []error
	aborted := false

	err := retry.Times(uint(a.config.MaxAttempts - 1)).TryWithAbort(func(attempt uint) (error, bool) {
		if err := state.alreadyFailed(); err != nil {
			aborted = true
			return err, true
		}
		if err := ctx.Err(); err != nil {
			aborted = true
			return err, true
		}

		a.logger.Debugf("%s %s (attempt %d/%d) [finished=%d] [avg=%v]",
			op, what, attempt+1, a.config.MaxAttempts, a.stats.FinishedCount(), a.stats.Average().Round(time.Millisecond))

		start := time.Now()
		err := do()
		if err == nil {
			a.stats.Update(time.Since(start))
			a.metrics.RecordAttempt(op, "success")
			return nil, false
		}

		a.stats.Failure()
		if !shouldRetry(err) {
			a.metrics.RecordAttempt(op, "failed")
			aborted = true
			return err, true
		}

		a.metrics.RecordAttempt(op, "retry")
		a.logger.Warnf("%s %s attempt %d failed: %s", op, what, attempt+1, err)
		errs = append(errs, err)
		if onRetry != nil {
			onRetry(err)
		}
		if int(attempt)+1 < a.config.MaxAttempts {
			sleep(ctx, max(a.config.RetryWait, wire.RetryAfter(err)))
		}
		return err, false
	})
	if err == nil {
		return nil
	}

	if !aborted {
		err = &wire.MaxRetriesExceededError{Limit: a.config.MaxAttempts, Errs: errs}
	}
	var alreadyFailed *wire.AlreadyFailedError
	if state != nil && !errors.As(err, &alreadyFailed) {
		state.MarkFailed(err)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
