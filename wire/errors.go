package wire

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Error codes returned by the service that the engine reacts to.
const (
	CodeBadAuthToken     = "bad_auth_token"
	CodeExpiredAuthToken = "expired_auth_token"
	CodeUnauthorized     = "unauthorized"
	CodeBadRequest       = "bad_request"
	CodeNotFound         = "not_found"
	CodeTooManyRequests  = "too_many_requests"
	CodeServiceError     = "service_unavailable"
	CodeConnection       = "connection_error"
)

// Error is a failed remote call. Status is zero when no response was received.
type Error struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

// NewTransportError wraps a failure that happened before a response was received.
func NewTransportError(err error) *Error {
	return &Error{Code: CodeConnection, Message: err.Error(), Err: err}
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary reports whether repeating the same request may succeed.
func (e *Error) Temporary() bool {
	switch {
	case e.Status == 0:
		return true
	case e.Status == 408, e.Status == 429:
		return true
	case e.Status >= 500:
		return true
	}
	return false
}

func (e *Error) isAuthTokenProblem() bool {
	return e.Status == 401 && (e.Code == CodeExpiredAuthToken || e.Code == CodeBadAuthToken)
}

// IsRetryable reports whether err is a transient transport or service failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var wireErr *Error
	if errors.As(err, &wireErr) {
		return wireErr.Temporary()
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// ShouldRetryUpload reports whether an upload attempt failing with err may be repeated with a fresh
// upload URL. Besides transient failures this covers rejected upload tokens and checksum mismatches.
func ShouldRetryUpload(err error) bool {
	if IsRetryable(err) {
		return true
	}
	var mismatch *ChecksumMismatchError
	if errors.As(err, &mismatch) {
		return true
	}
	var wireErr *Error
	if errors.As(err, &wireErr) {
		return wireErr.isAuthTokenProblem()
	}
	return false
}

// IsExpiredAuthToken reports whether the account token used for err's call is no longer valid.
func IsExpiredAuthToken(err error) bool {
	var wireErr *Error
	return errors.As(err, &wireErr) && wireErr.isAuthTokenProblem()
}

// IsUnauthorized reports a permission problem of the authorized key.
func IsUnauthorized(err error) bool {
	var wireErr *Error
	return errors.As(err, &wireErr) && wireErr.Status == 401 && wireErr.Code == CodeUnauthorized
}

// IsNotFound ...
func IsNotFound(err error) bool {
	var wireErr *Error
	return errors.As(err, &wireErr) && wireErr.Status == 404
}

// RetryAfter returns the delay the service asked for, if any.
func RetryAfter(err error) time.Duration {
	var wireErr *Error
	if errors.As(err, &wireErr) {
		return wireErr.RetryAfter
	}
	return 0
}

// ChecksumMismatchError ...
type ChecksumMismatchError struct {
	Algorithm string
	Expected  string
	Actual    string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("%s checksum mismatch: expected %s, actual %s", e.Algorithm, e.Expected, e.Actual)
}

// TruncatedOutputError ...
type TruncatedOutputError struct {
	BytesRead int64
	Expected  int64
}

func (e *TruncatedOutputError) Error() string {
	return fmt.Sprintf("only %d of %d bytes read", e.BytesRead, e.Expected)
}

// InvalidRangeError is returned when the service answered a range request with a different range.
type InvalidRangeError struct {
	ContentLength int64
	Range         ByteRange
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("range %s is not satisfiable by %d bytes of content", e.Range, e.ContentLength)
}

// AlreadyFailedError is returned by parts that did not start because a sibling part failed.
type AlreadyFailedError struct {
	Message string
}

func (e *AlreadyFailedError) Error() string {
	return "large file upload already failed: " + e.Message
}

// MaxRetriesExceededError aggregates every failed attempt of an operation.
type MaxRetriesExceededError struct {
	Limit int
	Errs  []error
}

func (e *MaxRetriesExceededError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("failed after %d attempts: [%s]", e.Limit, strings.Join(msgs, "; "))
}

func (e *MaxRetriesExceededError) Unwrap() []error {
	return e.Errs
}
