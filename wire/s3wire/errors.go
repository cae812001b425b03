package s3wire

import (
	"context"
	"errors"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/bitrise-io/go-objtransfer/wire"
)

// toWireError classifies an SDK error the way the native protocol reports failures.
func toWireError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	code := ""
	message := err.Error()
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		message = apiErr.ErrorMessage()
	}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	var noSuchUpload *types.NoSuchUpload
	switch {
	case errors.As(err, &noSuchKey), errors.As(err, &notFound), errors.As(err, &noSuchUpload),
		code == "NoSuchKey", code == "NotFound", code == "NoSuchUpload", code == "NoSuchBucket":
		return &wire.Error{Status: http.StatusNotFound, Code: wire.CodeNotFound, Message: message, Err: err}
	case code == "AccessDenied", code == "Forbidden", status == http.StatusForbidden:
		return &wire.Error{Status: http.StatusUnauthorized, Code: wire.CodeUnauthorized, Message: message, Err: err}
	case code == "ExpiredToken", code == "RequestExpired":
		return &wire.Error{Status: http.StatusUnauthorized, Code: wire.CodeExpiredAuthToken, Message: message, Err: err}
	case code == "SlowDown", code == "Throttling", code == "RequestThrottled":
		return &wire.Error{Status: http.StatusServiceUnavailable, Code: wire.CodeTooManyRequests, Message: message, Err: err}
	case code == "BadDigest", code == "InvalidDigest", code == "XAmzContentSHA256Mismatch":
		return &wire.Error{Status: http.StatusBadRequest, Code: wire.CodeBadRequest, Message: message, Err: err}
	case status != 0:
		return &wire.Error{Status: status, Code: code, Message: message, Err: err}
	case apiErr != nil:
		return &wire.Error{Status: http.StatusBadRequest, Code: code, Message: message, Err: err}
	}
	return wire.NewTransportError(err)
}
