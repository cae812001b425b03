package wire

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name             string
		err              error
		retryable        bool
		retryUpload      bool
		expiredAuthToken bool
		unauthorized     bool
	}{
		{
			name:        "service unavailable",
			err:         &Error{Status: 503, Code: CodeServiceError},
			retryable:   true,
			retryUpload: true,
		},
		{
			name:        "too many requests",
			err:         &Error{Status: 429, Code: CodeTooManyRequests},
			retryable:   true,
			retryUpload: true,
		},
		{
			name:        "transport",
			err:         NewTransportError(errors.New("connection reset by peer")),
			retryable:   true,
			retryUpload: true,
		},
		{
			name:             "expired token",
			err:              &Error{Status: 401, Code: CodeExpiredAuthToken},
			retryUpload:      true,
			expiredAuthToken: true,
		},
		{
			name:         "permission",
			err:          &Error{Status: 401, Code: CodeUnauthorized},
			unauthorized: true,
		},
		{
			name: "bad request",
			err:  &Error{Status: 400, Code: CodeBadRequest},
		},
		{
			name:        "checksum mismatch",
			err:         fmt.Errorf("upload part: %w", &ChecksumMismatchError{Algorithm: "sha1"}),
			retryUpload: true,
		},
		{
			name:        "unexpected EOF",
			err:         io.ErrUnexpectedEOF,
			retryable:   true,
			retryUpload: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			assert.Equal(t, tt.retryUpload, ShouldRetryUpload(tt.err))
			assert.Equal(t, tt.expiredAuthToken, IsExpiredAuthToken(tt.err))
			assert.Equal(t, tt.unauthorized, IsUnauthorized(tt.err))
		})
	}
}

func TestMaxRetriesExceededError(t *testing.T) {
	first := &Error{Status: 503, Code: CodeServiceError, Message: "busy"}
	second := NewTransportError(errors.New("timeout"))
	err := error(&MaxRetriesExceededError{Limit: 2, Errs: []error{first, second}})

	assert.Contains(t, err.Error(), "busy")
	assert.Contains(t, err.Error(), "timeout")
	assert.True(t, errors.Is(err, first))

	var wireErr *Error
	require.True(t, errors.As(err, &wireErr))
	assert.Equal(t, 503, wireErr.Status)
}

func TestEncryptionSettingEqual(t *testing.T) {
	assert.True(t, EncryptionSetting{}.Equal(EncryptionSetting{Mode: EncryptionModeNone}))
	assert.True(t, EncryptionSetting{Mode: EncryptionModeSSEC, Algorithm: "AES256", Key: "secret"}.
		Equal(EncryptionSetting{Mode: EncryptionModeSSEC, Algorithm: "AES256"}))
	assert.False(t, EncryptionSetting{Mode: EncryptionModeSSEB2}.Equal(EncryptionSetting{}))
}
