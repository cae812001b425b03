package emerge

import (
	"errors"
	"fmt"

	"github.com/docker/go-units"
)

// Executor errors without payload.
var (
	ErrContinuationForSmallFile   = errors.New("a large file continuation id was given for a plan uploaded with a single request")
	ErrContinuationNotAllowed     = errors.New("continuing a large file needs the listFiles capability")
	ErrFileInfoWithoutContentType = errors.New("file info can only be replaced together with the content type")
	ErrUnfinishedFileNotFound     = errors.New("unfinished large file not found")
)

// MaxFileSizeExceededError is returned before any request for plans above the file size limit.
type MaxFileSizeExceededError struct {
	Size, Max int64
}

func (e *MaxFileSizeExceededError) Error() string {
	return fmt.Sprintf("file size %s exceeds the maximum of %s",
		units.HumanSizeWithPrecision(float64(e.Size), 3), units.HumanSizeWithPrecision(float64(e.Max), 3))
}

// TooManyPartsError ...
type TooManyPartsError struct {
	Count, Max int
}

func (e *TooManyPartsError) Error() string {
	return fmt.Sprintf("plan has %d parts, at most %d are allowed", e.Count, e.Max)
}

// ResumeMetadataMismatchError is returned when an explicitly continued large file was started with
// different metadata.
type ResumeMetadataMismatchError struct {
	FileID string
	Field  string
}

func (e *ResumeMetadataMismatchError) Error() string {
	return fmt.Sprintf("cannot resume unfinished large file %s with different %s", e.FileID, e.Field)
}
