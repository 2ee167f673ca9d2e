package models

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for job operations.
var (
	// Validation errors
	ErrMissingJobID      = errors.New("jobId is required")
	ErrMissingSourcePath = errors.New("sourcePath is required")
	ErrInvalidJobID      = errors.New("invalid job id")

	// Pipeline errors
	ErrInputMissing = errors.New("input missing")
	ErrToolFailed   = errors.New("tool failed")
	ErrToolTimeout  = errors.New("tool timed out")
	ErrResource     = errors.New("resource error")
	ErrOutputExists = errors.New("output already exists")
	ErrPublish      = errors.New("publish failed")
	ErrJobParse     = errors.New("failed to parse job")

	// Storage errors
	ErrJobNotFound = errors.New("job not found")

	// Validation errors for uploads
	ErrInvalidFileType    = errors.New("invalid file type")
	ErrFilenameTooLong    = errors.New("filename too long")
	ErrInvalidContentType = errors.New("invalid content type")
	ErrUploadTooLarge     = errors.New("upload too large")
)

// Error kinds recorded on a failed job.
const (
	KindInputMissing  = "InputMissing"
	KindToolFailed    = "ToolFailed"
	KindResourceError = "ResourceError"
	KindPublishError  = "PublishError"
	KindCanceled      = "Canceled"
	KindUnknown       = "Unknown"
)

// ToolError reports an external tool that exited non-zero or was killed.
type ToolError struct {
	Tool       string
	ExitCode   int
	StderrTail string
	TimedOut   bool
}

func (e *ToolError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("%s timed out: %s", e.Tool, e.StderrTail)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Tool, e.ExitCode, e.StderrTail)
}

func (e *ToolError) Unwrap() []error {
	if e.TimedOut {
		return []error{ErrToolFailed, ErrToolTimeout}
	}
	return []error{ErrToolFailed}
}

// StageError attributes an error to the lifecycle stage it happened in.
type StageError struct {
	Stage JobState
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// AtStage wraps err with its stage. A nil err stays nil and an existing
// StageError is kept as is.
func AtStage(stage JobState, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// ErrorKind classifies err into one of the Kind constants.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInputMissing):
		return KindInputMissing
	case errors.Is(err, ErrToolFailed):
		return KindToolFailed
	case errors.Is(err, ErrPublish):
		return KindPublishError
	case errors.Is(err, ErrResource), errors.Is(err, ErrOutputExists):
		return KindResourceError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	}
	return KindUnknown
}

// FailureFrom builds the terminal failure record for err. fallback is used
// when err carries no stage.
func FailureFrom(err error, fallback JobState) Failure {
	stage := fallback
	var se *StageError
	if errors.As(err, &se) {
		stage = se.Stage
	}
	detail := err.Error()
	if se != nil {
		detail = se.Err.Error()
	}
	return Failure{
		Stage:  stage,
		Kind:   ErrorKind(err),
		Detail: detail,
	}
}
