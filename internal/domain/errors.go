package domain

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrTaskNotFound is returned when a task cannot be found
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskAlreadyClaimed is returned when a claim finds the task owned or finished
	ErrTaskAlreadyClaimed = errors.New("task already claimed or not claimable")

	// ErrTaskNotRunning is returned when a running-only update hits a task that no longer runs
	ErrTaskNotRunning = errors.New("task is not running")

	// ErrTaskFinished is returned when revoking a task that already ended
	ErrTaskFinished = errors.New("task already finished")

	// ErrUnknownKind is returned for a task kind with no registered definition
	ErrUnknownKind = errors.New("unknown task kind")

	// ErrInvalidParams is returned when stored task parameters cannot be decoded
	ErrInvalidParams = errors.New("invalid task parameters")

	// ErrMaxRetriesExceeded is returned when a task has used up its retries
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// FieldErrors maps a form field to its validation messages
type FieldErrors map[string][]string

// Add appends a message for field
func (f FieldErrors) Add(field, msg string) {
	f[field] = append(f[field], msg)
}

// ParamError reports rejected start parameters
type ParamError struct {
	Fields FieldErrors
}

func (e *ParamError) Error() string {
	fields := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return "invalid parameters: " + strings.Join(fields, ", ")
}

func (e *ParamError) Unwrap() error {
	return ErrInvalidParams
}
