package asyncjob

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStartFailed is returned when the start request fails or its response
	// lacks the task id or the follow-up URLs
	ErrStartFailed = errors.New("failed to start background task")

	// ErrPollFailed is returned when a status request fails for a reason other
	// than a timeout
	ErrPollFailed = errors.New("background task failed")

	// ErrLostConnection is returned when a status request times out
	ErrLostConnection = errors.New("lost contact to the server")

	// ErrJobFailed is returned when the server reports FAILURE or REVOKED
	ErrJobFailed = errors.New("background task reported failure")

	// ErrFinalizeFailed is returned when the finalize request fails
	ErrFinalizeFailed = errors.New("failed to finalize background task")

	// ErrUnknownStatus is returned for unrecognised or malformed status responses
	ErrUnknownStatus = errors.New("unknown background task status")

	// ErrCancelled is returned when the operation was cancelled by its caller
	ErrCancelled = errors.New("background task operation cancelled")
)

// TaskError describes the failure of one Operation. Match the category with
// errors.Is against the Err* sentinels.
type TaskError struct {
	Kind       error
	TaskID     string
	Status     string
	StatusCode int
	FormErrors map[string][]string
	Err        error
}

func (e *TaskError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.TaskID != "" {
		fmt.Fprintf(&b, " (task %s)", e.TaskID)
	}
	if e.Status != "" {
		fmt.Fprintf(&b, ": status %q", e.Status)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": http %d", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TaskError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newTaskError(kind error, taskID string, cause error) *TaskError {
	return &TaskError{Kind: kind, TaskID: taskID, Err: cause}
}
