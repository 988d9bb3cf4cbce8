package domain

import (
	"encoding/json"
	"time"
)

// Task status values as reported by the status endpoint
const (
	TaskStatusPending  = "PENDING"
	TaskStatusReceived = "RECEIVED"
	TaskStatusStarted  = "STARTED"
	TaskStatusRetry    = "RETRY"
	TaskStatusProgress = "PROGRESS"
	TaskStatusSuccess  = "SUCCESS"
	TaskStatusFailure  = "FAILURE"
	TaskStatusRevoked  = "REVOKED"
)

// IsTerminalStatus reports whether no further transitions follow status
func IsTerminalStatus(status string) bool {
	switch status {
	case TaskStatusSuccess, TaskStatusFailure, TaskStatusRevoked:
		return true
	}
	return false
}

// IsRunningStatus reports whether a worker currently owns the task
func IsRunningStatus(status string) bool {
	return status == TaskStatusStarted || status == TaskStatusProgress
}

// IsValidStatus reports whether status is one of the known values
func IsValidStatus(status string) bool {
	switch status {
	case TaskStatusPending, TaskStatusReceived, TaskStatusStarted, TaskStatusRetry,
		TaskStatusProgress, TaskStatusSuccess, TaskStatusFailure, TaskStatusRevoked:
		return true
	}
	return false
}

// Task is a persisted background task.
// Params, Progress and Result hold raw JSON; Progress and Result are nil until set.
type Task struct {
	TaskID          string     `db:"task_id"`
	Kind            string     `db:"kind"`
	Params          []byte     `db:"params"`
	Status          string     `db:"status"`
	Progress        []byte     `db:"progress"`
	Result          []byte     `db:"result"`
	ErrorMessage    string     `db:"error_message"`
	WorkerID        string     `db:"worker_id"`
	RetryCount      int        `db:"retry_count"`
	MaxRetries      int        `db:"max_retries"`
	TimeoutSeconds  int        `db:"timeout_seconds"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	StartedAt       *time.Time `db:"started_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	LastHeartbeatAt *time.Time `db:"last_heartbeat_at"`
}

// Progress is the counter pair published while a task runs
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Encode returns the JSON form stored on the task
func (p Progress) Encode() []byte {
	b, _ := json.Marshal(p)
	return b
}

// TaskMessage is the queue message announcing a task
type TaskMessage struct {
	TaskID string `json:"task_id"`
}
