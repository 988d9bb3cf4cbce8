package dto

import "encoding/json"

type StartTaskResponse struct {
	TaskID      string `json:"task_id"`
	StatusURL   string `json:"status_url"`
	FinalizeURL string `json:"finalize_url"`
	Status      string `json:"status"`
}

type FormErrorsResponse struct {
	FormErrors map[string][]string `json:"form_errors"`
}

// TaskRequest is the form body of the status, finalize and revoke endpoints
type TaskRequest struct {
	TaskID string `form:"task_id" json:"task_id" binding:"required"`
}

type TaskStatusResponse struct {
	TaskID string          `json:"task_id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

type TaskStatusError struct {
	Error      string `json:"error"`
	TaskStatus string `json:"task_status"`
}

type ListTasksRequest struct {
	Kind     string `form:"kind"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListTasksResponse struct {
	Tasks      []TaskDTO `json:"tasks"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

type TaskDTO struct {
	TaskID       string          `json:"task_id"`
	Kind         string          `json:"kind"`
	Status       string          `json:"status"`
	Progress     json.RawMessage `json:"progress,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	RetryCount   int             `json:"retry_count"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

type CSRFResponse struct {
	CSRFToken string `json:"csrf_token"`
}
