package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskpoll/internal/storage"
	"github.com/cuongbtq/taskpoll/internal/tasks"
)

// Publisher hands a created task to whatever runs it
type Publisher interface {
	PublishTask(ctx context.Context, taskID string) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Store     storage.Store
	Publisher Publisher
	Registry  *tasks.Registry

	// MaxRetries and TaskTimeout are copied onto every created task
	MaxRetries  int
	TaskTimeout time.Duration

	// Health reports backend health; nil means always healthy
	Health func(ctx context.Context) error
}

// TaskHandler handles task-related HTTP requests
type TaskHandler struct {
	logger      *slog.Logger
	store       storage.Store
	publisher   Publisher
	registry    *tasks.Registry
	maxRetries  int
	taskTimeout time.Duration
	now         func() time.Time
}

// NewTaskHandler creates a new TaskHandler instance
func NewTaskHandler(deps *Dependencies) *TaskHandler {
	return &TaskHandler{
		logger:      deps.Logger,
		store:       deps.Store,
		publisher:   deps.Publisher,
		registry:    deps.Registry,
		maxRetries:  deps.MaxRetries,
		taskTimeout: deps.TaskTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}
