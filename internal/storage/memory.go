package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/taskpoll/internal/domain"
)

// Memory is a Store kept in process memory
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]*domain.Task
	now   func() time.Time
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		tasks: make(map[string]*domain.Task),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Create(ctx context.Context, task *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[task.TaskID]; exists {
		return fmt.Errorf("failed to create task: duplicate task_id %s", task.TaskID)
	}
	m.tasks[task.TaskID] = cloneTask(task)
	return nil
}

func (m *Memory) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return cloneTask(task), nil
}

func (m *Memory) List(ctx context.Context, filter TaskFilter) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tasks := make([]domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if filter.Kind != "" && t.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if c := filter.Cursor; c != nil && !before(t, c) {
			continue
		}
		tasks = append(tasks, *cloneTask(t))
	}

	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].TaskID > tasks[j].TaskID
	})

	// One extra row tells the caller another page exists
	if limit := filter.PageSize + 1; filter.PageSize > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// before reports whether t sorts after the cursor in (created_at, task_id) DESC order
func before(t *domain.Task, c *TaskCursor) bool {
	if t.CreatedAt.Equal(c.CreatedAt) {
		return t.TaskID < c.TaskID
	}
	return t.CreatedAt.Before(c.CreatedAt)
}

func (m *Memory) Claim(ctx context.Context, taskID, workerID string, staleAfter time.Duration) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}

	now := m.now()
	if !claimable(t, now, staleAfter) {
		return nil, domain.ErrTaskAlreadyClaimed
	}

	t.Status = domain.TaskStatusStarted
	t.WorkerID = workerID
	t.StartedAt = &now
	t.LastHeartbeatAt = &now
	t.UpdatedAt = now
	return cloneTask(t), nil
}

func claimable(t *domain.Task, now time.Time, staleAfter time.Duration) bool {
	switch {
	case t.Status == domain.TaskStatusPending || t.Status == domain.TaskStatusRetry:
		return true
	case domain.IsRunningStatus(t.Status) && staleAfter > 0 && t.LastHeartbeatAt != nil:
		return now.Sub(*t.LastHeartbeatAt) > staleAfter
	}
	return false
}

func (m *Memory) UpdateProgress(ctx context.Context, taskID, workerID string, progress []byte) error {
	return m.update(taskID, runningOn(workerID), domain.ErrTaskNotRunning, func(t *domain.Task, now time.Time) {
		t.Status = domain.TaskStatusProgress
		t.Progress = append([]byte(nil), progress...)
		t.LastHeartbeatAt = &now
	})
}

func (m *Memory) MarkSucceeded(ctx context.Context, taskID, workerID string, result []byte) error {
	return m.update(taskID, runningOn(workerID), domain.ErrTaskNotRunning, func(t *domain.Task, now time.Time) {
		t.Status = domain.TaskStatusSuccess
		t.Result = append([]byte(nil), result...)
		t.CompletedAt = &now
	})
}

func (m *Memory) MarkFailed(ctx context.Context, taskID, errorMsg string) error {
	return m.update(taskID, notTerminal, domain.ErrTaskFinished, func(t *domain.Task, now time.Time) {
		t.Status = domain.TaskStatusFailure
		t.ErrorMessage = errorMsg
		t.CompletedAt = &now
	})
}

func (m *Memory) MarkRetry(ctx context.Context, taskID, workerID, errorMsg string) error {
	return m.update(taskID, runningOn(workerID), domain.ErrTaskNotRunning, func(t *domain.Task, now time.Time) {
		t.Status = domain.TaskStatusRetry
		t.ErrorMessage = errorMsg
		t.RetryCount++
		t.WorkerID = ""
	})
}

func (m *Memory) Revoke(ctx context.Context, taskID string) error {
	return m.update(taskID, notTerminal, domain.ErrTaskFinished, func(t *domain.Task, now time.Time) {
		t.Status = domain.TaskStatusRevoked
		t.CompletedAt = &now
	})
}

func (m *Memory) Heartbeat(ctx context.Context, taskID, workerID string) error {
	return m.update(taskID, runningOn(workerID), domain.ErrTaskNotRunning, func(t *domain.Task, now time.Time) {
		t.LastHeartbeatAt = &now
	})
}

func (m *Memory) update(taskID string, allowed func(*domain.Task) bool, rejected error, apply func(*domain.Task, time.Time)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return domain.ErrTaskNotFound
	}
	if !allowed(t) {
		return rejected
	}
	now := m.now()
	apply(t, now)
	t.UpdatedAt = now
	return nil
}

func notTerminal(t *domain.Task) bool {
	return !domain.IsTerminalStatus(t.Status)
}

// runningOn accepts a running task claimed by workerID
func runningOn(workerID string) func(*domain.Task) bool {
	return func(t *domain.Task) bool {
		return domain.IsRunningStatus(t.Status) && t.WorkerID == workerID
	}
}

func cloneTask(t *domain.Task) *domain.Task {
	c := *t
	c.Params = cloneBytes(t.Params)
	c.Progress = cloneBytes(t.Progress)
	c.Result = cloneBytes(t.Result)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.LastHeartbeatAt = cloneTime(t.LastHeartbeatAt)
	return &c
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
