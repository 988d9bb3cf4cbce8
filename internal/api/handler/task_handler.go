package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuongbtq/taskpoll/internal/api/dto"
	"github.com/cuongbtq/taskpoll/internal/domain"
	"github.com/cuongbtq/taskpoll/internal/storage"
	"github.com/cuongbtq/taskpoll/internal/tasks"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
)

const (
	StatusPath   = "/api/v1/tasks/status"
	FinalizePath = "/api/v1/tasks/finalize"
)

// StartTask handles POST /api/v1/tasks/:kind/start
// Validates the form parameters, stores a PENDING task and publishes it
func (h *TaskHandler) StartTask(c *gin.Context) {
	kind := c.Param("kind")

	def, err := h.registry.Lookup(kind)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("unknown task kind %q", kind),
		})
		return
	}

	form, err := requestParams(c)
	if err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	params, err := def.Parse(form)
	if err != nil {
		var paramErr *domain.ParamError
		if errors.As(err, &paramErr) {
			c.JSON(http.StatusBadRequest, dto.FormErrorsResponse{FormErrors: paramErr.Fields})
			return
		}
		h.logger.Error("Failed to parse parameters", slog.String("kind", kind), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid parameters",
		})
		return
	}

	now := h.now()
	task := &domain.Task{
		TaskID:         uuid.New().String(),
		Kind:           kind,
		Params:         params,
		Status:         domain.TaskStatusPending,
		MaxRetries:     h.maxRetries,
		TimeoutSeconds: int(h.taskTimeout / time.Second),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	ctx := c.Request.Context()
	if err := h.store.Create(ctx, task); err != nil {
		h.logger.Error("Failed to create task", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create task",
		})
		return
	}

	if err := h.publisher.PublishTask(ctx, task.TaskID); err != nil {
		h.logger.Error("Failed to publish task",
			slog.String("task_id", task.TaskID),
			slog.String("error", err.Error()),
		)
		if markErr := h.store.MarkFailed(ctx, task.TaskID, "publish failed: "+err.Error()); markErr != nil {
			h.logger.Error("Failed to mark unpublished task as failed",
				slog.String("task_id", task.TaskID),
				slog.String("error", markErr.Error()),
			)
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Task queue unavailable",
		})
		return
	}

	h.logger.Info("Task started",
		slog.String("task_id", task.TaskID),
		slog.String("kind", kind),
	)

	c.JSON(http.StatusOK, dto.StartTaskResponse{
		TaskID:      task.TaskID,
		StatusURL:   StatusPath,
		FinalizeURL: FinalizePath,
		Status:      task.Status,
	})
}

// TaskStatus handles POST /api/v1/tasks/status
// Progress is included only while the task reports PROGRESS
func (h *TaskHandler) TaskStatus(c *gin.Context) {
	task, ok := h.lookupTask(c)
	if !ok {
		return
	}

	resp := dto.TaskStatusResponse{
		TaskID: task.TaskID,
		Status: task.Status,
	}
	if task.Status == domain.TaskStatusProgress && len(task.Progress) > 0 {
		resp.Result = task.Progress
	}

	c.JSON(http.StatusOK, resp)
}

// FinalizeTask handles POST /api/v1/tasks/finalize
func (h *TaskHandler) FinalizeTask(c *gin.Context) {
	task, ok := h.lookupTask(c)
	if !ok {
		return
	}

	if task.Status != domain.TaskStatusSuccess {
		c.JSON(http.StatusBadRequest, dto.TaskStatusError{
			Error:      "Task has not succeeded",
			TaskStatus: task.Status,
		})
		return
	}

	def, err := h.registry.Lookup(task.Kind)
	if err != nil {
		h.logger.Error("Finalize for unregistered kind",
			slog.String("task_id", task.TaskID),
			slog.String("kind", task.Kind),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to finalize task",
		})
		return
	}

	out, err := def.Finalize(task)
	if err != nil {
		h.logger.Error("Failed to finalize task",
			slog.String("task_id", task.TaskID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to finalize task",
		})
		return
	}

	c.JSON(http.StatusOK, out)
}

// RevokeTask handles POST /api/v1/tasks/revoke
func (h *TaskHandler) RevokeTask(c *gin.Context) {
	task, ok := h.lookupTask(c)
	if !ok {
		return
	}

	if err := h.store.Revoke(c.Request.Context(), task.TaskID); err != nil {
		switch {
		case errors.Is(err, domain.ErrTaskFinished):
			c.JSON(http.StatusConflict, dto.TaskStatusError{
				Error:      "Task already finished",
				TaskStatus: task.Status,
			})
		case errors.Is(err, domain.ErrTaskNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		default:
			h.logger.Error("Failed to revoke task", slog.String("task_id", task.TaskID), slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to revoke task"})
		}
		return
	}

	h.logger.Info("Task revoked", slog.String("task_id", task.TaskID))
	c.JSON(http.StatusOK, dto.TaskStatusResponse{
		TaskID: task.TaskID,
		Status: domain.TaskStatusRevoked,
	})
}

// ListTasks handles GET /api/v1/tasks
// Lists tasks newest first with optional filtering and cursor pagination
func (h *TaskHandler) ListTasks(c *gin.Context) {
	var req dto.ListTasksRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Status != "" && !domain.IsValidStatus(req.Status) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("unknown status %q", req.Status),
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeTaskCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	found, err := h.store.List(c.Request.Context(), storage.TaskFilter{
		Kind:     req.Kind,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list tasks", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list tasks",
		})
		return
	}

	hasMore := len(found) > req.PageSize
	if hasMore {
		found = found[:req.PageSize]
	}

	items := make([]dto.TaskDTO, len(found))
	for i, t := range found {
		items[i] = dto.TaskDTO{
			TaskID:       t.TaskID,
			Kind:         t.Kind,
			Status:       t.Status,
			Progress:     t.Progress,
			ErrorMessage: t.ErrorMessage,
			RetryCount:   t.RetryCount,
			CreatedAt:    t.CreatedAt.Format(time.RFC3339),
			UpdatedAt:    t.UpdatedAt.Format(time.RFC3339),
		}
	}

	var nextCursor string
	if hasMore {
		last := found[len(found)-1]
		nextCursor = EncodeTaskCursor(&storage.TaskCursor{CreatedAt: last.CreatedAt, TaskID: last.TaskID})
	}

	c.JSON(http.StatusOK, dto.ListTasksResponse{
		Tasks:      items,
		NextCursor: nextCursor,
	})
}

// DownloadResult handles GET /api/v1/reports/:task_id
// Serves the rendered result of a successful task as a file
func (h *TaskHandler) DownloadResult(c *gin.Context) {
	taskID := c.Param("task_id")
	if _, err := uuid.Parse(taskID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}

	task, ok := h.getTask(c, taskID)
	if !ok {
		return
	}
	if task.Status != domain.TaskStatusSuccess {
		c.JSON(http.StatusBadRequest, dto.TaskStatusError{
			Error:      "Result not available",
			TaskStatus: task.Status,
		})
		return
	}

	def, err := h.registry.Lookup(task.Kind)
	renderer, ok := def.(tasks.Renderer)
	if err != nil || !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task has no downloadable result"})
		return
	}

	contentType, filename, body, err := renderer.Render(task)
	if err != nil {
		h.logger.Error("Failed to render result", slog.String("task_id", task.TaskID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to render result"})
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, contentType, body)
}

// lookupTask binds task_id from the request body and loads the task.
// It writes the error response itself when ok is false.
func (h *TaskHandler) lookupTask(c *gin.Context) (*domain.Task, bool) {
	var req dto.TaskRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "task_id is required",
		})
		return nil, false
	}

	// Ids that cannot exist are reported like unknown ones
	if _, err := uuid.Parse(req.TaskID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return nil, false
	}

	return h.getTask(c, req.TaskID)
}

func (h *TaskHandler) getTask(c *gin.Context, taskID string) (*domain.Task, bool) {
	task, err := h.store.Get(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
			return nil, false
		}
		h.logger.Error("Failed to get task", slog.String("task_id", taskID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get task",
		})
		return nil, false
	}
	return task, true
}

// requestParams reads start parameters from a form or a flat JSON object
func requestParams(c *gin.Context) (url.Values, error) {
	switch ct := c.ContentType(); {
	case ct == binding.MIMEJSON:
		// Numbers are kept as written so 1000000 is not rendered as 1e+06
		var body map[string]any
		dec := json.NewDecoder(c.Request.Body)
		dec.UseNumber()
		if err := dec.Decode(&body); err != nil {
			return nil, err
		}
		values := url.Values{}
		for k, v := range body {
			switch v := v.(type) {
			case nil:
			case string:
				values.Set(k, v)
			case []any:
				for _, e := range v {
					values.Add(k, fmt.Sprint(e))
				}
			default:
				values.Set(k, fmt.Sprint(v))
			}
		}
		return values, nil
	case strings.HasPrefix(ct, "multipart/"):
		if err := c.Request.ParseMultipartForm(1 << 20); err != nil {
			return nil, err
		}
	default:
		if err := c.Request.ParseForm(); err != nil {
			return nil, err
		}
	}
	return c.Request.PostForm, nil
}
