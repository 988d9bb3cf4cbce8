package router

import (
	"net/http"

	"github.com/cuongbtq/taskpoll/internal/api/handler"
	"github.com/cuongbtq/taskpoll/internal/config"
	"github.com/gin-gonic/gin"
)

const serviceName = "task-api-service"

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, cfg config.ServerConfig) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(cfg.AllowedOrigins))
	if cfg.CSRF {
		r.Use(CSRFMiddleware(handler.CSRFCookieName, handler.CSRFHeaderName))
	}

	r.GET("/health", func(c *gin.Context) {
		if deps.Health != nil {
			if err := deps.Health(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": serviceName,
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": serviceName,
		})
	})

	taskHandler := handler.NewTaskHandler(deps)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/csrf", handler.IssueCSRFToken)

		tasks := v1.Group("/tasks")
		{
			tasks.GET("", taskHandler.ListTasks)
			tasks.POST("/:kind/start", taskHandler.StartTask)
			tasks.POST("/status", taskHandler.TaskStatus)
			tasks.POST("/finalize", taskHandler.FinalizeTask)
			tasks.POST("/revoke", taskHandler.RevokeTask)
		}

		v1.GET("/reports/:task_id", taskHandler.DownloadResult)
	}

	return r
}
