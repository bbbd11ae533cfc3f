package api

import (
	"github.com/UnblockNeteaseMusic/unm-ffmpeg-server/config"
	"github.com/UnblockNeteaseMusic/unm-ffmpeg-server/task"
	"github.com/gin-gonic/gin"
)

func SetupRouter(tm *task.Manager, inputs InputPreparer, resources ResourceChecker, cfg *config.Config) *gin.Engine {
	r := gin.Default()
	h := NewHandler(tm, inputs, resources, cfg)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/tasks", h.handleCreateTask)
		v1.GET("/tasks", h.handleListTasks)
		v1.GET("/tasks/:taskId", h.handleGetTaskStatus)
		v1.DELETE("/tasks/:taskId", h.handleAbortTask)

		v1.GET("/files/:filename", h.handleGetFile)
	}
	return r
}
