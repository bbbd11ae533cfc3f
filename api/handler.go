package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/UnblockNeteaseMusic/unm-ffmpeg-server/config"
	"github.com/UnblockNeteaseMusic/unm-ffmpeg-server/fetch"
	"github.com/UnblockNeteaseMusic/unm-ffmpeg-server/task"
	"github.com/gin-gonic/gin"
	"github.com/lithammer/shortuuid/v4"
)

// ResourceChecker guards task creation against an overloaded host.
type ResourceChecker interface {
	Check() error
}

// InputPreparer stores a task's source locally and returns its path.
type InputPreparer interface {
	Prepare(ctx context.Context, source, dir, prefix string) (string, error)
}

type Handler struct {
	taskManager *task.Manager
	inputs      InputPreparer
	resources   ResourceChecker
	cfg         *config.Config
}

func NewHandler(tm *task.Manager, inputs InputPreparer, resources ResourceChecker, cfg *config.Config) *Handler {
	return &Handler{
		taskManager: tm,
		inputs:      inputs,
		resources:   resources,
		cfg:         cfg,
	}
}

type TaskRequest struct {
	ID      string `json:"id" form:"id"`
	Source  string `json:"source" form:"source" binding:"required"`
	Format  string `json:"format" form:"format" binding:"required"`
	Bitrate uint   `json:"bitrate" form:"bitrate"`
}

// handleCreateTask fetches the input and starts transcoding it.
func (h *Handler) handleCreateTask(c *gin.Context) {
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	format, err := task.ParseFormat(req.Format, req.Bitrate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := req.ID
	if id == "" {
		id = shortuuid.New()
	} else if strings.ContainsAny(id, `/\`) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}

	if h.resources != nil {
		if err := h.resources.Check(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
	}

	src, err := h.inputs.Prepare(c.Request.Context(), req.Source, h.cfg.TempDir, id)
	if err != nil {
		log.Printf("Task %s: failed to prepare input: %v", id, err)
		c.JSON(inputErrorStatus(err), gin.H{"error": "Failed to prepare input", "details": err.Error()})
		return
	}

	params := task.Parameters{
		Format:     format,
		Src:        src,
		Target:     filepath.Join(h.cfg.TempDir, fmt.Sprintf("%s_output.%s", id, format.Ext())),
		DiscardSrc: true,
	}
	if err := h.taskManager.Add(id, params); err != nil {
		removeQuietly(src)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create task", "details": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"taskId": id})
}

func inputErrorStatus(err error) int {
	switch {
	case errors.Is(err, fetch.ErrTransport), errors.Is(err, fetch.ErrStatus), errors.Is(err, fetch.ErrPayload):
		return http.StatusBadGateway
	case errors.Is(err, fetch.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, fetch.ErrWrite):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// handleListTasks lists all tasks as last observed.
func (h *Handler) handleListTasks(c *gin.Context) {
	tasks := h.taskManager.List()
	for id, snap := range tasks {
		h.buildDownloadURL(c, &snap)
		tasks[id] = snap
	}
	c.JSON(http.StatusOK, tasks)
}

// buildDownloadURL sets the URL of a completed task's output file.
func (h *Handler) buildDownloadURL(c *gin.Context, s *task.Snapshot) {
	if s.Status.Kind != task.StatusCompleted || s.Target == "" {
		return
	}

	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	filename := filepath.Base(s.Target)
	s.DownloadURL = fmt.Sprintf("%s/api/v1/files/%s", baseURL, filename)
}

// handleGetTaskStatus refreshes and returns the status of a single task.
func (h *Handler) handleGetTaskStatus(c *gin.Context) {
	taskID := c.Param("taskId")
	snap, err := h.taskManager.Retrieve(taskID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "task": snap})
		return
	}
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}

	h.buildDownloadURL(c, snap)
	c.JSON(http.StatusOK, snap)
}

// handleAbortTask kills a task and removes it from the registry.
func (h *Handler) handleAbortTask(c *gin.Context) {
	taskID := c.Param("taskId")
	t, err := h.taskManager.Abort(c.Request.Context(), taskID)
	if t == nil && err == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	snap := t.Snapshot()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "task": snap})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleGetFile serves a completed output file.
func (h *Handler) handleGetFile(c *gin.Context) {
	filename := c.Param("filename")
	filePath, err := h.taskManager.GetFilePath(filename)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.File(filePath)
}

func removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to remove %s: %v", path, err)
	}
}
