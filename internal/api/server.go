// Package api is the HTTP front end: it queues download tasks, reports their
// status and streams their events over websockets.
package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Slade66/resumable-fetcher/internal/status"
	"github.com/Slade66/resumable-fetcher/pkg/task"
)

// Enqueuer posts tasks for the workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, t *task.DownloadTask) error
}

// Statuses reads task status and relays cancel requests and events.
type Statuses interface {
	InitTaskStatus(ctx context.Context, t *task.DownloadTask) error
	GetTask(ctx context.Context, taskID string) (*status.StatusInfo, error)
	GetAllTasks(ctx context.Context) ([]status.StatusInfo, error)
	PublishCancel(ctx context.Context, taskID string) error
	SubscribeEvents(ctx context.Context, taskID string) (<-chan status.Event, error)
}

var _ Statuses = (*status.Manager)(nil)

// Config tunes the server.
type Config struct {
	// OutputDir is where a task goes when the request names no path.
	OutputDir string
	// DefaultBlocks is used when the request asks for no block count.
	DefaultBlocks int
	// MaxBlocks caps the block count a request may ask for.
	MaxBlocks int
}

// Server holds the handlers.
type Server struct {
	queue    Enqueuer
	statuses Statuses
	cfg      Config
	logger   zerolog.Logger
}

// NewServer creates a server.
func NewServer(q Enqueuer, s Statuses, cfg Config, logger zerolog.Logger) *Server {
	return &Server{
		queue:    q,
		statuses: s,
		cfg:      cfg,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	api := router.Group("/api")
	{
		api.POST("/download", s.downloadHandler)
		api.GET("/tasks", s.getTasksHandler)
		api.GET("/tasks/:id", s.getTaskHandler)
		api.POST("/tasks/:id/cancel", s.cancelHandler)
		api.GET("/tasks/:id/events", s.eventsHandler)
	}
	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Request")
	}
}

type downloadRequest struct {
	URL        string `json:"url" binding:"required"`
	OutputPath string `json:"output_path"`
	Blocks     int    `json:"blocks"`
}

// downloadHandler queues a task and records it as queued.
func (s *Server) downloadHandler(c *gin.Context) {
	var req downloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	if req.OutputPath == "" {
		u, err := url.Parse(req.URL)
		name := ""
		if err == nil {
			name = path.Base(u.Path)
		}
		if name == "" || name == "." || name == "/" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "output_path is required when the URL has no file name"})
			return
		}
		req.OutputPath = filepath.Join(s.cfg.OutputDir, name)
	}
	if req.Blocks <= 0 {
		req.Blocks = s.cfg.DefaultBlocks
	}
	if s.cfg.MaxBlocks > 0 && req.Blocks > s.cfg.MaxBlocks {
		req.Blocks = s.cfg.MaxBlocks
	}

	t := task.New(req.URL, req.OutputPath)
	t.Blocks = req.Blocks
	if err := t.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	// The status record must exist before a worker can pick the task up.
	if err := s.statuses.InitTaskStatus(ctx, t); err != nil {
		s.logger.Warn().Err(err).Str("task", t.ID.String()).Msg("Failed to init task status")
	}
	if err := s.queue.Enqueue(ctx, t); err != nil {
		s.logger.Error().Err(err).Msg("Failed to enqueue task")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to publish task"})
		return
	}

	s.logger.Info().Str("task", t.ID.String()).Str("url", t.URL).Msg("Task queued")
	c.JSON(http.StatusAccepted, gin.H{
		"message": "task accepted and queued",
		"task_id": t.ID.String(),
	})
}

func (s *Server) getTasksHandler(c *gin.Context) {
	tasks, err := s.statuses.GetAllTasks(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tasks: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// taskID parses the :id parameter and writes a 400 when it is not a UUID.
func taskID(c *gin.Context) (string, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return "", false
	}
	return id.String(), true
}

// lookup fetches the status of the :id task and writes the error reply
// itself when there is none.
func (s *Server) lookup(c *gin.Context) (*status.StatusInfo, bool) {
	id, ok := taskID(c)
	if !ok {
		return nil, false
	}
	info, err := s.statuses.GetTask(c.Request.Context(), id)
	if errors.Is(err, status.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return info, true
}

func (s *Server) getTaskHandler(c *gin.Context) {
	info, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, info)
}

func finished(state string) bool {
	switch state {
	case status.Completed, status.Canceled, status.Failed, status.Rejected:
		return true
	}
	return false
}

// cancelHandler broadcasts a cancel request; the worker running the task
// stops it and keeps its breakpoint.
func (s *Server) cancelHandler(c *gin.Context) {
	info, ok := s.lookup(c)
	if !ok {
		return
	}
	if finished(info.Status) {
		c.JSON(http.StatusConflict, gin.H{"error": "task already " + info.Status})
		return
	}
	if err := s.statuses.PublishCancel(c.Request.Context(), info.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to publish cancel request"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "cancel requested", "task_id": info.ID})
}
