// Package api serves the requestor daemon's HTTP surface: task lifecycle,
// subtask assignment and verification, offer collection, and resource
// staging, all over the programmatic manager core.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/opengrid/requestor/internal/database"
	"github.com/opengrid/requestor/internal/marketplace"
	"github.com/opengrid/requestor/internal/resource"
	"github.com/opengrid/requestor/internal/task/envs"
	"github.com/opengrid/requestor/internal/task/manager"
	"github.com/opengrid/requestor/internal/task/model"
	"github.com/opengrid/requestor/internal/task/store"
	"github.com/opengrid/requestor/utils"
)

// Server holds the collaborators the HTTP handlers work against.
type Server struct {
	manager *manager.Manager
	store   *store.Store
	pool    *marketplace.Pool
	staging *resource.Staging
	db      *gorm.DB
}

// NewServer creates a Server. staging may be nil when no storage backend is
// configured; the staging endpoints then answer 503.
func NewServer(m *manager.Manager, s *store.Store, pool *marketplace.Pool, staging *resource.Staging, db *gorm.DB) *Server {
	return &Server{manager: m, store: s, pool: pool, staging: staging, db: db}
}

// Router builds the gin engine with all routes registered. The token guards
// the API when non-empty.
func (s *Server) Router(token string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1", BearerAuth(token))
	{
		v1.POST("/tasks", s.handleCreateTask)
		v1.GET("/tasks", s.handleListTasks)
		v1.GET("/tasks/:taskID", s.handleGetTask)
		v1.POST("/tasks/:taskID/init", s.handleInitTask)
		v1.POST("/tasks/:taskID/start", s.handleStartTask)
		v1.POST("/tasks/:taskID/abort", s.handleAbortTask)
		v1.GET("/tasks/:taskID/dirs", s.handleTaskDirs)
		v1.GET("/tasks/:taskID/subtasks/pending", s.handlePendingSubtasks)
		v1.POST("/tasks/:taskID/subtasks/next", s.handleNextSubtask)
		v1.POST("/tasks/:taskID/subtasks/:subtaskID/verify", s.handleVerify)
		v1.POST("/tasks/:taskID/offers", s.handleAddOffer)
		v1.GET("/tasks/:taskID/offers/count", s.handleOfferCount)
		v1.PUT("/tasks/:taskID/resources/:name", s.handleStageResource)
		v1.POST("/tasks/:taskID/outputs/archive", s.handleArchiveOutputs)
	}
	return r
}

// statusFromError maps manager errors onto HTTP statuses.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, store.ErrSubtaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrAlreadyInitialized),
		errors.Is(err, manager.ErrAlreadyStarted),
		errors.Is(err, manager.ErrTaskNotActive),
		errors.Is(err, manager.ErrAssignmentRefused):
		return http.StatusConflict
	case errors.Is(err, envs.ErrEnvNotEnabled),
		errors.Is(err, envs.ErrEnvNotRegistered):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) abortWithError(c *gin.Context, err error) {
	status := statusFromError(err)
	if status == http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "request failed",
			"path", c.FullPath(),
			"error", err,
		)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func taskID(c *gin.Context) model.TaskID {
	return model.TaskID(c.Param("taskID"))
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := database.HealthCheck(c.Request.Context(), s.db); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CreateTaskRequest is the wire form of a task creation call. Timeouts are
// given in milliseconds.
type CreateTaskRequest struct {
	AppID           string         `json:"appId" binding:"required"`
	Name            string         `json:"name"`
	Environment     string         `json:"environment" binding:"required"`
	TaskTimeout     int64          `json:"taskTimeout" binding:"required"`
	SubtaskTimeout  int64          `json:"subtaskTimeout" binding:"required"`
	OutputDirectory string         `json:"outputDirectory"`
	Resources       []string       `json:"resources"`
	MaxSubtasks     int            `json:"maxSubtasks" binding:"required"`
	MaxPricePerHour int64          `json:"maxPricePerHour"`
	ConcentEnabled  bool           `json:"concentEnabled"`
	AppParams       map[string]any `json:"appParams"`
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := s.manager.CreateTask(c.Request.Context(), manager.CreateTaskParams{
		AppID:           model.AppID(req.AppID),
		Name:            req.Name,
		Environment:     model.EnvID(req.Environment),
		TaskTimeout:     time.Duration(req.TaskTimeout) * time.Millisecond,
		SubtaskTimeout:  time.Duration(req.SubtaskTimeout) * time.Millisecond,
		OutputDirectory: req.OutputDirectory,
		Resources:       req.Resources,
		MaxSubtasks:     req.MaxSubtasks,
		MaxPricePerHour: req.MaxPricePerHour,
		ConcentEnabled:  req.ConcentEnabled,
	}, req.AppParams)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"taskId": id})
}

func (s *Server) handleListTasks(c *gin.Context) {
	offset, limit := utils.PaginationFromQuery(c.Query("offset"), c.Query("limit"))
	tasks, total, err := s.store.ListTasks(c.Request.Context(), offset, limit)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tasks":  tasks,
		"total":  total,
		"offset": offset,
		"limit":  limit,
	})
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.store.GetTask(c.Request.Context(), taskID(c))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task":      task,
		"active":    task.Status.IsActive(),
		"completed": task.Status.IsCompleted(),
	})
}

func (s *Server) handleInitTask(c *gin.Context) {
	if err := s.manager.InitTask(c.Request.Context(), taskID(c)); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStartTask(c *gin.Context) {
	if err := s.manager.StartTask(c.Request.Context(), taskID(c)); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAbortTask(c *gin.Context) {
	if err := s.manager.AbortTask(c.Request.Context(), taskID(c)); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleTaskDirs(c *gin.Context) {
	id := taskID(c)
	exists, err := s.manager.TaskExists(c.Request.Context(), id)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if !exists {
		s.abortWithError(c, store.ErrTaskNotFound)
		return
	}

	resourcesDir, err := s.manager.TaskNetworkResourcesDir(id)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	outputsDir, err := s.manager.SubtasksOutputsDir(id)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"networkResourcesDir": resourcesDir,
		"subtasksOutputsDir":  outputsDir,
	})
}

func (s *Server) handlePendingSubtasks(c *gin.Context) {
	pending, err := s.manager.HasPendingSubtasks(c.Request.Context(), taskID(c))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending})
}

// NextSubtaskRequest identifies the provider asking for work.
type NextSubtaskRequest struct {
	NodeID   string `json:"nodeId" binding:"required"`
	NodeName string `json:"nodeName"`
}

func (s *Server) handleNextSubtask(c *gin.Context) {
	var req NextSubtaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	definition, err := s.manager.NextSubtask(c.Request.Context(), taskID(c), model.ComputingNode{
		NodeID: req.NodeID,
		Name:   req.NodeName,
	})
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, definition)
}

func (s *Server) handleVerify(c *gin.Context) {
	verified, err := s.manager.Verify(c.Request.Context(), taskID(c), model.SubtaskID(c.Param("subtaskID")))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": verified})
}

// AddOfferRequest is one provider offer for a task.
type AddOfferRequest struct {
	NodeID       string `json:"nodeId" binding:"required"`
	NodeName     string `json:"nodeName"`
	PricePerHour int64  `json:"pricePerHour"`
}

func (s *Server) handleAddOffer(c *gin.Context) {
	var req AddOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := taskID(c)
	exists, err := s.manager.TaskExists(c.Request.Context(), id)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if !exists {
		s.abortWithError(c, store.ErrTaskNotFound)
		return
	}

	s.pool.Add(marketplace.Offer{
		TaskID:       id,
		NodeID:       req.NodeID,
		NodeName:     req.NodeName,
		PricePerHour: req.PricePerHour,
	})
	c.Status(http.StatusAccepted)
}

func (s *Server) handleOfferCount(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"count": s.pool.TaskOfferCount(taskID(c))})
}

func (s *Server) handleStageResource(c *gin.Context) {
	if s.staging == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no storage backend configured"})
		return
	}

	key, err := s.staging.StageResource(
		c.Request.Context(),
		taskID(c),
		c.Param("name"),
		c.Request.Body,
		c.ContentType(),
	)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"key": key})
}

func (s *Server) handleArchiveOutputs(c *gin.Context) {
	if s.staging == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no storage backend configured"})
		return
	}

	id := taskID(c)
	outputsDir, err := s.manager.SubtasksOutputsDir(id)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	archived, err := s.staging.ArchiveOutputs(c.Request.Context(), id, outputsDir)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": archived})
}
