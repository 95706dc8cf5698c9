// Package api exposes the monitor's HTTP surface: process queries and
// commands, aggregate metrics, queue statistics, and the websocket stream.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mqmon/mqmon/internal/broker"
	"github.com/mqmon/mqmon/internal/config"
	"github.com/mqmon/mqmon/internal/creation"
	"github.com/mqmon/mqmon/internal/event"
	"github.com/mqmon/mqmon/internal/logging"
	"github.com/mqmon/mqmon/internal/mgmt"
	"github.com/mqmon/mqmon/internal/push"
	"github.com/mqmon/mqmon/internal/query"
	"github.com/mqmon/mqmon/internal/store"
)

// Server wires the gin engine over the services.
type Server struct {
	cfg       *config.Config
	creation  *creation.Service
	query     *query.Service
	publisher broker.EventPublisher
	mgmt      *mgmt.Client
	hub       *push.Hub
	logger    logging.ServiceLogger
}

func NewServer(cfg *config.Config, create *creation.Service, q *query.Service, pub broker.EventPublisher, mg *mgmt.Client, hub *push.Hub, logger logging.ServiceLogger) *Server {
	return &Server{
		cfg:       cfg,
		creation:  create,
		query:     q,
		publisher: pub,
		mgmt:      mg,
		hub:       hub,
		logger:    logger,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	{
		api.GET("/processes", s.listProcesses)
		api.POST("/processes", s.createProcess)
		api.GET("/processes/metrics", s.metrics)
		api.GET("/processes/:id", s.getProcess)
		api.GET("/processes/:id/events", s.getEvents)
		api.GET("/processes/:id/saga", s.getSaga)
		api.PUT("/processes/:id/priority", s.updatePriority)
		api.POST("/processes/:id/cancel", s.cancelProcess)
		api.GET("/queues", s.queues)
	}
	r.GET("/ws", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request)
	})
	return r
}

type createRequest struct {
	StageName string `json:"stageName" binding:"required"`
	Message   string `json:"message"`
	Priority  int    `json:"priority" binding:"min=0,max=10"`
}

func (s *Server) createProcess(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.creation.Create(c.Request.Context(), req.StageName, req.Message, req.Priority)
	if err != nil {
		if errors.Is(err, creation.ErrUnknownStage) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":           err.Error(),
				"availableStages": s.cfg.StageNames(),
			})
			return
		}
		s.logger.Error("create process failed", err, nil)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create process"})
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) listProcesses(c *gin.Context) {
	stage := c.Query("stage")
	status := event.Status(c.Query("status"))

	execs, err := s.query.Executions(c.Request.Context(), stage, status)
	if err != nil {
		s.logger.Error("list processes failed", err, nil)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list processes"})
		return
	}
	if execs == nil {
		execs = []*store.ProcessExecution{}
	}
	c.JSON(http.StatusOK, execs)
}

func (s *Server) getProcess(c *gin.Context) {
	exec, err := s.query.Execution(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondNotFoundOrError(c, err, "failed to load process")
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) getEvents(c *gin.Context) {
	events, err := s.query.Events(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondNotFoundOrError(c, err, "failed to load events")
		return
	}
	if events == nil {
		events = []*store.EventLog{}
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) getSaga(c *gin.Context) {
	steps, err := s.query.Steps(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondNotFoundOrError(c, err, "failed to load saga steps")
		return
	}
	if steps == nil {
		steps = []*store.SagaStep{}
	}
	c.JSON(http.StatusOK, steps)
}

// Priorities share the 0-10 envelope range the stage queues declare via
// x-max-priority.
type priorityRequest struct {
	Priority int `json:"priority" binding:"min=0,max=10"`
}

func (s *Server) updatePriority(c *gin.Context) {
	processID := c.Param("id")

	var req priorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	exec, err := s.query.UpdatePriority(c.Request.Context(), processID, req.Priority)
	if err != nil {
		s.respondNotFoundOrError(c, err, "failed to update priority")
		return
	}

	cmd := event.ChangePriorityCommand{
		ProcessID: processID,
		Priority:  req.Priority,
		Timestamp: exec.UpdatedAt,
	}
	if err := s.publisher.PublishCommand(c.Request.Context(), event.ChangePriority, cmd); err != nil {
		s.logger.Error("publish priority command failed", err, logging.LogFields{
			"processId": processID,
		})
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) cancelProcess(c *gin.Context) {
	processID := c.Param("id")

	exec, err := s.query.Execution(c.Request.Context(), processID)
	if err != nil {
		s.respondNotFoundOrError(c, err, "failed to load process")
		return
	}
	if exec.IsTerminal() || exec.Status == event.StatusCompensated {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "process is not cancellable",
			"status": exec.Status,
		})
		return
	}

	cmd := event.NewCancelProcessCommand(processID)
	if err := s.publisher.PublishCommand(c.Request.Context(), event.CancelProcess, cmd); err != nil {
		s.logger.Error("publish cancel command failed", err, logging.LogFields{
			"processId": processID,
		})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to publish cancel command"})
		return
	}

	if err := s.query.MarkCancelRequested(c.Request.Context(), processID); err != nil {
		s.logger.Error("record cancel request failed", err, logging.LogFields{
			"processId": processID,
		})
	}
	c.JSON(http.StatusAccepted, gin.H{
		"processId": processID,
		"commandId": cmd.CommandID,
		"status":    string(event.StatusCancelRequested),
	})
}

func (s *Server) metrics(c *gin.Context) {
	m, err := s.query.Metrics(c.Request.Context())
	if err != nil {
		s.logger.Error("metrics query failed", err, nil)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute metrics"})
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) queues(c *gin.Context) {
	snap, err := s.mgmt.Queues(c.Request.Context())
	if err != nil {
		s.logger.Error("queue stats fetch failed", err, nil)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to fetch queue statistics"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) respondNotFoundOrError(c *gin.Context, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "process not found"})
		return
	}
	s.logger.Error(msg, err, nil)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}
