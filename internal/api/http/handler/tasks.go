package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleetlink/fleetlink/internal/api/http/dto"
	"github.com/fleetlink/fleetlink/internal/fleet"
	"github.com/fleetlink/fleetlink/internal/protocol"
)

type TasksHandler struct {
	registry *fleet.Registry
}

func NewTasksHandler(registry *fleet.Registry) *TasksHandler {
	return &TasksHandler{registry: registry}
}

// Relay queues a relay start or stop for an agent
// POST /api/v1/tasks/relay
func (h *TasksHandler) Relay(c *gin.Context) {
	var req dto.RelayTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payload := protocol.RelayPayload{
		EntryPoint: req.EntryPoint,
		ExitPoint:  req.ExitPoint,
		Transport:  req.Transport,
	}
	if err := payload.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind := protocol.TaskStartRelay
	if req.Stop {
		kind = protocol.TaskStopRelay
	}

	h.enqueue(c, req.ClientID, kind, payload)
}

// Firewall queues a firewall rule update for an agent
// POST /api/v1/tasks/firewall
func (h *TasksHandler) Firewall(c *gin.Context) {
	var req dto.FirewallTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payload := protocol.FirewallPayload{Rules: req.Rules}
	if err := payload.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.enqueue(c, req.ClientID, protocol.TaskUpdateFirewall, payload)
}

// Proxy queues a forward proxy reconfiguration for an agent
// POST /api/v1/tasks/proxy
func (h *TasksHandler) Proxy(c *gin.Context) {
	var req dto.ProxyTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payload := protocol.ProxyPayload{
		ListenAddr:     req.ListenAddr,
		TargetAddr:     req.TargetAddr,
		RateLimit:      req.RateLimit,
		MaxConnections: req.MaxConnections,
	}
	if err := payload.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.enqueue(c, req.ClientID, protocol.TaskConfigureProxy, payload)
}

// UpdateConfig queues a runtime settings change for an agent
// POST /api/v1/tasks/config
func (h *TasksHandler) UpdateConfig(c *gin.Context) {
	var req dto.ConfigTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payload := protocol.ConfigPayload{Settings: req.Settings}
	if err := payload.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.enqueue(c, req.ClientID, protocol.TaskUpdateConfig, payload)
}

func (h *TasksHandler) enqueue(c *gin.Context, agentID string, kind protocol.TaskKind, payload any) {
	task, err := protocol.NewTask(kind, payload)
	if err != nil {
		slog.Error("Failed to build task", "error", err, "kind", kind)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build task"})
		return
	}

	if err := h.registry.Enqueue(c.Request.Context(), agentID, task); err != nil {
		if errors.Is(err, fleet.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		slog.Error("Failed to enqueue task", "error", err, "agent_id", agentID, "kind", kind)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue task"})
		return
	}

	c.JSON(http.StatusCreated, dto.TaskResponse{TaskID: task.ID})
}
