package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleetlink/fleetlink/internal/api/http/dto"
	"github.com/fleetlink/fleetlink/internal/fleet"
	"github.com/fleetlink/fleetlink/internal/protocol"
)

type AgentsHandler struct {
	registry *fleet.Registry
}

func NewAgentsHandler(registry *fleet.Registry) *AgentsHandler {
	return &AgentsHandler{registry: registry}
}

// Register enrolls an agent and hands back its id and bearer token
// POST /api/v1/agents/register
func (h *AgentsHandler) Register(c *gin.Context) {
	var req protocol.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, token := h.registry.Register(c.Request.Context(), req.Identity)

	c.JSON(http.StatusOK, protocol.RegisterResponse{
		ClientID: id,
		Token:    token,
	})
}

// Heartbeat refreshes liveness, absorbs metrics, and drains pending tasks
// POST /api/v1/agents/heartbeat
func (h *AgentsHandler) Heartbeat(c *gin.Context) {
	var req protocol.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.registry.Heartbeat(c.Request.Context(), req.ClientID, req.Token); err != nil {
		if errors.Is(err, fleet.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		slog.Error("Heartbeat failed", "error", err, "agent_id", req.ClientID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if req.Metrics != nil {
		h.registry.ReportMetrics(c.Request.Context(), req.ClientID, *req.Metrics)
	}

	tasks := h.registry.PendingTasks(c.Request.Context(), req.ClientID)
	if tasks == nil {
		tasks = []protocol.Task{}
	}

	c.JSON(http.StatusOK, protocol.HeartbeatResponse{
		Status: "ok",
		Tasks:  tasks,
	})
}

// Result records a task outcome reported by an agent
// POST /api/v1/agents/results
func (h *AgentsHandler) Result(c *gin.Context) {
	var req protocol.ResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.registry.Authenticate(req.ClientID, req.Token); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	h.registry.RecordResult(c.Request.Context(), protocol.TaskResult{
		TaskID:      req.TaskID,
		AgentID:     req.ClientID,
		Success:     req.Success,
		Message:     req.Message,
		CompletedAt: time.Now().UTC(),
	})

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// List returns every known agent regardless of liveness
// GET /api/v1/agents
func (h *AgentsHandler) List(c *gin.Context) {
	snapshots := h.registry.Snapshots()

	agents := make([]dto.AgentResponse, len(snapshots))
	for i, snap := range snapshots {
		agents[i] = agentResponse(snap)
	}

	c.JSON(http.StatusOK, dto.ListAgentsResponse{
		Agents: agents,
		Count:  len(agents),
	})
}

// Get returns one agent's identity and state
// GET /api/v1/agents/:id
func (h *AgentsHandler) Get(c *gin.Context) {
	snap, err := h.registry.Agent(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	c.JSON(http.StatusOK, agentResponse(snap))
}

// Remove purges an agent from the fleet
// DELETE /api/v1/agents/:id
func (h *AgentsHandler) Remove(c *gin.Context) {
	agentID := c.Param("id")
	if err := h.registry.Remove(c.Request.Context(), agentID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "agent removed"})
}

// Summary returns fleet-wide liveness and resource aggregates
// GET /api/v1/summary
func (h *AgentsHandler) Summary(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.Summary())
}

func agentResponse(snap fleet.AgentSnapshot) dto.AgentResponse {
	return dto.AgentResponse{
		ID:            snap.Identity.ID,
		Hostname:      snap.Identity.Hostname,
		IP:            snap.Identity.IP,
		Version:       snap.Identity.Version,
		Capabilities:  snap.Identity.Capabilities,
		SystemInfo:    snap.Identity.SystemInfo,
		Status:        string(snap.Status),
		StatusReason:  snap.StatusReason,
		LastHeartbeat: snap.LastHeartbeat,
		RegisteredAt:  snap.RegisteredAt,
		Metrics:       snap.Metrics,
	}
}
