package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/fleetlink/internal/api/http/dto"
	"github.com/fleetlink/fleetlink/internal/fleet"
	"github.com/fleetlink/fleetlink/internal/protocol"
)

func setupTasksRouter(registry *fleet.Registry) *gin.Engine {
	agentsHandler := NewAgentsHandler(registry)
	tasksHandler := NewTasksHandler(registry)
	r := gin.New()
	r.POST("/api/v1/agents/register", agentsHandler.Register)
	r.POST("/api/v1/tasks/relay", tasksHandler.Relay)
	r.POST("/api/v1/tasks/firewall", tasksHandler.Firewall)
	r.POST("/api/v1/tasks/proxy", tasksHandler.Proxy)
	r.POST("/api/v1/tasks/config", tasksHandler.UpdateConfig)
	return r
}

func decodeTaskID(t *testing.T, body []byte) string {
	t.Helper()
	var resp dto.TaskResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.NotEmpty(t, resp.TaskID)
	return resp.TaskID
}

func pendingTask(t *testing.T, registry *fleet.Registry, agentID string) protocol.Task {
	t.Helper()
	tasks := registry.PendingTasks(context.Background(), agentID)
	require.Len(t, tasks, 1)
	return tasks[0]
}

func TestTasksHandler_Relay(t *testing.T) {
	registry := newHandlerRegistry()
	r := setupTasksRouter(registry)
	id, _ := registerAgent(t, r, "agent-1")

	w := postJSON(t, r, "/api/v1/tasks/relay", dto.RelayTaskRequest{
		ClientID:   id,
		EntryPoint: "0.0.0.0:8080",
		ExitPoint:  "10.0.0.5:80",
		Transport:  "direct",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	taskID := decodeTaskID(t, w.Body.Bytes())

	task := pendingTask(t, registry, id)
	assert.Equal(t, taskID, task.ID)
	assert.Equal(t, protocol.TaskStartRelay, task.Kind)

	payload, err := task.DecodeRelay()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", payload.EntryPoint)
	assert.Equal(t, "10.0.0.5:80", payload.ExitPoint)
	assert.Equal(t, "direct", payload.Transport)
}

func TestTasksHandler_Relay_Stop(t *testing.T) {
	registry := newHandlerRegistry()
	r := setupTasksRouter(registry)
	id, _ := registerAgent(t, r, "agent-1")

	w := postJSON(t, r, "/api/v1/tasks/relay", dto.RelayTaskRequest{
		ClientID:   id,
		EntryPoint: "0.0.0.0:8080",
		ExitPoint:  "10.0.0.5:80",
		Stop:       true,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	task := pendingTask(t, registry, id)
	assert.Equal(t, protocol.TaskStopRelay, task.Kind)
}

func TestTasksHandler_Relay_MissingExitPoint(t *testing.T) {
	registry := newHandlerRegistry()
	r := setupTasksRouter(registry)
	id, _ := registerAgent(t, r, "agent-1")

	w := postJSON(t, r, "/api/v1/tasks/relay", map[string]any{
		"client_id":   id,
		"entry_point": "0.0.0.0:8080",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTasksHandler_Relay_BadEntryPoint(t *testing.T) {
	registry := newHandlerRegistry()
	r := setupTasksRouter(registry)
	id, _ := registerAgent(t, r, "agent-1")

	w := postJSON(t, r, "/api/v1/tasks/relay", dto.RelayTaskRequest{
		ClientID:   id,
		EntryPoint: "not-an-address",
		ExitPoint:  "10.0.0.5:80",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTasksHandler_Relay_UnknownAgent(t *testing.T) {
	r := setupTasksRouter(newHandlerRegistry())

	w := postJSON(t, r, "/api/v1/tasks/relay", dto.RelayTaskRequest{
		ClientID:  "ghost",
		ExitPoint: "10.0.0.5:80",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTasksHandler_Firewall(t *testing.T) {
	registry := newHandlerRegistry()
	r := setupTasksRouter(registry)
	id, _ := registerAgent(t, r, "agent-1")

	w := postJSON(t, r, "/api/v1/tasks/firewall", dto.FirewallTaskRequest{
		ClientID: id,
		Rules: []protocol.FirewallRule{{
			Action:   protocol.ActionInsert,
			Chain:    "INPUT",
			Protocol: "tcp",
			DestPort: 22,
			Target:   "DROP",
		}},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	task := pendingTask(t, registry, id)
	assert.Equal(t, protocol.TaskUpdateFirewall, task.Kind)

	payload, err := task.DecodeFirewall()
	require.NoError(t, err)
	require.Len(t, payload.Rules, 1)
	assert.Equal(t, "INPUT", payload.Rules[0].Chain)
}

func TestTasksHandler_Firewall_NoRules(t *testing.T) {
	registry := newHandlerRegistry()
	r := setupTasksRouter(registry)
	id, _ := registerAgent(t, r, "agent-1")

	w := postJSON(t, r, "/api/v1/tasks/firewall", map[string]any{
		"client_id": id,
		"rules":     []any{},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTasksHandler_Firewall_InvalidAction(t *testing.T) {
	registry := newHandlerRegistry()
	r := setupTasksRouter(registry)
	id, _ := registerAgent(t, r, "agent-1")

	w := postJSON(t, r, "/api/v1/tasks/firewall", dto.FirewallTaskRequest{
		ClientID: id,
		Rules: []protocol.FirewallRule{{
			Action: "flush",
			Chain:  "INPUT",
			Target: "DROP",
		}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTasksHandler_Proxy(t *testing.T) {
	registry := newHandlerRegistry()
	r := setupTasksRouter(registry)
	id, _ := registerAgent(t, r, "agent-1")

	w := postJSON(t, r, "/api/v1/tasks/proxy", dto.ProxyTaskRequest{
		ClientID:       id,
		ListenAddr:     "127.0.0.1:3128",
		TargetAddr:     "10.0.0.5:80",
		RateLimit:      1 << 20,
		MaxConnections: 50,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	task := pendingTask(t, registry, id)
	assert.Equal(t, protocol.TaskConfigureProxy, task.Kind)

	payload, err := task.DecodeProxy()
	require.NoError(t, err)
	assert.Equal(t, 1<<20, payload.RateLimit)
	assert.Equal(t, 50, payload.MaxConnections)
}

func TestTasksHandler_Proxy_BadListenAddr(t *testing.T) {
	registry := newHandlerRegistry()
	r := setupTasksRouter(registry)
	id, _ := registerAgent(t, r, "agent-1")

	w := postJSON(t, r, "/api/v1/tasks/proxy", dto.ProxyTaskRequest{
		ClientID:   id,
		ListenAddr: "nope",
		TargetAddr: "10.0.0.5:80",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTasksHandler_UpdateConfig(t *testing.T) {
	registry := newHandlerRegistry()
	r := setupTasksRouter(registry)
	id, _ := registerAgent(t, r, "agent-1")

	enabled := true
	w := postJSON(t, r, "/api/v1/tasks/config", dto.ConfigTaskRequest{
		ClientID: id,
		Settings: protocol.ConfigSettings{
			HeartbeatIntervalSecs: 10,
			MetricsEnabled:        &enabled,
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	task := pendingTask(t, registry, id)
	assert.Equal(t, protocol.TaskUpdateConfig, task.Kind)

	payload, err := task.DecodeConfig()
	require.NoError(t, err)
	assert.Equal(t, 10, payload.Settings.HeartbeatIntervalSecs)
	require.NotNil(t, payload.Settings.MetricsEnabled)
	assert.True(t, *payload.Settings.MetricsEnabled)
}
