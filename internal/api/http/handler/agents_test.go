package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/fleetlink/internal/api/http/dto"
	"github.com/fleetlink/fleetlink/internal/fleet"
	"github.com/fleetlink/fleetlink/internal/protocol"
	"github.com/fleetlink/fleetlink/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupAgentsRouter(registry *fleet.Registry) *gin.Engine {
	h := NewAgentsHandler(registry)
	r := gin.New()
	r.POST("/api/v1/agents/register", h.Register)
	r.POST("/api/v1/agents/heartbeat", h.Heartbeat)
	r.POST("/api/v1/agents/results", h.Result)
	r.GET("/api/v1/agents", h.List)
	r.GET("/api/v1/agents/:id", h.Get)
	r.DELETE("/api/v1/agents/:id", h.Remove)
	r.GET("/api/v1/summary", h.Summary)
	return r
}

func newHandlerRegistry() *fleet.Registry {
	return fleet.NewRegistry(store.NewMemoryStore(), fleet.Config{}, nil)
}

func postJSON(t *testing.T, r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, _ := http.NewRequest("POST", path, bytes.NewBuffer(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func registerAgent(t *testing.T, r *gin.Engine, id string) (string, string) {
	t.Helper()
	w := postJSON(t, r, "/api/v1/agents/register", protocol.RegisterRequest{
		Identity: protocol.AgentIdentity{
			ID:       id,
			Hostname: "test-host",
			IP:       "192.168.1.10",
			Version:  "1.0.0",
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp protocol.RegisterResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ClientID)
	require.NotEmpty(t, resp.Token)
	return resp.ClientID, resp.Token
}

func TestAgentsHandler_Register(t *testing.T) {
	r := setupAgentsRouter(newHandlerRegistry())

	id, token := registerAgent(t, r, "agent-1")
	assert.Equal(t, "agent-1", id)
	assert.NotEmpty(t, token)
}

func TestAgentsHandler_Register_MalformedBody(t *testing.T) {
	r := setupAgentsRouter(newHandlerRegistry())

	req, _ := http.NewRequest("POST", "/api/v1/agents/register", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAgentsHandler_Heartbeat(t *testing.T) {
	r := setupAgentsRouter(newHandlerRegistry())
	id, token := registerAgent(t, r, "agent-1")

	w := postJSON(t, r, "/api/v1/agents/heartbeat", protocol.HeartbeatRequest{
		ClientID: id,
		Token:    token,
	})
	assert.Equal(t, http.StatusOK, w.Code)

	var resp protocol.HeartbeatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Tasks)
	assert.Empty(t, resp.Tasks)
}

func TestAgentsHandler_Heartbeat_WrongToken(t *testing.T) {
	r := setupAgentsRouter(newHandlerRegistry())
	id, _ := registerAgent(t, r, "agent-1")

	w := postJSON(t, r, "/api/v1/agents/heartbeat", protocol.HeartbeatRequest{
		ClientID: id,
		Token:    "stale-token",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAgentsHandler_Heartbeat_UnknownAgent(t *testing.T) {
	r := setupAgentsRouter(newHandlerRegistry())

	w := postJSON(t, r, "/api/v1/agents/heartbeat", protocol.HeartbeatRequest{
		ClientID: "ghost",
		Token:    "whatever",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAgentsHandler_Heartbeat_DeliversTasksOnce(t *testing.T) {
	registry := newHandlerRegistry()
	r := setupAgentsRouter(registry)
	id, token := registerAgent(t, r, "agent-1")

	task, err := protocol.NewTask(protocol.TaskStartRelay, protocol.RelayPayload{
		ExitPoint: "127.0.0.1:9000",
		Transport: "direct",
	})
	require.NoError(t, err)
	require.NoError(t, registry.Enqueue(context.Background(), id, task))

	w := postJSON(t, r, "/api/v1/agents/heartbeat", protocol.HeartbeatRequest{ClientID: id, Token: token})
	require.Equal(t, http.StatusOK, w.Code)

	var resp protocol.HeartbeatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, task.ID, resp.Tasks[0].ID)
	assert.Equal(t, protocol.TaskStartRelay, resp.Tasks[0].Kind)

	// The next heartbeat must not see the task again.
	w = postJSON(t, r, "/api/v1/agents/heartbeat", protocol.HeartbeatRequest{ClientID: id, Token: token})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Tasks)
}

func TestAgentsHandler_Heartbeat_CarriesMetrics(t *testing.T) {
	r := setupAgentsRouter(newHandlerRegistry())
	id, token := registerAgent(t, r, "agent-1")

	w := postJSON(t, r, "/api/v1/agents/heartbeat", protocol.HeartbeatRequest{
		ClientID: id,
		Token:    token,
		Metrics:  &protocol.Metrics{CPUUsage: 55.5, MemoryUsage: 70.1},
	})
	require.Equal(t, http.StatusOK, w.Code)

	getReq, _ := http.NewRequest("GET", "/api/v1/agents/"+id, nil)
	getW := httptest.NewRecorder()
	r.ServeHTTP(getW, getReq)
	require.Equal(t, http.StatusOK, getW.Code)

	var agent dto.AgentResponse
	require.NoError(t, json.Unmarshal(getW.Body.Bytes(), &agent))
	require.NotNil(t, agent.Metrics)
	assert.Equal(t, 55.5, agent.Metrics.CPUUsage)
}

func TestAgentsHandler_Result(t *testing.T) {
	r := setupAgentsRouter(newHandlerRegistry())
	id, token := registerAgent(t, r, "agent-1")

	w := postJSON(t, r, "/api/v1/agents/results", protocol.ResultRequest{
		ClientID: id,
		Token:    token,
		TaskID:   "task-1",
		Success:  true,
		Message:  "relay started",
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAgentsHandler_Result_WrongToken(t *testing.T) {
	r := setupAgentsRouter(newHandlerRegistry())
	id, _ := registerAgent(t, r, "agent-1")

	w := postJSON(t, r, "/api/v1/agents/results", protocol.ResultRequest{
		ClientID: id,
		Token:    "stale-token",
		TaskID:   "task-1",
		Success:  false,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAgentsHandler_List(t *testing.T) {
	r := setupAgentsRouter(newHandlerRegistry())
	registerAgent(t, r, "agent-1")
	registerAgent(t, r, "agent-2")

	req, _ := http.NewRequest("GET", "/api/v1/agents", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp dto.ListAgentsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Len(t, resp.Agents, 2)
	assert.Equal(t, "agent-1", resp.Agents[0].ID)
	assert.Equal(t, "online", resp.Agents[0].Status)
}

func TestAgentsHandler_Get_NotFound(t *testing.T) {
	r := setupAgentsRouter(newHandlerRegistry())

	req, _ := http.NewRequest("GET", "/api/v1/agents/ghost", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAgentsHandler_Remove(t *testing.T) {
	r := setupAgentsRouter(newHandlerRegistry())
	id, _ := registerAgent(t, r, "agent-1")

	req, _ := http.NewRequest("DELETE", "/api/v1/agents/"+id, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	getReq, _ := http.NewRequest("GET", "/api/v1/agents/"+id, nil)
	getW := httptest.NewRecorder()
	r.ServeHTTP(getW, getReq)
	assert.Equal(t, http.StatusNotFound, getW.Code)
}

func TestAgentsHandler_Summary(t *testing.T) {
	r := setupAgentsRouter(newHandlerRegistry())
	id, token := registerAgent(t, r, "agent-1")

	postJSON(t, r, "/api/v1/agents/heartbeat", protocol.HeartbeatRequest{
		ClientID: id,
		Token:    token,
		Metrics:  &protocol.Metrics{CPUUsage: 40, MemoryUsage: 50},
	})

	req, _ := http.NewRequest("GET", "/api/v1/summary", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var summary protocol.MetricsSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.TotalAgents)
	assert.Equal(t, 1, summary.OnlineAgents)
	assert.InDelta(t, 40.0, summary.AvgCPUUsage, 0.001)
}
