package protocol

import "time"

// Request and response bodies for the agent-facing exchange. Operator-only
// shapes live with the HTTP layer; these are shared by server and agent.

type RegisterRequest struct {
	Identity AgentIdentity `json:"identity"`
}

type RegisterResponse struct {
	ClientID string `json:"client_id"`
	Token    string `json:"token"`
}

type HeartbeatRequest struct {
	ClientID string   `json:"client_id"`
	Token    string   `json:"token"`
	Metrics  *Metrics `json:"metrics,omitempty"`
}

type HeartbeatResponse struct {
	Status string `json:"status"`
	Tasks  []Task `json:"tasks"`
}

// TaskResult reports the outcome of one executed task. Results are an audit
// trail only; they never affect queue delivery.
type TaskResult struct {
	TaskID      string    `json:"task_id"`
	AgentID     string    `json:"agent_id"`
	Success     bool      `json:"success"`
	Message     string    `json:"message,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

type ResultRequest struct {
	ClientID string `json:"client_id"`
	Token    string `json:"token"`
	TaskID   string `json:"task_id"`
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
}

type MetricsSummary struct {
	TotalAgents    int     `json:"total_agents"`
	OnlineAgents   int     `json:"online_agents"`
	OfflineAgents  int     `json:"offline_agents"`
	AvgCPUUsage    float64 `json:"avg_cpu_usage"`
	AvgMemoryUsage float64 `json:"avg_memory_usage"`
	TotalRxBytes   uint64  `json:"total_rx_bytes"`
	TotalTxBytes   uint64  `json:"total_tx_bytes"`
}
