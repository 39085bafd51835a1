package dto

import "github.com/fleetlink/fleetlink/internal/protocol"

// Operator task submissions. Each enqueues one task for the named agent and
// answers with the queued task's id.

type RelayTaskRequest struct {
	ClientID   string `json:"client_id" binding:"required"`
	EntryPoint string `json:"entry_point"`
	ExitPoint  string `json:"exit_point" binding:"required"`
	Transport  string `json:"transport_kind"`
	// Stop tears the relay down instead of starting it.
	Stop bool `json:"stop"`
}

type FirewallTaskRequest struct {
	ClientID string                  `json:"client_id" binding:"required"`
	Rules    []protocol.FirewallRule `json:"rules" binding:"required"`
}

type ProxyTaskRequest struct {
	ClientID       string `json:"client_id" binding:"required"`
	ListenAddr     string `json:"listen_addr" binding:"required"`
	TargetAddr     string `json:"target_addr" binding:"required"`
	RateLimit      int    `json:"rate_limit"`
	MaxConnections int    `json:"max_connections"`
}

type ConfigTaskRequest struct {
	ClientID string                  `json:"client_id" binding:"required"`
	Settings protocol.ConfigSettings `json:"settings"`
}

type TaskResponse struct {
	TaskID string `json:"task_id"`
}
