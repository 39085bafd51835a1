package dto

import (
	"time"

	"github.com/fleetlink/fleetlink/internal/protocol"
)

// AgentResponse is the operator-facing view of one agent.
type AgentResponse struct {
	ID            string              `json:"id"`
	Hostname      string              `json:"hostname"`
	IP            string              `json:"ip"`
	Version       string              `json:"version"`
	Capabilities  []string            `json:"capabilities"`
	SystemInfo    protocol.SystemInfo `json:"system_info"`
	Status        string              `json:"status"`
	StatusReason  string              `json:"status_reason,omitempty"`
	LastHeartbeat time.Time           `json:"last_heartbeat"`
	RegisteredAt  time.Time           `json:"registered_at"`
	Metrics       *protocol.Metrics   `json:"metrics,omitempty"`
}

type ListAgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
	Count  int             `json:"count"`
}
