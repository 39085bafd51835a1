package protocol

import (
	"time"
)

// SystemInfo is the static host snapshot captured once at registration.
type SystemInfo struct {
	OS            string `json:"os"`
	KernelVersion string `json:"kernel_version"`
	CPUCores      int    `json:"cpu_cores"`
	TotalMemory   uint64 `json:"total_memory"`
	TotalDisk     uint64 `json:"total_disk"`
}

// AgentIdentity is immutable per registration; a re-register replaces it wholesale.
type AgentIdentity struct {
	ID           string     `json:"id"`
	Hostname     string     `json:"hostname"`
	IP           string     `json:"ip"`
	Version      string     `json:"version"`
	Capabilities []string   `json:"capabilities"`
	SystemInfo   SystemInfo `json:"system_info"`
}

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

// Metrics is one sampled host snapshot, carried on heartbeats.
type Metrics struct {
	CPUUsage       float64   `json:"cpu_usage"`
	MemoryUsed     uint64    `json:"memory_used"`
	MemoryTotal    uint64    `json:"memory_total"`
	MemoryUsage    float64   `json:"memory_usage"`
	DiskUsed       uint64    `json:"disk_used"`
	DiskTotal      uint64    `json:"disk_total"`
	DiskUsage      float64   `json:"disk_usage"`
	NetworkRxBytes uint64    `json:"network_rx_bytes"`
	NetworkTxBytes uint64    `json:"network_tx_bytes"`
	NetworkRxRate  uint64    `json:"network_rx_rate"`
	NetworkTxRate  uint64    `json:"network_tx_rate"`
	// ActiveConnections counts relay connections open at sample time;
	// UptimeSeconds is how long the agent process has been running. Both are
	// filled in by the agent loop, not the host sampler.
	ActiveConnections int64     `json:"active_connections"`
	UptimeSeconds     int64     `json:"uptime_seconds"`
	CollectedAt       time.Time `json:"collected_at"`
}
