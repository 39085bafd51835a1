package store

import (
	"context"
	"errors"
	"time"

	"github.com/fleetlink/fleetlink/internal/protocol"
)

var ErrNotFound = errors.New("record not found")

// AgentRecord is the durable view of one agent: its registration identity
// plus the liveness columns the registry maintains.
type AgentRecord struct {
	Identity      protocol.AgentIdentity
	Token         string
	Status        protocol.Status
	StatusReason  string
	LastHeartbeat time.Time
	Metrics       *protocol.Metrics
	RegisteredAt  time.Time
}

// Store is the durable collaborator behind the fleet registry. Implementations
// must make PendingTasks atomic: two concurrent calls for the same agent never
// both observe the same pending task.
type Store interface {
	// SaveAgent upserts the full record, replacing identity and token.
	SaveAgent(ctx context.Context, rec AgentRecord) error
	// UpdateHeartbeat marks the agent online as of the given time.
	UpdateHeartbeat(ctx context.Context, agentID string, at time.Time) error
	// UpdateStatus sets the liveness status without touching the heartbeat time.
	UpdateStatus(ctx context.Context, agentID string, status protocol.Status, reason string) error
	// SaveMetrics stores the latest snapshot and appends it to the history.
	SaveMetrics(ctx context.Context, agentID string, m protocol.Metrics) error
	// RemoveAgent deletes the agent together with its pending tasks and
	// metrics history, so it cannot resurrect on a warm load. Task results
	// stay as audit trail.
	RemoveAgent(ctx context.Context, agentID string) error
	ListAgents(ctx context.Context) ([]AgentRecord, error)

	// EnqueueTask appends to the agent's durable queue.
	EnqueueTask(ctx context.Context, agentID string, task protocol.Task) error
	// PendingTasks returns all pending tasks FIFO by creation time and marks
	// them consumed in the same operation.
	PendingTasks(ctx context.Context, agentID string) ([]protocol.Task, error)

	SaveTaskResult(ctx context.Context, result protocol.TaskResult) error
	MetricsHistory(ctx context.Context, agentID string, limit int) ([]protocol.Metrics, error)

	Close() error
}
