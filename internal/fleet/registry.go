package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/fleetlink/fleetlink/internal/protocol"
	"github.com/fleetlink/fleetlink/internal/store"
)

var ErrNotFound = errors.New("agent not found")

const (
	defaultHeartbeatTimeout = 2 * time.Minute
	defaultSweepInterval    = time.Minute
	persistTimeout          = 5 * time.Second
)

// Config tunes the registry's liveness state machine.
type Config struct {
	// HeartbeatTimeout is how long an agent may stay silent before the
	// sweep transitions it to offline.
	HeartbeatTimeout time.Duration
	// SweepInterval is the period of the background liveness sweep.
	SweepInterval time.Duration
}

type agentState struct {
	identity      protocol.AgentIdentity
	token         string
	status        protocol.Status
	statusReason  string
	lastHeartbeat time.Time
	metrics       *protocol.Metrics
	registeredAt  time.Time
}

// AgentSnapshot is a point-in-time copy of one agent's identity and state,
// safe to hand out without holding the registry lock.
type AgentSnapshot struct {
	Identity      protocol.AgentIdentity
	Status        protocol.Status
	StatusReason  string
	LastHeartbeat time.Time
	Metrics       *protocol.Metrics
	RegisteredAt  time.Time
}

// Registry owns the fleet state machine: who is registered, who is online,
// and which tasks wait for delivery. It is the only writer of agent state;
// the durable store is its collaborator, never its source of truth during
// normal operation. All methods are safe for concurrent use.
type Registry struct {
	cfg   Config
	store store.Store
	clock clock.Clock

	mu     sync.RWMutex
	agents map[string]*agentState

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewRegistry(st store.Store, cfg Config, clk clock.Clock) *Registry {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		cfg:    cfg,
		store:  st,
		clock:  clk,
		agents: make(map[string]*agentState),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// WarmLoad restores all persisted agents into memory. Called once at
// coordinator start so a restart does not forget the fleet.
func (r *Registry) WarmLoad(ctx context.Context) error {
	records, err := r.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("load persisted agents: %w", err)
	}

	r.mu.Lock()
	for _, rec := range records {
		r.agents[rec.Identity.ID] = &agentState{
			identity:      rec.Identity,
			token:         rec.Token,
			status:        rec.Status,
			statusReason:  rec.StatusReason,
			lastHeartbeat: rec.LastHeartbeat,
			metrics:       rec.Metrics,
			registeredAt:  rec.RegisteredAt,
		}
	}
	total := len(r.agents)
	r.mu.Unlock()

	slog.Info("Fleet state restored", "agents", total)
	return nil
}

// StartSweep launches the background liveness sweep. Stop tears it down.
func (r *Registry) StartSweep() {
	go r.sweepLoop()
}

func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh
	})
}

// Register upserts the agent and issues a fresh opaque token. It never fails
// from the caller's perspective: a store write failure is logged and the
// in-memory registration still stands, because rejecting an agent over a
// coordinator disk hiccup would only force a redundant retry loop.
func (r *Registry) Register(ctx context.Context, identity protocol.AgentIdentity) (string, string) {
	if identity.ID == "" {
		identity.ID = uuid.NewString()
	}
	token := uuid.NewString()
	now := r.clock.Now().UTC()

	r.mu.Lock()
	existing, replaced := r.agents[identity.ID]
	registeredAt := now
	if replaced {
		registeredAt = existing.registeredAt
	}
	r.agents[identity.ID] = &agentState{
		identity:      identity,
		token:         token,
		status:        protocol.StatusOnline,
		lastHeartbeat: now,
		registeredAt:  registeredAt,
	}
	total := len(r.agents)
	r.mu.Unlock()

	if replaced {
		slog.Info("Agent re-registered, previous token invalidated",
			"agent_id", identity.ID,
			"hostname", identity.Hostname)
	} else {
		slog.Info("Agent registered",
			"agent_id", identity.ID,
			"hostname", identity.Hostname,
			"total_agents", total)
	}

	if err := r.store.SaveAgent(ctx, store.AgentRecord{
		Identity:      identity,
		Token:         token,
		Status:        protocol.StatusOnline,
		LastHeartbeat: now,
		RegisteredAt:  registeredAt,
	}); err != nil {
		slog.Error("Failed to persist registration", "agent_id", identity.ID, "error", err)
	}

	return identity.ID, token
}

// Heartbeat marks the agent online as of now. It fails with ErrNotFound when
// the agent was never registered, was purged, or presents a token other than
// the one issued at its latest registration; the agent's recovery is to
// re-register. An offline agent that heartbeats successfully becomes online
// again without re-registering.
func (r *Registry) Heartbeat(ctx context.Context, agentID, token string) error {
	now := r.clock.Now().UTC()

	r.mu.Lock()
	state, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	if state.token != token {
		r.mu.Unlock()
		slog.Warn("Heartbeat with stale token", "agent_id", agentID)
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	state.status = protocol.StatusOnline
	state.statusReason = ""
	state.lastHeartbeat = now
	r.mu.Unlock()

	slog.Debug("Heartbeat", "agent_id", agentID)

	if err := r.store.UpdateHeartbeat(ctx, agentID, now); err != nil {
		// The in-memory update stands; the agent should not re-register
		// because the coordinator's store hiccupped.
		slog.Error("Failed to persist heartbeat", "agent_id", agentID, "error", err)
	}
	return nil
}

// Authenticate checks that the agent exists and presents its current token,
// without touching liveness state. Used by exchanges that ride outside the
// heartbeat, like task result reports.
func (r *Registry) Authenticate(agentID, token string) error {
	r.mu.RLock()
	state, ok := r.agents[agentID]
	valid := ok && state.token == token
	r.mu.RUnlock()

	if !valid {
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	return nil
}

// ReportMetrics stores the latest snapshot. Best-effort: unknown agents and
// store failures are logged, never surfaced, because metrics must not break
// the heartbeat path they ride on.
func (r *Registry) ReportMetrics(ctx context.Context, agentID string, m protocol.Metrics) {
	r.mu.Lock()
	state, ok := r.agents[agentID]
	if ok {
		snapshot := m
		state.metrics = &snapshot
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	if err := r.store.SaveMetrics(ctx, agentID, m); err != nil {
		slog.Error("Failed to persist metrics", "agent_id", agentID, "error", err)
	}
}

// PendingTasks drains the agent's queue in creation order. Each task is
// delivered at most once: the store marks it consumed in the same operation
// that returns it, so two racing heartbeats never split a task between them.
// An empty queue is an empty list, never an error.
func (r *Registry) PendingTasks(ctx context.Context, agentID string) []protocol.Task {
	tasks, err := r.store.PendingTasks(ctx, agentID)
	if err != nil {
		slog.Error("Failed to fetch pending tasks", "agent_id", agentID, "error", err)
		return nil
	}
	if len(tasks) > 0 {
		slog.Info("Delivering tasks", "agent_id", agentID, "count", len(tasks))
	}
	return tasks
}

// Enqueue appends a task to the agent's durable queue. The agent does not
// need to be online, but it must have registered at least once; queueing
// work for an id the fleet has never seen is almost always an operator typo.
func (r *Registry) Enqueue(ctx context.Context, agentID string, task protocol.Task) error {
	r.mu.RLock()
	_, known := r.agents[agentID]
	r.mu.RUnlock()
	if !known {
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}

	if err := r.store.EnqueueTask(ctx, agentID, task); err != nil {
		return fmt.Errorf("enqueue task for %s: %w", agentID, err)
	}

	slog.Info("Task enqueued",
		"agent_id", agentID,
		"task_id", task.ID,
		"kind", task.Kind)
	return nil
}

// RecordResult stores a task outcome reported by an agent. Results are an
// audit trail; failures to record them are logged and dropped.
func (r *Registry) RecordResult(ctx context.Context, result protocol.TaskResult) {
	if err := r.store.SaveTaskResult(ctx, result); err != nil {
		slog.Error("Failed to persist task result",
			"task_id", result.TaskID,
			"agent_id", result.AgentID,
			"error", err)
		return
	}
	slog.Debug("Task result recorded",
		"task_id", result.TaskID,
		"agent_id", result.AgentID,
		"success", result.Success)
}

// List returns identity snapshots for every known agent regardless of
// status, sorted by id for stable output.
func (r *Registry) List() []protocol.AgentIdentity {
	r.mu.RLock()
	out := make([]protocol.AgentIdentity, 0, len(r.agents))
	for _, state := range r.agents {
		out = append(out, state.identity)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Agent returns a full snapshot for one agent.
func (r *Registry) Agent(agentID string) (AgentSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.agents[agentID]
	if !ok {
		return AgentSnapshot{}, fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	return snapshotLocked(state), nil
}

// Snapshots returns a full snapshot of every agent, sorted by id.
func (r *Registry) Snapshots() []AgentSnapshot {
	r.mu.RLock()
	out := make([]AgentSnapshot, 0, len(r.agents))
	for _, state := range r.agents {
		out = append(out, snapshotLocked(state))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Identity.ID < out[j].Identity.ID })
	return out
}

func snapshotLocked(state *agentState) AgentSnapshot {
	snap := AgentSnapshot{
		Identity:      state.identity,
		Status:        state.status,
		StatusReason:  state.statusReason,
		LastHeartbeat: state.lastHeartbeat,
		RegisteredAt:  state.registeredAt,
	}
	if state.metrics != nil {
		m := *state.metrics
		snap.Metrics = &m
	}
	return snap
}

// Summary aggregates fleet-wide liveness and resource figures. CPU and
// memory means cover online agents with a metrics snapshot; network totals
// sum the latest counters across the whole fleet.
func (r *Registry) Summary() protocol.MetricsSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summary := protocol.MetricsSummary{TotalAgents: len(r.agents)}

	var cpuSum, memSum float64
	var sampled int
	for _, state := range r.agents {
		switch state.status {
		case protocol.StatusOnline:
			summary.OnlineAgents++
		default:
			summary.OfflineAgents++
		}
		if state.metrics == nil {
			continue
		}
		summary.TotalRxBytes += state.metrics.NetworkRxBytes
		summary.TotalTxBytes += state.metrics.NetworkTxBytes
		if state.status == protocol.StatusOnline {
			cpuSum += state.metrics.CPUUsage
			memSum += state.metrics.MemoryUsage
			sampled++
		}
	}
	if sampled > 0 {
		summary.AvgCPUUsage = cpuSum / float64(sampled)
		summary.AvgMemoryUsage = memSum / float64(sampled)
	}
	return summary
}

// Remove deletes an agent record entirely, in memory and in the store, so a
// purged agent cannot resurrect on the next warm load. This is the
// administrative purge path; the sweep never removes records, only marks
// them offline.
func (r *Registry) Remove(ctx context.Context, agentID string) error {
	r.mu.Lock()
	_, ok := r.agents[agentID]
	if ok {
		delete(r.agents, agentID)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}

	// A store-side NotFound just means the registration never persisted.
	if err := r.store.RemoveAgent(ctx, agentID); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("Failed to persist agent removal", "agent_id", agentID, "error", err)
	}

	slog.Info("Agent removed", "agent_id", agentID)
	return nil
}

func (r *Registry) sweepLoop() {
	defer close(r.doneCh)

	ticker := r.clock.Ticker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

// sweep transitions every online agent whose heartbeat has gone stale to
// offline. It is the only Online->Offline path and it never removes records.
// Persistence failures are logged and the in-memory transition still
// happens, so the operator's view cannot silently freeze.
func (r *Registry) sweep() {
	now := r.clock.Now().UTC()

	var timedOut []string
	r.mu.Lock()
	for id, state := range r.agents {
		if state.status != protocol.StatusOnline {
			continue
		}
		if now.Sub(state.lastHeartbeat) > r.cfg.HeartbeatTimeout {
			state.status = protocol.StatusOffline
			state.statusReason = "heartbeat timeout"
			timedOut = append(timedOut, id)
		}
	}
	r.mu.Unlock()

	for _, id := range timedOut {
		slog.Warn("Agent marked offline",
			"agent_id", id,
			"timeout", r.cfg.HeartbeatTimeout)

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := r.store.UpdateStatus(ctx, id, protocol.StatusOffline, "heartbeat timeout"); err != nil {
			slog.Error("Failed to persist offline status", "agent_id", id, "error", err)
		}
		cancel()
	}
}
