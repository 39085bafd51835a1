package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fleetlink/fleetlink/internal/protocol"
)

// MemoryStore keeps all records in process memory. It backs tests and
// single-node deployments that can afford to lose state on restart. One
// mutex covers every map, which also makes PendingTasks atomic.
type MemoryStore struct {
	mu      sync.Mutex
	agents  map[string]AgentRecord
	pending map[string][]protocol.Task
	history map[string][]protocol.Metrics
	results map[string]protocol.TaskResult
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:  make(map[string]AgentRecord),
		pending: make(map[string][]protocol.Task),
		history: make(map[string][]protocol.Metrics),
		results: make(map[string]protocol.TaskResult),
	}
}

func copyRecord(rec AgentRecord) AgentRecord {
	out := rec
	out.Identity.Capabilities = append([]string(nil), rec.Identity.Capabilities...)
	if rec.Metrics != nil {
		m := *rec.Metrics
		out.Metrics = &m
	}
	return out
}

func (s *MemoryStore) SaveAgent(_ context.Context, rec AgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.agents[rec.Identity.ID]; ok && rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = existing.RegisteredAt
	}
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = time.Now().UTC()
	}
	s.agents[rec.Identity.ID] = copyRecord(rec)
	return nil
}

func (s *MemoryStore) UpdateHeartbeat(_ context.Context, agentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	rec.Status = protocol.StatusOnline
	rec.StatusReason = ""
	rec.LastHeartbeat = at
	s.agents[agentID] = rec
	return nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, agentID string, status protocol.Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	rec.Status = status
	rec.StatusReason = reason
	s.agents[agentID] = rec
	return nil
}

func (s *MemoryStore) SaveMetrics(_ context.Context, agentID string, m protocol.Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	snapshot := m
	rec.Metrics = &snapshot
	s.agents[agentID] = rec
	s.history[agentID] = append(s.history[agentID], m)
	return nil
}

func (s *MemoryStore) RemoveAgent(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agentID]; !ok {
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	delete(s.agents, agentID)
	delete(s.pending, agentID)
	delete(s.history, agentID)
	return nil
}

func (s *MemoryStore) ListAgents(_ context.Context) ([]AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AgentRecord, 0, len(s.agents))
	for _, rec := range s.agents {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.ID < out[j].Identity.ID })
	return out, nil
}

func (s *MemoryStore) EnqueueTask(_ context.Context, agentID string, task protocol.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[agentID] = append(s.pending[agentID], task)
	return nil
}

func (s *MemoryStore) PendingTasks(_ context.Context, agentID string) ([]protocol.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := s.pending[agentID]
	if len(tasks) == 0 {
		return nil, nil
	}
	delete(s.pending, agentID)

	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (s *MemoryStore) SaveTaskResult(_ context.Context, result protocol.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results[result.TaskID] = result
	return nil
}

func (s *MemoryStore) MetricsHistory(_ context.Context, agentID string, limit int) ([]protocol.Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hist := s.history[agentID]
	if limit <= 0 || limit > len(hist) {
		limit = len(hist)
	}

	// Newest first, mirroring the SQL stores.
	out := make([]protocol.Metrics, 0, limit)
	for i := len(hist) - 1; i >= len(hist)-limit; i-- {
		out = append(out, hist[i])
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
