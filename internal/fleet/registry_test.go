package fleet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/fleetlink/internal/protocol"
	"github.com/fleetlink/fleetlink/internal/store"
)

func testIdentity(id string) protocol.AgentIdentity {
	return protocol.AgentIdentity{
		ID:           id,
		Hostname:     "host-" + id,
		IP:           "10.0.0.1",
		Version:      "1.0.0",
		Capabilities: []string{"relay", "firewall", "proxy", "monitoring"},
	}
}

func newTestRegistry(t *testing.T) (*Registry, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	r := NewRegistry(store.NewMemoryStore(), Config{
		HeartbeatTimeout: 2 * time.Minute,
		SweepInterval:    time.Minute,
	}, clk)
	return r, clk
}

func TestNewRegistry_Defaults(t *testing.T) {
	r := NewRegistry(store.NewMemoryStore(), Config{}, nil)

	assert.Equal(t, defaultHeartbeatTimeout, r.cfg.HeartbeatTimeout)
	assert.Equal(t, defaultSweepInterval, r.cfg.SweepInterval)
	assert.NotNil(t, r.agents)
	assert.NotNil(t, r.clock)
}

func TestRegistry_Register_IssuesToken(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	id, token := r.Register(ctx, testIdentity("agent-1"))

	assert.Equal(t, "agent-1", id)
	assert.NotEmpty(t, token)

	snap, err := r.Agent("agent-1")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOnline, snap.Status)
	assert.Equal(t, "host-agent-1", snap.Identity.Hostname)
}

func TestRegistry_Register_GeneratesID(t *testing.T) {
	r, _ := newTestRegistry(t)

	id, token := r.Register(context.Background(), protocol.AgentIdentity{Hostname: "anon"})

	assert.NotEmpty(t, id)
	assert.NotEmpty(t, token)
	require.NoError(t, r.Heartbeat(context.Background(), id, token))
}

func TestRegistry_Register_ReplacesIdentityAndToken(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, oldToken := r.Register(ctx, testIdentity("agent-1"))

	updated := testIdentity("agent-1")
	updated.Hostname = "renamed"
	_, newToken := r.Register(ctx, updated)

	require.NotEqual(t, oldToken, newToken)

	// The old token is dead the moment the re-register lands.
	err := r.Heartbeat(ctx, "agent-1", oldToken)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, r.Heartbeat(ctx, "agent-1", newToken))

	snap, err := r.Agent("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", snap.Identity.Hostname)
	assert.Len(t, r.List(), 1)
}

func TestRegistry_Heartbeat_UnknownAgent(t *testing.T) {
	r, _ := newTestRegistry(t)

	err := r.Heartbeat(context.Background(), "ghost", "some-token")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_Heartbeat_WrongToken(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	r.Register(ctx, testIdentity("agent-1"))

	err := r.Heartbeat(ctx, "agent-1", "not-the-issued-token")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_Heartbeat_RevivesOfflineAgent(t *testing.T) {
	r, clk := newTestRegistry(t)
	ctx := context.Background()

	_, token := r.Register(ctx, testIdentity("agent-1"))

	clk.Add(3 * time.Minute)
	r.sweep()

	snap, err := r.Agent("agent-1")
	require.NoError(t, err)
	require.Equal(t, protocol.StatusOffline, snap.Status)

	// Same token still works; the agent never re-registered.
	require.NoError(t, r.Heartbeat(ctx, "agent-1", token))

	snap, err = r.Agent("agent-1")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOnline, snap.Status)
	assert.Empty(t, snap.StatusReason)
}

func TestRegistry_Sweep_MarksStaleOffline(t *testing.T) {
	r, clk := newTestRegistry(t)
	ctx := context.Background()

	_, staleToken := r.Register(ctx, testIdentity("stale"))
	_ = staleToken

	clk.Add(90 * time.Second)
	_, freshToken := r.Register(ctx, testIdentity("fresh"))

	// stale is now 90s+40s past its last heartbeat, fresh only 40s.
	clk.Add(40 * time.Second)
	require.NoError(t, r.Heartbeat(ctx, "fresh", freshToken))
	r.sweep()

	staleSnap, err := r.Agent("stale")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOffline, staleSnap.Status)
	assert.Equal(t, "heartbeat timeout", staleSnap.StatusReason)

	freshSnap, err := r.Agent("fresh")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOnline, freshSnap.Status)

	// Offline agents stay listed; the sweep never forgets anyone.
	assert.Len(t, r.List(), 2)
}

func TestRegistry_Sweep_ExactlyAtTimeoutStaysOnline(t *testing.T) {
	r, clk := newTestRegistry(t)

	r.Register(context.Background(), testIdentity("agent-1"))

	clk.Add(2 * time.Minute)
	r.sweep()

	snap, err := r.Agent("agent-1")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOnline, snap.Status)
}

func TestRegistry_SweepLoop_RunsOnTicker(t *testing.T) {
	r, clk := newTestRegistry(t)

	r.Register(context.Background(), testIdentity("agent-1"))
	r.StartSweep()

	// Let the sweep goroutine create its ticker before advancing the clock.
	time.Sleep(10 * time.Millisecond)
	clk.Add(3 * time.Minute)

	// The mock ticker fired inside StartSweep's goroutine; give it a
	// moment to finish the pass before asserting.
	assert.Eventually(t, func() bool {
		snap, err := r.Agent("agent-1")
		return err == nil && snap.Status == protocol.StatusOffline
	}, time.Second, 5*time.Millisecond)

	r.Stop()
}

func TestRegistry_Stop_Idempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.StartSweep()

	r.Stop()
	r.Stop()
}

func TestRegistry_Enqueue_UnknownAgent(t *testing.T) {
	r, _ := newTestRegistry(t)

	err := r.Enqueue(context.Background(), "ghost", protocol.Task{ID: "t1", Kind: protocol.TaskStartRelay})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_Enqueue_OfflineAgentAccepted(t *testing.T) {
	r, clk := newTestRegistry(t)
	ctx := context.Background()

	r.Register(ctx, testIdentity("agent-1"))
	clk.Add(5 * time.Minute)
	r.sweep()

	err := r.Enqueue(ctx, "agent-1", protocol.Task{ID: "t1", Kind: protocol.TaskUpdateConfig})
	require.NoError(t, err)

	tasks := r.PendingTasks(ctx, "agent-1")
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)
}

func TestRegistry_PendingTasks_FIFOAndDrained(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	r.Register(ctx, testIdentity("agent-1"))

	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, r.Enqueue(ctx, "agent-1", protocol.Task{ID: id, Kind: protocol.TaskStartRelay}))
	}

	tasks := r.PendingTasks(ctx, "agent-1")
	require.Len(t, tasks, 3)
	assert.Equal(t, "t1", tasks[0].ID)
	assert.Equal(t, "t2", tasks[1].ID)
	assert.Equal(t, "t3", tasks[2].ID)

	// Drained: the same tasks are never handed out twice.
	assert.Empty(t, r.PendingTasks(ctx, "agent-1"))
}

func TestRegistry_PendingTasks_EmptyQueue(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	r.Register(ctx, testIdentity("agent-1"))
	assert.Empty(t, r.PendingTasks(ctx, "agent-1"))
}

func TestRegistry_ReportMetrics_UpdatesSnapshot(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	r.Register(ctx, testIdentity("agent-1"))

	r.ReportMetrics(ctx, "agent-1", protocol.Metrics{CPUUsage: 42.5, MemoryUsage: 61.0})

	snap, err := r.Agent("agent-1")
	require.NoError(t, err)
	require.NotNil(t, snap.Metrics)
	assert.Equal(t, 42.5, snap.Metrics.CPUUsage)
}

func TestRegistry_ReportMetrics_UnknownAgentIgnored(t *testing.T) {
	r, _ := newTestRegistry(t)

	// Should not panic or create a phantom agent.
	r.ReportMetrics(context.Background(), "ghost", protocol.Metrics{CPUUsage: 10})
	assert.Empty(t, r.List())
}

func TestRegistry_Summary(t *testing.T) {
	r, clk := newTestRegistry(t)
	ctx := context.Background()

	r.Register(ctx, testIdentity("stale"))
	r.ReportMetrics(ctx, "stale", protocol.Metrics{
		CPUUsage:       90,
		NetworkRxBytes: 100,
		NetworkTxBytes: 50,
	})

	clk.Add(3 * time.Minute)
	_, tokenA := r.Register(ctx, testIdentity("a"))
	_, tokenB := r.Register(ctx, testIdentity("b"))
	require.NoError(t, r.Heartbeat(ctx, "a", tokenA))
	require.NoError(t, r.Heartbeat(ctx, "b", tokenB))
	r.ReportMetrics(ctx, "a", protocol.Metrics{
		CPUUsage:       20,
		MemoryUsage:    40,
		NetworkRxBytes: 1000,
		NetworkTxBytes: 500,
	})
	r.ReportMetrics(ctx, "b", protocol.Metrics{
		CPUUsage:       40,
		MemoryUsage:    60,
		NetworkRxBytes: 2000,
		NetworkTxBytes: 1500,
	})
	r.sweep()

	s := r.Summary()
	assert.Equal(t, 3, s.TotalAgents)
	assert.Equal(t, 2, s.OnlineAgents)
	assert.Equal(t, 1, s.OfflineAgents)
	// Means cover online agents only; the stale agent's 90% CPU is excluded.
	assert.InDelta(t, 30.0, s.AvgCPUUsage, 0.001)
	assert.InDelta(t, 50.0, s.AvgMemoryUsage, 0.001)
	// Network totals cover the whole fleet, offline included.
	assert.Equal(t, uint64(3100), s.TotalRxBytes)
	assert.Equal(t, uint64(2050), s.TotalTxBytes)
}

func TestRegistry_Summary_Empty(t *testing.T) {
	r, _ := newTestRegistry(t)

	s := r.Summary()
	assert.Zero(t, s.TotalAgents)
	assert.Zero(t, s.AvgCPUUsage)
}

func TestRegistry_WarmLoad_RestoresPersistedAgents(t *testing.T) {
	st := store.NewMemoryStore()
	clk := clock.NewMock()
	cfg := Config{HeartbeatTimeout: 2 * time.Minute, SweepInterval: time.Minute}

	first := NewRegistry(st, cfg, clk)
	_, token := first.Register(context.Background(), testIdentity("agent-1"))

	// A fresh registry over the same store sees the agent again.
	second := NewRegistry(st, cfg, clk)
	require.NoError(t, second.WarmLoad(context.Background()))

	snap, err := second.Agent("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "host-agent-1", snap.Identity.Hostname)

	// The issued token survives the restart.
	require.NoError(t, second.Heartbeat(context.Background(), "agent-1", token))
}

func TestRegistry_Remove(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, token := r.Register(ctx, testIdentity("agent-1"))
	require.NoError(t, r.Remove(ctx, "agent-1"))

	_, err := r.Agent("agent-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Heartbeat(ctx, "agent-1", token), ErrNotFound)

	assert.ErrorIs(t, r.Remove(ctx, "ghost"), ErrNotFound)
}

func TestRegistry_Remove_DoesNotResurrectOnRestart(t *testing.T) {
	st := store.NewMemoryStore()
	clk := clock.NewMock()
	cfg := Config{HeartbeatTimeout: 2 * time.Minute, SweepInterval: time.Minute}
	ctx := context.Background()

	first := NewRegistry(st, cfg, clk)
	_, token := first.Register(ctx, testIdentity("agent-1"))
	require.NoError(t, first.Enqueue(ctx, "agent-1", protocol.Task{ID: "t1", Kind: protocol.TaskStartRelay}))
	require.NoError(t, first.Remove(ctx, "agent-1"))

	// A restart warm-loads from the same store; the purged agent must stay
	// gone, its old token dead and its queued work dropped.
	second := NewRegistry(st, cfg, clk)
	require.NoError(t, second.WarmLoad(ctx))

	assert.Empty(t, second.List())
	assert.ErrorIs(t, second.Heartbeat(ctx, "agent-1", token), ErrNotFound)
	assert.Empty(t, second.PendingTasks(ctx, "agent-1"))
}

func TestRegistry_RecordResult(t *testing.T) {
	st := store.NewMemoryStore()
	r := NewRegistry(st, Config{}, clock.NewMock())
	ctx := context.Background()

	r.Register(ctx, testIdentity("agent-1"))
	r.RecordResult(ctx, protocol.TaskResult{
		TaskID:      "t1",
		AgentID:     "agent-1",
		Success:     true,
		Message:     "relay started",
		CompletedAt: time.Now(),
	})
}

func TestRegistry_ConcurrentHeartbeats(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	tokens := make(map[string]string)
	for _, id := range []string{"a", "b", "c", "d"} {
		_, tok := r.Register(ctx, testIdentity(id))
		tokens[id] = tok
	}

	var wg sync.WaitGroup
	for id, tok := range tokens {
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func(id, tok string) {
				defer wg.Done()
				assert.NoError(t, r.Heartbeat(ctx, id, tok))
			}(id, tok)
		}
	}
	wg.Wait()

	assert.Len(t, r.List(), 4)
	assert.Equal(t, 4, r.Summary().OnlineAgents)
}
