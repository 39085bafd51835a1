package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetlink/fleetlink/internal/firewall"
	"github.com/fleetlink/fleetlink/internal/protocol"
	"github.com/fleetlink/fleetlink/internal/proxy"
	"github.com/fleetlink/fleetlink/internal/relay"
	"github.com/fleetlink/fleetlink/internal/stats"
	"github.com/fleetlink/fleetlink/internal/sysinfo"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	initialRegisterDelay     = 1 * time.Second
	maxRegisterDelay         = 30 * time.Second
	backoffFactor            = 2
)

// Config tunes the runner's poll loop.
type Config struct {
	HeartbeatInterval time.Duration
	MetricsEnabled    bool
	// OnRegistered is called with the coordinator-assigned id after every
	// successful registration, so the binary can persist it.
	OnRegistered func(agentID string)
}

// Runner drives the agent's life against the coordinator: register with
// backoff, heartbeat on a timer, execute returned tasks, and report outcomes.
// A heartbeat rejected with NotFound triggers an immediate re-registration
// with a fresh token; the loop itself never gives up until its context ends.
type Runner struct {
	client   *Client
	relays   *relay.Manager
	firewall *firewall.Manager
	sampler  *sysinfo.Sampler

	onRegistered func(string)
	startedAt    time.Time

	mu             sync.Mutex
	identity       protocol.AgentIdentity
	agentID        string
	token          string
	interval       time.Duration
	metricsEnabled bool
	proxySrv       *proxy.Server
	lastHeartbeat  time.Time
	lastError      string
}

func NewRunner(client *Client, identity protocol.AgentIdentity, cfg Config, relays *relay.Manager, fw *firewall.Manager) *Runner {
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	return &Runner{
		client:         client,
		relays:         relays,
		firewall:       fw,
		sampler:        sysinfo.NewSampler(),
		onRegistered:   cfg.OnRegistered,
		startedAt:      time.Now(),
		identity:       identity,
		interval:       interval,
		metricsEnabled: cfg.MetricsEnabled,
	}
}

// Run blocks until ctx is canceled. It returns ctx.Err() after tearing down
// relay listeners and the local proxy; in-flight pumps are dropped.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.registerWithRetry(ctx); err != nil {
		return err
	}

	timer := time.NewTimer(r.heartbeatInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return ctx.Err()
		case <-timer.C:
			r.tick(ctx)
			timer.Reset(r.heartbeatInterval())
		}
	}
}

// registerWithRetry registers until it succeeds or ctx ends, doubling the
// delay from one second up to a thirty-second cap.
func (r *Runner) registerWithRetry(ctx context.Context) error {
	delay := initialRegisterDelay

	for {
		r.mu.Lock()
		identity := r.identity
		r.mu.Unlock()

		resp, err := r.client.Register(ctx, identity)
		if err == nil {
			r.mu.Lock()
			r.agentID = resp.ClientID
			r.identity.ID = resp.ClientID
			r.token = resp.Token
			r.lastError = ""
			r.mu.Unlock()

			slog.Info("Registered with coordinator", "agent_id", resp.ClientID)
			if r.onRegistered != nil {
				r.onRegistered(resp.ClientID)
			}
			return nil
		}

		slog.Error("Registration failed", "error", err, "retry_in", delay)
		r.setLastError(fmt.Sprintf("registration failed: %v", err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= backoffFactor
		if delay > maxRegisterDelay {
			delay = maxRegisterDelay
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	r.mu.Lock()
	req := protocol.HeartbeatRequest{ClientID: r.agentID, Token: r.token}
	metricsEnabled := r.metricsEnabled
	r.mu.Unlock()

	if metricsEnabled {
		if m, err := r.sampler.Sample(ctx); err != nil {
			slog.Warn("Metrics sampling failed", "error", err)
		} else {
			m.ActiveConnections = r.relays.Stats().Snapshot().ActiveConnections
			m.UptimeSeconds = int64(time.Since(r.startedAt).Seconds())
			req.Metrics = &m
		}
	}

	resp, err := r.client.Heartbeat(ctx, req)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// The coordinator was purged or restarted without our record.
			// A fresh registration issues a new token; queued tasks arrive
			// on the next tick.
			slog.Warn("Coordinator rejected heartbeat, re-registering")
			_ = r.registerWithRetry(ctx)
			return
		}
		slog.Error("Heartbeat failed", "error", err)
		r.setLastError(fmt.Sprintf("heartbeat failed: %v", err))
		return
	}

	r.mu.Lock()
	r.lastHeartbeat = time.Now()
	r.lastError = ""
	r.mu.Unlock()

	for _, task := range resp.Tasks {
		r.execute(ctx, task)
	}
}

// execute runs one task and reports its outcome. A failing task never stops
// the rest of the batch.
func (r *Runner) execute(ctx context.Context, task protocol.Task) {
	slog.Info("Executing task", "task_id", task.ID, "kind", task.Kind)

	err := r.dispatch(ctx, task)
	if err != nil {
		slog.Error("Task failed", "task_id", task.ID, "kind", task.Kind, "error", err)
	}

	r.reportResult(ctx, task, err)
}

func (r *Runner) dispatch(ctx context.Context, task protocol.Task) error {
	switch task.Kind {
	case protocol.TaskStartRelay:
		p, err := task.DecodeRelay()
		if err != nil {
			return err
		}
		return r.relays.Start(p)

	case protocol.TaskStopRelay:
		p, err := task.DecodeRelay()
		if err != nil {
			return err
		}
		return r.relays.Stop(p)

	case protocol.TaskUpdateFirewall:
		p, err := task.DecodeFirewall()
		if err != nil {
			return err
		}
		if failed := r.firewall.Apply(ctx, p.Rules); failed > 0 {
			return fmt.Errorf("%d of %d firewall rules failed", failed, len(p.Rules))
		}
		return nil

	case protocol.TaskConfigureProxy:
		p, err := task.DecodeProxy()
		if err != nil {
			return err
		}
		return r.configureProxy(p)

	case protocol.TaskUpdateConfig:
		p, err := task.DecodeConfig()
		if err != nil {
			return err
		}
		r.applySettings(p.Settings)
		return nil

	default:
		return fmt.Errorf("%w: unknown task kind %q", protocol.ErrInvalidPayload, task.Kind)
	}
}

// configureProxy replaces the local forward proxy with one built from the new
// payload. The old listener closes first so a reused listen address binds.
func (r *Runner) configureProxy(p protocol.ProxyPayload) error {
	r.mu.Lock()
	old := r.proxySrv
	r.proxySrv = nil
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}

	srv := proxy.New(p)
	if err := srv.Start(); err != nil {
		return err
	}

	r.mu.Lock()
	r.proxySrv = srv
	r.mu.Unlock()
	return nil
}

func (r *Runner) applySettings(s protocol.ConfigSettings) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.HeartbeatIntervalSecs > 0 {
		r.interval = time.Duration(s.HeartbeatIntervalSecs) * time.Second
		slog.Info("Heartbeat interval updated", "interval", r.interval)
	}
	if s.MetricsEnabled != nil {
		r.metricsEnabled = *s.MetricsEnabled
		slog.Info("Metrics reporting toggled", "enabled", r.metricsEnabled)
	}
}

func (r *Runner) reportResult(ctx context.Context, task protocol.Task, taskErr error) {
	r.mu.Lock()
	req := protocol.ResultRequest{
		ClientID: r.agentID,
		Token:    r.token,
		TaskID:   task.ID,
		Success:  taskErr == nil,
	}
	r.mu.Unlock()

	if taskErr != nil {
		req.Message = taskErr.Error()
	}

	if err := r.client.ReportResult(ctx, req); err != nil {
		slog.Warn("Failed to report task result", "task_id", task.ID, "error", err)
	}
}

func (r *Runner) heartbeatInterval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

func (r *Runner) setLastError(msg string) {
	r.mu.Lock()
	r.lastError = msg
	r.mu.Unlock()
}

func (r *Runner) shutdown() {
	r.relays.Close()

	r.mu.Lock()
	srv := r.proxySrv
	r.proxySrv = nil
	r.mu.Unlock()

	if srv != nil {
		srv.Close()
	}
}

// ProxyStatus describes the local forward proxy in a status report.
type ProxyStatus struct {
	ListenAddr string         `json:"listen_addr"`
	TargetAddr string         `json:"target_addr"`
	Stats      stats.Snapshot `json:"stats"`
}

// StatusReport is the agent's local view served on the loopback status
// endpoint.
type StatusReport struct {
	AgentID           string             `json:"agent_id"`
	Hostname          string             `json:"hostname"`
	Version           string             `json:"version"`
	UptimeSeconds     int64              `json:"uptime_seconds"`
	HeartbeatInterval string             `json:"heartbeat_interval"`
	MetricsEnabled    bool               `json:"metrics_enabled"`
	LastHeartbeat     time.Time          `json:"last_heartbeat"`
	LastError         string             `json:"last_error,omitempty"`
	ActiveRelays      []relay.Descriptor `json:"active_relays"`
	RelayStats        stats.Snapshot     `json:"relay_stats"`
	Proxy             *ProxyStatus       `json:"proxy,omitempty"`
}

// Status snapshots the runner for the local status endpoint.
func (r *Runner) Status() StatusReport {
	r.mu.Lock()
	report := StatusReport{
		AgentID:           r.agentID,
		Hostname:          r.identity.Hostname,
		Version:           r.identity.Version,
		UptimeSeconds:     int64(time.Since(r.startedAt).Seconds()),
		HeartbeatInterval: r.interval.String(),
		MetricsEnabled:    r.metricsEnabled,
		LastHeartbeat:     r.lastHeartbeat,
		LastError:         r.lastError,
	}
	srv := r.proxySrv
	r.mu.Unlock()

	report.ActiveRelays = r.relays.Active()
	report.RelayStats = r.relays.Stats().Snapshot()

	if srv != nil {
		report.Proxy = &ProxyStatus{
			ListenAddr: srv.Addr(),
			TargetAddr: srv.Target(),
			Stats:      srv.Stats().Snapshot(),
		}
	}
	return report
}
