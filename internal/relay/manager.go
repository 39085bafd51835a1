package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/fleetlink/fleetlink/internal/protocol"
	"github.com/fleetlink/fleetlink/internal/ratelimit"
	"github.com/fleetlink/fleetlink/internal/stats"
	"github.com/fleetlink/fleetlink/internal/transport"
)

// Descriptor identifies one relay job. At most one active job exists per
// (entry, exit) pair within an agent process. BoundAddr is the resolved
// listener address when the entry point requested an ephemeral port.
type Descriptor struct {
	EntryPoint string         `json:"entry_point,omitempty"`
	ExitPoint  string         `json:"exit_point"`
	Transport  transport.Kind `json:"transport_kind"`
	BoundAddr  string         `json:"bound_addr,omitempty"`
}

type jobKey struct {
	entry string
	exit  string
}

type job struct {
	desc     Descriptor
	dialer   transport.Dialer
	listener net.Listener
	cancel   context.CancelFunc
}

// Manager owns the agent's relay jobs: it binds entry-point listeners, opens
// outbound transport legs, and pumps bytes between them. Stopping a job stops
// its accept loop; connections already being pumped drain on their own.
type Manager struct {
	transportCfg transport.Config
	limiter      *ratelimit.Limiter
	stats        *stats.Collector

	mu   sync.Mutex
	jobs map[jobKey]*job
}

func NewManager(transportCfg transport.Config, limiter *ratelimit.Limiter, collector *stats.Collector) *Manager {
	if collector == nil {
		collector = stats.NewCollector()
	}
	return &Manager{
		transportCfg: transportCfg,
		limiter:      limiter,
		stats:        collector,
		jobs:         make(map[jobKey]*job),
	}
}

// Stats exposes the manager's collector for status reporting.
func (m *Manager) Stats() *stats.Collector {
	return m.stats
}

// Start brings up the relay a payload describes. Starting an identity that
// already has an active job is a no-op that leaves the running job in place.
func (m *Manager) Start(p protocol.RelayPayload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	kind, err := transport.ParseKind(p.Transport)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrInvalidPayload, err)
	}

	key := jobKey{entry: p.EntryPoint, exit: p.ExitPoint}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[key]; exists {
		slog.Info("Relay already active, reusing job",
			"entry", p.EntryPoint,
			"exit", p.ExitPoint)
		return nil
	}

	dialer, err := transport.NewDialer(kind, m.transportCfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		desc:   Descriptor{EntryPoint: p.EntryPoint, ExitPoint: p.ExitPoint, Transport: kind},
		dialer: dialer,
		cancel: cancel,
	}

	if p.EntryPoint != "" {
		listener, err := net.Listen("tcp", p.EntryPoint)
		if err != nil {
			cancel()
			return fmt.Errorf("bind relay entry %s: %w", p.EntryPoint, err)
		}
		j.listener = listener
		j.desc.BoundAddr = listener.Addr().String()
		go m.acceptLoop(ctx, j)
	}

	m.jobs[key] = j

	slog.Info("Started relay",
		"entry", p.EntryPoint,
		"exit", p.ExitPoint,
		"transport", kind)
	return nil
}

// Stop removes a job's bookkeeping and stops its accept loop. In-flight
// connections are not forcibly closed. Stopping an unknown identity is a
// logged no-op.
func (m *Manager) Stop(p protocol.RelayPayload) error {
	key := jobKey{entry: p.EntryPoint, exit: p.ExitPoint}

	m.mu.Lock()
	j, exists := m.jobs[key]
	if exists {
		delete(m.jobs, key)
	}
	m.mu.Unlock()

	if !exists {
		slog.Warn("No active relay for descriptor",
			"entry", p.EntryPoint,
			"exit", p.ExitPoint)
		return nil
	}

	j.cancel()
	if j.listener != nil {
		if err := j.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			slog.Warn("Failed to close relay listener",
				"entry", p.EntryPoint,
				"error", err)
		}
	}

	slog.Info("Stopped relay",
		"entry", p.EntryPoint,
		"exit", p.ExitPoint)
	return nil
}

// Active returns a snapshot of the current jobs.
func (m *Manager) Active() []Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := make([]Descriptor, 0, len(m.jobs))
	for _, j := range m.jobs {
		active = append(active, j.desc)
	}
	return active
}

// Close stops every job. Used at agent shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	jobs := make([]*job, 0, len(m.jobs))
	for key, j := range m.jobs {
		jobs = append(jobs, j)
		delete(m.jobs, key)
	}
	m.mu.Unlock()

	for _, j := range jobs {
		j.cancel()
		if j.listener != nil {
			j.listener.Close()
		}
	}
}

func (m *Manager) acceptLoop(ctx context.Context, j *job) {
	for {
		conn, err := j.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("Relay accept failed",
				"entry", j.desc.EntryPoint,
				"error", err)
			continue
		}
		go m.handleConn(ctx, j, conn)
	}
}

func (m *Manager) handleConn(ctx context.Context, j *job, inbound net.Conn) {
	peer := inbound.RemoteAddr().String()
	m.stats.ConnectionOpened(peer)
	defer m.stats.ConnectionClosed(peer)
	defer inbound.Close()

	outbound, err := j.dialer.Dial(ctx, j.desc.ExitPoint)
	if err != nil {
		slog.Warn("Relay outbound dial failed",
			"exit", j.desc.ExitPoint,
			"transport", j.desc.Transport,
			"peer", peer,
			"error", err)
		return
	}
	defer outbound.Close()

	slog.Debug("Relay connection established",
		"peer", peer,
		"exit", j.desc.ExitPoint,
		"transport", j.desc.Transport)

	Pump(ctx, m.limiter, m.stats, peer, inbound, outbound)
}
