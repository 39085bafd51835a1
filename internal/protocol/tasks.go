package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidPayload = errors.New("invalid task payload")

type TaskKind string

const (
	TaskStartRelay     TaskKind = "start_relay"
	TaskStopRelay      TaskKind = "stop_relay"
	TaskUpdateFirewall TaskKind = "update_firewall"
	TaskConfigureProxy TaskKind = "configure_proxy"
	TaskUpdateConfig   TaskKind = "update_config"
)

func ParseTaskKind(s string) (TaskKind, error) {
	switch TaskKind(s) {
	case TaskStartRelay, TaskStopRelay, TaskUpdateFirewall, TaskConfigureProxy, TaskUpdateConfig:
		return TaskKind(s), nil
	default:
		return "", fmt.Errorf("%w: unknown task kind %q", ErrInvalidPayload, s)
	}
}

// Task is an immutable unit of work. It is owned by the queue until returned
// in a heartbeat response; after that the queue never re-delivers it.
type Task struct {
	ID        string          `json:"id"`
	Kind      TaskKind        `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func NewTask(kind TaskKind, payload any) (Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// RelayPayload describes one relay job. An empty EntryPoint means the relay
// is outbound-only and never binds a listener.
type RelayPayload struct {
	EntryPoint string `json:"entry_point,omitempty"`
	ExitPoint  string `json:"exit_point"`
	Transport  string `json:"transport_kind"`
}

func (p RelayPayload) Validate() error {
	if p.ExitPoint == "" {
		return fmt.Errorf("%w: relay exit_point is required", ErrInvalidPayload)
	}
	if p.EntryPoint != "" {
		if _, _, err := net.SplitHostPort(p.EntryPoint); err != nil {
			return fmt.Errorf("%w: relay entry_point %q is not host:port", ErrInvalidPayload, p.EntryPoint)
		}
	}
	return nil
}

type FirewallAction string

const (
	ActionInsert FirewallAction = "insert"
	ActionAppend FirewallAction = "append"
	ActionDelete FirewallAction = "delete"
)

type FirewallRule struct {
	Action      FirewallAction `json:"action"`
	Chain       string         `json:"chain"`
	Protocol    string         `json:"protocol,omitempty"`
	Source      string         `json:"source,omitempty"`
	Destination string         `json:"destination,omitempty"`
	DestPort    uint16         `json:"dest_port,omitempty"`
	SrcPort     uint16         `json:"src_port,omitempty"`
	Target      string         `json:"target"`
}

func (r FirewallRule) Validate() error {
	switch r.Action {
	case ActionInsert, ActionAppend, ActionDelete:
	default:
		return fmt.Errorf("%w: unknown firewall action %q", ErrInvalidPayload, r.Action)
	}
	if r.Chain == "" {
		return fmt.Errorf("%w: firewall rule chain is required", ErrInvalidPayload)
	}
	if r.Target == "" {
		return fmt.Errorf("%w: firewall rule target is required", ErrInvalidPayload)
	}
	return nil
}

type FirewallPayload struct {
	Rules []FirewallRule `json:"rules"`
}

func (p FirewallPayload) Validate() error {
	if len(p.Rules) == 0 {
		return fmt.Errorf("%w: firewall payload has no rules", ErrInvalidPayload)
	}
	for i, r := range p.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

// ProxyPayload reconfigures the agent's local forward proxy. RateLimit is in
// bytes per second; zero values leave the optional limits off.
type ProxyPayload struct {
	ListenAddr     string `json:"listen_addr"`
	TargetAddr     string `json:"target_addr"`
	RateLimit      int    `json:"rate_limit,omitempty"`
	MaxConnections int    `json:"max_connections,omitempty"`
}

func (p ProxyPayload) Validate() error {
	if _, _, err := net.SplitHostPort(p.ListenAddr); err != nil {
		return fmt.Errorf("%w: proxy listen_addr %q is not host:port", ErrInvalidPayload, p.ListenAddr)
	}
	if _, _, err := net.SplitHostPort(p.TargetAddr); err != nil {
		return fmt.Errorf("%w: proxy target_addr %q is not host:port", ErrInvalidPayload, p.TargetAddr)
	}
	if p.RateLimit < 0 || p.MaxConnections < 0 {
		return fmt.Errorf("%w: proxy limits must be non-negative", ErrInvalidPayload)
	}
	return nil
}

// ConfigSettings carries the runtime-adjustable agent settings. Unknown keys
// sent by a newer coordinator are ignored by older agents.
type ConfigSettings struct {
	HeartbeatIntervalSecs int   `json:"heartbeat_interval_secs,omitempty"`
	MetricsEnabled        *bool `json:"metrics_enabled,omitempty"`
}

type ConfigPayload struct {
	Settings ConfigSettings `json:"settings"`
}

func (p ConfigPayload) Validate() error {
	if p.Settings.HeartbeatIntervalSecs < 0 {
		return fmt.Errorf("%w: heartbeat_interval_secs must be non-negative", ErrInvalidPayload)
	}
	return nil
}

func (t Task) DecodeRelay() (RelayPayload, error) {
	var p RelayPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return RelayPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, p.Validate()
}

func (t Task) DecodeFirewall() (FirewallPayload, error) {
	var p FirewallPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return FirewallPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, p.Validate()
}

func (t Task) DecodeProxy() (ProxyPayload, error) {
	var p ProxyPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return ProxyPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, p.Validate()
}

func (t Task) DecodeConfig() (ConfigPayload, error) {
	var p ConfigPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return ConfigPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, p.Validate()
}
