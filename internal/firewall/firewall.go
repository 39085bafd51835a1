package firewall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/fleetlink/fleetlink/internal/protocol"
)

var ErrPermission = errors.New("insufficient permissions to execute iptables commands")

// Runner executes one iptables invocation. The default runner shells out to
// the binary; tests substitute a recorder.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, "iptables", args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("iptables command failed: %s", strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Manager applies firewall rule batches on the local host. Applied rules are
// remembered in order so an operator can inspect what this agent changed.
type Manager struct {
	runner Runner

	mu      sync.Mutex
	applied []string
}

func NewManager() *Manager {
	return &Manager{runner: execRunner{}}
}

func NewManagerWithRunner(r Runner) *Manager {
	return &Manager{runner: r}
}

// buildArgs translates one rule into the iptables argument vector. Optional
// selectors appear only when set, in a fixed order the binary accepts.
func buildArgs(rule protocol.FirewallRule) []string {
	args := make([]string, 0, 14)

	switch rule.Action {
	case protocol.ActionInsert:
		args = append(args, "-I")
	case protocol.ActionAppend:
		args = append(args, "-A")
	case protocol.ActionDelete:
		args = append(args, "-D")
	}

	args = append(args, rule.Chain)

	if rule.Protocol != "" {
		args = append(args, "-p", rule.Protocol)
	}
	if rule.Source != "" {
		args = append(args, "-s", rule.Source)
	}
	if rule.Destination != "" {
		args = append(args, "-d", rule.Destination)
	}
	if rule.DestPort != 0 {
		args = append(args, "--dport", strconv.Itoa(int(rule.DestPort)))
	}
	if rule.SrcPort != 0 {
		args = append(args, "--sport", strconv.Itoa(int(rule.SrcPort)))
	}

	args = append(args, "-j", rule.Target)
	return args
}

// checkPermission probes with a harmless list command before any mutation.
func (m *Manager) checkPermission(ctx context.Context) error {
	if _, err := m.runner.Run(ctx, "-L", "-n", "--line-numbers"); err != nil {
		return fmt.Errorf("%w: %v", ErrPermission, err)
	}
	return nil
}

// ApplyRule validates, permission-checks, and executes a single rule.
func (m *Manager) ApplyRule(ctx context.Context, rule protocol.FirewallRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if err := m.checkPermission(ctx); err != nil {
		return err
	}

	args := buildArgs(rule)
	slog.Info("Applying firewall rule", "args", strings.Join(args, " "))

	if _, err := m.runner.Run(ctx, args...); err != nil {
		return err
	}

	m.mu.Lock()
	m.applied = append(m.applied, strings.Join(args, " "))
	m.mu.Unlock()

	return nil
}

// Apply executes every rule in the batch. A failing rule is logged and
// skipped; the rest of the batch still runs. Returns how many rules failed.
func (m *Manager) Apply(ctx context.Context, rules []protocol.FirewallRule) int {
	failed := 0
	for i, rule := range rules {
		if err := m.ApplyRule(ctx, rule); err != nil {
			slog.Error("Failed to apply firewall rule", "rule", i, "error", err)
			failed++
		}
	}
	return failed
}

// AppliedRules returns the argument vectors applied so far, oldest first.
func (m *Manager) AppliedRules() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.applied))
	copy(out, m.applied)
	return out
}
