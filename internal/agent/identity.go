package agent

import (
	"context"
	"net"
	"os"

	"github.com/google/uuid"

	"github.com/fleetlink/fleetlink/internal/protocol"
	"github.com/fleetlink/fleetlink/internal/sysinfo"
)

var defaultCapabilities = []string{"relay", "firewall", "proxy", "monitoring"}

// BuildIdentity assembles the registration identity for this host. An empty
// id gets a fresh uuid; callers that want a stable id across restarts persist
// the assigned one and pass it back in.
func BuildIdentity(ctx context.Context, id, version string, capabilities []string) protocol.AgentIdentity {
	if id == "" {
		id = uuid.NewString()
	}
	if len(capabilities) == 0 {
		capabilities = append([]string(nil), defaultCapabilities...)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return protocol.AgentIdentity{
		ID:           id,
		Hostname:     hostname,
		IP:           outboundIP(),
		Version:      version,
		Capabilities: capabilities,
		SystemInfo:   sysinfo.Describe(ctx),
	}
}

// outboundIP finds the address the host would use to reach the wider network.
// The UDP dial never sends a packet; it only resolves a local route.
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
