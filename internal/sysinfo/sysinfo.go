package sysinfo

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"

	"github.com/fleetlink/fleetlink/internal/protocol"
)

// cpuSampleWindow is how long the CPU usage probe observes before reporting.
const cpuSampleWindow = 200 * time.Millisecond

// Describe gathers the static host snapshot sent once at registration.
// Individual probe failures degrade to zero values rather than blocking
// registration.
func Describe(ctx context.Context) protocol.SystemInfo {
	info := protocol.SystemInfo{OS: runtime.GOOS}

	if hostInfo, err := host.InfoWithContext(ctx); err == nil {
		if hostInfo.OS != "" {
			info.OS = hostInfo.OS
		}
		info.KernelVersion = hostInfo.KernelVersion
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.CPUCores = cores
	} else {
		info.CPUCores = runtime.NumCPU()
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.TotalMemory = vm.Total
	}

	if usage, err := disk.UsageWithContext(ctx, rootPath()); err == nil {
		info.TotalDisk = usage.Total
	}

	return info
}

type networkSample struct {
	rxBytes uint64
	txBytes uint64
	at      time.Time
}

// Sampler produces host metrics snapshots. It remembers the previous
// network counters so each snapshot can carry transfer rates.
type Sampler struct {
	mu   sync.Mutex
	last *networkSample
}

func NewSampler() *Sampler {
	return &Sampler{}
}

// Sample collects one metrics snapshot. The CPU probe observes the host for
// a short window, so a call takes at least cpuSampleWindow.
func (s *Sampler) Sample(ctx context.Context) (protocol.Metrics, error) {
	m := protocol.Metrics{CollectedAt: time.Now().UTC()}

	cpuPercent, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false)
	if err != nil {
		return protocol.Metrics{}, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	if len(cpuPercent) > 0 {
		m.CPUUsage = cpuPercent[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return protocol.Metrics{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	m.MemoryUsed = vm.Used
	m.MemoryTotal = vm.Total
	m.MemoryUsage = vm.UsedPercent

	usage, err := disk.UsageWithContext(ctx, rootPath())
	if err != nil {
		return protocol.Metrics{}, fmt.Errorf("failed to get disk info: %w", err)
	}
	m.DiskUsed = usage.Used
	m.DiskTotal = usage.Total
	m.DiskUsage = usage.UsedPercent

	counters, err := net.IOCountersWithContext(ctx, true)
	if err != nil {
		return protocol.Metrics{}, fmt.Errorf("failed to get network IO: %w", err)
	}
	for _, io := range counters {
		// Loopback traffic would double-count relayed bytes.
		if strings.HasPrefix(io.Name, "lo") {
			continue
		}
		m.NetworkRxBytes += io.BytesRecv
		m.NetworkTxBytes += io.BytesSent
	}

	now := networkSample{rxBytes: m.NetworkRxBytes, txBytes: m.NetworkTxBytes, at: m.CollectedAt}
	s.mu.Lock()
	m.NetworkRxRate, m.NetworkTxRate = computeRates(s.last, now)
	s.last = &now
	s.mu.Unlock()

	return m, nil
}

// computeRates derives bytes-per-second figures from consecutive counter
// samples. The first sample and sub-second gaps report zero; counters that
// went backwards (interface reset) clamp to zero instead of underflowing.
func computeRates(prev *networkSample, cur networkSample) (rx, tx uint64) {
	if prev == nil {
		return 0, 0
	}
	secs := uint64(cur.at.Sub(prev.at).Seconds())
	if secs == 0 {
		return 0, 0
	}
	if cur.rxBytes > prev.rxBytes {
		rx = (cur.rxBytes - prev.rxBytes) / secs
	}
	if cur.txBytes > prev.txBytes {
		tx = (cur.txBytes - prev.txBytes) / secs
	}
	return rx, tx
}

func rootPath() string {
	if runtime.GOOS == "windows" {
		return "C:\\"
	}
	return "/"
}
