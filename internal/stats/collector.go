package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// PeerStats is one connection's view in a snapshot.
type PeerStats struct {
	BytesSent     uint64    `json:"bytes_sent"`
	BytesReceived uint64    `json:"bytes_received"`
	ConnectedAt   time.Time `json:"connected_at"`
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	BytesSent         uint64               `json:"bytes_sent"`
	BytesReceived     uint64               `json:"bytes_received"`
	TotalConnections  int64                `json:"total_connections"`
	ActiveConnections int64                `json:"active_connections"`
	Peers             map[string]PeerStats `json:"peers"`
}

type peerEntry struct {
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	connectedAt   time.Time
}

// Collector accumulates relay traffic counters. Byte totals are updated on
// every forwarded chunk, so a snapshot taken mid-session reflects live
// progress. Peer entries are created on accept and removed on close.
type Collector struct {
	bytesSent         atomic.Uint64
	bytesReceived     atomic.Uint64
	totalConnections  atomic.Int64
	activeConnections atomic.Int64

	mu    sync.RWMutex
	peers map[string]*peerEntry
}

func NewCollector() *Collector {
	return &Collector{peers: make(map[string]*peerEntry)}
}

func (c *Collector) ConnectionOpened(peer string) {
	c.totalConnections.Add(1)
	c.activeConnections.Add(1)

	c.mu.Lock()
	c.peers[peer] = &peerEntry{connectedAt: time.Now()}
	c.mu.Unlock()
}

func (c *Collector) ConnectionClosed(peer string) {
	c.mu.Lock()
	_, ok := c.peers[peer]
	if ok {
		delete(c.peers, peer)
	}
	c.mu.Unlock()

	if ok {
		c.activeConnections.Add(-1)
	}
}

func (c *Collector) AddSent(peer string, n int) {
	if n <= 0 {
		return
	}
	c.bytesSent.Add(uint64(n))
	if e := c.peer(peer); e != nil {
		e.bytesSent.Add(uint64(n))
	}
}

func (c *Collector) AddReceived(peer string, n int) {
	if n <= 0 {
		return
	}
	c.bytesReceived.Add(uint64(n))
	if e := c.peer(peer); e != nil {
		e.bytesReceived.Add(uint64(n))
	}
}

func (c *Collector) peer(peer string) *peerEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peers[peer]
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	peers := make(map[string]PeerStats, len(c.peers))
	for addr, e := range c.peers {
		peers[addr] = PeerStats{
			BytesSent:     e.bytesSent.Load(),
			BytesReceived: e.bytesReceived.Load(),
			ConnectedAt:   e.connectedAt,
		}
	}
	c.mu.RUnlock()

	return Snapshot{
		BytesSent:         c.bytesSent.Load(),
		BytesReceived:     c.bytesReceived.Load(),
		TotalConnections:  c.totalConnections.Load(),
		ActiveConnections: c.activeConnections.Load(),
		Peers:             peers,
	}
}
