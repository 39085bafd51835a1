package stats

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorTracksConnectionLifecycle(t *testing.T) {
	c := NewCollector()

	c.ConnectionOpened("10.0.0.1:50000")
	c.ConnectionOpened("10.0.0.2:50001")

	snap := c.Snapshot()
	assert.Equal(t, int64(2), snap.TotalConnections)
	assert.Equal(t, int64(2), snap.ActiveConnections)
	assert.Len(t, snap.Peers, 2)
	assert.False(t, snap.Peers["10.0.0.1:50000"].ConnectedAt.IsZero())

	c.ConnectionClosed("10.0.0.1:50000")

	snap = c.Snapshot()
	assert.Equal(t, int64(2), snap.TotalConnections)
	assert.Equal(t, int64(1), snap.ActiveConnections)
	assert.NotContains(t, snap.Peers, "10.0.0.1:50000")
}

func TestCollectorAccumulatesBytes(t *testing.T) {
	c := NewCollector()
	c.ConnectionOpened("peer:1")

	c.AddSent("peer:1", 100)
	c.AddSent("peer:1", 50)
	c.AddReceived("peer:1", 8192)

	snap := c.Snapshot()
	assert.Equal(t, uint64(150), snap.BytesSent)
	assert.Equal(t, uint64(8192), snap.BytesReceived)
	assert.Equal(t, uint64(150), snap.Peers["peer:1"].BytesSent)
	assert.Equal(t, uint64(8192), snap.Peers["peer:1"].BytesReceived)
}

func TestCloseRemovesOnlyThatPeer(t *testing.T) {
	c := NewCollector()
	c.ConnectionOpened("a:1")
	c.ConnectionOpened("b:2")
	c.AddSent("a:1", 10)
	c.AddSent("b:2", 20)

	c.ConnectionClosed("a:1")
	c.ConnectionClosed("a:1")

	snap := c.Snapshot()
	assert.Equal(t, int64(1), snap.ActiveConnections)
	assert.Contains(t, snap.Peers, "b:2")
	assert.Equal(t, uint64(30), snap.BytesSent)
}

func TestGlobalTotalsSurviveClose(t *testing.T) {
	c := NewCollector()
	c.ConnectionOpened("p:1")
	c.AddSent("p:1", 4096)
	c.ConnectionClosed("p:1")

	snap := c.Snapshot()
	assert.Equal(t, uint64(4096), snap.BytesSent)
	assert.Empty(t, snap.Peers)
}

func TestCollectorConcurrentUpdates(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		peer := fmt.Sprintf("peer:%d", i)
		c.ConnectionOpened(peer)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.AddSent(peer, 1)
				c.AddReceived(peer, 2)
			}
			c.ConnectionClosed(peer)
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	require.Equal(t, uint64(8000), snap.BytesSent)
	require.Equal(t, uint64(16000), snap.BytesReceived)
	assert.Equal(t, int64(8), snap.TotalConnections)
	assert.Equal(t, int64(0), snap.ActiveConnections)
	assert.Empty(t, snap.Peers)
}
