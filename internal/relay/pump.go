package relay

import (
	"context"
	"net"

	"github.com/fleetlink/fleetlink/internal/ratelimit"
	"github.com/fleetlink/fleetlink/internal/stats"
)

// chunkSize is the per-read buffer for each pump direction.
const chunkSize = 8 * 1024

// Pump copies bytes in both directions until either side reaches end of
// stream or errors. Half-open is not supported: the first direction to
// finish closes both connections, which unblocks the other direction.
// The forward proxy shares this pump, so its traffic lands in the same
// kind of counters.
func Pump(ctx context.Context, limiter *ratelimit.Limiter, collector *stats.Collector, peer string, inbound, outbound net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		copyChunks(ctx, limiter, outbound, inbound, func(n int) { collector.AddSent(peer, n) })
		done <- struct{}{}
	}()
	go func() {
		copyChunks(ctx, limiter, inbound, outbound, func(n int) { collector.AddReceived(peer, n) })
		done <- struct{}{}
	}()

	<-done
	inbound.Close()
	outbound.Close()
	<-done
}

// copyChunks forwards fixed-size chunks from src to dst, waiting on the rate
// limiter before each write and counting bytes as they are forwarded so
// stats stay live during long sessions.
func copyChunks(ctx context.Context, limiter *ratelimit.Limiter, dst, src net.Conn, count func(int)) {
	buf := make([]byte, chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if werr := limiter.WaitForCapacity(ctx, n); werr != nil {
				return
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
			count(n)
		}
		if err != nil {
			return
		}
	}
}
