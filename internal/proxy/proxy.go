package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/fleetlink/fleetlink/internal/protocol"
	"github.com/fleetlink/fleetlink/internal/ratelimit"
	"github.com/fleetlink/fleetlink/internal/relay"
	"github.com/fleetlink/fleetlink/internal/stats"
)

// Server is the agent's local forward proxy: every accepted connection is
// piped to one fixed target. It rides the relay package's pump so proxied
// traffic obeys the same rate limiting and lands in the same counters.
type Server struct {
	listenAddr string
	targetAddr string
	limiter    *ratelimit.Limiter
	stats      *stats.Collector

	// sem caps concurrent connections when non-nil; a full semaphore
	// rejects new connections instead of queueing them.
	sem chan struct{}

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
}

// New builds a server from a configure_proxy payload. The payload must be
// validated by the caller; zero RateLimit and MaxConnections mean unlimited.
func New(p protocol.ProxyPayload) *Server {
	s := &Server{
		listenAddr: p.ListenAddr,
		targetAddr: p.TargetAddr,
		limiter:    ratelimit.New(p.RateLimit),
		stats:      stats.NewCollector(),
	}
	if p.MaxConnections > 0 {
		s.sem = make(chan struct{}, p.MaxConnections)
	}
	return s
}

// Start binds the listener and launches the accept loop.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return fmt.Errorf("proxy already running on %s", s.listener.Addr())
	}

	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("bind proxy listener %s: %w", s.listenAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.listener = listener
	s.cancel = cancel

	slog.Info("Proxy listening",
		"listen", listener.Addr().String(),
		"target", s.targetAddr,
		"rate_limit", s.limiter.Rate(),
		"max_connections", cap(s.sem))

	go s.acceptLoop(ctx, listener)
	return nil
}

// Addr returns the bound listener address, empty if not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Target returns the fixed upstream address.
func (s *Server) Target() string {
	return s.targetAddr
}

// Stats exposes the proxy's traffic counters.
func (s *Server) Stats() *stats.Collector {
	return s.stats
}

// Close stops accepting. Connections already being pumped drain on their own.
func (s *Server) Close() {
	s.mu.Lock()
	listener := s.listener
	cancel := s.cancel
	s.listener = nil
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if listener != nil {
		listener.Close()
		slog.Info("Proxy stopped", "listen", listener.Addr().String())
	}
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("Proxy accept failed", "error", err)
			continue
		}

		if !s.acquire() {
			slog.Warn("Proxy connection limit reached, rejecting",
				"peer", conn.RemoteAddr().String(),
				"limit", cap(s.sem))
			conn.Close()
			continue
		}

		go func() {
			defer s.release()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, inbound net.Conn) {
	peer := inbound.RemoteAddr().String()
	s.stats.ConnectionOpened(peer)
	defer s.stats.ConnectionClosed(peer)
	defer inbound.Close()

	var d net.Dialer
	outbound, err := d.DialContext(ctx, "tcp", s.targetAddr)
	if err != nil {
		slog.Warn("Proxy target dial failed",
			"target", s.targetAddr,
			"peer", peer,
			"error", err)
		return
	}
	defer outbound.Close()

	relay.Pump(ctx, s.limiter, s.stats, peer, inbound, outbound)
}

func (s *Server) acquire() bool {
	if s.sem == nil {
		return true
	}
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) release() {
	if s.sem == nil {
		return
	}
	<-s.sem
}
