package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const statusShutdownTimeout = 5 * time.Second

// StatusServer serves the agent's local health and status endpoints. It only
// ever binds loopback, so operators on the host can inspect the agent without
// exposing anything to the network the relays carry.
type StatusServer struct {
	runner *Runner
	server *http.Server
	addr   string
}

func NewStatusServer(port uint, runner *Runner) *StatusServer {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &StatusServer{runner: runner}

	engine.GET("/health", s.health)
	engine.GET("/status", s.status)

	s.server = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: engine,
	}
	return s
}

// Start binds the loopback listener and serves until Stop. Errors other than
// a clean shutdown land on errChan.
func (s *StatusServer) Start(errChan chan<- error) {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		errChan <- fmt.Errorf("bind status listener %s: %w", s.server.Addr, err)
		return
	}
	s.addr = listener.Addr().String()

	slog.Info("Status server listening", "address", s.addr)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("status server error: %w", err)
		}
	}()
}

// Addr returns the bound address, empty before Start.
func (s *StatusServer) Addr() string {
	return s.addr
}

func (s *StatusServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), statusShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Error("Status server shutdown error", "error", err)
	}
}

func (s *StatusServer) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *StatusServer) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.runner.Status())
}
