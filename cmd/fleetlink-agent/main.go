package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetlink/fleetlink/internal/agent"
	"github.com/fleetlink/fleetlink/internal/crypto"
	"github.com/fleetlink/fleetlink/internal/firewall"
	"github.com/fleetlink/fleetlink/internal/ratelimit"
	"github.com/fleetlink/fleetlink/internal/relay"
	"github.com/fleetlink/fleetlink/internal/stats"
	"github.com/fleetlink/fleetlink/internal/transport"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("FleetLink Agent", "version", AppVersion)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transportCfg, err := buildTransportConfig()
	if err != nil {
		slog.Error("Invalid transport configuration", "error", err)
		os.Exit(1)
	}

	identity := agent.BuildIdentity(ctx, config.Agent.ID, AppVersion, config.Agent.Capabilities)
	slog.Info("Agent identity",
		"agent_id", identity.ID,
		"hostname", identity.Hostname,
		"ip", identity.IP)

	limiter := ratelimit.New(config.Transport.RateLimit)
	relays := relay.NewManager(transportCfg, limiter, stats.NewCollector())

	runner := agent.NewRunner(
		agent.NewClient(config.Agent.ServerURL),
		identity,
		agent.Config{
			HeartbeatInterval: time.Duration(config.Agent.HeartbeatIntervalSecs) * time.Second,
			MetricsEnabled:    config.Agent.MetricsEnabled,
			OnRegistered: func(agentID string) {
				if err := saveAgentID(agentID); err != nil {
					slog.Warn("Failed to persist agent id to config", "error", err)
				} else {
					slog.Info("Agent id persisted to config", "agent_id", agentID)
				}
			},
		},
		relays,
		firewall.NewManager(),
	)

	errChan := make(chan error, 2)

	statusServer := agent.NewStatusServer(config.Status.Port, runner)
	statusServer.Start(errChan)

	go func() {
		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("agent runner error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Agent error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down...")

	cancel()
	statusServer.Stop()

	slog.Info("Shutdown complete")
}

// buildTransportConfig assembles the relay transport material. An absent key
// is allowed; encrypted relays then fail fast at task time instead of
// blocking an agent that only runs direct relays.
func buildTransportConfig() (transport.Config, error) {
	cipher, err := crypto.ParseCipher(config.Transport.Cipher)
	if err != nil {
		return transport.Config{}, err
	}

	cfg := transport.Config{
		Cipher: cipher,
		CAFile: config.Transport.CAFile,
	}

	switch {
	case config.Transport.KeyHex != "":
		key, err := hex.DecodeString(config.Transport.KeyHex)
		if err != nil {
			return transport.Config{}, fmt.Errorf("transport.key_hex is not valid hex: %w", err)
		}
		if len(key) != crypto.KeySize {
			return transport.Config{}, fmt.Errorf("transport.key_hex must decode to %d bytes, got %d", crypto.KeySize, len(key))
		}
		cfg.Key = key
	case config.Transport.KeyPassphrase != "":
		cfg.Key = crypto.DeriveKey(config.Transport.KeyPassphrase)
	}

	return cfg, nil
}
