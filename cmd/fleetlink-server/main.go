package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	internalhttp "github.com/fleetlink/fleetlink/internal/api/http"
	"github.com/fleetlink/fleetlink/internal/auth"
	"github.com/fleetlink/fleetlink/internal/fleet"
	"github.com/fleetlink/fleetlink/internal/store"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("FleetLink Coordinator", "version", AppVersion)

	st, err := openStore()
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}

	registry := fleet.NewRegistry(st, fleet.Config{
		HeartbeatTimeout: time.Duration(config.Fleet.HeartbeatTimeoutSecs) * time.Second,
		SweepInterval:    time.Duration(config.Fleet.SweepIntervalSecs) * time.Second,
	}, clock.New())

	if err := registry.WarmLoad(context.Background()); err != nil {
		slog.Error("Failed to restore fleet state", "error", err)
		os.Exit(1)
	}
	registry.StartSweep()

	authService, err := buildAuthService()
	if err != nil {
		slog.Error("Failed to configure operator auth", "error", err)
		os.Exit(1)
	}

	services := &internalhttp.Services{
		Registry:    registry,
		AuthService: authService,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	registry.Stop()

	if err := st.Close(); err != nil {
		slog.Error("Store close error", "error", err)
	}

	slog.Info("Shutdown complete")
}

func openStore() (store.Store, error) {
	dsn := config.Store.URL
	if config.Store.Driver == "sqlite" {
		dsn = config.Store.Path
	}
	if config.Store.Driver == "memory" {
		slog.Warn("Using in-memory store, fleet state is lost on restart")
	}
	return store.Open(context.Background(), config.Store.Driver, dsn, config.Store.Schema)
}

func buildAuthService() (*auth.Service, error) {
	if config.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret is required")
	}

	passwordHash := config.Auth.AdminPasswordHash
	if passwordHash == "" {
		if config.Auth.AdminPassword == "" {
			return nil, fmt.Errorf("auth.admin_password or auth.admin_password_hash is required")
		}
		hash, err := auth.HashPassword(config.Auth.AdminPassword)
		if err != nil {
			return nil, err
		}
		passwordHash = hash
	}

	return auth.NewService(
		config.Auth.JWTSecret,
		time.Duration(config.Auth.TokenExpiryHours)*time.Hour,
		auth.Operator{
			Username:     config.Auth.AdminUsername,
			PasswordHash: passwordHash,
			Role:         auth.RoleAdmin,
		},
	), nil
}
