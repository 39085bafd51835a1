package http

import (
	"github.com/gin-gonic/gin"

	"github.com/fleetlink/fleetlink/internal/api/http/handler"
	"github.com/fleetlink/fleetlink/internal/api/http/middleware"
	"github.com/fleetlink/fleetlink/internal/auth"
	"github.com/fleetlink/fleetlink/internal/fleet"
)

type Services struct {
	Registry    *fleet.Registry
	AuthService *auth.Service
}

// SetupRoute wires all coordinator endpoints onto the engine. Agent-facing
// routes authenticate with the registration token carried in the body;
// operator routes require a JWT from /auth/login, and enqueueing tasks
// additionally requires the admin role.
func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)

	authHandler := handler.NewAuthHandler(srvs.AuthService)
	agentsHandler := handler.NewAgentsHandler(srvs.Registry)
	tasksHandler := handler.NewTasksHandler(srvs.Registry)

	api := engine.Group("/api/v1")

	api.POST("/auth/login", authHandler.Login)

	api.POST("/agents/register", agentsHandler.Register)
	api.POST("/agents/heartbeat", agentsHandler.Heartbeat)
	api.POST("/agents/results", agentsHandler.Result)

	operator := api.Group("")
	operator.Use(middleware.JWTAuth(srvs.AuthService.Secret()))
	{
		operator.GET("/agents", agentsHandler.List)
		operator.GET("/agents/:id", agentsHandler.Get)
		operator.DELETE("/agents/:id", agentsHandler.Remove)
		operator.GET("/summary", agentsHandler.Summary)

		tasks := operator.Group("/tasks")
		tasks.Use(middleware.RequireRole(auth.RoleAdmin))
		{
			tasks.POST("/relay", tasksHandler.Relay)
			tasks.POST("/firewall", tasksHandler.Firewall)
			tasks.POST("/proxy", tasksHandler.Proxy)
			tasks.POST("/config", tasksHandler.UpdateConfig)
		}
	}
}
