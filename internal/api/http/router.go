package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/spec-kit/support-realtime/internal/api/http/handlers"
	"github.com/spec-kit/support-realtime/internal/api/ws"
	"github.com/spec-kit/support-realtime/internal/auth"
	"github.com/spec-kit/support-realtime/internal/observability"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Realtime       *handlers.RealtimeHandler
	WebSocket      *ws.Handler
	Metrics        *observability.Metrics
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(cfg.Metrics.Handler()))
	}

	app.Get("/ws", cfg.AuthMiddleware.Handle, auth.RequireAnyRole(), cfg.WebSocket.Upgrade, cfg.WebSocket.Serve())

	admin := app.Group("/admin", cfg.AuthMiddleware.Handle, auth.RequireAdmin())
	admin.Get("/realtime/stats", cfg.Realtime.Stats)
	admin.Get("/tickets/:id/members", cfg.Realtime.RoomMembers)
	admin.Get("/tickets/:id/status-changes", cfg.Realtime.StatusHistory)
}
