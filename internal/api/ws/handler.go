// Package ws upgrades authenticated HTTP requests to support chat sessions.
package ws

import (
	"context"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/support-realtime/internal/auth"
	"github.com/spec-kit/support-realtime/internal/config"
	"github.com/spec-kit/support-realtime/internal/domain"
	"github.com/spec-kit/support-realtime/internal/realtime"
	apperrors "github.com/spec-kit/support-realtime/pkg/util/errorutil"
)

const identityLocal = "ws_identity"

// Handler serves GET /ws.
type Handler struct {
	ctx    context.Context
	router *realtime.Router
	cfg    config.RealtimeConfig
	logger *zap.Logger
}

// NewHandler builds the websocket handler. Sessions end when ctx is
// cancelled, which is how the server drains sockets on shutdown.
func NewHandler(ctx context.Context, router *realtime.Router, cfg config.RealtimeConfig, logger *zap.Logger) *Handler {
	return &Handler{ctx: ctx, router: router, cfg: cfg, logger: logger}
}

// Upgrade rejects non-websocket requests and hands the authenticated
// identity to the session. It must run after the auth middleware, so a bad
// token fails the handshake with 401 instead of opening a socket.
func (h *Handler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return apperrors.NewDomainError("UPGRADE_REQUIRED", "websocket upgrade required", fiber.StatusUpgradeRequired, nil)
	}
	identity, ok := auth.IdentityFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	c.Locals(identityLocal, identity)
	return c.Next()
}

// Serve is the websocket endpoint itself.
func (h *Handler) Serve() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		identity, ok := conn.Locals(identityLocal).(domain.Identity)
		if !ok {
			h.logger.Error("websocket opened without identity")
			_ = conn.Close()
			return
		}
		h.router.Serve(h.ctx, conn, identity, h.cfg)
	}, websocket.Config{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	})
}
