package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/support-realtime/internal/domain"
	apperrors "github.com/spec-kit/support-realtime/pkg/util/errorutil"
)

const identityKey = "auth_identity"

// AccessTokenParam carries the bearer for websocket upgrades, since browsers
// cannot set headers on them.
const AccessTokenParam = "access_token"

// AuthMiddleware validates bearer tokens and stores the identity in Locals.
type AuthMiddleware struct {
	authn Authenticator
}

// NewAuthMiddleware constructs middleware.
func NewAuthMiddleware(authn Authenticator) *AuthMiddleware {
	return &AuthMiddleware{authn: authn}
}

// Handle enforces authentication for protected routes.
func (m *AuthMiddleware) Handle(c *fiber.Ctx) error {
	token, err := bearerFrom(c)
	if err != nil {
		return err
	}

	identity, err := m.authn.Authenticate(c.UserContext(), token)
	if err != nil {
		return err
	}

	c.Locals(identityKey, identity)
	return c.Next()
}

func bearerFrom(c *fiber.Ctx) (string, error) {
	authHeader := c.Get(fiber.HeaderAuthorization)
	if authHeader == "" {
		if token := c.Query(AccessTokenParam); token != "" {
			return token, nil
		}
		return "", apperrors.NewUnauthorized("missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", apperrors.NewUnauthorized("invalid authorization header")
	}
	return strings.TrimSpace(parts[1]), nil
}

// IdentityFromContext retrieves the authenticated caller.
func IdentityFromContext(c *fiber.Ctx) (domain.Identity, bool) {
	identity, ok := c.Locals(identityKey).(domain.Identity)
	return identity, ok
}
