package auth

import (
	"context"

	"github.com/spec-kit/support-realtime/internal/domain"
	apperrors "github.com/spec-kit/support-realtime/pkg/util/errorutil"
)

// Authenticator resolves a bearer credential to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, bearer string) (domain.Identity, error)
}

// JWTAuthenticator validates HS256 tokens signed with the shared secret.
type JWTAuthenticator struct {
	tokens *TokenManager
}

func NewJWTAuthenticator(tokens *TokenManager) *JWTAuthenticator {
	return &JWTAuthenticator{tokens: tokens}
}

// Authenticate fails with errorutil.ErrAuth for any invalid token.
func (a *JWTAuthenticator) Authenticate(_ context.Context, bearer string) (domain.Identity, error) {
	if bearer == "" {
		return domain.Identity{}, apperrors.NewUnauthorized("missing bearer token")
	}
	claims, err := a.tokens.ParseToken(bearer)
	if err != nil {
		return domain.Identity{}, apperrors.NewUnauthorized("invalid token")
	}
	if claims.Subject == "" || !claims.Role.Valid() {
		return domain.Identity{}, apperrors.NewUnauthorized("token carries no usable identity")
	}
	return domain.Identity{ID: claims.Subject, Name: claims.Name, Role: claims.Role}, nil
}
