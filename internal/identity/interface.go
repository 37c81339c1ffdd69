package identity

import (
	"context"

	"github.com/plateful/chat/internal/domain"
)

// Provider resolves an authenticated participant identity from a
// bearer token. Fails with domain.ErrUnauthenticated when no valid
// session exists.
type Provider interface {
	CurrentUser(ctx context.Context, token string) (domain.User, error)
}
